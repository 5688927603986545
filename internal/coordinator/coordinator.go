// Package coordinator sequences consensus protocol migrations: it
// validates operator requests, records migration intent in the metadata
// log, drives the repair rounds each migrating range needs, and reports
// whether the requested scope has converged on the target protocol.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/events"
	"github.com/stratumdb/stratum/internal/logging"
	"github.com/stratumdb/stratum/internal/metalog"
	"github.com/stratumdb/stratum/internal/migration"
	"github.com/stratumdb/stratum/internal/repair"
	"github.com/stratumdb/stratum/internal/ring"
)

// ErrInterrupted reports that a finish-migration pass was cut short by
// cancellation rather than by a repair failure. State already recorded
// stays recorded; re-running resumes from it.
var ErrInterrupted = errors.New("migration interrupted")

// Coordinator drives migrations end to end.
type Coordinator struct {
	store    *migration.StateStore
	resolver Resolver
	runner   repair.Runner
	bus      *events.Bus
	cfg      config.RepairConfig
	logger   *logging.Logger
}

// New wires a coordinator. The bus may be nil when event publishing is
// not configured.
func New(store *migration.StateStore, resolver Resolver, runner repair.Runner, bus *events.Bus, cfg config.RepairConfig, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Global()
	}
	return &Coordinator{
		store:    store,
		resolver: resolver,
		runner:   runner,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// BeginRequest asks to start migrating a token range of one or more
// keyspaces toward a target protocol.
type BeginRequest struct {
	Keyspaces []string
	Tables    []string
	Range     ring.Range
	Target    migration.Protocol
}

// Begin records migration intent for every resolved table and publishes
// a started event per table. It performs no repair work.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) (metalog.Epoch, error) {
	if len(req.Tables) > 0 && len(req.Keyspaces) != 1 {
		return 0, &migration.ConfigurationError{
			Reason: "an explicit table list requires exactly one keyspace",
		}
	}

	keyspaces, err := c.resolver.ResolveKeyspaces(req.Keyspaces)
	if err != nil {
		return 0, err
	}

	var refs []migration.TableRef
	for _, ks := range keyspaces {
		tables, err := c.resolver.ResolveTables(ks, req.Tables)
		if err != nil {
			return 0, err
		}
		refs = append(refs, tables...)
	}

	epoch, err := c.store.BeginMigration(ctx, refs, req.Range, req.Target)
	if err != nil {
		return 0, err
	}

	c.logger.Info("Began protocol migration",
		"target", req.Target.String(),
		"range", req.Range.String(),
		"tables", len(refs),
		"epoch", uint64(epoch),
	)

	evs := make([]events.Event, 0, len(refs))
	for _, ref := range refs {
		evs = append(evs, events.Event{
			Type:     events.TypeMigrationStarted,
			Keyspace: ref.Keyspace,
			Table:    ref.Table,
			Range:    req.Range.String(),
			Target:   req.Target.String(),
			Epoch:    uint64(epoch),
		})
	}
	c.publishBatch(ctx, evs)

	return epoch, nil
}

// FinishRequest asks to run the repair rounds needed to complete a
// migration over a token range of one keyspace.
type FinishRequest struct {
	Keyspace string
	Tables   []string
	Range    ring.Range
	Target   migration.Protocol
}

// FinishResult reports what a finish-migration pass accomplished.
type FinishResult struct {
	// Converged is true when every requested table finished migrating
	// over the requested range. False with a nil error means the pass
	// made progress but another run is needed, for example because new
	// ranges began migrating concurrently.
	Converged bool
	Epoch     metalog.Epoch

	FirstRoundJobs  int
	SecondRoundJobs int
}

// Finish drives the repair rounds for the migrating ranges intersecting
// the request and marks the completed phases in the metadata log.
// Migrations toward accord take two rounds; toward paxos, in-flight
// accord state is visible to paxos readers after a single round, so no
// second round runs.
func (c *Coordinator) Finish(ctx context.Context, req FinishRequest) (*FinishResult, error) {
	refs, err := c.resolver.ResolveTables(req.Keyspace, req.Tables)
	if err != nil {
		return nil, err
	}

	plan, err := c.store.FinishPlan(ctx, req.Keyspace, req.Tables, req.Range, req.Target)
	if err != nil {
		return nil, err
	}

	result := &FinishResult{Epoch: plan.Epoch}

	if !plan.NothingToDo() {
		first, err := c.runRound(ctx, req, plan, roundFirst)
		if err != nil {
			return nil, err
		}
		result.FirstRoundJobs = first

		if first > 0 {
			epoch, err := c.store.MarkFirstRepairComplete(ctx, req.Keyspace, req.Tables, req.Range, req.Target)
			if err != nil {
				return nil, err
			}
			result.Epoch = epoch
		}

		if req.Target == migration.ProtocolAccord {
			// The first round may have advanced more ranges into the
			// second phase, so re-plan instead of reusing the old one.
			plan, err = c.store.FinishPlan(ctx, req.Keyspace, req.Tables, req.Range, req.Target)
			if err != nil {
				return nil, err
			}
			second, err := c.runRound(ctx, req, plan, roundSecond)
			if err != nil {
				return nil, err
			}
			result.SecondRoundJobs = second
		}

		if result.FirstRoundJobs > 0 || result.SecondRoundJobs > 0 {
			epoch, err := c.store.MarkMigrated(ctx, req.Keyspace, req.Tables, req.Range, req.Target)
			if err != nil {
				return nil, err
			}
			if epoch > result.Epoch {
				result.Epoch = epoch
			}
		}
	}

	converged := true
	for _, ref := range refs {
		done, err := c.store.Migrated(ctx, ref, req.Range, req.Target)
		if err != nil {
			return nil, err
		}
		if !done {
			converged = false
			break
		}
	}
	result.Converged = converged

	if converged {
		evs := make([]events.Event, 0, len(refs))
		for _, ref := range refs {
			evs = append(evs, events.Event{
				Type:     events.TypeMigrationFinished,
				Keyspace: ref.Keyspace,
				Table:    ref.Table,
				Range:    req.Range.String(),
				Target:   req.Target.String(),
				Epoch:    uint64(result.Epoch),
			})
		}
		c.publishBatch(ctx, evs)
	} else {
		c.logger.Info("Migration pass finished without full convergence, re-run to continue",
			"keyspace", req.Keyspace,
			"range", req.Range.String(),
			"target", req.Target.String(),
		)
	}

	return result, nil
}

type round int

const (
	roundFirst round = iota
	roundSecond
)

// runRound submits one repair job per table that has work in the round
// and waits for all of them. Returns the number of jobs run.
func (c *Coordinator) runRound(ctx context.Context, req FinishRequest, plan *migration.Plan, r round) (int, error) {
	var handles []repair.Handle

	for _, tp := range plan.Tables {
		ranges := tp.FirstRound
		if r == roundSecond {
			ranges = tp.SecondRound
		}
		if len(ranges) == 0 {
			continue
		}

		opts := repair.Options{
			Tables:      []string{tp.Ref.Table},
			Ranges:      ranges,
			Parallelism: c.cfg.Parallelism,
			JobThreads:  c.cfg.JobThreads,
			Incremental: c.cfg.Incremental,
		}
		switch r {
		case roundFirst:
			// The first round streams data and flushes in-flight state
			// of the protocol being migrated away from.
			opts.RepairData = true
			opts.RepairPaxos = req.Target == migration.ProtocolAccord
			opts.RepairAccord = req.Target == migration.ProtocolPaxos
		case roundSecond:
			// The second round reconciles the target protocol's
			// metadata now that all replicas have the first round's
			// results.
			opts.RepairAccord = true
		}

		c.publish(ctx, events.Event{
			Type:     events.TypeRepairStarted,
			Keyspace: tp.Ref.Keyspace,
			Table:    tp.Ref.Table,
			Target:   req.Target.String(),
		})

		h, err := c.runner.Submit(ctx, req.Keyspace, opts)
		if err != nil {
			return 0, c.interruptedOr(ctx, err)
		}
		handles = append(handles, h)
	}

	if len(handles) == 0 {
		return 0, nil
	}

	outcomes, err := c.runner.AwaitAll(ctx, handles)
	if err != nil {
		return 0, c.interruptedOr(ctx, err)
	}

	for _, o := range outcomes {
		if !o.Success {
			return 0, &repair.Failure{
				Keyspace: req.Keyspace,
				Reason:   fmt.Sprintf("job %s reported failure: %s", o.Handle, o.Message),
			}
		}
		c.publish(ctx, events.Event{
			Type:     events.TypeRepairCompleted,
			Keyspace: o.Handle.Keyspace,
			Target:   req.Target.String(),
		})
	}

	return len(handles), nil
}

// interruptedOr distinguishes operator cancellation from repair trouble.
func (c *Coordinator) interruptedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	return err
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn("Failed to publish migration event", "type", string(ev.Type), "error", err)
	}
}

func (c *Coordinator) publishBatch(ctx context.Context, evs []events.Event) {
	if c.bus == nil || len(evs) == 0 {
		return
	}
	if _, err := c.bus.PublishBatch(ctx, evs); err != nil {
		c.logger.Warn("Failed to publish migration events", "count", len(evs), "error", err)
	}
}
