package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/metalog"
	"github.com/stratumdb/stratum/internal/migration"
	"github.com/stratumdb/stratum/internal/repair"
	"github.com/stratumdb/stratum/internal/ring"
)

// fakeRunner records submissions and reports configurable outcomes.
type fakeRunner struct {
	mu          sync.Mutex
	submissions []fakeSubmission
	failNext    bool
	blockAwait  bool
}

type fakeSubmission struct {
	keyspace string
	opts     repair.Options
	handle   repair.Handle
}

func (f *fakeRunner) Submit(ctx context.Context, keyspace string, opts repair.Options) (repair.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := repair.Handle{ID: uuid.New(), Keyspace: keyspace}
	f.submissions = append(f.submissions, fakeSubmission{keyspace: keyspace, opts: opts, handle: h})
	return h, nil
}

func (f *fakeRunner) AwaitAll(ctx context.Context, handles []repair.Handle) ([]repair.Outcome, error) {
	if f.blockAwait {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()

	outcomes := make([]repair.Outcome, len(handles))
	for i, h := range handles {
		outcomes[i] = repair.Outcome{Handle: h, Success: true}
		if fail && i == 0 {
			outcomes[i] = repair.Outcome{Handle: h, Success: false, Message: "streaming session lost"}
		}
	}
	return outcomes, nil
}

func (f *fakeRunner) rounds() []fakeSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSubmission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

func testMigrationConfig() config.MigrationConfig {
	return config.MigrationConfig{
		Keyspaces: []config.KeyspaceConfig{
			{Name: "orders", Tables: []string{"by_customer", "by_id"}},
			{Name: "billing", Tables: []string{"invoices"}},
		},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *migration.StateStore, *fakeRunner) {
	t.Helper()

	log := metalog.NewMemory(nil)
	t.Cleanup(func() { _ = log.Close() })

	store := migration.NewStateStore(log)
	runner := &fakeRunner{}
	resolver := NewConfigResolver(testMigrationConfig())
	cfg := config.RepairConfig{JobThreads: 2, Parallelism: 1, Incremental: true}

	return New(store, resolver, runner, nil, cfg, nil), store, runner
}

func mustRange(t *testing.T, start, end ring.Token) ring.Range {
	t.Helper()
	r, err := ring.NewRange(start, end)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBegin_UnmanagedKeyspace(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, err := c.Begin(context.Background(), BeginRequest{
		Keyspaces: []string{"missing"},
		Range:     mustRange(t, 0, 100),
		Target:    migration.ProtocolAccord,
	})

	var cfgErr *migration.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestBegin_UnknownTable(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, err := c.Begin(context.Background(), BeginRequest{
		Keyspaces: []string{"orders"},
		Tables:    []string{"nonexistent"},
		Range:     mustRange(t, 0, 100),
		Target:    migration.ProtocolAccord,
	})

	var cfgErr *migration.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestBegin_TablesRequireSingleKeyspace(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, err := c.Begin(context.Background(), BeginRequest{
		Keyspaces: []string{"orders", "billing"},
		Tables:    []string{"by_id"},
		Range:     mustRange(t, 0, 100),
		Target:    migration.ProtocolAccord,
	})

	var cfgErr *migration.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestBegin_EmptyKeyspacesResolveToAllManaged(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Begin(ctx, BeginRequest{
		Range:  mustRange(t, 0, 100),
		Target: migration.ProtocolAccord,
	}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	for _, ref := range []migration.TableRef{
		{Keyspace: "orders", Table: "by_id"},
		{Keyspace: "orders", Table: "by_customer"},
		{Keyspace: "billing", Table: "invoices"},
	} {
		phase, _, err := store.PhaseAt(ctx, ref, 50)
		if err != nil {
			t.Fatalf("PhaseAt(%s): %v", ref, err)
		}
		if phase != migration.PhaseMigrating {
			t.Errorf("%s: expected migrating, got %v", ref, phase)
		}
	}
}

func TestFinish_TwoRoundsToAccord(t *testing.T) {
	c, store, runner := newTestCoordinator(t)
	ctx := context.Background()
	rng := mustRange(t, 0, 1000)

	if _, err := c.Begin(ctx, BeginRequest{
		Keyspaces: []string{"orders"},
		Tables:    []string{"by_id"},
		Range:     rng,
		Target:    migration.ProtocolAccord,
	}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	result, err := c.Finish(ctx, FinishRequest{
		Keyspace: "orders",
		Tables:   []string{"by_id"},
		Range:    rng,
		Target:   migration.ProtocolAccord,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if !result.Converged {
		t.Error("expected convergence")
	}
	if result.FirstRoundJobs != 1 || result.SecondRoundJobs != 1 {
		t.Errorf("expected 1 job per round, got %d/%d", result.FirstRoundJobs, result.SecondRoundJobs)
	}

	subs := runner.rounds()
	if len(subs) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(subs))
	}
	// First round flushes paxos state alongside data streaming.
	if !subs[0].opts.RepairData || !subs[0].opts.RepairPaxos || subs[0].opts.RepairAccord {
		t.Errorf("unexpected first round options %+v", subs[0].opts)
	}
	// Second round reconciles accord metadata only.
	if subs[1].opts.RepairData || subs[1].opts.RepairPaxos || !subs[1].opts.RepairAccord {
		t.Errorf("unexpected second round options %+v", subs[1].opts)
	}
	if !subs[0].opts.Incremental || subs[0].opts.JobThreads != 2 {
		t.Errorf("repair config not applied: %+v", subs[0].opts)
	}

	proto, err := store.TableProtocol(ctx, migration.TableRef{Keyspace: "orders", Table: "by_id"})
	if err != nil {
		t.Fatal(err)
	}
	if proto != migration.ProtocolAccord {
		t.Errorf("expected table protocol accord, got %v", proto)
	}
}

func TestFinish_PaxosTargetSingleRound(t *testing.T) {
	c, store, runner := newTestCoordinator(t)
	ctx := context.Background()
	rng := mustRange(t, 0, 1000)

	// Converge billing.invoices onto accord first, then migrate back.
	if _, err := c.Begin(ctx, BeginRequest{
		Keyspaces: []string{"billing"},
		Range:     rng,
		Target:    migration.ProtocolAccord,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Finish(ctx, FinishRequest{Keyspace: "billing", Range: rng, Target: migration.ProtocolAccord}); err != nil {
		t.Fatal(err)
	}
	runner.mu.Lock()
	runner.submissions = nil
	runner.mu.Unlock()

	if _, err := c.Begin(ctx, BeginRequest{
		Keyspaces: []string{"billing"},
		Range:     rng,
		Target:    migration.ProtocolPaxos,
	}); err != nil {
		t.Fatal(err)
	}

	result, err := c.Finish(ctx, FinishRequest{Keyspace: "billing", Range: rng, Target: migration.ProtocolPaxos})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if !result.Converged {
		t.Error("expected convergence")
	}
	if result.FirstRoundJobs != 1 || result.SecondRoundJobs != 0 {
		t.Errorf("expected single round, got %d/%d", result.FirstRoundJobs, result.SecondRoundJobs)
	}

	subs := runner.rounds()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	if !subs[0].opts.RepairAccord || subs[0].opts.RepairPaxos {
		t.Errorf("unexpected options %+v", subs[0].opts)
	}

	proto, err := store.TableProtocol(ctx, migration.TableRef{Keyspace: "billing", Table: "invoices"})
	if err != nil {
		t.Fatal(err)
	}
	if proto != migration.ProtocolPaxos {
		t.Errorf("expected table protocol paxos, got %v", proto)
	}
}

func TestFinish_RepairFailureLeavesStateUnchanged(t *testing.T) {
	c, store, runner := newTestCoordinator(t)
	ctx := context.Background()
	rng := mustRange(t, 0, 1000)

	if _, err := c.Begin(ctx, BeginRequest{
		Keyspaces: []string{"orders"},
		Tables:    []string{"by_id"},
		Range:     rng,
		Target:    migration.ProtocolAccord,
	}); err != nil {
		t.Fatal(err)
	}

	runner.failNext = true
	_, err := c.Finish(ctx, FinishRequest{
		Keyspace: "orders",
		Tables:   []string{"by_id"},
		Range:    rng,
		Target:   migration.ProtocolAccord,
	})

	var failure *repair.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected repair.Failure, got %v", err)
	}

	// The failed first round must not have advanced the phase.
	phase, _, err := store.PhaseAt(ctx, migration.TableRef{Keyspace: "orders", Table: "by_id"}, 500)
	if err != nil {
		t.Fatal(err)
	}
	if phase != migration.PhaseMigrating {
		t.Errorf("expected phase to stay migrating, got %v", phase)
	}
}

func TestFinish_Interrupted(t *testing.T) {
	c, _, runner := newTestCoordinator(t)
	rng := mustRange(t, 0, 1000)

	if _, err := c.Begin(context.Background(), BeginRequest{
		Keyspaces: []string{"orders"},
		Tables:    []string{"by_id"},
		Range:     rng,
		Target:    migration.ProtocolAccord,
	}); err != nil {
		t.Fatal(err)
	}

	runner.blockAwait = true
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	_, err := c.Finish(ctx, FinishRequest{
		Keyspace: "orders",
		Tables:   []string{"by_id"},
		Range:    rng,
		Target:   migration.ProtocolAccord,
	})

	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cause to be context.Canceled, got %v", err)
	}
}

func TestFinish_NothingBegunIsNotConverged(t *testing.T) {
	c, _, runner := newTestCoordinator(t)

	result, err := c.Finish(context.Background(), FinishRequest{
		Keyspace: "orders",
		Tables:   []string{"by_id"},
		Range:    mustRange(t, 0, 1000),
		Target:   migration.ProtocolAccord,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if result.Converged {
		t.Error("table never began migrating toward accord, must not report converged")
	}
	if len(runner.rounds()) != 0 {
		t.Errorf("expected no repair jobs, got %d", len(runner.rounds()))
	}
}

func TestFinish_PartialRangeNeedsRerun(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Begin(ctx, BeginRequest{
		Keyspaces: []string{"orders"},
		Tables:    []string{"by_id"},
		Range:     mustRange(t, 0, 1000),
		Target:    migration.ProtocolAccord,
	}); err != nil {
		t.Fatal(err)
	}

	// Finishing only half the migrating range repairs that half but the
	// table cannot flip protocols while the rest is outstanding, so the
	// pass succeeds without convergence.
	result, err := c.Finish(ctx, FinishRequest{
		Keyspace: "orders",
		Tables:   []string{"by_id"},
		Range:    mustRange(t, 0, 500),
		Target:   migration.ProtocolAccord,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if result.Converged {
		t.Error("half the range is still migrating, must not report converged")
	}
	if result.FirstRoundJobs != 1 {
		t.Errorf("expected the covered half to be repaired, got %d jobs", result.FirstRoundJobs)
	}

	full, err := c.Finish(ctx, FinishRequest{
		Keyspace: "orders",
		Tables:   []string{"by_id"},
		Range:    mustRange(t, 0, 1000),
		Target:   migration.ProtocolAccord,
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !full.Converged {
		t.Error("full range should converge after second pass")
	}
}

func TestResolver_EmptyTablesResolveAll(t *testing.T) {
	r := NewConfigResolver(testMigrationConfig())

	refs, err := r.ResolveTables("orders", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].Table != "by_customer" || refs[1].Table != "by_id" {
		t.Errorf("unexpected refs %+v", refs)
	}
}
