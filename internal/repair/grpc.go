package repair

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stratumdb/stratum/internal/logging"
)

const (
	submitMethod = "/stratum.repair.v1.RepairService/Submit"
	statusMethod = "/stratum.repair.v1.RepairService/Status"

	defaultPollInterval = 2 * time.Second
)

// GRPCRunner submits repair jobs over gRPC to a set of repair service
// endpoints, spreading submissions round robin.
type GRPCRunner struct {
	pool         *ConnectionPool
	endpoints    []string
	next         atomic.Uint64
	pollInterval time.Duration
	logger       *logging.Logger
}

// NewGRPCRunner creates a runner over the given endpoints. The runner owns
// its connection pool; call Close when done.
func NewGRPCRunner(endpoints []string, logger *logging.Logger) (*GRPCRunner, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no repair service endpoints configured")
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &GRPCRunner{
		pool:         NewConnectionPool(logger),
		endpoints:    endpoints,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}, nil
}

// Close releases all pooled connections.
func (r *GRPCRunner) Close() {
	r.pool.Close()
}

func (r *GRPCRunner) pickEndpoint() string {
	n := r.next.Add(1)
	return r.endpoints[(n-1)%uint64(len(r.endpoints))]
}

// Submit starts a repair job for keyspace.
func (r *GRPCRunner) Submit(ctx context.Context, keyspace string, opts Options) (Handle, error) {
	endpoint := r.pickEndpoint()
	conn, err := r.pool.GetConnection(endpoint)
	if err != nil {
		return Handle{}, &Failure{Keyspace: keyspace, Ranges: opts.Ranges, Reason: "connect", Err: err}
	}

	req, err := submitRequest(keyspace, opts)
	if err != nil {
		return Handle{}, &Failure{Keyspace: keyspace, Ranges: opts.Ranges, Reason: "encode request", Err: err}
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, submitMethod, req, resp); err != nil {
		return Handle{}, &Failure{Keyspace: keyspace, Ranges: opts.Ranges, Reason: "submit", Err: err}
	}

	jobID, ok := resp.GetFields()["job_id"]
	if !ok {
		return Handle{}, &Failure{Keyspace: keyspace, Ranges: opts.Ranges, Reason: "response missing job_id"}
	}
	id, err := uuid.Parse(jobID.GetStringValue())
	if err != nil {
		return Handle{}, &Failure{Keyspace: keyspace, Ranges: opts.Ranges, Reason: "invalid job_id", Err: err}
	}

	r.logger.Info("Submitted repair job",
		"keyspace", keyspace,
		"job_id", id.String(),
		"endpoint", endpoint,
		"ranges", len(opts.Ranges),
	)
	return Handle{ID: id, Keyspace: keyspace}, nil
}

// AwaitAll polls every job until it reaches a terminal state or ctx is
// done.
func (r *GRPCRunner) AwaitAll(ctx context.Context, handles []Handle) ([]Outcome, error) {
	outcomes := make([]Outcome, len(handles))
	for i, h := range handles {
		outcome, err := r.await(ctx, h)
		if err != nil {
			return nil, err
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

func (r *GRPCRunner) await(ctx context.Context, h Handle) (Outcome, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		outcome, done, err := r.poll(ctx, h)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *GRPCRunner) poll(ctx context.Context, h Handle) (Outcome, bool, error) {
	conn, err := r.pool.GetConnection(r.pickEndpoint())
	if err != nil {
		return Outcome{}, false, &Failure{Keyspace: h.Keyspace, Reason: "connect", Err: err}
	}

	req, err := structpb.NewStruct(map[string]any{"job_id": h.ID.String()})
	if err != nil {
		return Outcome{}, false, err
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, statusMethod, req, resp); err != nil {
		return Outcome{}, false, &Failure{Keyspace: h.Keyspace, Reason: "status", Err: err}
	}

	state := resp.GetFields()["state"].GetStringValue()
	message := resp.GetFields()["message"].GetStringValue()

	switch state {
	case "succeeded":
		return Outcome{Handle: h, Success: true, Message: message}, true, nil
	case "failed":
		return Outcome{Handle: h, Success: false, Message: message}, true, nil
	case "pending", "running":
		return Outcome{}, false, nil
	default:
		return Outcome{}, false, &Failure{Keyspace: h.Keyspace, Reason: fmt.Sprintf("unknown job state %q", state)}
	}
}

func submitRequest(keyspace string, opts Options) (*structpb.Struct, error) {
	fields := map[string]any{
		"keyspace":      keyspace,
		"parallelism":   opts.Parallelism,
		"job_threads":   opts.JobThreads,
		"incremental":   opts.Incremental,
		"repair_data":   opts.RepairData,
		"repair_paxos":  opts.RepairPaxos,
		"repair_accord": opts.RepairAccord,
		"preview":       opts.Preview.String(),
	}

	if len(opts.Tables) > 0 {
		fields["tables"] = toAnySlice(opts.Tables)
	}
	if len(opts.Datacenters) > 0 {
		fields["datacenters"] = toAnySlice(opts.Datacenters)
	}
	if len(opts.Hosts) > 0 {
		fields["hosts"] = toAnySlice(opts.Hosts)
	}
	if len(opts.Ranges) > 0 {
		ranges := make([]any, len(opts.Ranges))
		for i, rng := range opts.Ranges {
			ranges[i] = rng.String()
		}
		fields["ranges"] = ranges
	}

	return structpb.NewStruct(fields)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
