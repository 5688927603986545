// Package repair drives anti-entropy repair rounds against the cluster's
// repair service. Migration away from one consensus protocol requires the
// affected ranges to be repaired before traffic can switch, so the
// coordinator submits jobs here and waits for them to settle.
package repair

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratumdb/stratum/internal/ring"
)

// Preview selects a dry-run mode for a repair job.
type Preview int

const (
	// PreviewNone runs the repair for real.
	PreviewNone Preview = iota
	// PreviewAll previews all streamed data.
	PreviewAll
	// PreviewUnrepaired previews only data outside repaired ranges.
	PreviewUnrepaired
	// PreviewRepaired validates already repaired data.
	PreviewRepaired
)

var previewNames = map[Preview]string{
	PreviewNone:       "none",
	PreviewAll:        "all",
	PreviewUnrepaired: "unrepaired",
	PreviewRepaired:   "repaired",
}

func (p Preview) String() string {
	if name, ok := previewNames[p]; ok {
		return name
	}
	return fmt.Sprintf("preview(%d)", int(p))
}

// ParsePreview parses a preview mode name.
func ParsePreview(s string) (Preview, error) {
	for p, name := range previewNames {
		if name == s {
			return p, nil
		}
	}
	return PreviewNone, fmt.Errorf("unknown preview mode %q", s)
}

// Options describes one repair job submission.
type Options struct {
	// Tables restricts the job to the named tables; empty means the whole
	// keyspace.
	Tables []string
	// Ranges restricts the job to the given token ranges; empty means the
	// node's full ownership.
	Ranges      []ring.Range
	Datacenters []string
	Hosts       []string

	Parallelism int
	JobThreads  int
	Incremental bool

	// Which consistency mechanisms to repair. Data repair streams row
	// state; the paxos and accord flags flush and reconcile in-flight
	// consensus metadata for the ranges.
	RepairData   bool
	RepairPaxos  bool
	RepairAccord bool

	Preview Preview
}

// Handle identifies a submitted repair job.
type Handle struct {
	ID       uuid.UUID
	Keyspace string
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s", h.Keyspace, h.ID)
}

// Outcome is the terminal result of one repair job.
type Outcome struct {
	Handle  Handle
	Success bool
	Message string
}

// Failure reports a repair job that did not complete successfully.
type Failure struct {
	Keyspace string
	Ranges   []ring.Range
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("repair failed for keyspace %s: %s", f.Keyspace, f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Runner submits repair jobs and waits for their outcomes.
type Runner interface {
	// Submit starts a repair job for keyspace and returns immediately
	// with a handle for it.
	Submit(ctx context.Context, keyspace string, opts Options) (Handle, error)
	// AwaitAll blocks until every job has reached a terminal state or
	// ctx is done. A returned error means awaiting itself broke down;
	// per-job failures are reported through the outcomes.
	AwaitAll(ctx context.Context, handles []Handle) ([]Outcome, error)
}
