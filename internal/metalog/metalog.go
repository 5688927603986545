// Package metalog provides the cluster metadata log: a total-order commit
// log for metadata state. Every mutation flows through a single commit
// queue, so no two mutations ever apply concurrently and readers always
// observe a consistent snapshot at a known epoch.
package metalog

import (
	"context"
	"errors"
	"fmt"
)

// Epoch is a monotonically increasing version number for metadata state.
type Epoch uint64

// MutateFunc transforms the current serialized metadata state into its
// successor. It must not retain or modify the input slice.
type MutateFunc func(current []byte) ([]byte, error)

// Log is a handle to the metadata log. Commit serializes all mutations
// through a single writer; Snapshot returns the latest committed state.
type Log interface {
	Commit(ctx context.Context, mutate MutateFunc) (Epoch, error)
	Snapshot(ctx context.Context) ([]byte, Epoch, error)
	Close() error
}

// ErrClosed is returned for operations on a closed log.
var ErrClosed = errors.New("metadata log is closed")

// backend persists metadata state. Implementations are only ever called
// from the commit queue goroutine for store, so they need no internal
// write serialization beyond compare-and-swap against foreign writers.
type backend interface {
	load(ctx context.Context) ([]byte, Epoch, error)
	store(ctx context.Context, prev Epoch, next []byte) (Epoch, error)
	close() error
}

type commitRequest struct {
	ctx    context.Context
	mutate MutateFunc
	done   chan commitResult
}

type commitResult struct {
	epoch Epoch
	err   error
}

// queueLog implements Log by funneling every Commit through one goroutine.
type queueLog struct {
	be      backend
	commits chan commitRequest
	stop    chan struct{}
	stopped chan struct{}
}

func newQueueLog(be backend) *queueLog {
	l := &queueLog{
		be:      be,
		commits: make(chan commitRequest),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *queueLog) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.stop:
			return
		case req := <-l.commits:
			epoch, err := l.apply(req.ctx, req.mutate)
			req.done <- commitResult{epoch: epoch, err: err}
		}
	}
}

func (l *queueLog) apply(ctx context.Context, mutate MutateFunc) (Epoch, error) {
	current, epoch, err := l.be.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load metadata state: %w", err)
	}
	next, err := mutate(current)
	if err != nil {
		return 0, err
	}
	if next == nil {
		// Mutation decided it has nothing to change.
		return epoch, nil
	}
	committed, err := l.be.store(ctx, epoch, next)
	if err != nil {
		return 0, fmt.Errorf("failed to commit metadata state: %w", err)
	}
	return committed, nil
}

func (l *queueLog) Commit(ctx context.Context, mutate MutateFunc) (Epoch, error) {
	req := commitRequest{ctx: ctx, mutate: mutate, done: make(chan commitResult, 1)}
	select {
	case l.commits <- req:
	case <-l.stop:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.epoch, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *queueLog) Snapshot(ctx context.Context) ([]byte, Epoch, error) {
	select {
	case <-l.stop:
		return nil, 0, ErrClosed
	default:
	}
	return l.be.load(ctx)
}

func (l *queueLog) Close() error {
	select {
	case <-l.stop:
		return nil
	default:
		close(l.stop)
	}
	<-l.stopped
	return l.be.close()
}
