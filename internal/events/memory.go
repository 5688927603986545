package events

import (
	"context"
	"fmt"
	"sync"
)

// memoryTransport moves payloads over in-process channels. Used for tests
// and single-node development.
type memoryTransport struct {
	channels      map[string]chan []byte
	subscriptions map[string]context.CancelFunc
	mu            sync.RWMutex
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		channels:      make(map[string]chan []byte),
		subscriptions: make(map[string]context.CancelFunc),
	}
}

func (t *memoryTransport) getOrCreateChannel(subject string) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, exists := t.channels[subject]; exists {
		return ch
	}

	ch := make(chan []byte, 1024)
	t.channels[subject] = ch
	return ch
}

func (t *memoryTransport) Publish(ctx context.Context, subject string, data []byte) error {
	ch := t.getOrCreateChannel(subject)

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case ch <- dataCopy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("channel full for subject: %s", subject)
	}
}

func (t *memoryTransport) PublishBatch(ctx context.Context, messages []message) (int, error) {
	successCount := 0
	for _, msg := range messages {
		if err := t.Publish(ctx, msg.subject, msg.data); err != nil {
			continue
		}
		successCount++
	}
	return successCount, nil
}

func (t *memoryTransport) Subscribe(subject string, handler func(data []byte) error) error {
	t.mu.Lock()
	if _, exists := t.subscriptions[subject]; exists {
		t.mu.Unlock()
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}
	t.mu.Unlock()

	ch := t.getOrCreateChannel(subject)
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.subscriptions[subject] = cancel
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				// No redelivery in memory, a failed handler just drops.
				_ = handler(data)
			}
		}
	}()

	return nil
}

func (t *memoryTransport) Unsubscribe(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cancel, exists := t.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	cancel()
	delete(t.subscriptions, subject)
	return nil
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for subject, cancel := range t.subscriptions {
		cancel()
		delete(t.subscriptions, subject)
	}
	for subject, ch := range t.channels {
		close(ch)
		delete(t.channels, subject)
	}
	return nil
}

// pendingCount reports buffered payloads for a subject (used in tests).
func (t *memoryTransport) pendingCount(subject string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ch, exists := t.channels[subject]; exists {
		return len(ch)
	}
	return 0
}
