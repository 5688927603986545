package metalog

import (
	"context"
	"sync"
)

// memoryBackend keeps metadata state in process memory. Used by tests and
// single-node deployments.
type memoryBackend struct {
	mu    sync.RWMutex
	state []byte
	epoch Epoch
}

// NewMemory creates an in-memory metadata log seeded with initial state.
// Initial may be nil for an empty log.
func NewMemory(initial []byte) Log {
	be := &memoryBackend{}
	if initial != nil {
		be.state = append([]byte(nil), initial...)
		be.epoch = 1
	}
	return newQueueLog(be)
}

func (m *memoryBackend) load(_ context.Context) ([]byte, Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, m.epoch, nil
	}
	return append([]byte(nil), m.state...), m.epoch, nil
}

func (m *memoryBackend) store(_ context.Context, _ Epoch, next []byte) (Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = append([]byte(nil), next...)
	m.epoch++
	return m.epoch, nil
}

func (m *memoryBackend) close() error {
	return nil
}
