package registry

import (
	"context"
	"sync"
)

// Memory is the single-node ConnRegistry. It is also what tests use.
type Memory struct {
	mu    sync.RWMutex
	conns map[string]string
}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{conns: make(map[string]string)}
}

func (m *Memory) Put(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[userID] = connID
	return nil
}

func (m *Memory) Get(_ context.Context, userID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connID, ok := m.conns[userID]
	return connID, ok, nil
}

func (m *Memory) Drop(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[userID] == connID {
		delete(m.conns, userID)
	}
	return nil
}

var _ ConnRegistry = (*Memory)(nil)
