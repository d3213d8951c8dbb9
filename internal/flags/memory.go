package flags

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It is durable only for the life of the
// process and is meant for tests and dry runs.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]string
	readOnly bool
	writes   int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// SetReadOnly makes subsequent Sets fail with ErrReadOnly.
func (m *Memory) SetReadOnly(ro bool) {
	m.mu.Lock()
	m.readOnly = ro
	m.mu.Unlock()
}

// Writes returns the number of successful Sets.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return &WriteError{Key: key, Err: ErrReadOnly}
	}
	m.values[key] = value
	m.writes++
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
