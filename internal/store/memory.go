package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Repository used by tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]map[string]string
	devices map[string]time.Time
	writes  int
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]map[string]string),
		devices: make(map[string]time.Time),
	}
}

// GetValue implements Repository.
func (m *MemoryStore) GetValue(_ context.Context, ownerID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[ownerID][key]
	return v, ok, nil
}

// PutValue implements Repository.
func (m *MemoryStore) PutValue(_ context.Context, ownerID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[ownerID]; !ok {
		m.values[ownerID] = make(map[string]string)
	}
	m.values[ownerID][key] = value
	m.writes++
	return nil
}

// DeleteValue implements Repository.
func (m *MemoryStore) DeleteValue(_ context.Context, ownerID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[ownerID], key)
	return nil
}

// TouchDevice implements Repository.
func (m *MemoryStore) TouchDevice(_ context.Context, ownerID string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[ownerID] = seen
	return nil
}

// DeleteStaleDevices implements Repository.
func (m *MemoryStore) DeleteStaleDevices(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var n int64
	for id, seen := range m.devices {
		if seen.Before(cutoff) {
			delete(m.devices, id)
			delete(m.values, id)
			n++
		}
	}
	return n, nil
}

// WriteCount returns the number of successful writes.
func (m *MemoryStore) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Ping implements Repository.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (m *MemoryStore) Close() error { return nil }

var _ Repository = (*MemoryStore)(nil)
