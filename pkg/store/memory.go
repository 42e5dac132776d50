package store

import (
	"sync"
)

// MemoryStore is an in-memory implementation of the flag store.
// It is not durable; it stands in for one across simulated restarts in tests,
// and as the fallback when the configured backend cannot be opened.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]bool

	// Injected failures
	GetErr   error
	SetErr   error
	FlushErr error

	flushes int
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags: make(map[string]bool),
	}
}

// Name implements Store
func (s *MemoryStore) Name() string { return "memory" }

// GetBool implements Store
func (s *MemoryStore) GetBool(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.GetErr != nil {
		return false, &OpError{Op: "get", Key: key, Backend: "memory", Err: s.GetErr}
	}
	return s.flags[key], nil
}

// SetBool implements Store
func (s *MemoryStore) SetBool(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SetErr != nil {
		return &OpError{Op: "set", Key: key, Backend: "memory", Err: s.SetErr}
	}
	s.flags[key] = value
	return nil
}

// Flush implements Store
func (s *MemoryStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FlushErr != nil {
		return &OpError{Op: "flush", Backend: "memory", Err: s.FlushErr}
	}
	s.flushes++
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

// Flushes returns how many successful flushes happened
func (s *MemoryStore) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

// Snapshot returns a copy of all flags
func (s *MemoryStore) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}
