package store

import (
	"context"
	"sync"

	"github.com/mikey/pr-ingest/internal/core"
)

// MemoryStore is an in-process ObjectStore used for dry runs and tests
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// PutIfAbsent stores a copy of data unless key exists
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; ok {
		return core.ErrObjectExists
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the object at key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, core.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// Keys returns the stored keys
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
