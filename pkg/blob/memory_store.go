package blob

import (
	"context"
	"sync"
)

type memoryRecord struct {
	data []byte
	tags map[string]string
}

// MemoryStore is an in-memory Store for tests and ephemeral agents.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryRecord
}

// NewMemoryStore creates a new, empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryRecord),
	}
}

// Get retrieves a payload by id.
func (s *MemoryStore) Get(_ context.Context, blobID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[blobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, nil
}

// Put persists a payload and returns its content address.
func (s *MemoryStore) Put(_ context.Context, data []byte, tags map[string]string) (string, error) {
	id := ID(data)

	stored := make([]byte, len(data))
	copy(stored, data)
	tagCopy := make(map[string]string, len(tags))
	for k, v := range tags {
		tagCopy[k] = v
	}

	s.mu.Lock()
	s.data[id] = memoryRecord{data: stored, tags: tagCopy}
	s.mu.Unlock()
	return id, nil
}

// Tags returns the tag map stored with a payload.
func (s *MemoryStore) Tags(_ context.Context, blobID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[blobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(rec.tags))
	for k, v := range rec.tags {
		out[k] = v
	}
	return out, nil
}
