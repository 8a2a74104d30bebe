package consent

import (
	"context"
	"sync"
	"time"

	"github.com/contextvault/contextvault/pkg/identity"
)

// MemoryStore is an in-memory Store backed by a map. It is safe for
// concurrent use and is the backend for tests and ephemeral agents.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Request
}

// NewMemoryStore creates a new, empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Request),
	}
}

// Save persists a request. The record is copied so the caller's
// slice references are not retained.
func (s *MemoryStore) Save(_ context.Context, req Request) error {
	if req.RequestID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[req.RequestID] = cloneRequest(req)
	return nil
}

// UpdateStatus moves a request through its lifecycle.
func (s *MemoryStore) UpdateStatus(_ context.Context, requestID string, status Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.data[requestID]
	if !ok {
		return ErrNotFound
	}
	if !req.Status.CanTransition(status) {
		return transitionError(req.Status, status)
	}
	req.Status = status
	req.UpdatedAt = at
	s.data[requestID] = req
	return nil
}

// GetByID retrieves a request by id.
func (s *MemoryStore) GetByID(_ context.Context, requestID string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.data[requestID]
	if !ok {
		return Request{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

// ListByTarget returns requests addressed to a target context.
func (s *MemoryStore) ListByTarget(_ context.Context, target string, status *Status) ([]Request, error) {
	canonical, err := identity.NormalizeAddress(target)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Request
	for _, req := range s.data {
		if req.TargetContext == canonical && matchStatus(req, status) {
			out = append(out, cloneRequest(req))
		}
	}
	sortRequests(out)
	return out, nil
}

// ListByRequester returns requests issued by a requester context.
func (s *MemoryStore) ListByRequester(_ context.Context, requester string, status *Status) ([]Request, error) {
	canonical, err := identity.NormalizeAddress(requester)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Request
	for _, req := range s.data {
		if req.RequesterContext == canonical && matchStatus(req, status) {
			out = append(out, cloneRequest(req))
		}
	}
	sortRequests(out)
	return out, nil
}

// ListByStatus returns every request currently in the given status.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Request
	for _, req := range s.data {
		if req.Status == status {
			out = append(out, cloneRequest(req))
		}
	}
	sortRequests(out)
	return out, nil
}

// Delete removes a request by id.
func (s *MemoryStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[requestID]; !ok {
		return ErrNotFound
	}
	delete(s.data, requestID)
	return nil
}

func cloneRequest(req Request) Request {
	out := req
	out.Scopes = append([]string(nil), req.Scopes...)
	if req.ExpiresAt != nil {
		exp := *req.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
