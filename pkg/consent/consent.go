// Package consent records cross-context access requests and their
// lifecycle, independent of the grant ledger. A request here is a
// precursor of a grant, never proof of one.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/contextvault/contextvault/pkg/identity"
)

var (
	// ErrNotFound marks a lookup for an unknown request id.
	ErrNotFound = errors.New("consent: request not found")
	// ErrInvalidTransition marks a status update the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("consent: invalid status transition")
)

// Status is the lifecycle state of a consent request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusRevoked
)

// String returns the textual status name. The textual form is also
// the persisted form shared by every backend.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ParseStatus parses a persisted status name.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "denied":
		return StatusDenied, nil
	case "revoked":
		return StatusRevoked, nil
	default:
		return 0, fmt.Errorf("consent: unknown status %q", s)
	}
}

// MarshalJSON persists the textual status name so both backends
// share one record schema.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the persisted textual status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether the lifecycle permits moving from s
// to next. The lifecycle is monotonic except approved -> revoked.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusDenied
	case StatusApproved:
		return next == StatusRevoked
	default:
		return false
	}
}

// Request is one cross-context access request. RequestID is unique
// and immutable; addresses are stored in canonical form.
type Request struct {
	RequestID        string     `json:"requestId"`
	RequesterContext string     `json:"requesterContext"`
	TargetContext    string     `json:"targetContext"`
	Scopes           []string   `json:"scopes"`
	Purpose          string     `json:"purpose"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
}

// NewRequest builds a pending request with a fresh unique id and
// canonicalized addresses.
func NewRequest(requester, target string, scopes []string, purpose string, now time.Time) (Request, error) {
	reqAddr, err := identity.NormalizeAddress(requester)
	if err != nil {
		return Request{}, fmt.Errorf("requester: %w", err)
	}
	tgtAddr, err := identity.NormalizeAddress(target)
	if err != nil {
		return Request{}, fmt.Errorf("target: %w", err)
	}
	if len(scopes) == 0 {
		return Request{}, errors.New("consent: at least one scope required")
	}
	return Request{
		RequestID:        uuid.NewString(),
		RequesterContext: reqAddr,
		TargetContext:    tgtAddr,
		Scopes:           append([]string(nil), scopes...),
		Purpose:          purpose,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Lapsed reports whether the request's own expiry has passed. A
// request without an expiry never lapses.
func (r Request) Lapsed(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// HasScope reports whether the request covers the named scope.
func (r Request) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Store is the consent persistence contract. Both backends read and
// write the identical record schema; swapping them must not change
// observable behavior.
type Store interface {
	// Save persists a new request. Saving an existing id replaces
	// the record.
	Save(ctx context.Context, req Request) error

	// UpdateStatus moves a request through its lifecycle. Disallowed
	// transitions fail with ErrInvalidTransition.
	UpdateStatus(ctx context.Context, requestID string, status Status, at time.Time) error

	// GetByID retrieves a request. Unknown ids fail with ErrNotFound.
	GetByID(ctx context.Context, requestID string) (Request, error)

	// ListByTarget returns requests addressed to a target context,
	// optionally filtered by status.
	ListByTarget(ctx context.Context, target string, status *Status) ([]Request, error)

	// ListByRequester returns requests issued by a requester context,
	// optionally filtered by status.
	ListByRequester(ctx context.Context, requester string, status *Status) ([]Request, error)

	// ListByStatus returns every request currently in the given
	// status, regardless of requester or target.
	ListByStatus(ctx context.Context, status Status) ([]Request, error)

	// Delete removes a request. Unknown ids fail with ErrNotFound.
	Delete(ctx context.Context, requestID string) error
}

func matchStatus(r Request, status *Status) bool {
	return status == nil || r.Status == *status
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// sortRequests orders list results by creation time ascending, ties
// broken by request id, so both backends list deterministically.
func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].RequestID < reqs[j].RequestID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
