// Package ledger is the typed adapter boundary to the external
// append-only grant ledger. Only the shapes consumed and produced
// here are modeled; the ledger itself executes the state
// transitions and is the sole authority on live grants.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransactionRejected marks a ledger write that was not
	// accepted. Writes are atomic: a rejected transaction applied
	// nothing.
	ErrTransactionRejected = errors.New("ledger: transaction rejected")
	// ErrNoMatchingGrant marks a revoke that found nothing to revoke.
	ErrNoMatchingGrant = errors.New("ledger: no matching grant")
)

// AccessLevel is the capability level of a grant.
type AccessLevel int

const (
	AccessRead AccessLevel = iota
	AccessWrite
)

// String returns the textual level name.
func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// ParseAccessLevel parses a textual level name.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch s {
	case "read":
		return AccessRead, nil
	case "write":
		return AccessWrite, nil
	default:
		return 0, fmt.Errorf("ledger: unknown access level %q", s)
	}
}

// Grant is an authoritative, ledger-recorded permission. A local
// approved consent request is a precursor of a Grant, never proof
// of one.
type Grant struct {
	RequestingContext string
	TargetContext     string
	Scope             string
	AccessLevel       AccessLevel
	GrantedAt         time.Time
	ExpiresAt         time.Time
	GrantedBy         string
}

// Live reports whether the grant is valid at the given instant.
// Expiry is evaluated lazily at query time; expired grants are
// never proactively deleted.
func (g Grant) Live(now time.Time) bool {
	return g.ExpiresAt.IsZero() || now.Before(g.ExpiresAt)
}

// Filter narrows grant and history queries. Empty fields match
// everything.
type Filter struct {
	Requester string
	Target    string
	Scope     string
}

func (f Filter) matches(g Grant) bool {
	if f.Requester != "" && f.Requester != g.RequestingContext {
		return false
	}
	if f.Target != "" && f.Target != g.TargetContext {
		return false
	}
	if f.Scope != "" && f.Scope != g.Scope {
		return false
	}
	return true
}

// Client issues grant operations against the external ledger.
// Every write is a single atomic ledger operation; a non-success
// result is a hard failure with no partial application. Reads are
// eventually consistent with writes from other agents.
type Client interface {
	// RegisterContext records a context registration for an owner
	// and app pair and returns the transaction id.
	RegisterContext(ctx context.Context, contextOwner, appID string) (string, error)

	// Grant records an access grant and returns the transaction id.
	Grant(ctx context.Context, requester, target, scope string, level AccessLevel, expiresAt time.Time) (string, error)

	// Revoke withdraws grants from requester on target; if scope is
	// empty every scope is revoked. Returns the transaction id.
	Revoke(ctx context.Context, requester, target, scope string) (string, error)

	// QueryGrants returns grants matching the filter, including
	// expired ones; callers apply Live for liveness.
	QueryGrants(ctx context.Context, filter Filter) ([]Grant, error)

	// QueryHistory returns the append-only event history matching
	// the filter, oldest first.
	QueryHistory(ctx context.Context, filter Filter) ([]Event, error)
}
