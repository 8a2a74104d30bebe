package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contextvault/contextvault/pkg/clock"
	"github.com/contextvault/contextvault/pkg/identity"
)

// MemoryLedger is an in-process Client used by tests, the example
// binary, and ephemeral agents. It keeps the adapter contract
// honest: atomic writes, append-only history, lazy expiry, and one
// in-flight write per (requester, target, scope) tuple.
type MemoryLedger struct {
	mu         sync.RWMutex
	grants     map[string]Grant
	history    []Event
	registered map[string]struct{}
	clock      clock.Clock

	tupleMu sync.Mutex
	inWrite map[string]*sync.Mutex
}

// NewMemoryLedger creates an empty ledger using the given clock.
func NewMemoryLedger(clk clock.Clock) *MemoryLedger {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryLedger{
		grants:     make(map[string]Grant),
		registered: make(map[string]struct{}),
		inWrite:    make(map[string]*sync.Mutex),
		clock:      clk,
	}
}

// RegisterContext records the owner/app registration. Re-registering
// the same pair is idempotent on the ledger.
func (l *MemoryLedger) RegisterContext(ctx context.Context, contextOwner, appID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, err := identity.NormalizeAddress(contextOwner)
	if err != nil {
		return "", fmt.Errorf("%w: owner: %v", ErrTransactionRejected, err)
	}
	if appID == "" {
		return "", fmt.Errorf("%w: empty appID", ErrTransactionRejected)
	}

	l.mu.Lock()
	l.registered[owner+"|"+appID] = struct{}{}
	l.mu.Unlock()
	return uuid.NewString(), nil
}

func tupleKey(requester, target, scope string) string {
	return requester + "|" + target + "|" + scope
}

// lockTuple serializes writes per (requester, target, scope) so a
// revoke cannot race ahead of the grant it targets.
func (l *MemoryLedger) lockTuple(key string) func() {
	l.tupleMu.Lock()
	m, ok := l.inWrite[key]
	if !ok {
		m = &sync.Mutex{}
		l.inWrite[key] = m
	}
	l.tupleMu.Unlock()

	m.Lock()
	return m.Unlock
}

func normalizePair(requester, target string) (string, string, error) {
	req, err := identity.NormalizeAddress(requester)
	if err != nil {
		return "", "", fmt.Errorf("requester: %w", err)
	}
	tgt, err := identity.NormalizeAddress(target)
	if err != nil {
		return "", "", fmt.Errorf("target: %w", err)
	}
	return req, tgt, nil
}

// Grant records an access grant. The grant replaces any prior grant
// for the same tuple.
func (l *MemoryLedger) Grant(ctx context.Context, requester, target, scope string, level AccessLevel, expiresAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, tgt, err := normalizePair(requester, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransactionRejected, err)
	}
	if scope == "" {
		return "", fmt.Errorf("%w: empty scope", ErrTransactionRejected)
	}
	now := l.clock.Now()
	if !expiresAt.IsZero() && !expiresAt.After(now) {
		return "", fmt.Errorf("%w: expiry not in the future", ErrTransactionRejected)
	}

	key := tupleKey(req, tgt, scope)
	unlock := l.lockTuple(key)
	defer unlock()

	grant := Grant{
		RequestingContext: req,
		TargetContext:     tgt,
		Scope:             scope,
		AccessLevel:       level,
		GrantedAt:         now,
		ExpiresAt:         expiresAt,
		GrantedBy:         tgt,
	}

	l.mu.Lock()
	l.grants[key] = grant
	l.history = append(l.history, Event{
		Kind:              EventKindAccessChanged,
		Timestamp:         now,
		RequestingContext: req,
		TargetContext:     tgt,
		Scope:             scope,
		AccessLevel:       level,
		ExpiresAt:         expiresAt,
		GrantedBy:         tgt,
		Granted:           true,
	})
	l.mu.Unlock()

	return uuid.NewString(), nil
}

// Revoke withdraws grants from requester on target. Empty scope
// revokes every scope the requester holds on the target.
func (l *MemoryLedger) Revoke(ctx context.Context, requester, target, scope string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, tgt, err := normalizePair(requester, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransactionRejected, err)
	}

	unlock := l.lockTuple(tupleKey(req, tgt, scope))
	defer unlock()

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var revoked []Grant
	for key, g := range l.grants {
		if g.RequestingContext != req || g.TargetContext != tgt {
			continue
		}
		if scope != "" && g.Scope != scope {
			continue
		}
		revoked = append(revoked, g)
		delete(l.grants, key)
	}
	if len(revoked) == 0 {
		return "", fmt.Errorf("%w: %s on %s", ErrNoMatchingGrant, req, tgt)
	}

	for _, g := range revoked {
		l.history = append(l.history, Event{
			Kind:              EventKindAccessChanged,
			Timestamp:         now,
			RequestingContext: g.RequestingContext,
			TargetContext:     g.TargetContext,
			Scope:             g.Scope,
			AccessLevel:       g.AccessLevel,
			GrantedBy:         g.GrantedBy,
			Granted:           false,
		})
	}

	return uuid.NewString(), nil
}

// QueryGrants returns grants matching the filter. Expired grants
// stay queryable; liveness is the caller's question to ask.
func (l *MemoryLedger) QueryGrants(ctx context.Context, filter Filter) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Grant
	for _, g := range l.grants {
		if filter.matches(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

// QueryHistory returns matching events oldest first.
func (l *MemoryLedger) QueryHistory(ctx context.Context, filter Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, ev := range l.history {
		g := Grant{
			RequestingContext: ev.RequestingContext,
			TargetContext:     ev.TargetContext,
			Scope:             ev.Scope,
		}
		if filter.matches(g) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func normalizeFilter(f Filter) (Filter, error) {
	if f.Requester != "" {
		req, err := identity.NormalizeAddress(f.Requester)
		if err != nil {
			return Filter{}, fmt.Errorf("filter requester: %w", err)
		}
		f.Requester = req
	}
	if f.Target != "" {
		tgt, err := identity.NormalizeAddress(f.Target)
		if err != nil {
			return Filter{}, fmt.Errorf("filter target: %w", err)
		}
		f.Target = tgt
	}
	return f, nil
}
