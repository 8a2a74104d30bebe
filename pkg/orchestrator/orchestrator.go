// Package orchestrator drives the consent workflow: it owns the
// local request lifecycle, turns approvals into ledger grants, and
// answers permission checks from ledger truth. Local consent state
// and ledger grants are two separate state machines; only the
// ledger ever proves access.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/contextvault/contextvault/pkg/clock"
	"github.com/contextvault/contextvault/pkg/consent"
	"github.com/contextvault/contextvault/pkg/identity"
	"github.com/contextvault/contextvault/pkg/ledger"
)

var (
	// ErrGrantTransactionFailed marks a ledger write that was
	// rejected after local approval. The local request has been
	// rolled back to pending.
	ErrGrantTransactionFailed = errors.New("orchestrator: grant transaction failed")
	// ErrPermissionDenied marks a live permission check that found
	// no matching grant. It is reported per target and never
	// retried automatically.
	ErrPermissionDenied = errors.New("orchestrator: permission denied")
	// ErrRequestExpired marks an approval attempt on a pending
	// request whose own expiry already lapsed. The request is moved
	// to denied and no grant is recorded.
	ErrRequestExpired = errors.New("orchestrator: consent request expired")
)

// Config configures an Orchestrator.
type Config struct {
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock is an optional time source, for tests.
	Clock clock.Clock
}

// Orchestrator coordinates the consent store and the grant ledger.
type Orchestrator struct {
	store  consent.Store
	ledger ledger.Client
	log    *slog.Logger
	clock  clock.Clock
}

// New builds an Orchestrator over a consent store and a ledger
// client.
func New(store consent.Store, ledgerClient ledger.Client, config Config) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: consent store is required")
	}
	if ledgerClient == nil {
		return nil, errors.New("orchestrator: ledger client is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Orchestrator{
		store:  store,
		ledger: ledgerClient,
		log:    config.Logger,
		clock:  config.Clock,
	}, nil
}

// RequestConsent records a pending access request. It never touches
// the ledger; only an owner approval does.
func (o *Orchestrator) RequestConsent(ctx context.Context, requester, target string, scopes []string, purpose string, ttl time.Duration) (consent.Request, error) {
	now := o.clock.Now()
	req, err := consent.NewRequest(requester, target, scopes, purpose, now)
	if err != nil {
		return consent.Request{}, err
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		req.ExpiresAt = &expires
	}
	if err := o.store.Save(ctx, req); err != nil {
		return consent.Request{}, fmt.Errorf("persist request: %w", err)
	}

	o.log.Info("consent requested",
		"requestId", req.RequestID,
		"requester", req.RequesterContext,
		"target", req.TargetContext,
		"scopes", req.Scopes,
	)
	return req, nil
}

// ApproveConsent moves a pending request to approved and records
// one ledger grant per requested scope. If any ledger write is
// rejected, already-written scopes are revoked, the local status is
// rolled back to pending, and ErrGrantTransactionFailed surfaces;
// an approved request without a grant must never persist. A request
// whose own expiry lapsed is denied instead of approved.
func (o *Orchestrator) ApproveConsent(ctx context.Context, requestID string, level ledger.AccessLevel, expiresAt time.Time) error {
	original, err := o.store.GetByID(ctx, requestID)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	if original.Lapsed(now) {
		if err := o.store.UpdateStatus(ctx, requestID, consent.StatusDenied, now); err != nil {
			return err
		}
		o.log.Info("consent request lapsed before approval", "requestId", requestID)
		return fmt.Errorf("%w: request %s", ErrRequestExpired, requestID)
	}

	if err := o.store.UpdateStatus(ctx, requestID, consent.StatusApproved, now); err != nil {
		return err
	}

	var granted []string
	for _, scope := range original.Scopes {
		_, err := o.ledger.Grant(ctx, original.RequesterContext, original.TargetContext, scope, level, expiresAt)
		if err == nil {
			granted = append(granted, scope)
			continue
		}

		o.rollbackApproval(ctx, original, granted)
		return fmt.Errorf("%w: scope %q: %v", ErrGrantTransactionFailed, scope, err)
	}

	o.log.Info("consent approved",
		"requestId", requestID,
		"scopes", original.Scopes,
		"expiresAt", expiresAt,
	)
	return nil
}

// rollbackApproval undoes a partially applied approval: revokes the
// scopes that made it onto the ledger and restores the pending
// record.
func (o *Orchestrator) rollbackApproval(ctx context.Context, original consent.Request, granted []string) {
	for _, scope := range granted {
		if _, err := o.ledger.Revoke(ctx, original.RequesterContext, original.TargetContext, scope); err != nil {
			o.log.Error("rollback revoke failed",
				"requestId", original.RequestID,
				"scope", scope,
				"error", err,
			)
		}
	}

	restored := original
	restored.Status = consent.StatusPending
	restored.UpdatedAt = o.clock.Now()
	if err := o.store.Save(ctx, restored); err != nil {
		o.log.Error("rollback to pending failed",
			"requestId", original.RequestID,
			"error", err,
		)
	}
}

// CleanupExpiredRequests denies every pending request whose expiry
// lapsed and returns how many were terminated. Expiry is also
// enforced at approval time; the sweep keeps stale requests from
// lingering in owner-facing pending lists.
func (o *Orchestrator) CleanupExpiredRequests(ctx context.Context) (int, error) {
	pending, err := o.store.ListByStatus(ctx, consent.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending requests: %w", err)
	}

	now := o.clock.Now()
	terminated := 0
	for _, req := range pending {
		if !req.Lapsed(now) {
			continue
		}
		if err := o.store.UpdateStatus(ctx, req.RequestID, consent.StatusDenied, now); err != nil {
			return terminated, fmt.Errorf("expire request %s: %w", req.RequestID, err)
		}
		o.log.Info("consent request expired", "requestId", req.RequestID)
		terminated++
	}
	return terminated, nil
}

// DenyConsent moves a pending request to denied. The ledger is not
// involved; nothing was ever granted.
func (o *Orchestrator) DenyConsent(ctx context.Context, requestID string) error {
	if err := o.store.UpdateStatus(ctx, requestID, consent.StatusDenied, o.clock.Now()); err != nil {
		return err
	}
	o.log.Info("consent denied", "requestId", requestID)
	return nil
}

// RevokeConsent withdraws an approved request: the ledger revoke
// runs first, then the local record moves to revoked. A grant that
// already lapsed on the ledger does not block the local revoke.
func (o *Orchestrator) RevokeConsent(ctx context.Context, requestID string) error {
	req, err := o.store.GetByID(ctx, requestID)
	if err != nil {
		return err
	}

	_, err = o.ledger.Revoke(ctx, req.RequesterContext, req.TargetContext, "")
	if err != nil && !errors.Is(err, ledger.ErrNoMatchingGrant) {
		return fmt.Errorf("ledger revoke: %w", err)
	}

	if err := o.store.UpdateStatus(ctx, requestID, consent.StatusRevoked, o.clock.Now()); err != nil {
		return err
	}
	o.log.Info("consent revoked", "requestId", requestID)
	return nil
}

// CheckPermission answers "is access currently permitted?" from
// ledger truth. Self-access short-circuits before the ledger: a
// context always reads itself. Consent store state is never
// consulted here; an approved request is not a grant.
func (o *Orchestrator) CheckPermission(ctx context.Context, requester, scope, target string) (bool, error) {
	req, err := identity.NormalizeAddress(requester)
	if err != nil {
		return false, err
	}
	tgt, err := identity.NormalizeAddress(target)
	if err != nil {
		return false, err
	}

	// Owner bypass: self-access never consults the ledger.
	if req == tgt {
		return true, nil
	}

	grants, err := o.ledger.QueryGrants(ctx, ledger.Filter{
		Requester: req,
		Target:    tgt,
		Scope:     scope,
	})
	if err != nil {
		return false, fmt.Errorf("query grants: %w", err)
	}

	now := o.clock.Now()
	for _, g := range grants {
		if g.Live(now) {
			return true, nil
		}
	}
	return false, nil
}
