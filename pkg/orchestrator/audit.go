package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/contextvault/contextvault/pkg/consent"
	"github.com/contextvault/contextvault/pkg/identity"
	"github.com/contextvault/contextvault/pkg/ledger"
)

// AuditAction names one step of the consent/grant history.
type AuditAction string

const (
	AuditRequest AuditAction = "request"
	AuditApprove AuditAction = "approve"
	AuditDeny    AuditAction = "deny"
	AuditGrant   AuditAction = "grant"
	AuditRevoke  AuditAction = "revoke"
)

// AuditEntry is one reconstructed history step. Entries come from
// two eventually-consistent sources: local consent transitions and
// the ledger's event stream.
type AuditEntry struct {
	Timestamp      time.Time
	Action         AuditAction
	Actor          string
	SubjectContext string
	Scope          string
}

// GetPermissionAudit reconstructs the permission history of a
// target context by merging local consent transitions with the
// ledger's grant/revoke events. Entries sort ascending by
// timestamp; on a tie the local entry precedes the remote one, so
// the merge is deterministic across runs.
func (o *Orchestrator) GetPermissionAudit(ctx context.Context, target string) ([]AuditEntry, error) {
	tgt, err := identity.NormalizeAddress(target)
	if err != nil {
		return nil, err
	}

	requests, err := o.store.ListByTarget(ctx, tgt, nil)
	if err != nil {
		return nil, fmt.Errorf("list consent requests: %w", err)
	}

	events, err := o.ledger.QueryHistory(ctx, ledger.Filter{Target: tgt})
	if err != nil {
		return nil, fmt.Errorf("query ledger history: %w", err)
	}

	// Local entries first: the stable sort keeps them ahead of
	// remote entries with equal timestamps.
	entries := make([]AuditEntry, 0, len(requests)*2+len(events))
	for _, req := range requests {
		entries = append(entries, localEntries(req)...)
	}
	for _, ev := range events {
		entries = append(entries, AuditEntry{
			Timestamp:      ev.Timestamp,
			Action:         eventAction(ev),
			Actor:          ev.GrantedBy,
			SubjectContext: ev.TargetContext,
			Scope:          ev.Scope,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// localEntries expands one consent record into its observable
// transitions. Only the latest transition time survives in the
// record, so a revoked request contributes its request and revoke
// steps; the intermediate approval is reconstructed from the
// ledger's grant event instead.
func localEntries(req consent.Request) []AuditEntry {
	scope := ""
	if len(req.Scopes) > 0 {
		scope = req.Scopes[0]
	}

	entries := []AuditEntry{{
		Timestamp:      req.CreatedAt,
		Action:         AuditRequest,
		Actor:          req.RequesterContext,
		SubjectContext: req.TargetContext,
		Scope:          scope,
	}}

	var action AuditAction
	switch req.Status {
	case consent.StatusApproved:
		action = AuditApprove
	case consent.StatusDenied:
		action = AuditDeny
	case consent.StatusRevoked:
		action = AuditRevoke
	default:
		return entries
	}

	entries = append(entries, AuditEntry{
		Timestamp:      req.UpdatedAt,
		Action:         action,
		Actor:          req.TargetContext,
		SubjectContext: req.TargetContext,
		Scope:          scope,
	})
	return entries
}

func eventAction(ev ledger.Event) AuditAction {
	if ev.Granted {
		return AuditGrant
	}
	return AuditRevoke
}
