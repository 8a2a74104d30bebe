// Package aggregate fans a query out across many target contexts,
// applies live permission checks per target, and merges decrypted
// results. One context failing never aborts the batch; denied or
// failed contexts are reported, not silently dropped.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/contextvault/contextvault/pkg/blob"
	"github.com/contextvault/contextvault/pkg/clock"
	"github.com/contextvault/contextvault/pkg/identity"
	"github.com/contextvault/contextvault/pkg/session"
)

// DefaultTargetTimeout bounds retrieval and decryption per target
// context.
const DefaultTargetTimeout = 10 * time.Second

// Skip reasons reported for contexts excluded from a query.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonCheckFailed      = "permission_check_failed"
	ReasonBadAddress       = "malformed_context_address"
)

// PermissionChecker answers live authorization questions. The
// orchestrator implements it against ledger truth.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, requester, scope, target string) (bool, error)
}

// SessionSource hands out the shared decryption session for a user
// and performs session-gated decrypts.
type SessionSource interface {
	GetOrCreateSession(ctx context.Context, subjectAddress string) (session.Session, error)
	Decrypt(ctx context.Context, sess session.Session, ciphertext []byte) ([]byte, error)
}

// ContextDirectory resolves context identifiers to their records,
// so ownership can short-circuit permission checks.
type ContextDirectory interface {
	Lookup(contextID string) (identity.Context, bool)
}

// ItemRef points at one encrypted item inside a context.
type ItemRef struct {
	BlobID   string
	Category string
}

// ItemSource lists the encrypted items of a context. The vault's
// index implements it; tests use fixtures.
type ItemSource interface {
	ListItems(ctx context.Context, contextID string) ([]ItemRef, error)
}

// Request describes one cross-context query.
type Request struct {
	RequestingContext string
	UserAddress       string
	TargetContexts    []string
	QueryText         string
	Scope             string
	Limit             int
}

// Item is one decrypted, matching result.
type Item struct {
	ContextID string
	BlobID    string
	Category  string
	Content   []byte
	relevance int
}

// SkippedContext names a context excluded from the query and why.
type SkippedContext struct {
	ContextID string
	Reason    string
}

// ItemFailure records one item that could not be retrieved or
// decrypted. The rest of the batch is unaffected.
type ItemFailure struct {
	ContextID string
	BlobID    string
	Error     string
}

// Metrics exposes per-query behavior so over-fetching and slow
// paths are observable in tests.
type Metrics struct {
	ContextsChecked  int
	PermissionChecks int
	QueryTime        time.Duration
}

// Result is the outcome of one aggregation query.
type Result struct {
	Items           []Item
	QueriedContexts []string
	SkippedContexts []SkippedContext
	Failures        []ItemFailure
	Metrics         Metrics
}

// Config configures an Engine.
type Config struct {
	// TargetTimeout bounds retrieval and decryption per target
	// context. Zero means DefaultTargetTimeout.
	TargetTimeout time.Duration
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock is an optional time source, for tests.
	Clock clock.Clock
}

// Engine executes cross-context queries.
type Engine struct {
	checker   PermissionChecker
	sessions  SessionSource
	directory ContextDirectory
	items     ItemSource
	blobs     blob.Store
	config    Config
	log       *slog.Logger
	clock     clock.Clock
}

// New builds an Engine over its collaborators.
func New(checker PermissionChecker, sessions SessionSource, directory ContextDirectory, items ItemSource, blobs blob.Store, config Config) (*Engine, error) {
	if checker == nil || sessions == nil || directory == nil || items == nil || blobs == nil {
		return nil, errors.New("aggregate: all collaborators are required")
	}
	if config.TargetTimeout == 0 {
		config.TargetTimeout = DefaultTargetTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Engine{
		checker:   checker,
		sessions:  sessions,
		directory: directory,
		items:     items,
		blobs:     blobs,
		config:    config,
		log:       config.Logger,
		clock:     config.Clock,
	}, nil
}

// authorization is the outcome of one target's permission check.
type authorization struct {
	contextID string
	allowed   bool
	skip      *SkippedContext
	ledgerHit bool
}

// Query runs the full fan-out: authorize each target, fetch and
// decrypt items from authorized ones through one shared session,
// filter, merge, rank, and truncate. Per-target failures are
// isolated and reported.
func (e *Engine) Query(ctx context.Context, req Request) (Result, error) {
	started := e.clock.Now()

	userAddress, err := identity.NormalizeAddress(req.UserAddress)
	if err != nil {
		return Result{}, fmt.Errorf("user address: %w", err)
	}

	auths := e.authorizeTargets(ctx, req)

	var result Result
	result.Metrics.ContextsChecked = len(auths)

	var authorized []string
	for _, a := range auths {
		if a.ledgerHit {
			result.Metrics.PermissionChecks++
		}
		if a.allowed {
			authorized = append(authorized, a.contextID)
			continue
		}
		result.SkippedContexts = append(result.SkippedContexts, *a.skip)
	}

	if len(authorized) > 0 {
		// One session for the whole query: this is where a single
		// signature pays for every decrypt below.
		sess, err := e.sessions.GetOrCreateSession(ctx, userAddress)
		if err != nil {
			return Result{}, fmt.Errorf("open decryption session: %w", err)
		}
		e.collect(ctx, req, sess, authorized, &result)
	}

	sort.Slice(result.Items, func(i, j int) bool {
		if result.Items[i].relevance != result.Items[j].relevance {
			return result.Items[i].relevance > result.Items[j].relevance
		}
		return result.Items[i].BlobID < result.Items[j].BlobID
	})
	if req.Limit > 0 && len(result.Items) > req.Limit {
		result.Items = result.Items[:req.Limit]
	}

	result.QueriedContexts = authorized
	result.Metrics.QueryTime = e.clock.Now().Sub(started)
	return result, nil
}

// authorizeTargets checks every target concurrently. Checks are
// independent of each other; order of the returned slice follows
// the request so output stays deterministic.
func (e *Engine) authorizeTargets(ctx context.Context, req Request) []authorization {
	auths := make([]authorization, len(req.TargetContexts))

	var wg sync.WaitGroup
	for i, target := range req.TargetContexts {
		i, target := i, target
		wg.Add(1)
		go func() {
			defer wg.Done()
			auths[i] = e.authorizeOne(ctx, req, target)
		}()
	}
	wg.Wait()
	return auths
}

func (e *Engine) authorizeOne(ctx context.Context, req Request, target string) authorization {
	canonical, err := identity.NormalizeAddress(target)
	if err != nil {
		return authorization{
			contextID: target,
			skip:      &SkippedContext{ContextID: target, Reason: ReasonBadAddress},
		}
	}

	// Owner bypass: the user's own contexts never need the ledger.
	if record, ok := e.directory.Lookup(canonical); ok && record.OwnedBy(req.UserAddress) {
		return authorization{contextID: canonical, allowed: true}
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.config.TargetTimeout)
	defer cancel()

	allowed, err := e.checker.CheckPermission(checkCtx, req.RequestingContext, req.Scope, canonical)
	if err != nil {
		e.log.Warn("permission check failed",
			"target", canonical,
			"error", err,
		)
		return authorization{
			contextID: canonical,
			ledgerHit: true,
			skip:      &SkippedContext{ContextID: canonical, Reason: ReasonCheckFailed},
		}
	}
	if !allowed {
		return authorization{
			contextID: canonical,
			ledgerHit: true,
			skip:      &SkippedContext{ContextID: canonical, Reason: ReasonPermissionDenied},
		}
	}
	return authorization{contextID: canonical, allowed: true, ledgerHit: true}
}

// collect fetches, decrypts, and filters items from every
// authorized context concurrently. Failures append to the result
// instead of aborting it.
func (e *Engine) collect(ctx context.Context, req Request, sess session.Session, authorized []string, result *Result) {
	category := scopeCategory(req.Scope)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, contextID := range authorized {
		contextID := contextID
		wg.Add(1)
		go func() {
			defer wg.Done()

			targetCtx, cancel := context.WithTimeout(ctx, e.config.TargetTimeout)
			defer cancel()

			items, failures := e.collectOne(targetCtx, req, sess, contextID, category)

			mu.Lock()
			result.Items = append(result.Items, items...)
			result.Failures = append(result.Failures, failures...)
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func (e *Engine) collectOne(ctx context.Context, req Request, sess session.Session, contextID, category string) ([]Item, []ItemFailure) {
	refs, err := e.items.ListItems(ctx, contextID)
	if err != nil {
		return nil, []ItemFailure{{
			ContextID: contextID,
			Error:     fmt.Sprintf("list items: %v", err),
		}}
	}

	var items []Item
	var failures []ItemFailure
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			failures = append(failures, ItemFailure{
				ContextID: contextID,
				BlobID:    ref.BlobID,
				Error:     err.Error(),
			})
			continue
		}
		if category != "" && ref.Category != "" && ref.Category != category {
			continue
		}

		ciphertext, err := e.blobs.Get(ctx, ref.BlobID)
		if err != nil {
			failures = append(failures, ItemFailure{
				ContextID: contextID,
				BlobID:    ref.BlobID,
				Error:     fmt.Sprintf("fetch: %v", err),
			})
			continue
		}

		plaintext, err := e.decryptWithRetry(ctx, sess, ciphertext)
		if err != nil {
			failures = append(failures, ItemFailure{
				ContextID: contextID,
				BlobID:    ref.BlobID,
				Error:     fmt.Sprintf("decrypt: %v", err),
			})
			continue
		}

		relevance, ok := match(plaintext, req.QueryText)
		if !ok {
			continue
		}
		items = append(items, Item{
			ContextID: contextID,
			BlobID:    ref.BlobID,
			Category:  ref.Category,
			Content:   plaintext,
			relevance: relevance,
		})
	}
	return items, failures
}

// decryptWithRetry re-creates the shared session exactly once when
// it lapses mid-query. Anything else fails the item, not the batch.
func (e *Engine) decryptWithRetry(ctx context.Context, sess session.Session, ciphertext []byte) ([]byte, error) {
	plaintext, err := e.sessions.Decrypt(ctx, sess, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	if !errors.Is(err, session.ErrSessionExpired) {
		return nil, err
	}

	fresh, err := e.sessions.GetOrCreateSession(ctx, sess.SubjectAddress)
	if err != nil {
		return nil, fmt.Errorf("recreate session: %w", err)
	}
	return e.sessions.Decrypt(ctx, fresh, ciphertext)
}

// match reports whether plaintext satisfies the query text and how
// strongly. An empty query matches everything at zero relevance.
func match(plaintext []byte, queryText string) (int, bool) {
	if queryText == "" {
		return 0, true
	}
	haystack := strings.ToLower(string(plaintext))
	needle := strings.ToLower(queryText)
	count := strings.Count(haystack, needle)
	return count, count > 0
}

// scopeCategory extracts the data category of a scope string, e.g.
// "read:memories" -> "memories". Scopes without a category part
// match every category.
func scopeCategory(scope string) string {
	if _, category, ok := strings.Cut(scope, ":"); ok {
		return category
	}
	return ""
}
