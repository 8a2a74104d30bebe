// Package contextvault maintains many isolated, app-scoped data
// partitions ("contexts") under one root identity and lets apps
// request, grant, and revoke time-bounded, scope-limited access to
// each other's contexts. Grants live on an external append-only
// ledger; decryption is gated by an external threshold-encryption
// service. This package orchestrates the two, it does not replace
// either.
package contextvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/contextvault/contextvault/pkg/aggregate"
	"github.com/contextvault/contextvault/pkg/blob"
	"github.com/contextvault/contextvault/pkg/clock"
	"github.com/contextvault/contextvault/pkg/consent"
	"github.com/contextvault/contextvault/pkg/identity"
	"github.com/contextvault/contextvault/pkg/ledger"
	"github.com/contextvault/contextvault/pkg/orchestrator"
	"github.com/contextvault/contextvault/pkg/session"
)

var (
	ErrNotStarted     = errors.New("contextvault: vault not started")
	ErrClosed         = errors.New("contextvault: vault closed")
	ErrUnknownContext = errors.New("contextvault: unknown context")
)

// Config configures a Vault instance. Only Paths[0] is used at the
// moment; an empty Paths runs everything in memory.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold for on-disk operations.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// Salt is the per-user derivation salt. Zero means a fresh salt
	// is generated on Start (or loaded from disk when Paths is set).
	Salt identity.Salt
	// PackageContext is the access-registry reference decryption
	// sessions are bound to.
	PackageContext string
	// SessionTTL overrides the decryption session lifetime.
	SessionTTL time.Duration
	// Threshold is the key-release threshold. Must not exceed the
	// number of KeyServers.
	Threshold int
	// KeyServers lists the configured key-release servers.
	KeyServers []string
	// Clock is an optional time source, for tests.
	Clock clock.Clock
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// Vault is the main handle. It owns the consent store, the context
// registry, and the lifecycle of every subsystem; the ledger, the
// signer, the key-release service, and the blob store are injected
// collaborators.
type Vault struct {
	log    *slog.Logger
	config Config
	clock  clock.Clock

	ledger  ledger.Client
	signer  session.Signer
	release session.KeyReleaseClient
	blobs   blob.Store

	consentStore consent.Store
	badger       *consent.BadgerStore
	orch         *orchestrator.Orchestrator
	sessions     *session.Manager
	engine       *aggregate.Engine

	salt     identity.Salt
	mu       sync.RWMutex
	contexts map[string]identity.Context
	items    map[string][]aggregate.ItemRef

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a Vault handle. New does not perform I/O or start
// subsystems; call Start.
func New(conf Config, ledgerClient ledger.Client, signer session.Signer, release session.KeyReleaseClient, blobs blob.Store) (*Vault, error) {
	if ledgerClient == nil {
		return nil, errors.New("contextvault: ledger client is required")
	}
	if signer == nil {
		return nil, errors.New("contextvault: signer is required")
	}
	if release == nil {
		return nil, errors.New("contextvault: key release client is required")
	}
	if blobs == nil {
		return nil, errors.New("contextvault: blob store is required")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.Clock == nil {
		conf.Clock = clock.Real()
	}
	return &Vault{
		log:      conf.Logger,
		config:   conf,
		clock:    conf.Clock,
		ledger:   ledgerClient,
		signer:   signer,
		release:  release,
		blobs:    blobs,
		salt:     conf.Salt,
		contexts: make(map[string]identity.Context),
		items:    make(map[string][]aggregate.ItemRef),
	}, nil
}

// Start initializes the consent store, the session manager, and the
// aggregation engine. Start is safe to call multiple times; only
// the first call has effect.
func (v *Vault) Start(ctx context.Context) error {
	var startErr error
	v.startOnce.Do(func() {
		if v.salt.IsZero() {
			salt, err := v.loadOrCreateSalt()
			if err != nil {
				startErr = err
				return
			}
			v.salt = salt
		}

		if len(v.config.Paths) > 0 {
			dataRoot := v.config.Paths[0]
			consentDir := filepath.Join(dataRoot, "consent")
			if err := os.MkdirAll(consentDir, 0o700); err != nil {
				startErr = fmt.Errorf("mkdir %s: %w", consentDir, err)
				return
			}
			store, err := consent.NewBadgerStore(consent.StoreConfig{
				Paths:            []string{consentDir},
				MinimumFreeSpace: int(v.config.MinimumFreeGB),
				Logger:           logrus.New(),
			})
			if err != nil {
				startErr = fmt.Errorf("open consent store: %w", err)
				return
			}
			v.badger = store
			v.consentStore = store
		} else {
			v.consentStore = consent.NewMemoryStore()
		}

		orch, err := orchestrator.New(v.consentStore, v.ledger, orchestrator.Config{
			Logger: v.log,
			Clock:  v.clock,
		})
		if err != nil {
			startErr = err
			return
		}
		v.orch = orch

		sessions, err := session.NewManager(session.Config{
			PackageContext: v.config.PackageContext,
			TTL:            v.config.SessionTTL,
			Threshold:      v.config.Threshold,
			KeyServers:     v.config.KeyServers,
			Logger:         v.log,
			Clock:          v.clock,
		}, v.signer, v.release)
		if err != nil {
			startErr = fmt.Errorf("init session manager: %w", err)
			return
		}
		v.sessions = sessions

		engine, err := aggregate.New(orch, sessions, v, v, v.blobs, aggregate.Config{
			Logger: v.log,
			Clock:  v.clock,
		})
		if err != nil {
			startErr = err
			return
		}
		v.engine = engine

		v.started.Store(true)
		v.log.Info("vault started",
			"durable", v.badger != nil,
			"keyServers", len(v.config.KeyServers),
			"threshold", v.config.Threshold,
		)
	})
	if startErr != nil {
		return startErr
	}
	if !v.started.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// loadOrCreateSalt keeps the salt stable across restarts when a
// data directory is configured; ephemeral vaults get a fresh one.
func (v *Vault) loadOrCreateSalt() (identity.Salt, error) {
	if len(v.config.Paths) == 0 {
		return identity.NewSalt()
	}

	dataRoot := v.config.Paths[0]
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return identity.Salt{}, fmt.Errorf("mkdir %s: %w", dataRoot, err)
	}
	saltPath := filepath.Join(dataRoot, "context.salt")

	raw, err := os.ReadFile(saltPath)
	if err == nil {
		return identity.SaltHexadecimal(string(raw))
	}
	if !os.IsNotExist(err) {
		return identity.Salt{}, fmt.Errorf("read salt: %w", err)
	}

	salt, err := identity.NewSalt()
	if err != nil {
		return identity.Salt{}, err
	}
	if err := os.WriteFile(saltPath, []byte(salt.String()), 0o600); err != nil {
		return identity.Salt{}, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// Close releases the consent store and rejects further use.
func (v *Vault) Close() error {
	var closeErr error
	v.closeOnce.Do(func() {
		v.started.Store(false)
		if v.badger != nil {
			closeErr = v.badger.Close()
		}
	})
	return closeErr
}

func (v *Vault) ready() error {
	if !v.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// RegisterContext derives the deterministic context for an app
// under a root identity, records it locally, and registers it on
// the ledger. Registering the same pair twice returns the existing
// context.
func (v *Vault) RegisterContext(ctx context.Context, rootAddress, appID string) (identity.Context, error) {
	if err := v.ready(); err != nil {
		return identity.Context{}, err
	}

	record, err := identity.NewContext(rootAddress, appID, v.salt, v.clock.Now())
	if err != nil {
		return identity.Context{}, err
	}
	key := record.ContextID.String()

	v.mu.RLock()
	existing, ok := v.contexts[key]
	v.mu.RUnlock()
	if ok {
		return existing, nil
	}

	if _, err := v.ledger.RegisterContext(ctx, record.RootAddress, appID); err != nil {
		return identity.Context{}, fmt.Errorf("register on ledger: %w", err)
	}

	v.mu.Lock()
	v.contexts[key] = record
	v.mu.Unlock()

	v.log.Info("context registered",
		"contextId", key,
		"appId", appID,
	)
	return record, nil
}

// Lookup resolves a context identifier. It implements the
// aggregation engine's directory.
func (v *Vault) Lookup(contextID string) (identity.Context, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.contexts[contextID]
	return c, ok
}

// StoreItem persists one already-encrypted payload into a context
// and indexes it under a category.
func (v *Vault) StoreItem(ctx context.Context, contextID string, ciphertext []byte, category string) (string, error) {
	if err := v.ready(); err != nil {
		return "", err
	}

	v.mu.RLock()
	_, known := v.contexts[contextID]
	v.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownContext, contextID)
	}

	blobID, err := v.blobs.Put(ctx, ciphertext, map[string]string{
		"context":  contextID,
		"category": category,
	})
	if err != nil {
		return "", fmt.Errorf("store item: %w", err)
	}

	v.mu.Lock()
	v.items[contextID] = append(v.items[contextID], aggregate.ItemRef{
		BlobID:   blobID,
		Category: category,
	})
	v.mu.Unlock()
	return blobID, nil
}

// ListItems lists a context's encrypted items. It implements the
// aggregation engine's item source.
func (v *Vault) ListItems(_ context.Context, contextID string) ([]aggregate.ItemRef, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	refs := v.items[contextID]
	out := make([]aggregate.ItemRef, len(refs))
	copy(out, refs)
	return out, nil
}

// Query runs a cross-context aggregation query.
func (v *Vault) Query(ctx context.Context, req aggregate.Request) (aggregate.Result, error) {
	if err := v.ready(); err != nil {
		return aggregate.Result{}, err
	}
	return v.engine.Query(ctx, req)
}

// Permissions returns the consent workflow orchestrator.
func (v *Vault) Permissions() *orchestrator.Orchestrator {
	return v.orch
}

// Sessions returns the decryption session manager.
func (v *Vault) Sessions() *session.Manager {
	return v.sessions
}

// Salt returns the vault's derivation salt. Anyone holding it can
// recompute every context identifier of this root identity.
func (v *Vault) Salt() identity.Salt {
	return v.salt
}
