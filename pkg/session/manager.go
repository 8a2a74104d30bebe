package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contextvault/contextvault/pkg/clock"
	"github.com/contextvault/contextvault/pkg/identity"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 10 * time.Minute

// DefaultServerTimeout bounds each individual key-server call.
const DefaultServerTimeout = 5 * time.Second

// Signer produces the one out-of-band user signature over a
// session-binding message. Implementations usually prompt a wallet.
type Signer interface {
	Sign(ctx context.Context, subjectAddress string, message []byte) ([]byte, error)
}

// KeyReleaseClient is the boundary to the external threshold
// service. Decrypt performs the split-key round trip for one
// ciphertext under an approved session; an implementation that can
// already tell too few servers cooperated returns
// ErrThresholdUnavailable. Ping probes one configured key server.
type KeyReleaseClient interface {
	Decrypt(ctx context.Context, sess Session, ciphertext []byte) ([]byte, error)
	Ping(ctx context.Context, server string) error
}

// Health is the key-server fleet condition.
type Health int

const (
	// Unhealthy means fewer live servers than the threshold; key
	// release is impossible.
	Unhealthy Health = iota
	// Degraded means at least threshold servers responded but not
	// all of them.
	Degraded
	// Healthy means every configured server responded in time.
	Healthy
)

// String returns the textual health name.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Config configures a Manager. Every recognized option is an
// explicit field; validation happens eagerly in NewManager.
type Config struct {
	// PackageContext is the access-registry reference approval
	// transactions are bound to.
	PackageContext string
	// TTL is the session lifetime. Zero means DefaultTTL.
	TTL time.Duration
	// Threshold is the number of key servers that must cooperate
	// for a key release. Must not exceed len(KeyServers).
	Threshold int
	// KeyServers lists the configured key-release servers.
	KeyServers []string
	// ServerTimeout bounds each individual key-server call. Zero
	// means DefaultServerTimeout.
	ServerTimeout time.Duration
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock is an optional time source, for tests.
	Clock clock.Clock
}

// Manager caches one live session per subject address and coalesces
// concurrent first-accesses so a subject is never prompted twice
// for the same session.
type Manager struct {
	config  Config
	signer  Signer
	release KeyReleaseClient
	log     *slog.Logger
	clock   clock.Clock

	mu       sync.Mutex
	sessions map[string]Session
	inflight map[string]*creation
}

// creation is a single in-flight session build. Waiters block on
// done instead of issuing their own signature prompt.
type creation struct {
	done chan struct{}
	sess Session
	err  error
}

// NewManager validates the configuration and builds a Manager.
// Threshold feasibility is checked here, not at call time, so a
// misconfigured deployment fails at startup.
func NewManager(config Config, signer Signer, release KeyReleaseClient) (*Manager, error) {
	if signer == nil {
		return nil, errors.New("session: signer is required")
	}
	if release == nil {
		return nil, errors.New("session: key release client is required")
	}
	if config.PackageContext == "" {
		return nil, errors.New("session: package context is required")
	}
	if config.Threshold < 1 {
		return nil, fmt.Errorf("session: threshold must be at least 1, got %d", config.Threshold)
	}
	if config.Threshold > len(config.KeyServers) {
		return nil, fmt.Errorf(
			"session: threshold %d exceeds configured key servers %d",
			config.Threshold, len(config.KeyServers),
		)
	}
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}
	if config.ServerTimeout == 0 {
		config.ServerTimeout = DefaultServerTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Manager{
		config:   config,
		signer:   signer,
		release:  release,
		log:      config.Logger,
		clock:    config.Clock,
		sessions: make(map[string]Session),
		inflight: make(map[string]*creation),
	}, nil
}

// GetOrCreateSession returns a cached, non-expired session for the
// subject, or builds one. Building requests exactly one signature;
// concurrent callers for the same subject share the build.
func (m *Manager) GetOrCreateSession(ctx context.Context, subjectAddress string) (Session, error) {
	subject, err := identity.NormalizeAddress(subjectAddress)
	if err != nil {
		return Session{}, err
	}

	for {
		m.mu.Lock()
		if sess, ok := m.sessions[subject]; ok {
			if !sess.Expired(m.clock.Now()) {
				m.mu.Unlock()
				return sess, nil
			}
			delete(m.sessions, subject)
		}
		if c, ok := m.inflight[subject]; ok {
			m.mu.Unlock()
			select {
			case <-c.done:
			case <-ctx.Done():
				return Session{}, ctx.Err()
			}
			if c.err != nil {
				return Session{}, c.err
			}
			// The shared build may have finished just as its TTL
			// window closed; loop to re-check instead of handing out
			// a dead session.
			if c.sess.Expired(m.clock.Now()) {
				continue
			}
			return c.sess, nil
		}

		c := &creation{done: make(chan struct{})}
		m.inflight[subject] = c
		m.mu.Unlock()

		sess, err := m.createSession(ctx, subject)
		c.sess, c.err = sess, err

		m.mu.Lock()
		delete(m.inflight, subject)
		if err == nil {
			m.sessions[subject] = sess
		}
		m.mu.Unlock()
		close(c.done)

		return sess, err
	}
}

// createSession signs the binding message and assembles the
// approval transaction payload bound to the package context.
func (m *Manager) createSession(ctx context.Context, subject string) (Session, error) {
	message := BindingMessage(subject, m.config.PackageContext, m.config.TTL)

	signature, err := m.signer.Sign(ctx, subject, message)
	if err != nil {
		return Session{}, fmt.Errorf("sign session message: %w", err)
	}

	sess := Session{
		SubjectAddress:           subject,
		SessionMaterial:          signature,
		ApprovalTransactionBytes: approvalPayload(subject, m.config.PackageContext, signature),
		CreatedAt:                m.clock.Now(),
		TTL:                      m.config.TTL,
	}

	m.log.Debug("decryption session created",
		"subject", subject,
		"ttl", m.config.TTL,
	)
	return sess, nil
}

// approvalPayload builds the transaction bytes the key servers
// verify before releasing key shares:
// context-string || len(subject)(4, BE) || subject ||
// len(package)(4, BE) || package || signature.
func approvalPayload(subject, packageContext string, signature []byte) []byte {
	buf := make([]byte, 0,
		len(sessionContextV1)+4+len(subject)+4+len(packageContext)+len(signature))
	buf = append(buf, sessionContextV1...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(subject))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, subject...)

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(packageContext))) //#nosec G115
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, packageContext...)

	buf = append(buf, signature...)
	return buf
}

// Decrypt releases one plaintext under an existing session. No
// additional signature is requested; an expired session fails with
// ErrSessionExpired so the caller can re-create it once. A release
// failure while fewer live key servers than the threshold exist is
// reported as ErrThresholdUnavailable; retrying cannot succeed until
// servers return.
func (m *Manager) Decrypt(ctx context.Context, sess Session, ciphertext []byte) ([]byte, error) {
	if sess.Expired(m.clock.Now()) {
		return nil, fmt.Errorf("%w: subject %s", ErrSessionExpired, sess.SubjectAddress)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.ServerTimeout)
	defer cancel()

	plaintext, err := m.release.Decrypt(callCtx, sess, ciphertext)
	if err != nil {
		if errors.Is(err, ErrThresholdUnavailable) {
			return nil, err
		}
		if m.HealthCheck(ctx) == Unhealthy {
			return nil, fmt.Errorf("%w: %v", ErrThresholdUnavailable, err)
		}
		return nil, fmt.Errorf("threshold decrypt: %w", err)
	}
	return plaintext, nil
}

// CleanupExpired evicts expired sessions and returns how many were
// removed. Expiry is otherwise evaluated lazily on access; this
// sweep only bounds memory.
func (m *Manager) CleanupExpired() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for subject, sess := range m.sessions {
		if sess.Expired(now) {
			delete(m.sessions, subject)
			removed++
		}
	}
	return removed
}

// Logout destroys the subject's session, forcing a new signature
// prompt on next use.
func (m *Manager) Logout(subjectAddress string) {
	subject, err := identity.NormalizeAddress(subjectAddress)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.sessions, subject)
	m.mu.Unlock()
}

// HealthCheck probes every configured key server, each bounded by
// ServerTimeout. Healthy needs all servers, Degraded at least
// Threshold, anything less is Unhealthy.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	type result struct {
		server string
		err    error
	}

	results := make(chan result, len(m.config.KeyServers))
	for _, server := range m.config.KeyServers {
		server := server
		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, m.config.ServerTimeout)
			defer cancel()
			results <- result{server: server, err: m.release.Ping(pingCtx, server)}
		}()
	}

	responding := 0
	for range m.config.KeyServers {
		res := <-results
		if res.err != nil {
			m.log.Warn("key server unreachable",
				"server", res.server,
				"error", res.err,
			)
			continue
		}
		responding++
	}

	switch {
	case responding == len(m.config.KeyServers):
		return Healthy
	case responding >= m.config.Threshold:
		return Degraded
	default:
		return Unhealthy
	}
}
