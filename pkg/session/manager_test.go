package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSigner struct {
	prompts atomic.Int64
	fail    atomic.Bool
}

func (s *fakeSigner) Sign(_ context.Context, subject string, message []byte) ([]byte, error) {
	s.prompts.Add(1)
	if s.fail.Load() {
		return nil, errors.New("user rejected prompt")
	}
	return append([]byte("sig:"+subject+":"), message...), nil
}

type fakeRelease struct {
	decrypts   atomic.Int64
	downset    sync.Map // server -> struct{}
	decryptErr error    // set before use, never mutated concurrently
}

func (r *fakeRelease) Decrypt(_ context.Context, sess Session, ciphertext []byte) ([]byte, error) {
	r.decrypts.Add(1)
	if r.decryptErr != nil {
		return nil, r.decryptErr
	}
	if len(sess.SessionMaterial) == 0 {
		return nil, errors.New("missing session material")
	}
	return append([]byte("plain:"), ciphertext...), nil
}

func (r *fakeRelease) Ping(_ context.Context, server string) error {
	if _, down := r.downset.Load(server); down {
		return errors.New("unreachable")
	}
	return nil
}

const subject = "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

func newTestManager(t *testing.T, clk *fakeClock, signer *fakeSigner, release *fakeRelease) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		PackageContext: "0xregistry",
		Threshold:      2,
		KeyServers:     []string{"ks-1", "ks-2", "ks-3"},
		Clock:          clk,
	}, signer, release)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestSessionReuseSingleSignature(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	signer := &fakeSigner{}
	release := &fakeRelease{}
	m := newTestManager(t, clk, signer, release)
	ctx := context.Background()

	first, err := m.GetOrCreateSession(ctx, subject)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := m.GetOrCreateSession(ctx, subject)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if string(first.SessionMaterial) != string(second.SessionMaterial) {
		t.Fatal("second call must return the cached session")
	}
	if got := signer.prompts.Load(); got != 1 {
		t.Fatalf("expected exactly one signature prompt, got %d", got)
	}

	for i := 0; i < 10; i++ {
		if _, err := m.Decrypt(ctx, first, []byte{byte(i)}); err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
	}
	if got := signer.prompts.Load(); got != 1 {
		t.Fatalf("decrypts must not prompt again, prompts: %d", got)
	}
	if got := release.decrypts.Load(); got != 10 {
		t.Fatalf("expected 10 key releases, got %d", got)
	}
}

func TestConcurrentCreationCoalesces(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	signer := &fakeSigner{}
	m := newTestManager(t, clk, signer, &fakeRelease{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetOrCreateSession(ctx, subject); err != nil {
				t.Errorf("session: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := signer.prompts.Load(); got != 1 {
		t.Fatalf("concurrent first access must coalesce to one prompt, got %d", got)
	}
}

func TestExpiryIsLazyAndRecreationPromptsOnce(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	signer := &fakeSigner{}
	m := newTestManager(t, clk, signer, &fakeRelease{})
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, subject)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	clk.Advance(DefaultTTL + time.Minute)

	if _, err := m.Decrypt(ctx, sess, []byte("x")); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	fresh, err := m.GetOrCreateSession(ctx, subject)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if fresh.Expired(clk.Now()) {
		t.Fatal("recreated session must be live")
	}
	if got := signer.prompts.Load(); got != 2 {
		t.Fatalf("recreation must cost exactly one more prompt, got %d total", got)
	}
}

func TestCleanupExpiredBoundsMemory(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	m := newTestManager(t, clk, &fakeSigner{}, &fakeRelease{})
	ctx := context.Background()

	if _, err := m.GetOrCreateSession(ctx, subject); err != nil {
		t.Fatalf("session: %v", err)
	}
	if removed := m.CleanupExpired(); removed != 0 {
		t.Fatalf("live session must survive sweep, removed %d", removed)
	}
	clk.Advance(DefaultTTL + time.Second)
	if removed := m.CleanupExpired(); removed != 1 {
		t.Fatalf("expired session must be swept, removed %d", removed)
	}
}

func TestLogoutForcesNewPrompt(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	signer := &fakeSigner{}
	m := newTestManager(t, clk, signer, &fakeRelease{})
	ctx := context.Background()

	if _, err := m.GetOrCreateSession(ctx, subject); err != nil {
		t.Fatalf("session: %v", err)
	}
	m.Logout(subject)
	if _, err := m.GetOrCreateSession(ctx, subject); err != nil {
		t.Fatalf("session after logout: %v", err)
	}
	if got := signer.prompts.Load(); got != 2 {
		t.Fatalf("logout must force a new prompt, got %d", got)
	}
}

func TestSignerFailureIsNotCached(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	signer := &fakeSigner{}
	signer.fail.Store(true)
	m := newTestManager(t, clk, signer, &fakeRelease{})
	ctx := context.Background()

	if _, err := m.GetOrCreateSession(ctx, subject); err == nil {
		t.Fatal("rejected prompt must fail session creation")
	}
	signer.fail.Store(false)
	if _, err := m.GetOrCreateSession(ctx, subject); err != nil {
		t.Fatalf("retry after rejection must succeed: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewManager(Config{
		PackageContext: "0xregistry",
		Threshold:      4,
		KeyServers:     []string{"ks-1", "ks-2", "ks-3"},
	}, &fakeSigner{}, &fakeRelease{})
	if err == nil {
		t.Fatal("threshold above server count must fail at construction")
	}

	_, err = NewManager(Config{
		PackageContext: "0xregistry",
		Threshold:      0,
		KeyServers:     []string{"ks-1"},
	}, &fakeSigner{}, &fakeRelease{})
	if err == nil {
		t.Fatal("zero threshold must fail at construction")
	}
}

func TestHealthCheckLevels(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	release := &fakeRelease{}
	m := newTestManager(t, clk, &fakeSigner{}, release)
	ctx := context.Background()

	if got := m.HealthCheck(ctx); got != Healthy {
		t.Fatalf("all servers up: expected healthy, got %s", got)
	}

	release.downset.Store("ks-3", struct{}{})
	if got := m.HealthCheck(ctx); got != Degraded {
		t.Fatalf("threshold still met: expected degraded, got %s", got)
	}

	release.downset.Store("ks-2", struct{}{})
	if got := m.HealthCheck(ctx); got != Unhealthy {
		t.Fatalf("below threshold: expected unhealthy, got %s", got)
	}
}

func TestDecryptBelowThresholdFailsFast(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	release := &fakeRelease{decryptErr: errors.New("connection refused")}
	m := newTestManager(t, clk, &fakeSigner{}, release)
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, subject)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	// With the fleet reachable, a release failure stays an ordinary
	// error; retrying may succeed.
	_, err = m.Decrypt(ctx, sess, []byte("x"))
	if err == nil {
		t.Fatal("failing release must surface an error")
	}
	if errors.Is(err, ErrThresholdUnavailable) {
		t.Fatalf("healthy fleet must not report threshold unavailable: %v", err)
	}

	// Two of three servers down leaves one, below the threshold of
	// two: the same failure now classifies as infeasible.
	release.downset.Store("ks-2", struct{}{})
	release.downset.Store("ks-3", struct{}{})
	_, err = m.Decrypt(ctx, sess, []byte("x"))
	if !errors.Is(err, ErrThresholdUnavailable) {
		t.Fatalf("expected ErrThresholdUnavailable below threshold, got %v", err)
	}
}

func TestDecryptPreservesClientThresholdError(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	release := &fakeRelease{decryptErr: ErrThresholdUnavailable}
	m := newTestManager(t, clk, &fakeSigner{}, release)
	ctx := context.Background()

	sess, err := m.GetOrCreateSession(ctx, subject)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := m.Decrypt(ctx, sess, []byte("x")); !errors.Is(err, ErrThresholdUnavailable) {
		t.Fatalf("client-reported threshold error must pass through, got %v", err)
	}
}

func TestBindingMessageIsCanonical(t *testing.T) {
	t.Parallel()
	a := BindingMessage(subject, "0xregistry", DefaultTTL)
	b := BindingMessage(subject, "0xregistry", DefaultTTL)
	if string(a) != string(b) {
		t.Fatal("binding message must be deterministic")
	}
	c := BindingMessage(subject, "0xother", DefaultTTL)
	if string(a) == string(c) {
		t.Fatal("binding message must be bound to the package context")
	}
}
