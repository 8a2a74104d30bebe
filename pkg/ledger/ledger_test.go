package ledger

import (
	"context"
	"errors"
	"sync"
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

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestGrantThenQueryLiveness(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	l := NewMemoryLedger(clk)
	ctx := context.Background()

	txn, err := l.Grant(ctx, addrA, addrB, "read:memories", AccessRead, clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if txn == "" {
		t.Fatal("grant must return a transaction id")
	}

	grants, err := l.QueryGrants(ctx, Filter{Requester: addrA, Target: addrB, Scope: "read:memories"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected one grant, got %d", len(grants))
	}
	if !grants[0].Live(clk.Now()) {
		t.Fatal("grant must be live before expiry")
	}

	clk.Advance(2 * time.Hour)
	grants, err = l.QueryGrants(ctx, Filter{Requester: addrA, Target: addrB})
	if err != nil {
		t.Fatalf("query after expiry: %v", err)
	}
	if len(grants) != 1 {
		t.Fatal("expired grants stay queryable")
	}
	if grants[0].Live(clk.Now()) {
		t.Fatal("grant must not be live after expiry")
	}
}

func TestRevokeRemovesGrantAndAppendsHistory(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	l := NewMemoryLedger(clk)
	ctx := context.Background()

	if _, err := l.Grant(ctx, addrA, addrB, "read:memories", AccessRead, clk.Now().Add(time.Hour)); err != nil {
		t.Fatalf("grant: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := l.Revoke(ctx, addrA, addrB, "read:memories"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	grants, err := l.QueryGrants(ctx, Filter{Requester: addrA, Target: addrB})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(grants) != 0 {
		t.Fatal("revoked grant must be gone regardless of expiry")
	}

	history, err := l.QueryHistory(ctx, Filter{Target: addrB})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected grant + revoke events, got %d", len(history))
	}
	if !history[0].Granted || history[1].Granted {
		t.Fatal("history must be ordered oldest first: grant then revoke")
	}
	if !history[0].Timestamp.Before(history[1].Timestamp) {
		t.Fatal("event timestamps must advance")
	}
}

func TestRevokeWithoutGrantFails(t *testing.T) {
	t.Parallel()
	l := NewMemoryLedger(&fakeClock{now: time.Now().UTC()})

	_, err := l.Revoke(context.Background(), addrA, addrB, "read:memories")
	if !errors.Is(err, ErrNoMatchingGrant) {
		t.Fatalf("expected ErrNoMatchingGrant, got %v", err)
	}
}

func TestRevokeEmptyScopeRevokesAll(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	l := NewMemoryLedger(clk)
	ctx := context.Background()

	for _, scope := range []string{"read:memories", "write:memories"} {
		if _, err := l.Grant(ctx, addrA, addrB, scope, AccessRead, clk.Now().Add(time.Hour)); err != nil {
			t.Fatalf("grant %s: %v", scope, err)
		}
	}
	if _, err := l.Revoke(ctx, addrA, addrB, ""); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	grants, err := l.QueryGrants(ctx, Filter{Requester: addrA})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("all scopes must be revoked, %d remain", len(grants))
	}
}

func TestGrantRejectsBadInput(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	l := NewMemoryLedger(clk)
	ctx := context.Background()

	if _, err := l.Grant(ctx, "0xshort", addrB, "read:memories", AccessRead, clk.Now().Add(time.Hour)); !errors.Is(err, ErrTransactionRejected) {
		t.Fatalf("malformed requester: expected rejection, got %v", err)
	}
	if _, err := l.Grant(ctx, addrA, addrB, "", AccessRead, clk.Now().Add(time.Hour)); !errors.Is(err, ErrTransactionRejected) {
		t.Fatalf("empty scope: expected rejection, got %v", err)
	}
	if _, err := l.Grant(ctx, addrA, addrB, "read:memories", AccessRead, clk.Now().Add(-time.Hour)); !errors.Is(err, ErrTransactionRejected) {
		t.Fatalf("past expiry: expected rejection, got %v", err)
	}
}

func TestConcurrentTupleWritesSerialize(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now().UTC()}
	l := NewMemoryLedger(clk)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Grant(ctx, addrA, addrB, "read:memories", AccessRead, clk.Now().Add(time.Hour))
		}()
	}
	wg.Wait()

	grants, err := l.QueryGrants(ctx, Filter{Requester: addrA, Target: addrB, Scope: "read:memories"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("concurrent grants on one tuple must converge to one grant, got %d", len(grants))
	}
}

func TestEventDecodeRejectsUnknownShapes(t *testing.T) {
	t.Parallel()

	ev := Event{
		Timestamp:         time.Unix(1700000000, 0).UTC(),
		RequestingContext: addrA,
		TargetContext:     addrB,
		Scope:             "read:memories",
		AccessLevel:       AccessWrite,
		GrantedBy:         addrB,
		Granted:           true,
	}
	payload, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.AccessLevel != AccessWrite || !decoded.Granted {
		t.Fatal("decoded event must preserve level and direction")
	}

	if _, err := DecodeEvent([]byte(`{"kind":"balance_changed"}`)); err == nil {
		t.Fatal("unknown event kinds must be rejected")
	}
	if _, err := DecodeEvent([]byte(`{"kind":"access_changed","accessLevel":"admin"}`)); err == nil {
		t.Fatal("unknown access levels must be rejected")
	}
}
