package consent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/contextvault/contextvault/internal/testutil"
)

const (
	testRequester = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testTarget    = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

// runStoreContract exercises the Store contract. Both backends must
// pass it unchanged; a behavioral difference between them is a bug.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	req, err := NewRequest(testRequester, testTarget, []string{"read:memories"}, "sync notes", now)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := store.Save(ctx, req); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetByID(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("fresh request must be pending, got %s", got.Status)
	}
	if got.RequesterContext != testRequester || got.TargetContext != testTarget {
		t.Fatal("stored addresses must be canonical")
	}
	if !got.HasScope("read:memories") {
		t.Fatal("stored request must keep its scopes")
	}

	// Mixed-case lookups must match the canonical record.
	upper := "0X" + strings.ToUpper(strings.TrimPrefix(testTarget, "0x"))
	byTarget, err := store.ListByTarget(ctx, upper, nil)
	if err != nil {
		t.Fatalf("list by target: %v", err)
	}
	if len(byTarget) != 1 || byTarget[0].RequestID != req.RequestID {
		t.Fatalf("expected one request for target, got %d", len(byTarget))
	}

	pending := StatusPending
	byRequester, err := store.ListByRequester(ctx, testRequester, &pending)
	if err != nil {
		t.Fatalf("list by requester: %v", err)
	}
	if len(byRequester) != 1 {
		t.Fatalf("expected one pending request for requester, got %d", len(byRequester))
	}

	byStatus, err := store.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].RequestID != req.RequestID {
		t.Fatalf("expected one pending request overall, got %d", len(byStatus))
	}

	if err := store.UpdateStatus(ctx, req.RequestID, StatusApproved, now.Add(time.Second)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	byStatus, err = store.ListByStatus(ctx, StatusPending)
	if err != nil {
		t.Fatalf("list by status after approve: %v", err)
	}
	if len(byStatus) != 0 {
		t.Fatalf("approved request must leave the pending listing, %d remain", len(byStatus))
	}

	// pending is terminal once approved; only revoke is allowed.
	err = store.UpdateStatus(ctx, req.RequestID, StatusDenied, now.Add(2*time.Second))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approved -> denied must be rejected, got %v", err)
	}

	if err := store.UpdateStatus(ctx, req.RequestID, StatusRevoked, now.Add(3*time.Second)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err = store.GetByID(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get after revoke: %v", err)
	}
	if got.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", got.Status)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatal("updatedAt must advance on transitions")
	}

	if err := store.Delete(ctx, req.RequestID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetByID(ctx, req.RequestID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted request must be gone, got %v", err)
	}
	if err := store.Delete(ctx, req.RequestID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete must report not found, got %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()
	runStoreContract(t, NewMemoryStore())
}

func TestBadgerStoreContract(t *testing.T) {
	testutil.RequireLong(t)

	store, err := NewBadgerStore(StoreConfig{
		Paths: []string{t.TempDir()},
	})
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	defer store.Close()

	runStoreContract(t, store)
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusDenied, true},
		{StatusPending, StatusRevoked, false},
		{StatusApproved, StatusRevoked, true},
		{StatusApproved, StatusDenied, false},
		{StatusDenied, StatusApproved, false},
		{StatusRevoked, StatusApproved, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestNewRequestRejectsBadInput(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	if _, err := NewRequest("0xnope", testTarget, []string{"read:memories"}, "", now); err == nil {
		t.Fatal("malformed requester must be rejected")
	}
	if _, err := NewRequest(testRequester, testTarget, nil, "", now); err == nil {
		t.Fatal("empty scope set must be rejected")
	}
}

func TestRequestJSONSchemaStable(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	req, err := NewRequest(testRequester, testTarget, []string{"read:memories", "write:memories"}, "backup", now)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	ms := NewMemoryStore()
	if err := ms.Save(context.Background(), req); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := ms.GetByID(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.String() != "pending" {
		t.Fatalf("status must persist by name, got %q", got.Status.String())
	}
	if _, err := ParseStatus("granted"); err == nil {
		t.Fatal("unknown status names must be rejected")
	}
}
