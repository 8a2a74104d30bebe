package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	contextvault "github.com/contextvault/contextvault"
	"github.com/contextvault/contextvault/pkg/aggregate"
	"github.com/contextvault/contextvault/pkg/blob"
	"github.com/contextvault/contextvault/pkg/ledger"
	"github.com/contextvault/contextvault/pkg/session"
)

const (
	alice = "0xa11cea11cea11cea11cea11cea11cea11cea11cea11cea11cea11cea11cea11c"
	bob   = "0xb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bbb0bb"
)

// autoSigner approves every binding message without a wallet UI.
// Real deployments plug in a wallet-backed Signer here.
type autoSigner struct{}

func (autoSigner) Sign(_ context.Context, subject string, message []byte) ([]byte, error) {
	fmt.Printf("signature prompt for %s\n", subject)
	return append([]byte("signed/"), message...), nil
}

// markerRelease stands in for the threshold service: envelopes are
// plaintext behind an "enc:" marker.
type markerRelease struct{}

func (markerRelease) Decrypt(_ context.Context, _ session.Session, ciphertext []byte) ([]byte, error) {
	plain, ok := strings.CutPrefix(string(ciphertext), "enc:")
	if !ok {
		return nil, fmt.Errorf("not an envelope")
	}
	return []byte(plain), nil
}

func (markerRelease) Ping(_ context.Context, _ string) error {
	return nil
}

func main() {
	fmt.Println("Starting ContextVault example")
	ctx := context.Background()

	vault, err := contextvault.New(contextvault.Config{
		PackageContext: "0xregistry",
		Threshold:      2,
		KeyServers:     []string{"ks-1", "ks-2", "ks-3"},
	}, ledger.NewMemoryLedger(nil), autoSigner{}, markerRelease{}, blob.NewMemoryStore())
	if err != nil {
		log.Fatalf("Failed to initialize vault: %s", err)
	}
	if err := vault.Start(ctx); err != nil {
		log.Fatalf("Failed to start vault: %s", err)
	}
	defer vault.Close()

	// Alice keeps memories; Bob runs an assistant app.
	memories, err := vault.RegisterContext(ctx, alice, "com.example.memories")
	if err != nil {
		log.Fatalf("Error registering memories context: %s", err)
	}
	assistant, err := vault.RegisterContext(ctx, bob, "com.example.assistant")
	if err != nil {
		log.Fatalf("Error registering assistant context: %s", err)
	}
	fmt.Printf("memories context:  %s\n", memories.ContextID)
	fmt.Printf("assistant context: %s\n", assistant.ContextID)

	if _, err := vault.StoreItem(ctx, memories.ContextID.String(), []byte("enc:picnic at the lake with Bob"), "memories"); err != nil {
		log.Fatalf("Error storing item: %s", err)
	}

	// Bob's assistant asks for read access to Alice's memories.
	perms := vault.Permissions()
	request, err := perms.RequestConsent(ctx,
		assistant.ContextID.String(), memories.ContextID.String(),
		[]string{"read:memories"}, "personalize replies", 0)
	if err != nil {
		log.Fatalf("Error requesting consent: %s", err)
	}
	fmt.Printf("consent request %s created\n", request.RequestID)

	// Alice approves for 24 hours; the grant lands on the ledger.
	if err := perms.ApproveConsent(ctx, request.RequestID, ledger.AccessRead, time.Now().Add(24*time.Hour)); err != nil {
		log.Fatalf("Error approving consent: %s", err)
	}

	result, err := vault.Query(ctx, aggregate.Request{
		RequestingContext: assistant.ContextID.String(),
		UserAddress:       bob,
		TargetContexts:    []string{memories.ContextID.String()},
		QueryText:         "picnic",
		Scope:             "read:memories",
	})
	if err != nil {
		log.Fatalf("Error querying: %s", err)
	}
	for _, item := range result.Items {
		fmt.Printf("result from %s: %s\n", item.ContextID, item.Content)
	}
	fmt.Printf("contexts checked: %d, ledger checks: %d, took %s\n",
		result.Metrics.ContextsChecked, result.Metrics.PermissionChecks, result.Metrics.QueryTime)

	audit, err := perms.GetPermissionAudit(ctx, memories.ContextID.String())
	if err != nil {
		log.Fatalf("Error fetching audit: %s", err)
	}
	for _, entry := range audit {
		fmt.Printf("audit: %s %s scope=%s\n", entry.Timestamp.Format(time.RFC3339), entry.Action, entry.Scope)
	}
}
