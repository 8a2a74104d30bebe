// Package testutil gates heavy tests behind the -long flag so the
// default test run stays fast.
package testutil

import (
	"flag"
	"testing"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

// RequireLong skips the test unless -long was passed. Used for
// tests that open an on-disk badger store.
func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}
