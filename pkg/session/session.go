// Package session manages reusable decryption sessions that gate
// the external threshold-encryption service. One user signature is
// amortized across many decrypt operations within a session's TTL.
package session

import (
	"errors"
	"fmt"
	"time"
)

const sessionContextV1 = "CTXVAULT_SESSION_V1"

var (
	// ErrSessionExpired marks a session past its TTL. Detection is
	// lazy; the caller re-creates the session exactly once, which
	// costs one new signature prompt.
	ErrSessionExpired = errors.New("session: expired")
	// ErrThresholdUnavailable marks fewer live key servers than the
	// configured threshold. Decrypt calls fail fast instead of
	// hanging on an impossible key release.
	ErrThresholdUnavailable = errors.New("session: threshold unavailable")
)

// Session is a time-boxed, signature-backed credential for one
// subject address. Sessions live in memory only and are re-derived
// after a process restart.
type Session struct {
	SubjectAddress           string
	SessionMaterial          []byte
	ApprovalTransactionBytes []byte
	CreatedAt                time.Time
	TTL                      time.Duration
}

// Expired reports whether the session is past its TTL at the given
// instant.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.CreatedAt.Add(s.TTL))
}

// BindingMessage renders the canonical, human-readable message the
// subject signs to open a session. The message binds the subject
// address, the package context, and the TTL.
func BindingMessage(subjectAddress, packageContext string, ttl time.Duration) []byte {
	msg := fmt.Sprintf(
		"%s\nsubject: %s\npackage: %s\nvalid-for-seconds: %d",
		sessionContextV1, subjectAddress, packageContext, int64(ttl.Seconds()),
	)
	return []byte(msg)
}
