// Package identity derives deterministic, app-scoped context
// identifiers from a root address, an app identifier, and a
// per-user salt, using SHA-256 based identifier types.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// derivationContextV1 is the domain-separation prefix for context
// derivation. Changing it is a breaking change for every derived
// context identifier.
const derivationContextV1 = "CTXVAULT_DERIVE_V1"

// AddressLen is the byte length of a canonical root address.
const AddressLen = 32

// SaltLen is the byte length of a context salt.
const SaltLen = 32

var (
	// ErrDerivation marks malformed derivation input. It is fatal
	// for the operation; callers must not retry.
	ErrDerivation = errors.New("identity: derivation input invalid")
)

// ContextID is a fixed-size array representing the SHA-256 derived
// identifier of an app-scoped context.
type ContextID [sha256.Size]byte

// Salt is the per-user derivation salt. It is generated once per
// root identity and never changes.
type Salt [SaltLen]byte

// NewSalt generates a fresh salt from cryptographically secure
// randomness.
func NewSalt() (Salt, error) {
	var s Salt
	if _, err := rand.Read(s[:]); err != nil {
		return Salt{}, fmt.Errorf("generate salt: %w", err)
	}
	return s, nil
}

// SaltHexadecimal parses a hexadecimal string into a Salt.
func SaltHexadecimal(s string) (Salt, error) {
	if len(s) != SaltLen*2 {
		return Salt{}, fmt.Errorf(
			"invalid salt hex length: expected %d, got %d",
			SaltLen*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Salt{}, fmt.Errorf("decode salt hex: %w", err)
	}
	var out Salt
	copy(out[:], decoded)
	return out, nil
}

// IsZero returns true if the salt is the zero value.
func (s Salt) IsZero() bool {
	return s == Salt{}
}

// String returns the hexadecimal representation of the salt.
func (s Salt) String() string {
	return hex.EncodeToString(s[:])
}

// NormalizeAddress canonicalizes a root or context address:
// lowercase, 0x-prefixed, exactly AddressLen bytes of hex. Two
// addresses that differ only in case or prefix normalize to the
// same string. Malformed input is rejected with ErrDerivation.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	trimmed = strings.TrimPrefix(strings.ToLower(trimmed), "0x")
	if len(trimmed) != AddressLen*2 {
		return "", fmt.Errorf(
			"%w: address must be %d hex chars, got %d",
			ErrDerivation, AddressLen*2, len(trimmed),
		)
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("%w: decode address: %v", ErrDerivation, err)
	}
	return "0x" + trimmed, nil
}

// AddressBytes returns the raw bytes of a canonical address. The
// input must already be normalized.
func AddressBytes(canonical string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(canonical, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: decode address: %v", ErrDerivation, err)
	}
	if len(raw) != AddressLen {
		return nil, fmt.Errorf(
			"%w: address must be %d bytes, got %d",
			ErrDerivation, AddressLen, len(raw),
		)
	}
	return raw, nil
}

// Derive computes the deterministic context identifier for an app
// under a root identity. It is pure and total for valid input:
// the same (rootAddress, appID, salt) triple always yields the
// same ContextID, locally or on the authoritative path.
//
// Preimage layout:
// context-string || rootAddress(32) || len(appID)(4, BE) || appID || salt(32).
func Derive(rootAddress, appID string, salt Salt) (ContextID, error) {
	canonical, err := NormalizeAddress(rootAddress)
	if err != nil {
		return ContextID{}, err
	}
	addrBytes, err := AddressBytes(canonical)
	if err != nil {
		return ContextID{}, err
	}
	if appID == "" {
		return ContextID{}, fmt.Errorf("%w: empty appID", ErrDerivation)
	}
	if salt.IsZero() {
		return ContextID{}, fmt.Errorf("%w: zero salt", ErrDerivation)
	}

	appBytes := []byte(appID)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(appBytes))) //#nosec G115

	buf := make([]byte, 0,
		len(derivationContextV1)+AddressLen+4+len(appBytes)+SaltLen)
	buf = append(buf, derivationContextV1...)
	buf = append(buf, addrBytes...)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, appBytes...)
	buf = append(buf, salt[:]...)

	return ContextID(sha256.Sum256(buf)), nil
}

// ContextIDHexadecimal parses a hexadecimal string and returns the
// corresponding ContextID. Returns an error if the string is not a
// valid 64-character hex representation, with or without 0x prefix.
func ContextIDHexadecimal(s string) (ContextID, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != sha256.Size*2 {
		return ContextID{}, fmt.Errorf(
			"invalid hex length: expected %d, got %d",
			sha256.Size*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return ContextID{}, fmt.Errorf("decode hex: %w", err)
	}
	var id ContextID
	copy(id[:], decoded)
	return id, nil
}

// Equal returns true if this identifier equals the other.
func (id ContextID) Equal(other ContextID) bool {
	return subtle.ConstantTimeCompare(id[:], other[:]) == 1
}

// IsZero returns true if this identifier is the zero value.
func (id ContextID) IsZero() bool {
	return id == ContextID{}
}

// Bytes returns a byte slice copy of the identifier.
func (id ContextID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// String returns the canonical address form of the identifier:
// 0x-prefixed lowercase hex.
func (id ContextID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Context is an app-scoped data partition under one root identity.
// It is immutable after creation except for PolicyRef, which may
// delegate ownership to a different rule.
type Context struct {
	ContextID   ContextID
	AppID       string
	RootAddress string
	PolicyRef   string
	CreatedAt   time.Time
}

// NewContext derives and records a context for an app under a root
// identity. The root address is stored in canonical form.
func NewContext(rootAddress, appID string, salt Salt, now time.Time) (Context, error) {
	canonical, err := NormalizeAddress(rootAddress)
	if err != nil {
		return Context{}, err
	}
	id, err := Derive(canonical, appID, salt)
	if err != nil {
		return Context{}, err
	}
	return Context{
		ContextID:   id,
		AppID:       appID,
		RootAddress: canonical,
		CreatedAt:   now,
	}, nil
}

// OwnedBy reports whether the given address owns this context. A
// context is owned by its parent identity unless PolicyRef
// delegates a different rule; policy evaluation happens elsewhere.
func (c Context) OwnedBy(addr string) bool {
	canonical, err := NormalizeAddress(addr)
	if err != nil {
		return false
	}
	return canonical == c.RootAddress
}
