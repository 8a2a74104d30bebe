package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKindAccessChanged is the only event kind this subsystem
// consumes today. Unknown kinds are rejected at the decode
// boundary, never coerced.
const EventKindAccessChanged = "access_changed"

// Event is one entry of the ledger's event stream. Granted reports
// whether the event recorded a grant (true) or a revocation
// (false).
type Event struct {
	Kind              string      `json:"kind"`
	Timestamp         time.Time   `json:"timestamp"`
	RequestingContext string      `json:"requestingContext"`
	TargetContext     string      `json:"targetContext"`
	Scope             string      `json:"scope"`
	AccessLevel       AccessLevel `json:"-"`
	ExpiresAt         time.Time   `json:"expiresAt,omitempty"`
	GrantedBy         string      `json:"grantedBy"`
	Granted           bool        `json:"granted"`
}

// wireEvent is the raw stream shape. AccessLevel travels as its
// textual name.
type wireEvent struct {
	Kind              string    `json:"kind"`
	Timestamp         time.Time `json:"timestamp"`
	RequestingContext string    `json:"requestingContext"`
	TargetContext     string    `json:"targetContext"`
	Scope             string    `json:"scope"`
	AccessLevel       string    `json:"accessLevel"`
	ExpiresAt         time.Time `json:"expiresAt,omitempty"`
	GrantedBy         string    `json:"grantedBy"`
	Granted           bool      `json:"granted"`
}

// DecodeEvent parses one raw stream payload. Payloads with an
// unknown kind or an unknown access level fail decoding; silently
// accepting them would let a shape change pass as an empty event.
func DecodeEvent(payload []byte) (Event, error) {
	var raw wireEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode ledger event: %w", err)
	}
	if raw.Kind != EventKindAccessChanged {
		return Event{}, fmt.Errorf("decode ledger event: unknown kind %q", raw.Kind)
	}
	level, err := ParseAccessLevel(raw.AccessLevel)
	if err != nil {
		return Event{}, fmt.Errorf("decode ledger event: %w", err)
	}
	return Event{
		Kind:              raw.Kind,
		Timestamp:         raw.Timestamp,
		RequestingContext: raw.RequestingContext,
		TargetContext:     raw.TargetContext,
		Scope:             raw.Scope,
		AccessLevel:       level,
		ExpiresAt:         raw.ExpiresAt,
		GrantedBy:         raw.GrantedBy,
		Granted:           raw.Granted,
	}, nil
}

// EncodeEvent renders an event into the raw stream shape.
func EncodeEvent(ev Event) ([]byte, error) {
	raw := wireEvent{
		Kind:              EventKindAccessChanged,
		Timestamp:         ev.Timestamp,
		RequestingContext: ev.RequestingContext,
		TargetContext:     ev.TargetContext,
		Scope:             ev.Scope,
		AccessLevel:       ev.AccessLevel.String(),
		ExpiresAt:         ev.ExpiresAt,
		GrantedBy:         ev.GrantedBy,
		Granted:           ev.Granted,
	}
	return json.Marshal(raw)
}
