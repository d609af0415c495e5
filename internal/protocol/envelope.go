// Package protocol defines the wire envelope exchanged between the server and
// its agents, the closed set of message kinds, and the typed payload for each
// kind. Every frame on the socket is a JSON envelope:
//
//	{"id":"<uuid>","type":"task_submit","payload":{...},"timestamp":1718000000000}
//
// The envelope is deliberately small: routing only ever needs the type and the
// agent the frame arrived on. Payloads are kept opaque until a handler asks
// for them via DecodePayload, which also runs per-kind schema validation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of payload carried by an Envelope.
// The set is closed — an envelope with any other value is reported as
// ErrUnknownKind by Decode, logged by the router, and dropped without
// disturbing the connection.
type MessageType string

const (
	TypeAuthRequest   MessageType = "auth_request"
	TypeAuthResponse  MessageType = "auth_response"
	TypeHeartbeatPing MessageType = "heartbeat_ping"
	TypeHeartbeatPong MessageType = "heartbeat_pong"
	TypeTaskSubmit    MessageType = "task_submit"
	TypeTaskAck       MessageType = "task_ack"
	TypeTaskProgress  MessageType = "task_progress"
	TypeTaskStream    MessageType = "task_stream"
	TypeTaskComplete  MessageType = "task_complete"
	TypeTaskError     MessageType = "task_error"
	TypeTaskCancel    MessageType = "task_cancel"
	TypeTaskCancelled MessageType = "task_cancelled"
	TypeAgentStatus   MessageType = "agent_status"
	TypeSystemRestart MessageType = "system_restart"
)

// knownTypes is the membership set used by Decode to reject unknown kinds
// early, before any handler lookup.
var knownTypes = map[MessageType]struct{}{
	TypeAuthRequest:   {},
	TypeAuthResponse:  {},
	TypeHeartbeatPing: {},
	TypeHeartbeatPong: {},
	TypeTaskSubmit:    {},
	TypeTaskAck:       {},
	TypeTaskProgress:  {},
	TypeTaskStream:    {},
	TypeTaskComplete:  {},
	TypeTaskError:     {},
	TypeTaskCancel:    {},
	TypeTaskCancelled: {},
	TypeAgentStatus:   {},
	TypeSystemRestart: {},
}

// Known reports whether t is a member of the closed message-kind set.
func Known(t MessageType) bool {
	_, ok := knownTypes[t]
	return ok
}

// ErrUnknownKind is returned by Decode when the envelope carries a type
// outside the closed set. Callers log and drop the frame — an unknown kind is
// never fatal to the connection.
var ErrUnknownKind = errors.New("protocol: unknown message type")

// Envelope is the framing for every message on the wire. Payload stays raw
// until a handler decodes it with DecodePayload for the expected kind.
type Envelope struct {
	// ID is a UUIDv7 assigned by the sender. Downstream handlers keyed by
	// task id must be idempotent, so the id is used for logging and audit
	// correlation rather than server-side dedup.
	ID string `json:"id"`

	// Type selects the payload schema from the closed enumeration above.
	Type MessageType `json:"type"`

	// Payload is the kind-specific body, left undecoded until dispatch.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is sender wall-clock time in milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`
}

// MalformedError reports a payload that failed schema validation for its
// kind. The offending message is dropped; the connection continues.
type MalformedError struct {
	Kind   MessageType
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("protocol: malformed %s payload: %s", e.Kind, e.Reason)
}

// malformed is a shorthand constructor used by the Validate methods.
func malformed(kind MessageType, format string, args ...any) error {
	return &MalformedError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Payload is implemented by every typed payload struct. Validate checks the
// required fields for the kind and returns a *MalformedError on violation.
type Payload interface {
	Kind() MessageType
	Validate() error
}

// NewEnvelope builds a fresh envelope around p with a server-generated UUIDv7
// id and the current wall-clock timestamp. The payload is validated before
// marshalling so a malformed frame can never leave this process.
func NewEnvelope(p Payload) (Envelope, error) {
	if err := p.Validate(); err != nil {
		return Envelope{}, err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", p.Kind(), err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: generate message id: %w", err)
	}

	return Envelope{
		ID:        id.String(),
		Type:      p.Kind(),
		Payload:   body,
		Timestamp: time.Now().UTC().UnixMilli(),
	}, nil
}

// Encode serialises the envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses raw bytes into an Envelope. It verifies the structural
// invariants every frame must satisfy (non-empty id and a known type) but
// does not touch the payload — that happens per-kind in DecodePayload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.ID == "" {
		return Envelope{}, malformed(env.Type, "missing envelope id")
	}
	if !Known(env.Type) {
		return env, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return env, nil
}

// DecodePayload parses and validates the payload of env as T. The type
// parameter must be a payload struct whose Kind matches env.Type — a mismatch
// is a programming error surfaced as a MalformedError.
func DecodePayload[T Payload](env Envelope) (T, error) {
	var p T
	if p.Kind() != env.Type {
		return p, malformed(env.Type, "handler expected %s", p.Kind())
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, malformed(env.Type, "invalid JSON: %v", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
