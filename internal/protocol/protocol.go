// Package protocol implements the typed JSON messages exchanged over
// WebSocket text frames. The type discriminator is snake_case on the
// wire; every other field is camelCase. Opaque fields (delta bodies,
// awareness state, permissions) round-trip byte-equivalent.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/synckit-io/hub/internal/vclock"
)

// Message type values as they appear on the wire.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypePing       = "ping"
	TypePong       = "pong"

	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"

	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
	TypeDelta        = "delta"
	TypeAck          = "ack"

	TypeAwarenessUpdate    = "awareness_update"
	TypeAwarenessSubscribe = "awareness_subscribe"
	TypeAwarenessState     = "awareness_state"

	TypeError = "error"
)

// ErrInvalidFrame marks frames that are not valid UTF-8 JSON objects or
// whose fields cannot be decoded into the declared message shape.
var ErrInvalidFrame = errors.New("invalid frame")

// UnknownTypeError is returned when the type discriminator names no
// known message variant. The frame itself was well-formed JSON.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Counter is an unsigned counter constrained to the range client-side
// 64-bit floats can represent exactly. Decoding rejects larger values
// rather than truncating them.
type Counter uint64

func (c *Counter) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("counter must be an integer: %w", err)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("counter is not a non-negative integer: %w", err)
	}
	if v > vclock.MaxCounter {
		return vclock.ErrUnsafeCounter
	}
	*c = Counter(v)
	return nil
}

// Envelope carries the fields common to every message. ID is unique on
// the originating side; Timestamp is informational Unix milliseconds.
type Envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

func (e *Envelope) envelope() *Envelope { return e }

// MessageID returns the sender-assigned id of the message.
func (e *Envelope) MessageID() string { return e.ID }

// NewEnvelope stamps a fresh server-side envelope.
func NewEnvelope() Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Message is implemented by all wire message variants.
type Message interface {
	MessageType() string
	MessageID() string
	envelope() *Envelope
}

// NewError builds an Error reply with a fresh envelope.
func NewError(reason string) *Error {
	return &Error{Envelope: NewEnvelope(), Reason: reason}
}

// NewErrorWithDetails builds an Error reply carrying free-form details.
func NewErrorWithDetails(reason string, details json.RawMessage) *Error {
	return &Error{Envelope: NewEnvelope(), Reason: reason, Details: details}
}

// NewAck builds an Ack for the message with the given id.
func NewAck(messageID string) *Ack {
	return &Ack{Envelope: NewEnvelope(), AckedID: messageID}
}

// NewPing builds a heartbeat probe.
func NewPing() *Ping {
	return &Ping{Envelope: NewEnvelope()}
}

// NewPong answers the ping with the given id.
func NewPong(pingID string) *Pong {
	return &Pong{Envelope: NewEnvelope(), AckedID: pingID}
}

// Encode serializes m to a JSON text frame, stamping the wire type
// discriminator from the variant.
func Encode(m Message) ([]byte, error) {
	m.envelope().Type = m.MessageType()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// Decode parses a single inbound text frame. Malformed JSON and field
// shape violations yield ErrInvalidFrame; a well-formed frame whose type
// names no variant yields *UnknownTypeError.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}

	m := newMessage(probe.Type)
	if m == nil {
		return nil, &UnknownTypeError{Type: probe.Type}
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return m, nil
}

// newMessage returns a zero value of the variant for a wire type, nil
// when the type is unknown.
func newMessage(wireType string) Message {
	switch wireType {
	case TypeConnect:
		return &Connect{}
	case TypeDisconnect:
		return &Disconnect{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeAuth:
		return &Auth{}
	case TypeAuthSuccess:
		return &AuthSuccess{}
	case TypeAuthError:
		return &AuthError{}
	case TypeSubscribe:
		return &Subscribe{}
	case TypeUnsubscribe:
		return &Unsubscribe{}
	case TypeSyncRequest:
		return &SyncRequest{}
	case TypeSyncResponse:
		return &SyncResponse{}
	case TypeDelta:
		return &Delta{}
	case TypeAck:
		return &Ack{}
	case TypeAwarenessUpdate:
		return &AwarenessUpdate{}
	case TypeAwarenessSubscribe:
		return &AwarenessSubscribe{}
	case TypeAwarenessState:
		return &AwarenessState{}
	case TypeError:
		return &Error{}
	}
	return nil
}
