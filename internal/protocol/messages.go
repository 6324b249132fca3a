package protocol

import (
	"encoding/json"

	"github.com/synckit-io/hub/internal/vclock"
)

// Connect is an informational hello some clients send before Auth.
type Connect struct {
	Envelope
}

func (*Connect) MessageType() string { return TypeConnect }

// Disconnect announces the client intends to close the socket.
type Disconnect struct {
	Envelope
}

func (*Disconnect) MessageType() string { return TypeDisconnect }

// Ping is the application-level heartbeat probe. Either side may send it.
type Ping struct {
	Envelope
}

func (*Ping) MessageType() string { return TypePing }

// Pong answers a Ping; AckedID echoes the ping's id.
type Pong struct {
	Envelope
	AckedID string `json:"messageId"`
}

func (*Pong) MessageType() string { return TypePong }

// Auth presents exactly one credential plus the client-chosen clientId
// that will key this connection's vector-clock entries.
type Auth struct {
	Envelope
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	ClientID string `json:"clientId"`
}

func (*Auth) MessageType() string { return TypeAuth }

// AuthSuccess confirms authentication. Permissions is the principal's
// permission object, passed through opaquely.
type AuthSuccess struct {
	Envelope
	UserID      string          `json:"userId"`
	Permissions json.RawMessage `json:"permissions"`
}

func (*AuthSuccess) MessageType() string { return TypeAuthSuccess }

// AuthError reports a failed authentication attempt.
type AuthError struct {
	Envelope
	Reason string `json:"reason"`
}

func (*AuthError) MessageType() string { return TypeAuthError }

// Subscribe registers interest in a document.
type Subscribe struct {
	Envelope
	DocumentID string `json:"documentId"`
}

func (*Subscribe) MessageType() string { return TypeSubscribe }

// Unsubscribe withdraws interest in a document.
type Unsubscribe struct {
	Envelope
	DocumentID string `json:"documentId"`
}

func (*Unsubscribe) MessageType() string { return TypeUnsubscribe }

// SyncRequest asks for the deltas the client has not observed yet. A nil
// VectorClock requests the full history.
type SyncRequest struct {
	Envelope
	DocumentID  string       `json:"documentId"`
	VectorClock vclock.Clock `json:"vectorClock,omitempty"`
}

func (*SyncRequest) MessageType() string { return TypeSyncRequest }

// SyncDelta pairs an opaque delta body with its vector clock inside a
// SyncResponse.
type SyncDelta struct {
	Delta       json.RawMessage `json:"delta"`
	VectorClock vclock.Clock    `json:"vectorClock"`
}

// SyncResponse answers Subscribe and SyncRequest. State carries the
// document's vector clock; Deltas are in storage append order.
type SyncResponse struct {
	Envelope
	RequestID  string          `json:"requestId"`
	DocumentID string          `json:"documentId"`
	State      json.RawMessage `json:"state"`
	Deltas     []SyncDelta     `json:"deltas"`
}

func (*SyncResponse) MessageType() string { return TypeSyncResponse }

// Delta carries one opaque document change and the clock it was issued
// under. Payload is never inspected by the hub.
type Delta struct {
	Envelope
	DocumentID  string          `json:"documentId"`
	Payload     json.RawMessage `json:"delta"`
	VectorClock vclock.Clock    `json:"vectorClock"`
}

func (*Delta) MessageType() string { return TypeDelta }

// Ack confirms handling of the message whose id it echoes.
type Ack struct {
	Envelope
	AckedID string `json:"messageId"`
}

func (*Ack) MessageType() string { return TypeAck }

// AwarenessSubscribe requests the current awareness snapshot for a
// document.
type AwarenessSubscribe struct {
	Envelope
	DocumentID string `json:"documentId"`
}

func (*AwarenessSubscribe) MessageType() string { return TypeAwarenessSubscribe }

// AwarenessUpdate publishes a client's ephemeral presence state. A JSON
// null State means the client left. Clock orders updates per
// (client, document); stale clocks are dropped by the store.
type AwarenessUpdate struct {
	Envelope
	DocumentID string          `json:"documentId"`
	ClientID   string          `json:"clientId"`
	State      json.RawMessage `json:"state"`
	Clock      Counter         `json:"clock"`
}

func (*AwarenessUpdate) MessageType() string { return TypeAwarenessUpdate }

// AwarenessEntryWire is one client's presence inside an AwarenessState.
type AwarenessEntryWire struct {
	ClientID string          `json:"clientId"`
	State    json.RawMessage `json:"state"`
	Clock    Counter         `json:"clock"`
}

// AwarenessState is the snapshot of all present clients on a document.
type AwarenessState struct {
	Envelope
	DocumentID string               `json:"documentId"`
	States     []AwarenessEntryWire `json:"states"`
}

func (*AwarenessState) MessageType() string { return TypeAwarenessState }

// Error reports a fault to the peer. Reason is one of the documented
// reason strings; Details is optional free-form JSON.
type Error struct {
	Envelope
	Reason  string          `json:"reason"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (*Error) MessageType() string { return TypeError }
