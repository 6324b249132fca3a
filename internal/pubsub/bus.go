// Package pubsub fans deltas and awareness updates out across hub
// nodes. One channel per document carries tagged envelopes; a node
// stamps every publication with its own id so it can drop the copies
// the broker echoes back. Delivery is at-least-once; duplicates are
// harmless because delta append is idempotent and awareness updates
// carry their own clocks.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by buses that have no broker behind them,
// including the noop bus used in single-node deployments.
var ErrNotConnected = errors.New("pubsub not connected")

// Envelope kinds.
const (
	KindDelta     = "delta"
	KindAwareness = "awareness"
)

// Envelope is the cross-node wire unit. Payload carries the serialized
// storage delta or awareness entry, untouched.
type Envelope struct {
	NodeID     string          `json:"nodeId"`
	Kind       string          `json:"kind"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler receives envelopes published by other nodes. Implementations
// of Bus filter out the subscribing node's own publications before
// calling it.
type Handler func(env *Envelope)

// Bus is the cross-node fan-out contract. Implementations are safe for
// concurrent use.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	Publish(ctx context.Context, env *Envelope) error
	Subscribe(ctx context.Context, documentID string, handler Handler) error
	Unsubscribe(ctx context.Context, documentID string) error
}
