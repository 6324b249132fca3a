// Package storage persists documents, their delta logs, and session
// metadata behind a uniform adapter interface. Two adapters exist: an
// in-memory one for single-node deployments and tests, and a PostgreSQL
// one for durable fleets. Both provide idempotent delta append and
// "deltas since clock" queries with read-your-writes on a single node.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/synckit-io/hub/internal/vclock"
)

// Document is the persisted sync state for one document id. The clock
// equals the pointwise max over all stored deltas' clocks; the delta
// payloads themselves stay opaque.
type Document struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	VectorClock vclock.Clock `json:"vectorClock"`
}

// Delta is one stored opaque change. Appended, never mutated; removal
// happens only through age-based cleanup.
type Delta struct {
	ID             string          `json:"id"`
	DocumentID     string          `json:"documentId"`
	OriginClientID string          `json:"originClientId"`
	VectorClock    vclock.Clock    `json:"vectorClock"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"` // Unix milliseconds
}

// Session records one authenticated connection for presence bookkeeping.
type Session struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	ClientID    string            `json:"clientId,omitempty"`
	ConnectedAt time.Time         `json:"connectedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CleanupOptions selects what Cleanup removes. Zero durations skip the
// corresponding category.
type CleanupOptions struct {
	SessionMaxAge time.Duration
	DeltaMaxAge   time.Duration
}

// CleanupResult counts removed rows.
type CleanupResult struct {
	SessionsDeleted int `json:"sessionsDeleted"`
	DeltasDeleted   int `json:"deltasDeleted"`
}

// Adapter is the uniform persistence contract the coordinator programs
// against. Implementations are safe for concurrent use; callers treat
// every method as potentially blocking.
type Adapter interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	// Document operations. GetDocument returns (nil, nil) when the id
	// is unknown; GetOrCreateDocument creates it lazily.
	GetOrCreateDocument(ctx context.Context, documentID string) (*Document, error)
	GetDocument(ctx context.Context, documentID string) (*Document, error)
	GetDocumentClock(ctx context.Context, documentID string) (vclock.Clock, error)
	CountDocuments(ctx context.Context) (int, error)

	// Delta operations. AppendDelta is idempotent by delta id:
	// re-appending an already stored id is a no-op that leaves the
	// document clock untouched and reports stored=false. GetDeltasSince
	// returns, in append order, the deltas whose clocks the given clock
	// has not observed; a nil clock selects everything.
	AppendDelta(ctx context.Context, documentID string, delta *Delta) (stored bool, err error)
	GetDeltasSince(ctx context.Context, documentID string, since vclock.Clock) ([]*Delta, error)

	// Session operations
	SaveSession(ctx context.Context, session *Session) error
	UpdateSessionLastSeen(ctx context.Context, sessionID string, lastSeen time.Time) error
	GetSessionsByUser(ctx context.Context, userID string) ([]*Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Maintenance
	Cleanup(ctx context.Context, options CleanupOptions) (*CleanupResult, error)
}

// Config holds connection settings for adapters backed by an external
// store.
type Config struct {
	ConnectionString string
	PoolMinConns     int32
	PoolMaxConns     int32
	ConnectTimeout   time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:   2,
		PoolMaxConns:   10,
		ConnectTimeout: 5 * time.Second,
	}
}
