// Package awareness tracks per-document ephemeral presence. Each entry
// carries a per-(client, document) clock; updates win only with a
// strictly greater clock, and a null state is the tombstone a client
// leaves behind. Entries that stop being refreshed are evicted by TTL.
package awareness

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one client's presence on one document. A nil (or JSON null)
// State means the client has left; tombstones keep their clock so stale
// rejoins cannot resurrect them.
type Entry struct {
	ClientID    string          `json:"clientId"`
	DocumentID  string          `json:"documentId"`
	State       json.RawMessage `json:"state"`
	Clock       uint64          `json:"clock"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Left reports whether the entry is a tombstone.
func (e *Entry) Left() bool {
	return len(e.State) == 0 || string(e.State) == "null"
}

// Store is the presence contract. Implementations are safe for
// concurrent use and lock per document.
type Store interface {
	// Put records state for (documentID, clientID) if clock is strictly
	// greater than the stored clock, reporting whether it was accepted.
	Put(ctx context.Context, documentID, clientID string, state json.RawMessage, clock uint64, now time.Time) (bool, error)

	// Leave is a Put with a null state.
	Leave(ctx context.Context, documentID, clientID string, clock uint64, now time.Time) (bool, error)

	// Depart is the server-generated leave used on unsubscribe and
	// disconnect: it tombstones the client at one past its stored
	// clock, returning the tombstone clock. A client with no entry
	// reports ok=false and writes nothing.
	Depart(ctx context.Context, documentID, clientID string, now time.Time) (clock uint64, ok bool, err error)

	// Get returns a snapshot of the document's live entries, tombstones
	// excluded.
	Get(ctx context.Context, documentID string) ([]*Entry, error)

	// RemoveStale evicts entries (tombstones included) not refreshed
	// within ttl, returning how many were removed.
	RemoveStale(ctx context.Context, documentID string, now time.Time, ttl time.Duration) (int, error)

	// Sweep runs RemoveStale over every known document.
	Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
