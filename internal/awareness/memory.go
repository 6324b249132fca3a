package awareness

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps presence in process memory with one mutex per
// document, so updates on different documents never contend.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memoryDoc
}

type memoryDoc struct {
	mu      sync.Mutex
	entries map[string]*Entry // clientID -> entry
}

// NewMemoryStore creates an empty in-memory awareness store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryDoc)}
}

func (m *MemoryStore) doc(documentID string, create bool) *memoryDoc {
	m.mu.RLock()
	d := m.docs[documentID]
	m.mu.RUnlock()
	if d != nil || !create {
		return d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.docs[documentID]; d != nil {
		return d
	}
	d = &memoryDoc{entries: make(map[string]*Entry)}
	m.docs[documentID] = d
	return d
}

// Put records state if clock is strictly greater than the stored clock.
func (m *MemoryStore) Put(ctx context.Context, documentID, clientID string, state json.RawMessage, clock uint64, now time.Time) (bool, error) {
	d := m.doc(documentID, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.entries[clientID]; ok && clock <= prev.Clock {
		return false, nil
	}
	d.entries[clientID] = &Entry{
		ClientID:    clientID,
		DocumentID:  documentID,
		State:       append(json.RawMessage(nil), state...),
		Clock:       clock,
		LastUpdated: now,
	}
	return true, nil
}

// Leave records a tombstone for the client.
func (m *MemoryStore) Leave(ctx context.Context, documentID, clientID string, clock uint64, now time.Time) (bool, error) {
	return m.Put(ctx, documentID, clientID, nil, clock, now)
}

// Depart tombstones the client at one past its stored clock.
func (m *MemoryStore) Depart(ctx context.Context, documentID, clientID string, now time.Time) (uint64, bool, error) {
	d := m.doc(documentID, false)
	if d == nil {
		return 0, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.entries[clientID]
	if !ok || prev.Left() {
		return 0, false, nil
	}
	clock := prev.Clock + 1
	d.entries[clientID] = &Entry{
		ClientID:    clientID,
		DocumentID:  documentID,
		Clock:       clock,
		LastUpdated: now,
	}
	return clock, true, nil
}

// Get snapshots the document's live entries.
func (m *MemoryStore) Get(ctx context.Context, documentID string) ([]*Entry, error) {
	d := m.doc(documentID, false)
	if d == nil {
		return []*Entry{}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.Left() {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

// RemoveStale evicts entries not refreshed within ttl.
func (m *MemoryStore) RemoveStale(ctx context.Context, documentID string, now time.Time, ttl time.Duration) (int, error) {
	d := m.doc(documentID, false)
	if d == nil {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for clientID, e := range d.entries {
		if now.Sub(e.LastUpdated) > ttl {
			delete(d.entries, clientID)
			removed++
		}
	}
	return removed, nil
}

// Sweep runs RemoveStale over every known document and drops documents
// left empty.
func (m *MemoryStore) Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	total := 0
	for _, id := range ids {
		n, err := m.RemoveStale(ctx, id, now, ttl)
		if err != nil {
			return total, err
		}
		total += n
	}

	m.mu.Lock()
	for id, d := range m.docs {
		d.mu.Lock()
		empty := len(d.entries) == 0
		d.mu.Unlock()
		if empty {
			delete(m.docs, id)
		}
	}
	m.mu.Unlock()
	return total, nil
}

// HealthCheck always succeeds for the in-memory store.
func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close drops all state.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]*memoryDoc)
	return nil
}
