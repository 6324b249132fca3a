package storage

import (
	"context"
	"sync"
	"time"

	"github.com/synckit-io/hub/internal/vclock"
)

// MemoryAdapter implements Adapter entirely in process memory. The map
// of documents is guarded by one read-write mutex held only for lookups
// and inserts; each document carries its own mutex so operations on
// different documents never contend.
type MemoryAdapter struct {
	mu        sync.RWMutex
	connected bool
	documents map[string]*memoryDocument
	sessions  map[string]*Session
}

type memoryDocument struct {
	mu     sync.Mutex
	doc    Document
	deltas []*Delta
	seen   map[string]bool // delta ids already appended
}

// NewMemoryAdapter creates an empty in-memory storage adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		documents: make(map[string]*memoryDocument),
		sessions:  make(map[string]*Session),
	}
}

// Connect marks the adapter usable. There is nothing to dial.
func (m *MemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect drops all state.
func (m *MemoryAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.documents = make(map[string]*memoryDocument)
	m.sessions = make(map[string]*Session)
	return nil
}

// IsConnected returns connection status
func (m *MemoryAdapter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// HealthCheck reports readiness; an in-memory store is healthy whenever
// it is connected.
func (m *MemoryAdapter) HealthCheck(ctx context.Context) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// getDocument returns the live entry for id, creating it when asked.
func (m *MemoryAdapter) getDocument(documentID string, create bool) *memoryDocument {
	m.mu.RLock()
	d := m.documents[documentID]
	m.mu.RUnlock()
	if d != nil || !create {
		return d
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.documents[documentID]; d != nil {
		return d
	}
	now := time.Now()
	d = &memoryDocument{
		doc: Document{
			ID:          documentID,
			CreatedAt:   now,
			UpdatedAt:   now,
			VectorClock: vclock.New(),
		},
		seen: make(map[string]bool),
	}
	m.documents[documentID] = d
	return d
}

// snapshot copies the document header so callers never alias live state.
func (d *memoryDocument) snapshot() *Document {
	doc := d.doc
	doc.VectorClock = d.doc.VectorClock.Clone()
	return &doc
}

// GetOrCreateDocument fetches a document, creating an empty one on
// first reference.
func (m *MemoryAdapter) GetOrCreateDocument(ctx context.Context, documentID string) (*Document, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	d := m.getDocument(documentID, true)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// GetDocument fetches a document, returning nil when it does not exist.
func (m *MemoryAdapter) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	d := m.getDocument(documentID, false)
	if d == nil {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(), nil
}

// GetDocumentClock returns the document's merged clock, empty for
// unknown documents.
func (m *MemoryAdapter) GetDocumentClock(ctx context.Context, documentID string) (vclock.Clock, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	d := m.getDocument(documentID, false)
	if d == nil {
		return vclock.New(), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.VectorClock.Clone(), nil
}

// CountDocuments reports how many documents exist.
func (m *MemoryAdapter) CountDocuments(ctx context.Context) (int, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents), nil
}

// AppendDelta stores a delta and merges its clock into the document
// clock. Re-appending an id that is already stored is a no-op.
func (m *MemoryAdapter) AppendDelta(ctx context.Context, documentID string, delta *Delta) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}

	d := m.getDocument(documentID, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen[delta.ID] {
		return false, nil
	}

	stored := &Delta{
		ID:             delta.ID,
		DocumentID:     documentID,
		OriginClientID: delta.OriginClientID,
		VectorClock:    delta.VectorClock.Clone(),
		Payload:        append([]byte(nil), delta.Payload...),
		Timestamp:      delta.Timestamp,
	}
	d.deltas = append(d.deltas, stored)
	d.seen[delta.ID] = true
	d.doc.VectorClock.Merge(delta.VectorClock)
	d.doc.UpdatedAt = time.Now()
	return true, nil
}

// GetDeltasSince returns deltas the given clock has not observed, in
// append order. A nil clock selects the full log.
func (m *MemoryAdapter) GetDeltasSince(ctx context.Context, documentID string, since vclock.Clock) ([]*Delta, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	d := m.getDocument(documentID, false)
	if d == nil {
		return []*Delta{}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Delta, 0, len(d.deltas))
	for _, delta := range d.deltas {
		if since != nil && delta.VectorClock.ObservedBy(since) {
			continue
		}
		out = append(out, delta)
	}
	return out, nil
}

// SaveSession stores a session row, replacing any previous row with the
// same id.
func (m *MemoryAdapter) SaveSession(ctx context.Context, session *Session) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	stored := *session
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = time.Now()
	}
	if stored.LastSeen.IsZero() {
		stored.LastSeen = stored.ConnectedAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[stored.ID] = &stored
	return nil
}

// UpdateSessionLastSeen refreshes a session's activity timestamp.
func (m *MemoryAdapter) UpdateSessionLastSeen(ctx context.Context, sessionID string, lastSeen time.Time) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return NewNotFoundError("session", sessionID)
	}
	session.LastSeen = lastSeen
	return nil
}

// GetSessionsByUser lists a user's sessions, most recently seen first.
func (m *MemoryAdapter) GetSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, session := range m.sessions {
		if session.UserID == userID {
			copied := *session
			out = append(out, &copied)
		}
	}
	sortSessionsByLastSeen(out)
	return out, nil
}

// DeleteSession removes a session, reporting whether it existed.
func (m *MemoryAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(m.sessions, sessionID)
	return true, nil
}

// DeleteSessionsOlderThan removes sessions whose lastSeen precedes the
// cutoff, returning how many were removed.
func (m *MemoryAdapter) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, session := range m.sessions {
		if session.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Cleanup removes aged sessions and deltas per the options. Document
// clocks are left untouched; they remain the high-water mark even after
// old deltas are collected.
func (m *MemoryAdapter) Cleanup(ctx context.Context, options CleanupOptions) (*CleanupResult, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	result := &CleanupResult{}
	now := time.Now()

	if options.SessionMaxAge > 0 {
		n, err := m.DeleteSessionsOlderThan(ctx, now.Add(-options.SessionMaxAge))
		if err != nil {
			return nil, err
		}
		result.SessionsDeleted = n
	}

	if options.DeltaMaxAge > 0 {
		cutoffMs := now.Add(-options.DeltaMaxAge).UnixMilli()

		m.mu.RLock()
		docs := make([]*memoryDocument, 0, len(m.documents))
		for _, d := range m.documents {
			docs = append(docs, d)
		}
		m.mu.RUnlock()

		for _, d := range docs {
			d.mu.Lock()
			kept := d.deltas[:0]
			for _, delta := range d.deltas {
				if delta.Timestamp < cutoffMs {
					delete(d.seen, delta.ID)
					result.DeltasDeleted++
					continue
				}
				kept = append(kept, delta)
			}
			d.deltas = kept
			d.mu.Unlock()
		}
	}

	return result, nil
}

func sortSessionsByLastSeen(sessions []*Session) {
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j].LastSeen.After(sessions[j-1].LastSeen); j-- {
			sessions[j], sessions[j-1] = sessions[j-1], sessions[j]
		}
	}
}
