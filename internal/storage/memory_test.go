package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/synckit-io/hub/internal/vclock"
)

func newTestAdapter(t *testing.T) *MemoryAdapter {
	t.Helper()
	m := NewMemoryAdapter()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return m
}

func testDelta(id, docID, clientID string, clock vclock.Clock) *Delta {
	return &Delta{
		ID:             id,
		DocumentID:     docID,
		OriginClientID: clientID,
		VectorClock:    clock,
		Payload:        json.RawMessage(`{"op":"set","k":1}`),
		Timestamp:      time.Now().UnixMilli(),
	}
}

func TestMemoryAdapter_NotConnected(t *testing.T) {
	m := NewMemoryAdapter()
	ctx := context.Background()

	if _, err := m.GetOrCreateDocument(ctx, "doc1"); err != ErrNotConnected {
		t.Errorf("GetOrCreateDocument error = %v, want ErrNotConnected", err)
	}
	if _, err := m.AppendDelta(ctx, "doc1", testDelta("d1", "doc1", "a", vclock.Clock{"a": 1})); err != ErrNotConnected {
		t.Errorf("AppendDelta error = %v, want ErrNotConnected", err)
	}
}

func TestMemoryAdapter_GetDocument_Unknown(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()

	doc, err := m.GetDocument(ctx, "nope")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc != nil {
		t.Errorf("GetDocument(unknown) = %+v, want nil", doc)
	}

	clock, err := m.GetDocumentClock(ctx, "nope")
	if err != nil {
		t.Fatalf("GetDocumentClock() error = %v", err)
	}
	if len(clock) != 0 {
		t.Errorf("GetDocumentClock(unknown) = %v, want empty", clock)
	}

	// Neither lookup should have created the document.
	count, err := m.CountDocuments(ctx)
	if err != nil {
		t.Fatalf("CountDocuments() error = %v", err)
	}
	if count != 0 {
		t.Errorf("CountDocuments() = %d, want 0", count)
	}
}

func TestMemoryAdapter_GetOrCreateDocument(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()

	doc, err := m.GetOrCreateDocument(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreateDocument() error = %v", err)
	}
	if doc.ID != "doc1" {
		t.Errorf("doc.ID = %q, want %q", doc.ID, "doc1")
	}
	if len(doc.VectorClock) != 0 {
		t.Errorf("new document clock = %v, want empty", doc.VectorClock)
	}

	again, err := m.GetOrCreateDocument(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreateDocument() second call error = %v", err)
	}
	if !again.CreatedAt.Equal(doc.CreatedAt) {
		t.Errorf("second create changed CreatedAt: %v != %v", again.CreatedAt, doc.CreatedAt)
	}
}

func TestMemoryAdapter_AppendDelta_MergesClock(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()

	deltas := []*Delta{
		testDelta("d1", "doc1", "a", vclock.Clock{"a": 1}),
		testDelta("d2", "doc1", "a", vclock.Clock{"a": 2}),
		testDelta("d3", "doc1", "b", vclock.Clock{"b": 1}),
	}
	for _, d := range deltas {
		stored, err := m.AppendDelta(ctx, "doc1", d)
		if err != nil {
			t.Fatalf("AppendDelta(%s) error = %v", d.ID, err)
		}
		if !stored {
			t.Fatalf("AppendDelta(%s) stored = false, want true", d.ID)
		}
	}

	clock, err := m.GetDocumentClock(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocumentClock() error = %v", err)
	}
	want := vclock.Clock{"a": 2, "b": 1}
	if !clock.Equal(want) {
		t.Errorf("document clock = %v, want %v", clock, want)
	}
}

func TestMemoryAdapter_AppendDelta_Idempotent(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()

	d := testDelta("d1", "doc1", "a", vclock.Clock{"a": 1})
	stored, err := m.AppendDelta(ctx, "doc1", d)
	if err != nil || !stored {
		t.Fatalf("first AppendDelta = (%v, %v), want (true, nil)", stored, err)
	}

	stored, err = m.AppendDelta(ctx, "doc1", d)
	if err != nil {
		t.Fatalf("second AppendDelta error = %v", err)
	}
	if stored {
		t.Error("second AppendDelta stored = true, want false")
	}

	all, err := m.GetDeltasSince(ctx, "doc1", nil)
	if err != nil {
		t.Fatalf("GetDeltasSince() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("stored deltas = %d, want 1", len(all))
	}
}

func TestMemoryAdapter_GetDeltasSince(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()

	for _, d := range []*Delta{
		testDelta("d1", "doc1", "a", vclock.Clock{"a": 1}),
		testDelta("d2", "doc1", "a", vclock.Clock{"a": 2}),
		testDelta("d3", "doc1", "b", vclock.Clock{"b": 1}),
	} {
		if _, err := m.AppendDelta(ctx, "doc1", d); err != nil {
			t.Fatalf("AppendDelta(%s) error = %v", d.ID, err)
		}
	}

	tests := []struct {
		name    string
		since   vclock.Clock
		wantIDs []string
	}{
		{"nil clock returns all in append order", nil, []string{"d1", "d2", "d3"}},
		{"partial clock skips observed", vclock.Clock{"a": 1}, []string{"d2", "d3"}},
		{"full clock returns nothing", vclock.Clock{"a": 2, "b": 1}, []string{}},
		{"ahead clock returns nothing", vclock.Clock{"a": 5, "b": 5}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.GetDeltasSince(ctx, "doc1", tt.since)
			if err != nil {
				t.Fatalf("GetDeltasSince() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d deltas, want %d", len(got), len(tt.wantIDs))
			}
			for i, d := range got {
				if d.ID != tt.wantIDs[i] {
					t.Errorf("delta[%d].ID = %q, want %q", i, d.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestMemoryAdapter_GetDeltasSince_DocumentClockIsEmpty(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()

	for _, d := range []*Delta{
		testDelta("d1", "doc1", "a", vclock.Clock{"a": 1}),
		testDelta("d2", "doc1", "b", vclock.Clock{"a": 1, "b": 1}),
	} {
		if _, err := m.AppendDelta(ctx, "doc1", d); err != nil {
			t.Fatalf("AppendDelta(%s) error = %v", d.ID, err)
		}
	}

	clock, err := m.GetDocumentClock(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocumentClock() error = %v", err)
	}
	got, err := m.GetDeltasSince(ctx, "doc1", clock)
	if err != nil {
		t.Fatalf("GetDeltasSince() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("GetDeltasSince(doc clock) returned %d deltas, want 0", len(got))
	}
}

func TestMemoryAdapter_Sessions(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()
	now := time.Now()

	sessions := []*Session{
		{ID: "s1", UserID: "alice", ClientID: "a", ConnectedAt: now.Add(-2 * time.Hour), LastSeen: now.Add(-2 * time.Hour)},
		{ID: "s2", UserID: "alice", ClientID: "a2", ConnectedAt: now, LastSeen: now},
		{ID: "s3", UserID: "bob", ClientID: "b", ConnectedAt: now, LastSeen: now},
	}
	for _, s := range sessions {
		if err := m.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession(%s) error = %v", s.ID, err)
		}
	}

	got, err := m.GetSessionsByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSessionsByUser() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice sessions = %d, want 2", len(got))
	}
	if got[0].ID != "s2" {
		t.Errorf("most recent session = %q, want %q", got[0].ID, "s2")
	}

	if err := m.UpdateSessionLastSeen(ctx, "s1", now); err != nil {
		t.Errorf("UpdateSessionLastSeen() error = %v", err)
	}
	if err := m.UpdateSessionLastSeen(ctx, "missing", now); err == nil {
		t.Error("UpdateSessionLastSeen(missing) error = nil, want not found")
	}

	removed, err := m.DeleteSessionsOlderThan(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsOlderThan() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 after refresh", removed)
	}

	ok, err := m.DeleteSession(ctx, "s3")
	if err != nil || !ok {
		t.Errorf("DeleteSession(s3) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = m.DeleteSession(ctx, "s3")
	if err != nil || ok {
		t.Errorf("DeleteSession(s3) twice = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMemoryAdapter_Cleanup(t *testing.T) {
	m := newTestAdapter(t)
	ctx := context.Background()
	now := time.Now()

	old := testDelta("old", "doc1", "a", vclock.Clock{"a": 1})
	old.Timestamp = now.Add(-48 * time.Hour).UnixMilli()
	fresh := testDelta("fresh", "doc1", "a", vclock.Clock{"a": 2})
	for _, d := range []*Delta{old, fresh} {
		if _, err := m.AppendDelta(ctx, "doc1", d); err != nil {
			t.Fatalf("AppendDelta(%s) error = %v", d.ID, err)
		}
	}
	if err := m.SaveSession(ctx, &Session{ID: "s1", UserID: "alice", LastSeen: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	result, err := m.Cleanup(ctx, CleanupOptions{SessionMaxAge: 24 * time.Hour, DeltaMaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.SessionsDeleted != 1 {
		t.Errorf("SessionsDeleted = %d, want 1", result.SessionsDeleted)
	}
	if result.DeltasDeleted != 1 {
		t.Errorf("DeltasDeleted = %d, want 1", result.DeltasDeleted)
	}

	// The document clock stays at the high-water mark after collection.
	clock, err := m.GetDocumentClock(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocumentClock() error = %v", err)
	}
	if clock.Counter("a") != 2 {
		t.Errorf("clock after cleanup = %v, want a=2", clock)
	}
}
