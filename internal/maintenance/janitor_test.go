package maintenance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/awareness"
	"github.com/synckit-io/hub/internal/storage"
)

type staticSessions []string

func (s staticSessions) SessionIDs() []string { return s }

func TestJanitor_RunCleanup(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	store.Connect(ctx)

	old := time.Now().Add(-48 * time.Hour)
	store.SaveSession(ctx, &storage.Session{ID: "stale", UserID: "u1", ConnectedAt: old, LastSeen: old})
	store.SaveSession(ctx, &storage.Session{ID: "fresh", UserID: "u1"})

	j := NewJanitor(store, awareness.NewMemoryStore(), staticSessions(nil), Config{
		SessionMaxAge: 24 * time.Hour,
	}, zerolog.Nop())
	j.RunCleanup(ctx)

	sessions, err := store.GetSessionsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSessionsByUser() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "fresh" {
		t.Errorf("sessions after cleanup = %+v, want only fresh", sessions)
	}
}

func TestJanitor_SweepAwareness(t *testing.T) {
	ctx := context.Background()
	aw := awareness.NewMemoryStore()
	base := time.Now()

	aw.Put(ctx, "doc1", "stale", json.RawMessage(`{}`), 1, base.Add(-time.Minute))
	aw.Put(ctx, "doc1", "fresh", json.RawMessage(`{}`), 1, base)

	j := NewJanitor(storage.NewMemoryAdapter(), aw, staticSessions(nil), Config{
		AwarenessTTL: 30 * time.Second,
	}, zerolog.Nop())
	j.now = func() time.Time { return base }
	j.SweepAwareness(ctx)

	entries, err := aw.Get(ctx, "doc1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ClientID != "fresh" {
		t.Errorf("entries after sweep = %+v, want only fresh", entries)
	}
}

func TestJanitor_RefreshSessions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()
	store.Connect(ctx)

	past := time.Now().Add(-time.Hour)
	store.SaveSession(ctx, &storage.Session{ID: "s1", UserID: "u1", ConnectedAt: past, LastSeen: past})
	store.SaveSession(ctx, &storage.Session{ID: "s2", UserID: "u1", ConnectedAt: past, LastSeen: past})

	j := NewJanitor(store, awareness.NewMemoryStore(), staticSessions{"s1"}, Config{}, zerolog.Nop())
	refreshAt := time.Now()
	j.now = func() time.Time { return refreshAt }
	j.RefreshSessions(ctx)

	sessions, _ := store.GetSessionsByUser(ctx, "u1")
	for _, s := range sessions {
		switch s.ID {
		case "s1":
			if !s.LastSeen.Equal(refreshAt) {
				t.Errorf("s1 lastSeen = %v, want refreshed to %v", s.LastSeen, refreshAt)
			}
		case "s2":
			if !s.LastSeen.Equal(past) {
				t.Errorf("s2 lastSeen = %v, want untouched", s.LastSeen)
			}
		}
	}
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(storage.NewMemoryAdapter(), awareness.NewMemoryStore(), staticSessions(nil), Config{
		CleanupSchedule:        "@every 1h",
		AwarenessTTL:           time.Hour,
		SessionRefreshInterval: time.Hour,
	}, zerolog.Nop())

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	j.Stop()
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(storage.NewMemoryAdapter(), awareness.NewMemoryStore(), staticSessions(nil), Config{
		CleanupSchedule: "not a cron spec",
	}, zerolog.Nop())

	if err := j.Start(context.Background()); err == nil {
		t.Error("Start() error = nil, want schedule parse error")
	}
	j.Stop()
}
