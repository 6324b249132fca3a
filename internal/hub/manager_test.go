package hub

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/protocol"
)

func newTestConn(id string) *Connection {
	return NewConnection(id, nil, DefaultOptions(), zerolog.Nop(), metrics.Nop{})
}

func TestManager_RegisterAndCount(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})

	if err := m.Register(newTestConn("c1")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(newTestConn("c2")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := m.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if m.Connection("c1") == nil {
		t.Error("Connection(c1) = nil, want registered connection")
	}
	if m.Connection("ghost") != nil {
		t.Error("Connection(ghost) != nil")
	}
}

func TestManager_ConnectionLimit(t *testing.T) {
	m := NewManager(2, zerolog.Nop(), metrics.Nop{})

	m.Register(newTestConn("c1"))
	m.Register(newTestConn("c2"))
	if err := m.Register(newTestConn("c3")); err != ErrHubFull {
		t.Errorf("Register() over limit error = %v, want ErrHubFull", err)
	}

	// Unregistering frees a slot.
	m.Unregister(m.Connection("c1"))
	if err := m.Register(newTestConn("c3")); err != nil {
		t.Errorf("Register() after unregister error = %v", err)
	}
}

func TestManager_SubscribeFirstAndLast(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})
	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	m.Register(c1)
	m.Register(c2)

	if first := m.Subscribe(c1, "doc1"); !first {
		t.Error("first Subscribe() = false, want true")
	}
	if first := m.Subscribe(c2, "doc1"); first {
		t.Error("second Subscribe() = true, want false")
	}
	// Re-subscribing is idempotent and never "first".
	if first := m.Subscribe(c1, "doc1"); first {
		t.Error("repeat Subscribe() = true, want false")
	}
	if len(m.Subscribers("doc1")) != 2 {
		t.Errorf("Subscribers() = %d, want 2", len(m.Subscribers("doc1")))
	}

	was, last := m.Unsubscribe(c1, "doc1")
	if !was || last {
		t.Errorf("Unsubscribe(c1) = (%v, %v), want (true, false)", was, last)
	}
	was, last = m.Unsubscribe(c2, "doc1")
	if !was || !last {
		t.Errorf("Unsubscribe(c2) = (%v, %v), want (true, true)", was, last)
	}
	was, last = m.Unsubscribe(c2, "doc1")
	if was || last {
		t.Errorf("repeat Unsubscribe() = (%v, %v), want (false, false)", was, last)
	}
}

func TestManager_UnregisterReportsDrops(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})
	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	m.Register(c1)
	m.Register(c2)
	m.Subscribe(c1, "doc1")
	m.Subscribe(c1, "doc2")
	m.Subscribe(c2, "doc1")

	dropped := m.Unregister(c1)
	if len(dropped) != 2 {
		t.Fatalf("Unregister() dropped %d, want 2", len(dropped))
	}
	byDoc := map[string]bool{}
	for _, d := range dropped {
		byDoc[d.DocumentID] = d.LastSubscriber
	}
	if byDoc["doc1"] {
		t.Error("doc1 reported last, but c2 is still subscribed")
	}
	if last, ok := byDoc["doc2"]; !ok || !last {
		t.Errorf("doc2 = (%v, %v), want reported as last", last, ok)
	}

	if len(m.Subscribers("doc2")) != 0 {
		t.Error("doc2 still has subscribers after unregister")
	}
	if c1.Subscribed("doc1") || c1.Subscribed("doc2") {
		t.Error("unregistered connection still holds subscriptions")
	}

	// Second unregister is a no-op.
	if dropped := m.Unregister(c1); dropped != nil {
		t.Errorf("repeat Unregister() = %v, want nil", dropped)
	}
}

func TestManager_BroadcastExcludesSender(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})
	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	c3 := newTestConn("c3")
	for _, c := range []*Connection{c1, c2, c3} {
		m.Register(c)
		m.Subscribe(c, "doc1")
	}

	sent := m.BroadcastToDocument("doc1", protocol.NewPing(), "c1")
	if sent != 2 {
		t.Errorf("BroadcastToDocument() = %d, want 2", sent)
	}
	select {
	case <-c1.send:
		t.Error("excluded connection received the broadcast")
	default:
	}
	for _, c := range []*Connection{c2, c3} {
		select {
		case <-c.send:
		default:
			t.Errorf("connection %s did not receive the broadcast", c.ID())
		}
	}
}

func TestManager_BroadcastUnknownDocument(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})
	if sent := m.BroadcastToDocument("nowhere", protocol.NewPing(), ""); sent != 0 {
		t.Errorf("BroadcastToDocument() = %d, want 0", sent)
	}
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})
	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	m.Register(c1)
	m.Register(c2)

	m.CloseAll(1001, ReasonServerShutdown)

	for _, c := range []*Connection{c1, c2} {
		if c.State() != StateClosed {
			t.Errorf("connection %s state = %d, want Closed", c.ID(), c.State())
		}
	}
}

func TestManager_SessionIDs(t *testing.T) {
	m := NewManager(0, zerolog.Nop(), metrics.Nop{})
	c1 := newTestConn("c1")
	c2 := newTestConn("c2")
	m.Register(c1)
	m.Register(c2)

	c1.bind(nil, "client-a", "sess-1")

	ids := m.SessionIDs()
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("SessionIDs() = %v, want [sess-1]", ids)
	}
}
