package hub

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/protocol"
)

// ErrHubFull is returned when registration would exceed the configured
// connection limit.
var ErrHubFull = errors.New("connection limit reached")

// DroppedSubscription describes one document a connection left, and
// whether it was that document's last local subscriber.
type DroppedSubscription struct {
	DocumentID     string
	LastSubscriber bool
}

// Manager is the thread-safe registry of live connections with a
// document-to-subscribers index. Both sides of the subscription
// relation mutate under its lock, so a connection's set and the
// document index can never disagree.
type Manager struct {
	maxConnections int
	logger         zerolog.Logger
	rec            metrics.Recorder

	mu          sync.RWMutex
	connections map[string]*Connection
	subscribers map[string]map[string]*Connection // documentID -> connectionID -> conn
}

// NewManager creates an empty registry. maxConnections ≤ 0 means
// unlimited.
func NewManager(maxConnections int, logger zerolog.Logger, rec metrics.Recorder) *Manager {
	return &Manager{
		maxConnections: maxConnections,
		logger:         logger.With().Str("component", "manager").Logger(),
		rec:            rec,
		connections:    make(map[string]*Connection),
		subscribers:    make(map[string]map[string]*Connection),
	}
}

// Register adds a connection, enforcing the connection limit.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConnections > 0 && len(m.connections) >= m.maxConnections {
		return ErrHubFull
	}
	m.connections[conn.ID()] = conn
	m.rec.ConnectionOpened()
	return nil
}

// Unregister removes a connection from both indexes, reporting every
// document it was subscribed to.
func (m *Manager) Unregister(conn *Connection) []DroppedSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[conn.ID()]; !ok {
		return nil
	}
	delete(m.connections, conn.ID())
	m.rec.ConnectionClosed()

	var dropped []DroppedSubscription
	for _, documentID := range conn.Subscriptions() {
		conn.removeSubscription(documentID)
		subs := m.subscribers[documentID]
		delete(subs, conn.ID())
		last := len(subs) == 0
		if last {
			delete(m.subscribers, documentID)
		}
		dropped = append(dropped, DroppedSubscription{DocumentID: documentID, LastSubscriber: last})
	}
	return dropped
}

// Connection looks up a live connection by id.
func (m *Manager) Connection(id string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[id]
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SessionIDs snapshots the session ids of authenticated connections.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connections))
	for _, conn := range m.connections {
		if id := conn.SessionID(); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe adds the connection to the document's subscriber set and
// the document to the connection's set, reporting whether the document
// gained its first local subscriber. Idempotent.
func (m *Manager) Subscribe(conn *Connection, documentID string) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[documentID]
	if subs == nil {
		subs = make(map[string]*Connection)
		m.subscribers[documentID] = subs
	}
	if _, ok := subs[conn.ID()]; ok {
		return false
	}
	first = len(subs) == 0
	subs[conn.ID()] = conn
	conn.addSubscription(documentID)
	return first
}

// Unsubscribe removes the connection from the document's subscriber
// set, reporting whether it was subscribed and whether the document
// lost its last local subscriber.
func (m *Manager) Unsubscribe(conn *Connection, documentID string) (was, last bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !conn.removeSubscription(documentID) {
		return false, false
	}
	subs := m.subscribers[documentID]
	delete(subs, conn.ID())
	if len(subs) == 0 {
		delete(m.subscribers, documentID)
		return true, true
	}
	return true, false
}

// Subscribers snapshots the document's subscriber list.
func (m *Manager) Subscribers(documentID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := m.subscribers[documentID]
	out := make([]*Connection, 0, len(subs))
	for _, conn := range subs {
		out = append(out, conn)
	}
	return out
}

// BroadcastToDocument sends the message to every local subscriber of
// the document except excludeConnectionID, returning how many sends
// were attempted.
func (m *Manager) BroadcastToDocument(documentID string, msg protocol.Message, excludeConnectionID string) int {
	sent := 0
	for _, conn := range m.Subscribers(documentID) {
		if conn.ID() == excludeConnectionID {
			continue
		}
		if err := conn.Send(msg); err != nil {
			m.logger.Debug().Err(err).
				Str("documentId", documentID).
				Str("connectionId", conn.ID()).
				Msg("broadcast send failed")
			continue
		}
		sent++
	}
	m.rec.BroadcastFanout(sent)
	return sent
}

// CloseAll closes every live connection with the given code and reason.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}
