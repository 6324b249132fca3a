package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/auth"
	"github.com/synckit-io/hub/internal/awareness"
	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/protocol"
	"github.com/synckit-io/hub/internal/pubsub"
	"github.com/synckit-io/hub/internal/security"
	"github.com/synckit-io/hub/internal/storage"
)

var errMissingClientID = errors.New("auth message carries no clientId")

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Storage   storage.Adapter
	Awareness awareness.Store
	Bus       pubsub.Bus
	Manager   *Manager
	Provider  *auth.Provider
	Logger    zerolog.Logger
	Recorder  metrics.Recorder
	NodeID    string
}

// Coordinator dispatches authenticated messages: it authorizes each
// operation, enforces causal delivery per origin client, persists
// before broadcasting, and mirrors accepted deltas and awareness
// updates onto the cross-node bus. Document-scoped work runs under a
// per-document mutex so local broadcast order matches append order; no
// lock ever spans two documents.
type Coordinator struct {
	storage   storage.Adapter
	awareness awareness.Store
	bus       pubsub.Bus
	manager   *Manager
	provider  *auth.Provider
	logger    zerolog.Logger
	rec       metrics.Recorder
	nodeID    string
	now       func() time.Time

	docLocks sync.Map // documentID -> *sync.Mutex
}

// NewCoordinator builds the message dispatcher.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		storage:   cfg.Storage,
		awareness: cfg.Awareness,
		bus:       cfg.Bus,
		manager:   cfg.Manager,
		provider:  cfg.Provider,
		logger:    cfg.Logger.With().Str("component", "coordinator").Logger(),
		rec:       cfg.Recorder,
		nodeID:    cfg.NodeID,
		now:       time.Now,
	}
}

func (co *Coordinator) docLock(documentID string) *sync.Mutex {
	v, _ := co.docLocks.LoadOrStore(documentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Handle dispatches one decoded inbound message. Handler panics are
// converted to an internal_error reply; they never kill the reader.
func (co *Coordinator) Handle(ctx context.Context, conn *Connection, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			co.logger.Error().
				Interface("panic", r).
				Str("connectionId", conn.ID()).
				Str("type", msg.MessageType()).
				Msg("handler panic")
			conn.SendError(ReasonInternalError)
		}
	}()

	if conn.State() != StateAuthenticated {
		if m, ok := msg.(*protocol.Auth); ok {
			co.handleAuth(ctx, conn, m)
			return
		}
		conn.SendError(ReasonNotAuthenticated)
		return
	}

	switch m := msg.(type) {
	case *protocol.Auth:
		co.logger.Warn().Str("connectionId", conn.ID()).Msg("repeat auth rejected")
		conn.Send(&protocol.AuthError{Envelope: protocol.NewEnvelope(), Reason: ReasonAuthFailed})
	case *protocol.Subscribe:
		co.handleSubscribe(ctx, conn, m)
	case *protocol.Unsubscribe:
		co.handleUnsubscribe(ctx, conn, m)
	case *protocol.SyncRequest:
		co.handleSyncRequest(ctx, conn, m)
	case *protocol.Delta:
		co.handleDelta(ctx, conn, m)
	case *protocol.AwarenessSubscribe:
		co.handleAwarenessSubscribe(ctx, conn, m)
	case *protocol.AwarenessUpdate:
		co.handleAwarenessUpdate(ctx, conn, m)
	case *protocol.Connect:
		// Informational hello; nothing to do.
	default:
		// Server-origin types echoed back by a confused client.
		co.logger.Debug().Str("type", msg.MessageType()).Msg("ignoring unexpected inbound type")
	}
}

// handleAuth validates the credential, binds the principal and client
// id, and persists a session. The wire only learns auth_failed; the
// specific cause goes to the log.
func (co *Coordinator) handleAuth(ctx context.Context, conn *Connection, m *protocol.Auth) {
	if !conn.state.CompareAndSwap(StateOpen, StateAuthenticating) {
		conn.Send(&protocol.AuthError{Envelope: protocol.NewEnvelope(), Reason: ReasonAuthFailed})
		return
	}

	fail := func(cause error) {
		co.rec.AuthFailed()
		co.logger.Warn().Err(cause).Str("connectionId", conn.ID()).Msg("authentication failed")
		conn.Send(&protocol.AuthError{Envelope: protocol.NewEnvelope(), Reason: ReasonAuthFailed})
		conn.Close(websocket.ClosePolicyViolation, ReasonAuthFailed)
	}

	if m.ClientID == "" {
		fail(errMissingClientID)
		return
	}

	principal, err := co.provider.Authenticate(auth.Credentials{Token: m.Token, APIKey: m.APIKey})
	if err != nil {
		fail(err)
		return
	}

	sessionID := uuid.NewString()
	conn.bind(principal, m.ClientID, sessionID)
	conn.state.Store(StateAuthenticated)

	session := &storage.Session{
		ID:          sessionID,
		UserID:      principal.UserID,
		ClientID:    m.ClientID,
		ConnectedAt: co.now(),
		LastSeen:    co.now(),
		Metadata:    map[string]string{"remoteAddr": conn.remoteAddr, "userAgent": conn.userAgent},
	}
	if err := co.storage.SaveSession(ctx, session); err != nil {
		co.rec.StorageError()
		co.logger.Error().Err(err).Str("sessionId", sessionID).Msg("failed to save session")
	}

	permissions, err := json.Marshal(principal.Permissions)
	if err != nil {
		permissions = json.RawMessage(`{}`)
	}
	conn.Send(&protocol.AuthSuccess{
		Envelope:    protocol.NewEnvelope(),
		UserID:      principal.UserID,
		Permissions: permissions,
	})
	co.logger.Info().
		Str("connectionId", conn.ID()).
		Str("userId", principal.UserID).
		Str("clientId", m.ClientID).
		Msg("authenticated")
}

// handleSubscribe registers interest, creating the document lazily, and
// answers with the full history plus the current awareness snapshot.
// Re-subscribing just yields the snapshot again.
func (co *Coordinator) handleSubscribe(ctx context.Context, conn *Connection, m *protocol.Subscribe) {
	if !security.ValidDocumentID(m.DocumentID) {
		conn.SendError(ReasonInvalidDocumentID)
		return
	}
	if !conn.Principal().CanRead(m.DocumentID) {
		conn.SendError(ReasonPermissionDenied)
		return
	}

	doc, err := co.storage.GetOrCreateDocument(ctx, m.DocumentID)
	if err != nil {
		co.storageFailure(conn, m.DocumentID, m.ID, err)
		return
	}

	if first := co.manager.Subscribe(conn, m.DocumentID); first {
		co.watchDocument(ctx, m.DocumentID)
	}

	deltas, err := co.storage.GetDeltasSince(ctx, m.DocumentID, nil)
	if err != nil {
		co.storageFailure(conn, m.DocumentID, m.ID, err)
		return
	}
	conn.Send(co.syncResponse(m.ID, m.DocumentID, doc.VectorClock, deltas))

	entries, err := co.awareness.Get(ctx, m.DocumentID)
	if err != nil {
		co.logger.Error().Err(err).Str("documentId", m.DocumentID).Msg("awareness snapshot failed")
		return
	}
	conn.Send(awarenessStateMessage(m.DocumentID, entries))
}

// handleUnsubscribe drops the subscription (a no-op when absent), acks,
// and announces the client's departure on the awareness channel.
func (co *Coordinator) handleUnsubscribe(ctx context.Context, conn *Connection, m *protocol.Unsubscribe) {
	was, last := co.manager.Unsubscribe(conn, m.DocumentID)
	if last {
		co.unwatchDocument(ctx, m.DocumentID)
	}
	conn.Send(protocol.NewAck(m.ID))
	if was {
		co.departAwareness(ctx, conn, m.DocumentID)
	}
}

// handleSyncRequest answers with the deltas the client has not yet
// observed. An unknown document yields an empty response and is NOT
// created.
func (co *Coordinator) handleSyncRequest(ctx context.Context, conn *Connection, m *protocol.SyncRequest) {
	if !conn.Principal().CanRead(m.DocumentID) {
		conn.SendError(ReasonPermissionDenied)
		return
	}

	doc, err := co.storage.GetDocument(ctx, m.DocumentID)
	if err != nil {
		co.storageFailure(conn, m.DocumentID, m.ID, err)
		return
	}
	if doc == nil {
		conn.Send(co.syncResponse(m.ID, m.DocumentID, nil, nil))
		return
	}

	deltas, err := co.storage.GetDeltasSince(ctx, m.DocumentID, m.VectorClock)
	if err != nil {
		co.storageFailure(conn, m.DocumentID, m.ID, err)
		return
	}
	conn.Send(co.syncResponse(m.ID, m.DocumentID, doc.VectorClock, deltas))
}

// handleDelta is the write path: authorize, enforce single-origin
// causality, persist, publish, fan out, ack. Everything from the clock
// read to the local broadcast runs under the document's lock so
// broadcast order matches append order.
func (co *Coordinator) handleDelta(ctx context.Context, conn *Connection, m *protocol.Delta) {
	if !conn.Principal().CanWrite(m.DocumentID) {
		conn.SendError(ReasonPermissionDenied)
		return
	}
	if !conn.Subscribed(m.DocumentID) {
		conn.SendError(ReasonNotSubscribed)
		return
	}

	lock := co.docLock(m.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	clock, err := co.storage.GetDocumentClock(ctx, m.DocumentID)
	if err != nil {
		co.storageFailure(conn, m.DocumentID, m.ID, err)
		return
	}

	latestSeen := clock.Counter(conn.ClientID())
	incoming := m.VectorClock.Counter(conn.ClientID())
	if incoming != latestSeen+1 {
		co.rec.CausalityRejected()
		co.logger.Warn().
			Str("documentId", m.DocumentID).
			Str("clientId", conn.ClientID()).
			Uint64("latestSeen", latestSeen).
			Uint64("incoming", incoming).
			Msg("causality violation")
		conn.SendError(ReasonCausalityViolation)
		return
	}

	timestamp := m.Timestamp
	if timestamp == 0 {
		timestamp = co.now().UnixMilli()
	}
	delta := &storage.Delta{
		ID:             m.ID,
		DocumentID:     m.DocumentID,
		OriginClientID: conn.ClientID(),
		VectorClock:    m.VectorClock,
		Payload:        m.Payload,
		Timestamp:      timestamp,
	}

	stored, err := co.storage.AppendDelta(ctx, m.DocumentID, delta)
	if err != nil {
		co.storageFailure(conn, m.DocumentID, m.ID, err)
		return
	}
	if stored {
		co.rec.DeltaAppended()
		co.publish(ctx, pubsub.KindDelta, m.DocumentID, delta)
		co.manager.BroadcastToDocument(m.DocumentID, m, conn.ID())
	}
	conn.Send(protocol.NewAck(m.ID))
}

// handleAwarenessSubscribe answers with the current presence snapshot.
func (co *Coordinator) handleAwarenessSubscribe(ctx context.Context, conn *Connection, m *protocol.AwarenessSubscribe) {
	if !conn.Principal().CanRead(m.DocumentID) {
		conn.SendError(ReasonPermissionDenied)
		return
	}

	entries, err := co.awareness.Get(ctx, m.DocumentID)
	if err != nil {
		co.logger.Error().Err(err).Str("documentId", m.DocumentID).Msg("awareness snapshot failed")
		conn.SendError(ReasonInternalError)
		return
	}
	conn.Send(awarenessStateMessage(m.DocumentID, entries))
}

// handleAwarenessUpdate runs the update through the staleness gate and
// fans accepted ones out. Never acked.
func (co *Coordinator) handleAwarenessUpdate(ctx context.Context, conn *Connection, m *protocol.AwarenessUpdate) {
	if m.ClientID != conn.ClientID() {
		conn.SendError(ReasonPermissionDenied)
		return
	}
	if !conn.Principal().CanRead(m.DocumentID) {
		conn.SendError(ReasonPermissionDenied)
		return
	}
	if !conn.Subscribed(m.DocumentID) {
		conn.SendError(ReasonNotSubscribed)
		return
	}

	accepted, err := co.awareness.Put(ctx, m.DocumentID, m.ClientID, m.State, uint64(m.Clock), co.now())
	if err != nil {
		co.logger.Error().Err(err).
			Str("documentId", m.DocumentID).
			Str("clientId", m.ClientID).
			Msg("awareness put failed")
		conn.SendError(ReasonInternalError)
		return
	}
	if !accepted {
		return
	}

	co.publish(ctx, pubsub.KindAwareness, m.DocumentID, &awareness.Entry{
		ClientID:    m.ClientID,
		DocumentID:  m.DocumentID,
		State:       m.State,
		Clock:       uint64(m.Clock),
		LastUpdated: co.now(),
	})
	co.manager.BroadcastToDocument(m.DocumentID, m, conn.ID())
}

// Disconnected cleans up after a closed connection: both indexes, the
// bus watch for documents left without subscribers, and an awareness
// departure per document.
func (co *Coordinator) Disconnected(ctx context.Context, conn *Connection) {
	dropped := co.manager.Unregister(conn)
	for _, d := range dropped {
		if conn.ClientID() != "" {
			co.departAwareness(ctx, conn, d.DocumentID)
		}
		if d.LastSubscriber {
			co.unwatchDocument(ctx, d.DocumentID)
		}
	}
	co.logger.Info().Str("connectionId", conn.ID()).Int("documents", len(dropped)).Msg("disconnected")
}

// departAwareness tombstones the client's presence and tells the other
// subscribers.
func (co *Coordinator) departAwareness(ctx context.Context, conn *Connection, documentID string) {
	clock, ok, err := co.awareness.Depart(ctx, documentID, conn.ClientID(), co.now())
	if err != nil {
		co.logger.Error().Err(err).
			Str("documentId", documentID).
			Str("clientId", conn.ClientID()).
			Msg("awareness depart failed")
		return
	}
	if !ok {
		return
	}

	co.publish(ctx, pubsub.KindAwareness, documentID, &awareness.Entry{
		ClientID:    conn.ClientID(),
		DocumentID:  documentID,
		Clock:       clock,
		LastUpdated: co.now(),
	})
	leave := &protocol.AwarenessUpdate{
		Envelope:   protocol.NewEnvelope(),
		DocumentID: documentID,
		ClientID:   conn.ClientID(),
		Clock:      protocol.Counter(clock),
	}
	co.manager.BroadcastToDocument(documentID, leave, conn.ID())
}

// watchDocument starts receiving the document's bus traffic once the
// first local subscriber appears.
func (co *Coordinator) watchDocument(ctx context.Context, documentID string) {
	if !co.bus.IsConnected() {
		return
	}
	if err := co.bus.Subscribe(ctx, documentID, co.handleRemote); err != nil {
		co.logger.Error().Err(err).Str("documentId", documentID).Msg("bus subscribe failed")
	}
}

// unwatchDocument stops the document's bus traffic after the last local
// subscriber leaves.
func (co *Coordinator) unwatchDocument(ctx context.Context, documentID string) {
	if !co.bus.IsConnected() {
		return
	}
	if err := co.bus.Unsubscribe(ctx, documentID); err != nil {
		co.logger.Warn().Err(err).Str("documentId", documentID).Msg("bus unsubscribe failed")
	}
}

// handleRemote applies envelopes published by other nodes: deltas are
// appended idempotently and fanned out to every local subscriber;
// awareness updates pass the same staleness gate as local ones.
func (co *Coordinator) handleRemote(env *pubsub.Envelope) {
	co.rec.PubSubReceived()
	ctx := context.Background()

	switch env.Kind {
	case pubsub.KindDelta:
		var delta storage.Delta
		if err := json.Unmarshal(env.Payload, &delta); err != nil {
			co.logger.Warn().Err(err).Str("documentId", env.DocumentID).Msg("malformed remote delta")
			return
		}

		lock := co.docLock(env.DocumentID)
		lock.Lock()
		defer lock.Unlock()

		stored, err := co.storage.AppendDelta(ctx, env.DocumentID, &delta)
		if err != nil {
			co.rec.StorageError()
			co.logger.Error().Err(err).
				Str("documentId", env.DocumentID).
				Str("deltaId", delta.ID).
				Msg("remote delta append failed")
			return
		}
		if !stored {
			return // duplicate delivery
		}
		co.manager.BroadcastToDocument(env.DocumentID, &protocol.Delta{
			Envelope:    protocol.Envelope{ID: delta.ID, Timestamp: delta.Timestamp},
			DocumentID:  env.DocumentID,
			Payload:     delta.Payload,
			VectorClock: delta.VectorClock,
		}, "")

	case pubsub.KindAwareness:
		var entry awareness.Entry
		if err := json.Unmarshal(env.Payload, &entry); err != nil {
			co.logger.Warn().Err(err).Str("documentId", env.DocumentID).Msg("malformed remote awareness entry")
			return
		}

		accepted, err := co.awareness.Put(ctx, env.DocumentID, entry.ClientID, entry.State, entry.Clock, co.now())
		if err != nil {
			co.logger.Error().Err(err).Str("documentId", env.DocumentID).Msg("remote awareness put failed")
			return
		}
		if !accepted {
			return
		}
		co.manager.BroadcastToDocument(env.DocumentID, &protocol.AwarenessUpdate{
			Envelope:   protocol.NewEnvelope(),
			DocumentID: env.DocumentID,
			ClientID:   entry.ClientID,
			State:      entry.State,
			Clock:      protocol.Counter(entry.Clock),
		}, "")

	default:
		co.logger.Warn().Str("kind", env.Kind).Msg("unknown envelope kind")
	}
}

// publish mirrors an accepted operation onto the bus, fire and forget.
func (co *Coordinator) publish(ctx context.Context, kind, documentID string, payload any) {
	if !co.bus.IsConnected() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		co.logger.Error().Err(err).Str("documentId", documentID).Msg("envelope marshal failed")
		return
	}
	env := &pubsub.Envelope{NodeID: co.nodeID, Kind: kind, DocumentID: documentID, Payload: data}
	if err := co.bus.Publish(ctx, env); err != nil {
		co.logger.Warn().Err(err).Str("documentId", documentID).Msg("bus publish failed")
		return
	}
	co.rec.PubSubPublished()
}

// storageFailure converts a storage error to an internal_error reply.
func (co *Coordinator) storageFailure(conn *Connection, documentID, messageID string, err error) {
	co.rec.StorageError()
	co.logger.Error().Err(err).
		Str("documentId", documentID).
		Str("messageId", messageID).
		Msg("storage failure")
	conn.SendError(ReasonInternalError)
}

// syncResponse assembles the reply to Subscribe and SyncRequest. A nil
// clock encodes as the empty object.
func (co *Coordinator) syncResponse(requestID, documentID string, clock json.Marshaler, deltas []*storage.Delta) *protocol.SyncResponse {
	state := json.RawMessage(`{}`)
	if clock != nil {
		if data, err := clock.MarshalJSON(); err == nil {
			state = data
		}
	}
	wire := make([]protocol.SyncDelta, 0, len(deltas))
	for _, d := range deltas {
		wire = append(wire, protocol.SyncDelta{Delta: d.Payload, VectorClock: d.VectorClock})
	}
	return &protocol.SyncResponse{
		Envelope:   protocol.NewEnvelope(),
		RequestID:  requestID,
		DocumentID: documentID,
		State:      state,
		Deltas:     wire,
	}
}

func awarenessStateMessage(documentID string, entries []*awareness.Entry) *protocol.AwarenessState {
	states := make([]protocol.AwarenessEntryWire, 0, len(entries))
	for _, e := range entries {
		states = append(states, protocol.AwarenessEntryWire{
			ClientID: e.ClientID,
			State:    e.State,
			Clock:    protocol.Counter(e.Clock),
		})
	}
	return &protocol.AwarenessState{
		Envelope:   protocol.NewEnvelope(),
		DocumentID: documentID,
		States:     states,
	}
}
