package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/synckit-io/hub/internal/auth"
	"github.com/synckit-io/hub/internal/metrics"
	"github.com/synckit-io/hub/internal/protocol"
	"github.com/synckit-io/hub/internal/security"
)

// Connection states.
const (
	StateOpen int32 = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateClosed
)

var (
	// ErrSendQueueFull is returned when the outbound queue overflows;
	// the connection is already being closed as a slow consumer.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrConnectionClosed is returned for sends after close.
	ErrConnectionClosed = errors.New("connection closed")
)

// MessageHandler receives decoded frames and lifecycle events from a
// connection's read loop. The coordinator implements it.
type MessageHandler interface {
	Handle(ctx context.Context, conn *Connection, msg protocol.Message)
	Disconnected(ctx context.Context, conn *Connection)
}

// Connection owns one WebSocket. Outbound frames funnel through a
// bounded queue drained by a single writer, so frames to one socket
// never interleave; a full queue sheds the connection as a slow
// consumer. A nil socket is allowed for tests, which read frames
// straight off the queue.
type Connection struct {
	id         string
	sock       *websocket.Conn
	remoteAddr string
	userAgent  string

	opts    Options
	logger  zerolog.Logger
	rec     metrics.Recorder
	now     func() time.Time

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	// Bound at authentication, read-only afterwards.
	principal *auth.Principal
	clientID  string
	sessionID string

	mu            sync.Mutex
	subscriptions map[string]bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps one upgraded socket. sock may be nil in tests.
func NewConnection(id string, sock *websocket.Conn, opts Options, logger zerolog.Logger, rec metrics.Recorder) *Connection {
	c := &Connection{
		id:            id,
		sock:          sock,
		opts:          opts,
		logger:        logger.With().Str("connectionId", id).Logger(),
		rec:           rec,
		now:           time.Now,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, opts.SendQueueSize),
		done:          make(chan struct{}),
	}
	c.Touch()
	return c
}

// ID returns the server-assigned connection id.
func (c *Connection) ID() string { return c.id }

// ClientID returns the client-chosen id bound at authentication, empty
// before it.
func (c *Connection) ClientID() string { return c.clientID }

// Principal returns the bound identity, nil before authentication.
func (c *Connection) Principal() *auth.Principal { return c.principal }

// SessionID returns the persisted session row id, empty before
// authentication.
func (c *Connection) SessionID() string { return c.sessionID }

// RemoteAddr returns the peer address captured at upgrade.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// SetPeer records upgrade-time request details for session metadata.
func (c *Connection) SetPeer(remoteAddr, userAgent string) {
	c.remoteAddr = remoteAddr
	c.userAgent = userAgent
}

// State returns the current lifecycle state.
func (c *Connection) State() int32 { return c.state.Load() }

// bind sets the authenticated identity. Called once by the coordinator
// while the connection is in StateAuthenticating.
func (c *Connection) bind(principal *auth.Principal, clientID, sessionID string) {
	c.principal = principal
	c.clientID = clientID
	c.sessionID = sessionID
}

// Touch refreshes the activity timestamp.
func (c *Connection) Touch() {
	c.lastActivity.Store(c.now().UnixNano())
}

// LastActivity returns when the last inbound frame arrived.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Subscribed reports whether the connection subscribes to documentID.
func (c *Connection) Subscribed(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[documentID]
}

// Subscriptions snapshots the subscription set.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

func (c *Connection) addSubscription(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[documentID] = true
}

func (c *Connection) removeSubscription(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscriptions[documentID] {
		return false
	}
	delete(c.subscriptions, documentID)
	return true
}

// Send encodes the message and enqueues it. A full queue closes the
// connection with 1011: a consumer that cannot keep up is shed rather
// than allowed to stall the hub.
func (c *Connection) Send(m protocol.Message) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		c.rec.MessageSent(m.MessageType())
		return nil
	default:
		c.rec.SlowConsumerClosed()
		c.logger.Warn().Str("type", m.MessageType()).Msg("send queue full, shedding slow consumer")
		c.Close(websocket.CloseInternalServerErr, ReasonSlowConsumer)
		return ErrSendQueueFull
	}
}

// SendError sends a wire error with the given reason.
func (c *Connection) SendError(reason string) error {
	return c.Send(protocol.NewError(reason))
}

// Close transitions to Closing, writes a close frame, and tears the
// socket down. Safe to call multiple times.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosing)
		close(c.done)
		if c.sock != nil {
			deadline := c.now().Add(c.opts.SendTimeout)
			msg := websocket.FormatCloseMessage(code, reason)
			c.sock.WriteControl(websocket.CloseMessage, msg, deadline)
			c.sock.Close()
		}
		c.state.Store(StateClosed)
	})
}

// ReadPump decodes inbound frames and hands them to the handler. It
// owns frame-level faults: malformed JSON and unknown types get an
// error reply without involving the coordinator, and heartbeat frames
// are answered in place. Returns when the socket dies or the connection
// closes.
func (c *Connection) ReadPump(ctx context.Context, handler MessageHandler, limiter *security.MessageLimiter) {
	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		handler.Disconnected(ctx, c)
	}()

	c.sock.SetReadLimit(c.opts.MaxFrameBytes)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.SendError(ReasonFrameTooLarge)
				c.Close(websocket.ClosePolicyViolation, ReasonFrameTooLarge)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		c.Touch()

		if limiter != nil && !limiter.Allow(c.id) {
			c.SendError(ReasonRateLimited)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			if errors.As(err, &unknown) {
				c.SendError(ReasonUnknownMessageType)
			} else {
				c.SendError(ReasonInvalidFrame)
			}
			continue
		}

		c.rec.MessageReceived(msg.MessageType())

		switch m := msg.(type) {
		case *protocol.Ping:
			c.Send(protocol.NewPong(m.ID))
		case *protocol.Pong:
			// Touch above already refreshed activity.
		case *protocol.Disconnect:
			return
		default:
			handler.Handle(ctx, c, msg)
		}
	}
}

// WritePump drains the outbound queue onto the socket. Each write gets
// the send timeout as its deadline; a failed or timed-out write closes
// the connection.
func (c *Connection) WritePump() {
	for {
		select {
		case data := <-c.send:
			c.sock.SetWriteDeadline(c.now().Add(c.opts.SendTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close(websocket.CloseInternalServerErr, "write_failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// RunHeartbeat sends application-level pings and closes connections
// whose peers have gone quiet past the heartbeat timeout.
func (c *Connection) RunHeartbeat() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.heartbeatTick() {
				return
			}
		case <-c.done:
			return
		}
	}
}

// heartbeatTick runs one heartbeat check, reporting whether the
// connection is still live.
func (c *Connection) heartbeatTick() bool {
	if c.now().Sub(c.LastActivity()) > c.opts.HeartbeatTimeout {
		c.logger.Info().Msg("heartbeat timeout")
		c.Close(websocket.CloseGoingAway, "heartbeat_timeout")
		return false
	}
	c.Send(protocol.NewPing())
	return true
}

// RunAuthWatchdog closes the connection if it has not authenticated
// within the auth timeout.
func (c *Connection) RunAuthWatchdog() {
	timer := time.NewTimer(c.opts.AuthTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		if c.State() < StateAuthenticated {
			c.SendError(ReasonAuthTimeout)
			c.Close(websocket.ClosePolicyViolation, ReasonAuthTimeout)
		}
	case <-c.done:
	}
}
