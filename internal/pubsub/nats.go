package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus implements Bus on NATS core pub/sub with one subject per
// document. The client reconnects on its own; subscriptions survive
// reconnects.
type NATSBus struct {
	nodeID        string
	url           string
	subjectPrefix string
	logger        zerolog.Logger

	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS bus settings.
type NATSConfig struct {
	URL           string
	ChannelPrefix string
	NodeID        string
}

// NewNATSBus creates a NATS-backed bus; Connect dials it.
func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) *NATSBus {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "synckit:"
	}
	// NATS subjects use dots as separators; the channel prefix keeps
	// its configured form minus a trailing colon.
	prefix = strings.TrimSuffix(prefix, ":")

	return &NATSBus{
		nodeID:        cfg.NodeID,
		url:           cfg.URL,
		subjectPrefix: prefix,
		logger:        logger.With().Str("component", "pubsub.nats").Logger(),
		subs:          make(map[string]*nats.Subscription),
	}
}

// Connect dials the NATS server.
func (n *NATSBus) Connect(ctx context.Context) error {
	conn, err := nats.Connect(n.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	n.conn = conn
	return nil
}

// Disconnect drains and closes the connection.
func (n *NATSBus) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	for _, sub := range n.subs {
		sub.Unsubscribe()
	}
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()

	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}

// IsConnected returns connection status
func (n *NATSBus) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

// HealthCheck verifies the connection is live.
func (n *NATSBus) HealthCheck(ctx context.Context) error {
	if !n.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Publish sends the envelope to the document's subject.
func (n *NATSBus) Publish(ctx context.Context, env *Envelope) error {
	if !n.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := n.conn.Publish(n.documentSubject(env.DocumentID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", env.DocumentID, err)
	}
	return nil
}

// Subscribe starts listening on the document's subject.
func (n *NATSBus) Subscribe(ctx context.Context, documentID string, handler Handler) error {
	if !n.IsConnected() {
		return ErrNotConnected
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[documentID]; ok {
		return nil
	}

	sub, err := n.conn.Subscribe(n.documentSubject(documentID), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			n.logger.Warn().Err(err).Str("documentId", documentID).Msg("dropping malformed envelope")
			return
		}
		if env.NodeID == n.nodeID {
			return
		}
		handler(&env)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", documentID, err)
	}
	n.subs[documentID] = sub
	return nil
}

// Unsubscribe stops listening on the document's subject.
func (n *NATSBus) Unsubscribe(ctx context.Context, documentID string) error {
	n.mu.Lock()
	sub, ok := n.subs[documentID]
	if ok {
		delete(n.subs, documentID)
	}
	n.mu.Unlock()

	if ok {
		return sub.Unsubscribe()
	}
	return nil
}

func (n *NATSBus) documentSubject(documentID string) string {
	return n.subjectPrefix + ".doc." + documentID
}
