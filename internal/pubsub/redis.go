package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus implements Bus on Redis pub/sub. It holds separate publisher
// and subscriber clients because a Redis connection in subscribe mode
// cannot issue other commands. Channels are keyed per document under a
// configurable prefix.
type RedisBus struct {
	nodeID        string
	publisher     *redis.Client
	subscriber    *redis.Client
	channelPrefix string
	logger        zerolog.Logger
	connected     bool

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub // documentID -> active subscription
}

// RedisConfig holds Redis bus settings.
type RedisConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
	NodeID        string
}

// NewRedisBus creates a Redis-backed bus; Connect dials it.
func NewRedisBus(cfg RedisConfig, logger zerolog.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "synckit:"
	}

	return &RedisBus{
		nodeID:        cfg.NodeID,
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		channelPrefix: prefix,
		logger:        logger.With().Str("component", "pubsub.redis").Logger(),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

// Connect verifies both client connections.
func (r *RedisBus) Connect(ctx context.Context) error {
	if err := r.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	if err := r.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect subscriber: %w", err)
	}
	r.connected = true
	return nil
}

// Disconnect closes all subscriptions and both clients.
func (r *RedisBus) Disconnect(ctx context.Context) error {
	r.connected = false

	r.mu.Lock()
	for _, ps := range r.pubsubs {
		ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.mu.Unlock()

	r.publisher.Close()
	r.subscriber.Close()
	return nil
}

// IsConnected returns connection status
func (r *RedisBus) IsConnected() bool {
	return r.connected
}

// HealthCheck pings the publisher connection.
func (r *RedisBus) HealthCheck(ctx context.Context) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.publisher.Ping(ctx).Err()
}

// Publish sends the envelope to the document's channel.
func (r *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	if !r.connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.publisher.Publish(ctx, r.documentChannel(env.DocumentID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.DocumentID, err)
	}
	return nil
}

// Subscribe starts listening on the document's channel. A second
// subscribe for the same document replaces the handler-free duplicate
// with a no-op; one goroutine per channel drains messages until
// Unsubscribe or Disconnect.
func (r *RedisBus) Subscribe(ctx context.Context, documentID string, handler Handler) error {
	if !r.connected {
		return ErrNotConnected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pubsubs[documentID]; ok {
		return nil
	}

	ps := r.subscriber.Subscribe(ctx, r.documentChannel(documentID))
	r.pubsubs[documentID] = ps
	go r.drain(documentID, ps, handler)
	return nil
}

// Unsubscribe stops listening on the document's channel.
func (r *RedisBus) Unsubscribe(ctx context.Context, documentID string) error {
	r.mu.Lock()
	ps, ok := r.pubsubs[documentID]
	if ok {
		delete(r.pubsubs, documentID)
	}
	r.mu.Unlock()

	if ok {
		return ps.Close()
	}
	return nil
}

// drain delivers envelopes from one channel, skipping the node's own
// publications and anything that fails to parse.
func (r *RedisBus) drain(documentID string, ps *redis.PubSub, handler Handler) {
	for msg := range ps.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn().Err(err).Str("documentId", documentID).Msg("dropping malformed envelope")
			continue
		}
		if env.NodeID == r.nodeID {
			continue
		}
		handler(&env)
	}
}

func (r *RedisBus) documentChannel(documentID string) string {
	return r.channelPrefix + "doc:" + documentID
}
