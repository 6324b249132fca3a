package awareness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in a Redis hash per document, so every node
// in a fleet sees the same snapshot. The clock check is read-then-write
// without a transaction; two nodes racing on one (client, document) key
// can briefly regress each other, which the per-update clocks on the
// wire correct at the next refresh.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisStoreConfig holds Redis awareness settings.
type RedisStoreConfig struct {
	URL       string
	KeyPrefix string
}

// NewRedisStore creates a Redis-backed awareness store and verifies the
// connection.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "synckit:"
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect awareness redis: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

func (r *RedisStore) key(documentID string) string {
	return r.keyPrefix + "awareness:" + documentID
}

// Put records state if clock is strictly greater than the stored clock.
func (r *RedisStore) Put(ctx context.Context, documentID, clientID string, state json.RawMessage, clock uint64, now time.Time) (bool, error) {
	key := r.key(documentID)

	prev, err := r.client.HGet(ctx, key, clientID).Bytes()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("read awareness entry: %w", err)
	}
	if err == nil {
		var stored Entry
		if jsonErr := json.Unmarshal(prev, &stored); jsonErr == nil && clock <= stored.Clock {
			return false, nil
		}
	}

	entry := Entry{
		ClientID:    clientID,
		DocumentID:  documentID,
		State:       state,
		Clock:       clock,
		LastUpdated: now,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return false, fmt.Errorf("marshal awareness entry: %w", err)
	}
	if err := r.client.HSet(ctx, key, clientID, data).Err(); err != nil {
		return false, fmt.Errorf("write awareness entry: %w", err)
	}
	return true, nil
}

// Leave records a tombstone for the client.
func (r *RedisStore) Leave(ctx context.Context, documentID, clientID string, clock uint64, now time.Time) (bool, error) {
	return r.Put(ctx, documentID, clientID, nil, clock, now)
}

// Depart tombstones the client at one past its stored clock.
func (r *RedisStore) Depart(ctx context.Context, documentID, clientID string, now time.Time) (uint64, bool, error) {
	key := r.key(documentID)

	prev, err := r.client.HGet(ctx, key, clientID).Bytes()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read awareness entry: %w", err)
	}
	var stored Entry
	if err := json.Unmarshal(prev, &stored); err != nil || stored.Left() {
		return 0, false, nil
	}

	clock := stored.Clock + 1
	tombstone := Entry{
		ClientID:    clientID,
		DocumentID:  documentID,
		Clock:       clock,
		LastUpdated: now,
	}
	data, err := json.Marshal(&tombstone)
	if err != nil {
		return 0, false, fmt.Errorf("marshal awareness tombstone: %w", err)
	}
	if err := r.client.HSet(ctx, key, clientID, data).Err(); err != nil {
		return 0, false, fmt.Errorf("write awareness tombstone: %w", err)
	}
	return clock, true, nil
}

// Get snapshots the document's live entries.
func (r *RedisStore) Get(ctx context.Context, documentID string) ([]*Entry, error) {
	raw, err := r.client.HGetAll(ctx, r.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read awareness hash: %w", err)
	}

	out := make([]*Entry, 0, len(raw))
	for _, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if e.Left() {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// RemoveStale evicts entries not refreshed within ttl.
func (r *RedisStore) RemoveStale(ctx context.Context, documentID string, now time.Time, ttl time.Duration) (int, error) {
	key := r.key(documentID)
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("read awareness hash: %w", err)
	}

	var stale []string
	for clientID, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			stale = append(stale, clientID)
			continue
		}
		if now.Sub(e.LastUpdated) > ttl {
			stale = append(stale, clientID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
		return 0, fmt.Errorf("evict awareness entries: %w", err)
	}
	return len(stale), nil
}

// Sweep runs RemoveStale over every awareness key.
func (r *RedisStore) Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	pattern := r.keyPrefix + "awareness:*"
	total := 0

	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		documentID := strings.TrimPrefix(iter.Val(), r.keyPrefix+"awareness:")
		n, err := r.RemoveStale(ctx, documentID, now, ttl)
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("scan awareness keys: %w", err)
	}
	return total, nil
}

// HealthCheck pings the connection.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close(ctx context.Context) error {
	return r.client.Close()
}
