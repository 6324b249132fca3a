package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/synckit-io/hub/internal/vclock"
)

// PostgresAdapter implements Adapter on PostgreSQL via pgxpool. Delta
// append runs in a transaction that inserts the row and folds its clock
// into the document row, so append order is recorded by a sequence
// column and the document clock stays the pointwise max of its deltas.
type PostgresAdapter struct {
	pool      *pgxpool.Pool
	config    *Config
	connected bool
}

// expectedSchema lists the columns the validator requires per table.
// Extra columns are allowed.
var expectedSchema = map[string][]string{
	"documents": {"id", "created_at", "updated_at", "vector_clock"},
	"deltas": {"id", "document_id", "client_id", "operation_type",
		"field_path", "value", "clock_value", "timestamp", "vector_clock"},
	"sessions": {"id", "user_id", "client_id", "connected_at", "last_seen", "metadata"},
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	vector_clock JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS deltas (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL REFERENCES documents(id),
	client_id      TEXT NOT NULL,
	operation_type TEXT NOT NULL DEFAULT '',
	field_path     TEXT NOT NULL DEFAULT '',
	value          JSONB,
	clock_value    BIGINT NOT NULL DEFAULT 0,
	timestamp      BIGINT NOT NULL,
	vector_clock   JSONB NOT NULL DEFAULT '{}'::jsonb,
	seq            BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_deltas_document_seq
	ON deltas (document_id, seq);
CREATE INDEX IF NOT EXISTS idx_deltas_causal
	ON deltas (document_id, client_id, clock_value);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	client_id    TEXT NOT NULL DEFAULT '',
	connected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata     JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions (last_seen);
`

// NewPostgresAdapter creates an adapter; Connect dials the pool.
func NewPostgresAdapter(config *Config) *PostgresAdapter {
	if config == nil {
		config = DefaultConfig()
	}
	return &PostgresAdapter{config: config}
}

// Connect dials the pool, applies the schema, and validates it.
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("invalid connection string", err)
	}
	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping database", err)
	}
	p.pool = pool

	if _, err := p.pool.Exec(ctx, schemaDDL); err != nil {
		p.pool.Close()
		return NewQueryError("failed to apply schema", err)
	}
	if err := p.validateSchema(ctx); err != nil {
		p.pool.Close()
		return err
	}

	p.connected = true
	return nil
}

// Disconnect closes the pool.
func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	p.connected = false
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresAdapter) IsConnected() bool {
	return p.connected
}

// HealthCheck pings the database.
func (p *PostgresAdapter) HealthCheck(ctx context.Context) error {
	if !p.connected {
		return ErrNotConnected
	}
	if err := p.pool.Ping(ctx); err != nil {
		return NewConnectionError("ping failed", err)
	}
	return nil
}

// validateSchema ensures every expected column exists in every expected
// table before the adapter is declared usable.
func (p *PostgresAdapter) validateSchema(ctx context.Context) error {
	for table, columns := range expectedSchema {
		rows, err := p.pool.Query(ctx,
			`SELECT column_name FROM information_schema.columns
			 WHERE table_schema = current_schema() AND table_name = $1`, table)
		if err != nil {
			return NewQueryError("failed to inspect schema", err)
		}
		present := make(map[string]bool)
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return NewQueryError("failed to scan schema row", err)
			}
			present[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return NewQueryError("failed to read schema rows", err)
		}

		var missing []string
		for _, col := range columns {
			if !present[col] {
				missing = append(missing, col)
			}
		}
		if len(missing) > 0 {
			return NewSchemaError(table, missing)
		}
	}
	return nil
}

// GetOrCreateDocument fetches a document row, inserting an empty one on
// first reference.
func (p *PostgresAdapter) GetOrCreateDocument(ctx context.Context, documentID string) (*Document, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO documents (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, created_at, updated_at, vector_clock`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, NewQueryError("failed to get or create document", err)
	}
	return doc, nil
}

// GetDocument fetches a document, returning nil when it does not exist.
func (p *PostgresAdapter) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	row := p.pool.QueryRow(ctx, `
		SELECT id, created_at, updated_at, vector_clock
		FROM documents WHERE id = $1`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to get document", err)
	}
	return doc, nil
}

// GetDocumentClock returns the document's merged clock, empty for
// unknown documents.
func (p *PostgresAdapter) GetDocumentClock(ctx context.Context, documentID string) (vclock.Clock, error) {
	doc, err := p.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return vclock.New(), nil
	}
	return doc.VectorClock, nil
}

// CountDocuments reports how many documents exist.
func (p *PostgresAdapter) CountDocuments(ctx context.Context) (int, error) {
	if !p.connected {
		return 0, ErrNotConnected
	}

	var count int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&count)
	if err != nil {
		return 0, NewQueryError("failed to count documents", err)
	}
	return count, nil
}

// AppendDelta inserts the delta and merges its clock into the document
// row, both inside one transaction. A conflicting delta id leaves the
// table and the document clock untouched.
func (p *PostgresAdapter) AppendDelta(ctx context.Context, documentID string, delta *Delta) (bool, error) {
	if !p.connected {
		return false, ErrNotConnected
	}

	clockJSON, err := json.Marshal(delta.VectorClock)
	if err != nil {
		return false, NewQueryError("failed to marshal vector clock", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO documents (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`, documentID); err != nil {
		return false, NewQueryError("failed to ensure document", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO deltas (id, document_id, client_id, value, clock_value, timestamp, vector_clock)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		delta.ID, documentID, delta.OriginClientID, []byte(delta.Payload),
		int64(delta.VectorClock.Counter(delta.OriginClientID)), delta.Timestamp, clockJSON)
	if err != nil {
		return false, NewQueryError("failed to insert delta", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var docClockJSON []byte
	if err := tx.QueryRow(ctx, `
		SELECT vector_clock FROM documents WHERE id = $1 FOR UPDATE`,
		documentID).Scan(&docClockJSON); err != nil {
		return false, NewQueryError("failed to lock document clock", err)
	}
	var docClock vclock.Clock
	if err := json.Unmarshal(docClockJSON, &docClock); err != nil {
		return false, NewQueryError("corrupt document clock", err)
	}
	docClock.Merge(delta.VectorClock)
	merged, err := json.Marshal(docClock)
	if err != nil {
		return false, NewQueryError("failed to marshal merged clock", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE documents SET vector_clock = $2, updated_at = now()
		WHERE id = $1`, documentID, merged); err != nil {
		return false, NewQueryError("failed to update document clock", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, NewQueryError("failed to commit delta", err)
	}
	return true, nil
}

// GetDeltasSince returns deltas the given clock has not observed, in
// append order. A nil clock selects the full log. The clock filter runs
// in process; the query narrows by document and preserves sequence
// order.
func (p *PostgresAdapter) GetDeltasSince(ctx context.Context, documentID string, since vclock.Clock) ([]*Delta, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, client_id, value, timestamp, vector_clock
		FROM deltas WHERE document_id = $1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, NewQueryError("failed to query deltas", err)
	}
	defer rows.Close()

	out := []*Delta{}
	for rows.Next() {
		var (
			d         Delta
			payload   []byte
			clockJSON []byte
		)
		if err := rows.Scan(&d.ID, &d.DocumentID, &d.OriginClientID, &payload, &d.Timestamp, &clockJSON); err != nil {
			return nil, NewQueryError("failed to scan delta", err)
		}
		d.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(clockJSON, &d.VectorClock); err != nil {
			return nil, NewQueryError("corrupt delta clock", err)
		}
		if since != nil && d.VectorClock.ObservedBy(since) {
			continue
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to read delta rows", err)
	}
	return out, nil
}

// SaveSession upserts a session row.
func (p *PostgresAdapter) SaveSession(ctx context.Context, session *Session) error {
	if !p.connected {
		return ErrNotConnected
	}

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return NewQueryError("failed to marshal session metadata", err)
	}
	connectedAt := session.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = time.Now()
	}
	lastSeen := session.LastSeen
	if lastSeen.IsZero() {
		lastSeen = connectedAt
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, client_id, connected_at, last_seen, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			client_id = EXCLUDED.client_id,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		session.ID, session.UserID, session.ClientID, connectedAt, lastSeen, metadata)
	if err != nil {
		return NewQueryError("failed to save session", err)
	}
	return nil
}

// UpdateSessionLastSeen refreshes a session's activity timestamp.
func (p *PostgresAdapter) UpdateSessionLastSeen(ctx context.Context, sessionID string, lastSeen time.Time) error {
	if !p.connected {
		return ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE sessions SET last_seen = $2 WHERE id = $1`, sessionID, lastSeen)
	if err != nil {
		return NewQueryError("failed to update session", err)
	}
	if tag.RowsAffected() == 0 {
		return NewNotFoundError("session", sessionID)
	}
	return nil
}

// GetSessionsByUser lists a user's sessions, most recently seen first.
func (p *PostgresAdapter) GetSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, client_id, connected_at, last_seen, metadata
		FROM sessions WHERE user_id = $1 ORDER BY last_seen DESC`, userID)
	if err != nil {
		return nil, NewQueryError("failed to query sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			s        Session
			metadata []byte
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.ClientID, &s.ConnectedAt, &s.LastSeen, &metadata); err != nil {
			return nil, NewQueryError("failed to scan session", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				return nil, NewQueryError("corrupt session metadata", err)
			}
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("failed to read session rows", err)
	}
	return out, nil
}

// DeleteSession removes a session, reporting whether it existed.
func (p *PostgresAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if !p.connected {
		return false, ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return false, NewQueryError("failed to delete session", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteSessionsOlderThan removes sessions whose lastSeen precedes the
// cutoff, returning how many were removed.
func (p *PostgresAdapter) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if !p.connected {
		return 0, ErrNotConnected
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, NewQueryError("failed to delete old sessions", err)
	}
	return int(tag.RowsAffected()), nil
}

// Cleanup removes aged sessions and deltas per the options. Document
// clocks are left untouched; they remain the high-water mark even after
// old deltas are collected.
func (p *PostgresAdapter) Cleanup(ctx context.Context, options CleanupOptions) (*CleanupResult, error) {
	if !p.connected {
		return nil, ErrNotConnected
	}

	result := &CleanupResult{}
	now := time.Now()

	if options.SessionMaxAge > 0 {
		n, err := p.DeleteSessionsOlderThan(ctx, now.Add(-options.SessionMaxAge))
		if err != nil {
			return nil, err
		}
		result.SessionsDeleted = n
	}

	if options.DeltaMaxAge > 0 {
		cutoffMs := now.Add(-options.DeltaMaxAge).UnixMilli()
		tag, err := p.pool.Exec(ctx, `DELETE FROM deltas WHERE timestamp < $1`, cutoffMs)
		if err != nil {
			return nil, NewQueryError("failed to delete old deltas", err)
		}
		result.DeltasDeleted = int(tag.RowsAffected())
	}

	return result, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc       Document
		clockJSON []byte
	)
	if err := row.Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt, &clockJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(clockJSON, &doc.VectorClock); err != nil {
		return nil, fmt.Errorf("corrupt document clock: %w", err)
	}
	return &doc, nil
}
