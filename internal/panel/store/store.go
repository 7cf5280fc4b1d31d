// Package store is the panel's pgx-backed persistence layer for the
// core-owned tables: node_tokens, failed_auth_attempts, peak_events.
// Everything else the panel's admin surface might persist (users, services,
// operator accounts) is explicitly out of scope.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kelex-io/fleetd/internal/panel/tokens"
	"github.com/kelex-io/fleetd/internal/wire"
)

// Store is a pgxpool-backed implementation of tokens.Store plus peak-event
// persistence. It is the panel's single connection to its own database,
// separate from any per-node gRPC connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn with poolSize/maxOverflow bounding the pgxpool.
func Open(ctx context.Context, dsn string, poolSize, maxOverflow int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.MaxConns = int32(poolSize + maxOverflow)
	cfg.MinConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

var _ tokens.Store = (*Store)(nil)

// InsertToken persists a freshly generated node token.
func (s *Store) InsertToken(ctx context.Context, rec tokens.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_tokens (id, node_id, token_hash, created_at, expires_at, is_active, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, 0)`,
		rec.ID, rec.NodeID, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt, rec.IsActive)
	if err != nil {
		return fmt.Errorf("store: insert token: %w", err)
	}
	return nil
}

// FindToken looks up a token by (node_id, token_hash).
func (s *Store) FindToken(ctx context.Context, nodeID, tokenHash string) (tokens.Record, bool, error) {
	var rec tokens.Record
	var lastUsed *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, node_id, token_hash, created_at, expires_at, is_active, last_used, usage_count
		FROM node_tokens WHERE node_id = $1 AND token_hash = $2`,
		nodeID, tokenHash,
	).Scan(&rec.ID, &rec.NodeID, &rec.TokenHash, &rec.CreatedAt, &rec.ExpiresAt, &rec.IsActive, &lastUsed, &rec.UsageCount)
	if err == pgx.ErrNoRows {
		return tokens.Record{}, false, nil
	}
	if err != nil {
		return tokens.Record{}, false, fmt.Errorf("store: find token: %w", err)
	}
	if lastUsed != nil {
		rec.LastUsed = *lastUsed
	}
	return rec, true, nil
}

// DeactivateToken revokes a single token.
func (s *Store) DeactivateToken(ctx context.Context, nodeID, tokenHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE node_tokens SET is_active = FALSE WHERE node_id = $1 AND token_hash = $2`,
		nodeID, tokenHash)
	if err != nil {
		return fmt.Errorf("store: deactivate token: %w", err)
	}
	return nil
}

// DeactivateAllTokens revokes every token for a node.
func (s *Store) DeactivateAllTokens(ctx context.Context, nodeID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE node_tokens SET is_active = FALSE WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("store: deactivate all tokens: %w", err)
	}
	return nil
}

// FlushUsage applies a batch of deduplicated (last_used, usage_count delta)
// updates in one transaction.
func (s *Store) FlushUsage(ctx context.Context, updates map[string]tokens.UsageUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin usage flush: %w", err)
	}
	defer tx.Rollback(ctx)

	for tokenID, u := range updates {
		if _, err := tx.Exec(ctx,
			`UPDATE node_tokens SET last_used = $1, usage_count = usage_count + $2 WHERE id = $3`,
			u.LastUsed, u.Count, tokenID,
		); err != nil {
			return fmt.Errorf("store: flush usage for token %s: %w", tokenID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit usage flush: %w", err)
	}
	return nil
}

// DeleteExpiredTokens purges tokens that expired before cutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM node_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordFailedAttempt appends one failed-auth row.
func (s *Store) RecordFailedAttempt(ctx context.Context, nodeID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_auth_attempts (node_id, attempted_at, reason) VALUES ($1, $2, '')`,
		nodeID, at)
	if err != nil {
		return fmt.Errorf("store: record failed attempt: %w", err)
	}
	return nil
}

// CountFailedAttempts counts failed-auth rows for nodeID since the given
// time.
func (s *Store) CountFailedAttempts(ctx context.Context, nodeID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM failed_auth_attempts WHERE node_id = $1 AND attempted_at >= $2`,
		nodeID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count failed attempts: %w", err)
	}
	return n, nil
}

// ClearFailedAttempts drops every failed-auth row for nodeID, called after
// a successful validation.
func (s *Store) ClearFailedAttempts(ctx context.Context, nodeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM failed_auth_attempts WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("store: clear failed attempts: %w", err)
	}
	return nil
}

// UpsertPeakEvent writes or updates a peak event on arrival from a node,
// keyed on (node_id, dedupe_key, seq). The at-most-one-open-event rule per
// (node_id, dedupe_key) is enforced by the emitting node resolving the
// prior open event before starting a new one; this method only performs
// the upsert itself.
func (s *Store) UpsertPeakEvent(ctx context.Context, ev wire.PeakEvent) error {
	started := time.UnixMilli(ev.StartedAtMs)
	var resolved *time.Time
	if ev.ResolvedAtMs > 0 {
		t := time.UnixMilli(ev.ResolvedAtMs)
		resolved = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO peak_events (node_id, category, metric, level, value, threshold, dedupe_key, context_json, started_at, resolved_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (node_id, dedupe_key, seq) DO UPDATE SET
			level = EXCLUDED.level,
			value = EXCLUDED.value,
			resolved_at = EXCLUDED.resolved_at,
			context_json = EXCLUDED.context_json`,
		strconv.FormatInt(ev.NodeID, 10), ev.Category, ev.Metric, ev.Level, ev.Value, ev.Threshold, ev.DedupeKey, ev.ContextJSON, started, resolved, ev.Seq,
	)
	if err != nil {
		return fmt.Errorf("store: upsert peak event: %w", err)
	}
	return nil
}

// FetchPeakEvents replays events recorded at or after sinceMs, optionally
// restricted to one category, ordered by (node_id, seq). The panel is the
// system of record for peak events.
func (s *Store) FetchPeakEvents(ctx context.Context, sinceMs int64, category string) ([]wire.PeakEvent, error) {
	since := time.UnixMilli(sinceMs)

	query := `
		SELECT node_id, category, metric, level, value, threshold, dedupe_key, context_json, started_at, resolved_at, seq
		FROM peak_events WHERE started_at >= $1`
	args := []any{since}
	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY node_id, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fetch peak events: %w", err)
	}
	defer rows.Close()

	var out []wire.PeakEvent
	for rows.Next() {
		var (
			nodeID, ctxJSON string
			ev              wire.PeakEvent
			started         time.Time
			resolved        *time.Time
		)
		if err := rows.Scan(&nodeID, &ev.Category, &ev.Metric, &ev.Level, &ev.Value, &ev.Threshold, &ev.DedupeKey, &ctxJSON, &started, &resolved, &ev.Seq); err != nil {
			return nil, fmt.Errorf("store: scan peak event: %w", err)
		}
		if n, err := strconv.ParseInt(nodeID, 10, 64); err == nil {
			ev.NodeID = n
		}
		ev.ContextJSON = ctxJSON
		ev.StartedAtMs = started.UnixMilli()
		if resolved != nil {
			ev.ResolvedAtMs = resolved.UnixMilli()
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate peak events: %w", err)
	}
	return out, nil
}
