// Package postgres stores audit records and anchors in PostgreSQL through
// a pgx connection pool. Use it when several hosts share one database; pair
// it with the Redis run lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	user_id     TEXT,
	action      TEXT NOT NULL,
	target_type TEXT,
	target_id   TEXT,
	ts          TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_records_order ON audit_records(ts, id);
CREATE INDEX IF NOT EXISTS idx_audit_records_user ON audit_records(user_id);

CREATE TABLE IF NOT EXISTS hash_anchors (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	tx_reference TEXT NOT NULL,
	network      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	encoding     TEXT NOT NULL,
	cursor_ts    TIMESTAMPTZ,
	cursor_id    TEXT NOT NULL DEFAULT '',
	anchored_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hash_anchors_digest ON hash_anchors(digest);
CREATE INDEX IF NOT EXISTS idx_hash_anchors_tx ON hash_anchors(tx_reference);
CREATE INDEX IF NOT EXISTS idx_hash_anchors_kind ON hash_anchors(kind, anchored_at DESC);

CREATE TABLE IF NOT EXISTS blockchain_anchors (
	tx_reference TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	network      TEXT NOT NULL,
	block_height BIGINT NOT NULL DEFAULT 0,
	anchored_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_commits (
	id           TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	network      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	tx_reference TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_commits_state ON pending_commits(state);
`

// NewPool parses databaseURL, sizes the pool and checks connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements audit.Store, anchor.Store, anchor.PairWriter and
// anchor.Finder.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ audit.Store       = (*Store)(nil)
	_ anchor.Store      = (*Store)(nil)
	_ anchor.PairWriter = (*Store)(nil)
	_ anchor.Finder     = (*Store)(nil)
)

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating postgres schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const recordColumns = "id, user_id, action, target_type, target_id, ts, metadata::text"

// Append implements audit.Store. Timestamps are kept at the microsecond
// precision PostgreSQL stores.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("audit record id is required")
	}
	var meta *string
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for record %s: %w", rec.ID, err)
		}
		m := string(b)
		meta = &m
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (id, user_id, action, target_type, target_id, ts, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		rec.ID, rec.UserID, rec.Action, rec.TargetType, rec.TargetID,
		rec.Timestamp.UTC().Truncate(time.Microsecond), meta,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record %s: %w", rec.ID, err)
	}
	return nil
}

// Unanchored implements audit.Store.
func (s *Store) Unanchored(ctx context.Context, after audit.Cursor, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	if after.IsZero() {
		return s.queryRecords(ctx,
			`SELECT `+recordColumns+` FROM audit_records ORDER BY ts, id LIMIT $1`, limit)
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE (ts, id) > ($1, $2)
		 ORDER BY ts, id LIMIT $3`,
		after.Timestamp.UTC(), after.ID, limit)
}

// Range implements audit.Store.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]audit.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE ts >= $1 AND ts < $2 ORDER BY ts, id`,
		start.UTC(), end.UTC())
}

// Query implements audit.Store.
func (s *Store) Query(ctx context.Context, params audit.QueryParams) ([]audit.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE TRUE`
	var args []any

	if params.UserID != "" {
		args = append(args, params.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if !params.Since.IsZero() {
		args = append(args, params.Since.UTC())
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	query += " ORDER BY ts DESC, id DESC"
	if params.Limit > 0 && params.Action == "" {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return audit.ApplyQuery(records, params)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]audit.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r    audit.Record
			meta *string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Action, &r.TargetType, &r.TargetID, &r.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		if meta != nil {
			dec := json.NewDecoder(strings.NewReader(*meta))
			dec.UseNumber()
			if err := dec.Decode(&r.Metadata); err != nil {
				return nil, fmt.Errorf("audit record %s metadata: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const anchorColumns = "id, digest, record_count, tx_reference, network, kind, encoding, cursor_ts, cursor_id, anchored_at, created_at"

// Latest implements anchor.Store.
func (s *Store) Latest(ctx context.Context, kind string) (anchor.HashAnchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM hash_anchors`
	var args []any
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY anchored_at DESC, seq DESC LIMIT 1`
	return s.queryAnchor(ctx, query, args...)
}

// FindByDigest implements anchor.Finder.
func (s *Store) FindByDigest(ctx context.Context, digest string) (anchor.HashAnchor, error) {
	return s.queryAnchor(ctx,
		`SELECT `+anchorColumns+` FROM hash_anchors WHERE digest = $1
		 ORDER BY anchored_at DESC, seq DESC LIMIT 1`, strings.ToLower(digest))
}

// FindByTxReference implements anchor.Finder.
func (s *Store) FindByTxReference(ctx context.Context, tx string) (anchor.HashAnchor, error) {
	return s.queryAnchor(ctx,
		`SELECT `+anchorColumns+` FROM hash_anchors WHERE tx_reference = $1
		 ORDER BY anchored_at DESC, seq DESC LIMIT 1`, tx)
}

// List implements anchor.Store.
func (s *Store) List(ctx context.Context, params anchor.ListParams) ([]anchor.HashAnchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM hash_anchors`
	var args []any
	if params.Kind != "" {
		args = append(args, params.Kind)
		query += " WHERE kind = $1"
	}
	query += " ORDER BY anchored_at DESC, seq DESC"
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing anchors: %w", err)
	}
	defer rows.Close()

	var out []anchor.HashAnchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryAnchor(ctx context.Context, query string, args ...any) (anchor.HashAnchor, error) {
	a, err := scanAnchor(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return anchor.HashAnchor{}, anchor.ErrNotFound
	}
	return a, err
}

func scanAnchor(row pgx.Row) (anchor.HashAnchor, error) {
	var (
		a        anchor.HashAnchor
		enc      string
		cursorTS *time.Time
	)
	err := row.Scan(&a.ID, &a.Digest, &a.RecordCount, &a.TxReference, &a.Network, &a.Kind,
		&enc, &cursorTS, &a.Cursor.ID, &a.AnchoredAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scanning anchor: %w", err)
	}
	a.Encoding = audit.Encoding(enc)
	if cursorTS != nil {
		a.Cursor.Timestamp = cursorTS.UTC()
	}
	a.AnchoredAt = a.AnchoredAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// InsertHashAnchor implements anchor.Store.
func (s *Store) InsertHashAnchor(ctx context.Context, a anchor.HashAnchor) error {
	return insertHashAnchor(ctx, s.pool, a)
}

// InsertBlockchainAnchor implements anchor.Store.
func (s *Store) InsertBlockchainAnchor(ctx context.Context, b anchor.BlockchainAnchor) error {
	return insertBlockchainAnchor(ctx, s.pool, b)
}

// InsertAnchorPair implements anchor.PairWriter.
func (s *Store) InsertAnchorPair(ctx context.Context, a anchor.HashAnchor, b anchor.BlockchainAnchor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin anchor transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertHashAnchor(ctx, tx, a); err != nil {
		return err
	}
	if err := insertBlockchainAnchor(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit anchor transaction: %w", err)
	}
	return nil
}

func insertHashAnchor(ctx context.Context, q queryable, a anchor.HashAnchor) error {
	var cursorTS *time.Time
	if !a.Cursor.IsZero() {
		t := a.Cursor.Timestamp.UTC()
		cursorTS = &t
	}
	_, err := q.Exec(ctx,
		`INSERT INTO hash_anchors (`+anchorColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, strings.ToLower(a.Digest), a.RecordCount, a.TxReference, a.Network, a.Kind,
		string(a.Encoding), cursorTS, a.Cursor.ID, a.AnchoredAt.UTC(), a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting hash anchor %s: %w", a.Digest, err)
	}
	return nil
}

func insertBlockchainAnchor(ctx context.Context, q queryable, b anchor.BlockchainAnchor) error {
	_, err := q.Exec(ctx,
		`INSERT INTO blockchain_anchors (tx_reference, digest, record_count, network, block_height, anchored_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		b.TxReference, strings.ToLower(b.Digest), b.RecordCount, b.Network, int64(b.BlockHeight),
		b.AnchoredAt.UTC(), b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting blockchain anchor %s: %w", b.TxReference, err)
	}
	return nil
}

// InsertPending implements anchor.Store.
func (s *Store) InsertPending(ctx context.Context, p anchor.PendingCommit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_commits (id, digest, record_count, network, kind, state, tx_reference, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.Digest, p.RecordCount, p.Network, p.Kind, string(p.State), p.TxReference,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting pending commit %s: %w", p.ID, err)
	}
	return nil
}

// MarkPendingCommitted implements anchor.Store.
func (s *Store) MarkPendingCommitted(ctx context.Context, id, txReference string, at time.Time) error {
	return s.updatePending(ctx,
		`UPDATE pending_commits SET state = $1, tx_reference = $2, updated_at = $3 WHERE id = $4`,
		string(anchor.PendingCommitted), txReference, at.UTC(), id)
}

// ResolvePending implements anchor.Store.
func (s *Store) ResolvePending(ctx context.Context, id string, state anchor.PendingState, at time.Time) error {
	return s.updatePending(ctx,
		`UPDATE pending_commits SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), at.UTC(), id)
}

func (s *Store) updatePending(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating pending commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return anchor.ErrNotFound
	}
	return nil
}

// ListPending implements anchor.Store.
func (s *Store) ListPending(ctx context.Context, states ...anchor.PendingState) ([]anchor.PendingCommit, error) {
	query := `SELECT id, digest, record_count, network, kind, state, tx_reference, created_at, updated_at FROM pending_commits`
	var args []any
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		query += " WHERE state = ANY($1)"
		args = append(args, names)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending commits: %w", err)
	}
	defer rows.Close()

	var out []anchor.PendingCommit
	for rows.Next() {
		var (
			p     anchor.PendingCommit
			state string
		)
		if err := rows.Scan(&p.ID, &p.Digest, &p.RecordCount, &p.Network, &p.Kind, &state,
			&p.TxReference, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending commit: %w", err)
		}
		p.State = anchor.PendingState(state)
		p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
