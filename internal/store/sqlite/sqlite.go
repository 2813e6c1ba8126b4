// Package sqlite is the default store: audit records, anchors, pending
// commit markers and run leases in a single embedded SQLite database.
//
// The database is opened in WAL mode so the CLI can read while a
// scheduler in `serve` is writing.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
)

// tsLayout is fixed-width UTC with nanoseconds, so text comparison in SQL
// matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	user_id     TEXT,
	action      TEXT NOT NULL,
	target_type TEXT,
	target_id   TEXT,
	ts          TEXT NOT NULL,
	metadata    TEXT
);
CREATE INDEX IF NOT EXISTS idx_records_order ON audit_records(ts, id);
CREATE INDEX IF NOT EXISTS idx_records_user ON audit_records(user_id);
CREATE INDEX IF NOT EXISTS idx_records_action ON audit_records(action);

CREATE TABLE IF NOT EXISTS hash_anchors (
	id           TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	tx_reference TEXT NOT NULL,
	network      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	encoding     TEXT NOT NULL,
	cursor_ts    TEXT NOT NULL DEFAULT '',
	cursor_id    TEXT NOT NULL DEFAULT '',
	anchored_at  TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hash_anchors_digest ON hash_anchors(digest);
CREATE INDEX IF NOT EXISTS idx_hash_anchors_tx ON hash_anchors(tx_reference);
CREATE INDEX IF NOT EXISTS idx_hash_anchors_kind ON hash_anchors(kind, anchored_at);

CREATE TABLE IF NOT EXISTS blockchain_anchors (
	tx_reference TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	network      TEXT NOT NULL,
	block_height INTEGER NOT NULL DEFAULT 0,
	anchored_at  TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_commits (
	id           TEXT PRIMARY KEY,
	digest       TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	network      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	tx_reference TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_state ON pending_commits(state);

CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// Store implements audit.Store, anchor.Store, anchor.PairWriter,
// anchor.Finder and lock.Locker.
type Store struct {
	db   *sql.DB
	path string
}

var (
	_ audit.Store       = (*Store)(nil)
	_ anchor.Store      = (*Store)(nil)
	_ anchor.PairWriter = (*Store)(nil)
	_ anchor.Finder     = (*Store)(nil)
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	slog.Debug("sqlite store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// audit.Store
// ---------------------------------------------------------------------------

const recordColumns = "id, user_id, action, target_type, target_id, ts, metadata"

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("audit record id is required")
	}
	var meta sql.NullString
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for record %s: %w", rec.ID, err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.UserID), rec.Action, nullable(rec.TargetType), nullable(rec.TargetID),
		formatTS(rec.Timestamp), meta,
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
			`SELECT `+recordColumns+` FROM audit_records ORDER BY ts, id LIMIT ?`, limit)
	}
	ts := formatTS(after.Timestamp)
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE ts > ? OR (ts = ? AND id > ?)
		 ORDER BY ts, id LIMIT ?`,
		ts, ts, after.ID, limit)
}

// Range implements audit.Store.
func (s *Store) Range(ctx context.Context, start, end time.Time) ([]audit.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE ts >= ? AND ts < ? ORDER BY ts, id`,
		formatTS(start), formatTS(end))
}

// Query implements audit.Store. User and time filters run in SQL; the
// action glob is applied afterwards.
func (s *Store) Query(ctx context.Context, params audit.QueryParams) ([]audit.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE 1=1`
	var args []any

	if params.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, params.UserID)
	}
	if !params.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, formatTS(params.Since))
	}
	query += " ORDER BY ts DESC, id DESC"
	if params.Limit > 0 && params.Action == "" {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return audit.ApplyQuery(records, params)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r                        audit.Record
			userID, tType, tID, meta sql.NullString
			ts                       string
		)
		if err := rows.Scan(&r.ID, &userID, &r.Action, &tType, &tID, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		r.UserID, r.TargetType, r.TargetID = ptr(userID), ptr(tType), ptr(tID)
		if r.Timestamp, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("audit record %s: %w", r.ID, err)
		}
		if meta.Valid {
			if r.Metadata, err = decodeMetadata(meta.String); err != nil {
				return nil, fmt.Errorf("audit record %s metadata: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// anchor.Store
// ---------------------------------------------------------------------------

const anchorColumns = "id, digest, record_count, tx_reference, network, kind, encoding, cursor_ts, cursor_id, anchored_at, created_at"

// Latest implements anchor.Store.
func (s *Store) Latest(ctx context.Context, kind string) (anchor.HashAnchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM hash_anchors`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY anchored_at DESC, rowid DESC LIMIT 1`
	return s.queryAnchor(ctx, query, args...)
}

// FindByDigest implements anchor.Finder.
func (s *Store) FindByDigest(ctx context.Context, digest string) (anchor.HashAnchor, error) {
	return s.queryAnchor(ctx,
		`SELECT `+anchorColumns+` FROM hash_anchors WHERE digest = ?
		 ORDER BY anchored_at DESC, rowid DESC LIMIT 1`, strings.ToLower(digest))
}

// FindByTxReference implements anchor.Finder.
func (s *Store) FindByTxReference(ctx context.Context, tx string) (anchor.HashAnchor, error) {
	return s.queryAnchor(ctx,
		`SELECT `+anchorColumns+` FROM hash_anchors WHERE tx_reference = ?
		 ORDER BY anchored_at DESC, rowid DESC LIMIT 1`, tx)
}

// List implements anchor.Store.
func (s *Store) List(ctx context.Context, params anchor.ListParams) ([]anchor.HashAnchor, error) {
	query := `SELECT ` + anchorColumns + ` FROM hash_anchors`
	var args []any
	if params.Kind != "" {
		query += " WHERE kind = ?"
		args = append(args, params.Kind)
	}
	query += " ORDER BY anchored_at DESC, rowid DESC"
	if params.Limit > 0 || params.Offset > 0 {
		limit := params.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(params.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	a, err := scanAnchor(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return anchor.HashAnchor{}, anchor.ErrNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnchor(row scanner) (anchor.HashAnchor, error) {
	var (
		a                                  anchor.HashAnchor
		enc, cursorTS, anchoredAt, created string
	)
	err := row.Scan(&a.ID, &a.Digest, &a.RecordCount, &a.TxReference, &a.Network, &a.Kind,
		&enc, &cursorTS, &a.Cursor.ID, &anchoredAt, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scanning anchor: %w", err)
	}
	a.Encoding = audit.Encoding(enc)
	if cursorTS != "" {
		if a.Cursor.Timestamp, err = parseTS(cursorTS); err != nil {
			return a, fmt.Errorf("anchor %s cursor: %w", a.ID, err)
		}
	}
	if a.AnchoredAt, err = parseTS(anchoredAt); err != nil {
		return a, fmt.Errorf("anchor %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTS(created); err != nil {
		return a, fmt.Errorf("anchor %s: %w", a.ID, err)
	}
	return a, nil
}

// InsertHashAnchor implements anchor.Store.
func (s *Store) InsertHashAnchor(ctx context.Context, a anchor.HashAnchor) error {
	return insertHashAnchor(ctx, s.db, a)
}

// InsertBlockchainAnchor implements anchor.Store.
func (s *Store) InsertBlockchainAnchor(ctx context.Context, b anchor.BlockchainAnchor) error {
	return insertBlockchainAnchor(ctx, s.db, b)
}

// InsertAnchorPair implements anchor.PairWriter: both rows or neither.
func (s *Store) InsertAnchorPair(ctx context.Context, a anchor.HashAnchor, b anchor.BlockchainAnchor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning anchor transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertHashAnchor(ctx, tx, a); err != nil {
		return err
	}
	if err := insertBlockchainAnchor(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing anchor transaction: %w", err)
	}
	return nil
}

func insertHashAnchor(ctx context.Context, db execer, a anchor.HashAnchor) error {
	var cursorTS string
	if !a.Cursor.IsZero() {
		cursorTS = formatTS(a.Cursor.Timestamp)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO hash_anchors (`+anchorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, strings.ToLower(a.Digest), a.RecordCount, a.TxReference, a.Network, a.Kind,
		string(a.Encoding), cursorTS, a.Cursor.ID, formatTS(a.AnchoredAt), formatTS(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting hash anchor %s: %w", a.Digest, err)
	}
	return nil
}

func insertBlockchainAnchor(ctx context.Context, db execer, b anchor.BlockchainAnchor) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO blockchain_anchors (tx_reference, digest, record_count, network, block_height, anchored_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.TxReference, strings.ToLower(b.Digest), b.RecordCount, b.Network, int64(b.BlockHeight),
		formatTS(b.AnchoredAt), formatTS(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting blockchain anchor %s: %w", b.TxReference, err)
	}
	return nil
}

// BlockchainAnchor returns the ledger-side row for tx.
func (s *Store) BlockchainAnchor(ctx context.Context, tx string) (anchor.BlockchainAnchor, error) {
	var (
		b                   anchor.BlockchainAnchor
		height              int64
		anchoredAt, created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tx_reference, digest, record_count, network, block_height, anchored_at, created_at
		 FROM blockchain_anchors WHERE tx_reference = ?`, tx,
	).Scan(&b.TxReference, &b.Digest, &b.RecordCount, &b.Network, &height, &anchoredAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return b, anchor.ErrNotFound
	}
	if err != nil {
		return b, fmt.Errorf("reading blockchain anchor %s: %w", tx, err)
	}
	b.BlockHeight = uint64(height)
	if b.AnchoredAt, err = parseTS(anchoredAt); err != nil {
		return b, err
	}
	if b.CreatedAt, err = parseTS(created); err != nil {
		return b, err
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Pending commits
// ---------------------------------------------------------------------------

// InsertPending implements anchor.Store.
func (s *Store) InsertPending(ctx context.Context, p anchor.PendingCommit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_commits (id, digest, record_count, network, kind, state, tx_reference, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Digest, p.RecordCount, p.Network, p.Kind, string(p.State), p.TxReference,
		formatTS(p.CreatedAt), formatTS(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting pending commit %s: %w", p.ID, err)
	}
	return nil
}

// MarkPendingCommitted implements anchor.Store.
func (s *Store) MarkPendingCommitted(ctx context.Context, id, txReference string, at time.Time) error {
	return s.updatePending(ctx,
		`UPDATE pending_commits SET state = ?, tx_reference = ?, updated_at = ? WHERE id = ?`,
		string(anchor.PendingCommitted), txReference, formatTS(at), id)
}

// ResolvePending implements anchor.Store.
func (s *Store) ResolvePending(ctx context.Context, id string, state anchor.PendingState, at time.Time) error {
	return s.updatePending(ctx,
		`UPDATE pending_commits SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTS(at), id)
}

func (s *Store) updatePending(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating pending commit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating pending commit: %w", err)
	}
	if n == 0 {
		return anchor.ErrNotFound
	}
	return nil
}

// ListPending implements anchor.Store.
func (s *Store) ListPending(ctx context.Context, states ...anchor.PendingState) ([]anchor.PendingCommit, error) {
	query := `SELECT id, digest, record_count, network, kind, state, tx_reference, created_at, updated_at FROM pending_commits`
	var args []any
	if len(states) > 0 {
		query += " WHERE state IN (?" + strings.Repeat(", ?", len(states)-1) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending commits: %w", err)
	}
	defer rows.Close()

	var out []anchor.PendingCommit
	for rows.Next() {
		var (
			p                  anchor.PendingCommit
			state              string
			created, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Digest, &p.RecordCount, &p.Network, &p.Kind, &state,
			&p.TxReference, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending commit: %w", err)
		}
		p.State = anchor.PendingState(state)
		if p.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// decodeMetadata keeps numbers as json.Number so a stored record hashes
// exactly as it did before it was written.
func decodeMetadata(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
