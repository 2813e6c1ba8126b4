// Package audit defines the portal's audit records and the deterministic
// batch hash that the anchoring pipeline commits to an external ledger.
//
// Records are produced by other subsystems (record views, consent changes,
// logins) and are never mutated or deleted. This package does not own their
// storage; it only describes the Store contract the pipeline reads through
// and the canonical serialization every digest is computed over.
package audit

import (
	"context"
	"time"
)

// Record is a single immutable audit event.
//
// UserID, TargetType and TargetID are nullable: events emitted by the
// system itself have no acting user, and some actions (login, logout) have
// no target. Metadata is an arbitrary JSON-compatible payload.
type Record struct {
	ID         string         `json:"id"`
	UserID     *string        `json:"user_id"`
	Action     string         `json:"action"`
	TargetType *string        `json:"target_type"`
	TargetID   *string        `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Cursor is the anchoring high-watermark: the ordering key of the last
// record folded into an anchor. A record is unanchored when its
// (Timestamp, ID) sorts strictly after the cursor.
//
// The zero Cursor sorts before every record.
type Cursor struct {
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id"`
}

// IsZero reports whether the cursor has never been advanced.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == ""
}

// Before reports whether the cursor sorts strictly before r.
func (c Cursor) Before(r Record) bool {
	if c.IsZero() {
		return true
	}
	if !c.Timestamp.Equal(r.Timestamp) {
		return c.Timestamp.Before(r.Timestamp)
	}
	return c.ID < r.ID
}

// CursorOf returns the cursor positioned at r.
func CursorOf(r Record) Cursor {
	return Cursor{Timestamp: r.Timestamp.UTC(), ID: r.ID}
}

// QueryParams filters ad-hoc record listings (CLI and HTTP inspection).
// Zero values mean "no filter".
type QueryParams struct {
	UserID string    // exact match on user id
	Action string    // glob pattern, e.g. "record.*"
	Since  time.Time // inclusive lower bound on Timestamp
	Limit  int       // maximum records to return
}

// Store is the append-only audit record store the pipeline reads from.
//
// Unanchored and Range return records in ascending (Timestamp, ID) order.
// That order is the hashing order, so implementations must not return
// records in any other order.
type Store interface {
	// Append inserts a new record. Records are never updated.
	Append(ctx context.Context, rec Record) error

	// Unanchored returns up to limit records sorting after the cursor,
	// oldest first. limit <= 0 returns no records.
	Unanchored(ctx context.Context, after Cursor, limit int) ([]Record, error)

	// Range returns every record with start <= Timestamp < end, oldest first.
	Range(ctx context.Context, start, end time.Time) ([]Record, error)

	// Query returns records matching params, newest first.
	Query(ctx context.Context, params QueryParams) ([]Record, error)
}

// SortKeyLess orders records by (Timestamp, ID). Stores that sort in memory
// use it so their ordering agrees with the SQL backends.
func SortKeyLess(a, b Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
