// Package anchor commits audit batch digests to a ledger and records the
// resulting anchors.
//
// A run of the Scheduler takes the records written since the last anchor,
// hashes them with audit.HashBatch, submits the digest to a ledger.Client,
// and persists the anchor as two paired rows: one keyed by digest, one keyed
// by the ledger transaction reference. Every run produces a Report.
package anchor

import (
	"time"

	"github.com/carevault/auditanchor/internal/audit"
)

// Anchor kinds.
const (
	// KindBatch anchors a sequence of audit records.
	KindBatch = "batch"
	// KindExport anchors the content digest of an exported file.
	KindExport = "export"
)

// HashAnchor records that a digest was committed to a ledger.
// Anchors are append-only and never modified after insertion.
type HashAnchor struct {
	ID          string         `json:"id"`
	Digest      string         `json:"digest"`
	RecordCount int            `json:"recordCount"`
	TxReference string         `json:"txReference"`
	Network     string         `json:"network"`
	Kind        string         `json:"kind"`
	Encoding    audit.Encoding `json:"encoding"`

	// Cursor is the record watermark after this anchor. Only batch anchors
	// advance it; a forced empty batch carries the previous cursor forward.
	Cursor audit.Cursor `json:"cursor"`

	AnchoredAt time.Time `json:"anchoredAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// BlockchainAnchor is the ledger-side half of an anchor, keyed by the
// transaction reference.
type BlockchainAnchor struct {
	TxReference string    `json:"txReference"`
	Digest      string    `json:"digest"`
	RecordCount int       `json:"recordCount"`
	Network     string    `json:"network"`
	BlockHeight uint64    `json:"blockHeight,omitempty"`
	AnchoredAt  time.Time `json:"anchoredAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PendingState is the lifecycle state of a PendingCommit.
type PendingState string

const (
	// PendingOpen: written before the ledger call, outcome unknown.
	PendingOpen PendingState = "pending"
	// PendingCommitted: the ledger accepted the digest but the anchor rows
	// are not (yet) persisted. Needs reconciliation if it stays here.
	PendingCommitted PendingState = "committed"
	// PendingAnchored: both anchor rows were persisted.
	PendingAnchored PendingState = "anchored"
	// PendingAbandoned: the ledger call failed, nothing was committed.
	PendingAbandoned PendingState = "abandoned"
)

// PendingCommit is the marker written before a digest is submitted to the
// ledger. A marker left in PendingOpen or PendingCommitted after a run ends
// points at a ledger transaction that may exist without a local anchor.
type PendingCommit struct {
	ID          string       `json:"id"`
	Digest      string       `json:"digest"`
	RecordCount int          `json:"recordCount"`
	Network     string       `json:"network"`
	Kind        string       `json:"kind"`
	State       PendingState `json:"state"`
	TxReference string       `json:"txReference,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Unresolved reports whether the marker still needs attention.
func (p PendingCommit) Unresolved() bool {
	return p.State == PendingOpen || p.State == PendingCommitted
}

// ListParams pages through anchors, newest first.
type ListParams struct {
	Kind   string // empty lists every kind
	Limit  int
	Offset int
}
