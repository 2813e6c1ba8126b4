package anchor

import (
	"context"
	"time"
)

// Store persists anchors and pending-commit markers.
type Store interface {
	// Latest returns the most recently anchored anchor of kind, or
	// ErrNotFound. An empty kind matches anchors of every kind.
	Latest(ctx context.Context, kind string) (HashAnchor, error)

	InsertHashAnchor(ctx context.Context, a HashAnchor) error
	InsertBlockchainAnchor(ctx context.Context, b BlockchainAnchor) error

	// List returns anchors newest first.
	List(ctx context.Context, params ListParams) ([]HashAnchor, error)

	InsertPending(ctx context.Context, p PendingCommit) error
	MarkPendingCommitted(ctx context.Context, id, txReference string, at time.Time) error
	ResolvePending(ctx context.Context, id string, state PendingState, at time.Time) error

	// ListPending returns markers in any of states (all states when none
	// are given), oldest first.
	ListPending(ctx context.Context, states ...PendingState) ([]PendingCommit, error)
}

// PairWriter is implemented by stores that can insert both halves of an
// anchor atomically.
type PairWriter interface {
	InsertAnchorPair(ctx context.Context, a HashAnchor, b BlockchainAnchor) error
}

// Finder is implemented by stores with indexed anchor lookups. Both
// methods return ErrNotFound when nothing matches and prefer the newest
// anchor when several do.
type Finder interface {
	// FindByDigest matches digest case-insensitively.
	FindByDigest(ctx context.Context, digest string) (HashAnchor, error)
	// FindByTxReference matches the exact reference.
	FindByTxReference(ctx context.Context, tx string) (HashAnchor, error)
}
