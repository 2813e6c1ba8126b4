package anchor

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups that match nothing.
var ErrNotFound = errors.New("anchor not found")

// FetchError reports that a store read needed to plan the run failed.
// Nothing has been written when it is returned.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// LedgerCommitError reports a failed or timed-out ledger submission.
// No anchor rows are written after it.
type LedgerCommitError struct {
	Network string
	Timeout bool
	Err     error
}

func (e *LedgerCommitError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("ledger commit to %s timed out: %v", e.Network, e.Err)
	}
	return fmt.Sprintf("ledger commit to %s failed: %v", e.Network, e.Err)
}

func (e *LedgerCommitError) Unwrap() error { return e.Err }

// PartialPersistError reports that the ledger accepted the digest but the
// anchor rows could not be stored. The ledger transaction is irrevocable;
// TxReference is what an operator reconciles against.
type PartialPersistError struct {
	TxReference string
	Digest      string
	Err         error
}

func (e *PartialPersistError) Error() string {
	return fmt.Sprintf("ledger transaction %s committed but anchor for %s not persisted: %v",
		e.TxReference, e.Digest, e.Err)
}

func (e *PartialPersistError) Unwrap() error { return e.Err }
