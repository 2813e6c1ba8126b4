// Package memory is an in-process implementation of audit.Store and
// anchor.Store. It backs tests and dry runs, and can be told to fail any
// operation to exercise error paths.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
)

// Op names a store operation for failure injection.
type Op string

const (
	OpAppend                 Op = "Append"
	OpUnanchored             Op = "Unanchored"
	OpRange                  Op = "Range"
	OpQuery                  Op = "Query"
	OpLatest                 Op = "Latest"
	OpInsertHashAnchor       Op = "InsertHashAnchor"
	OpInsertBlockchainAnchor Op = "InsertBlockchainAnchor"
	OpList                   Op = "List"
	OpInsertPending          Op = "InsertPending"
	OpMarkPendingCommitted   Op = "MarkPendingCommitted"
	OpResolvePending         Op = "ResolvePending"
	OpListPending            Op = "ListPending"
)

// Store holds records and anchors in memory. Thread-safe.
type Store struct {
	mu      sync.Mutex
	records []audit.Record
	ids     map[string]bool
	hashes  []anchor.HashAnchor
	chain   []anchor.BlockchainAnchor
	pending []anchor.PendingCommit
	faults  map[Op]error
	calls   map[Op]int
}

var (
	_ audit.Store  = (*Store)(nil)
	_ anchor.Store = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		ids:    make(map[string]bool),
		faults: make(map[Op]error),
		calls:  make(map[Op]int),
	}
}

// FailOn makes every call to op return err until FailOn(op, nil).
func (s *Store) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records the call and returns the injected fault. Caller holds mu.
func (s *Store) enter(op Op) error {
	s.calls[op]++
	return s.faults[op]
}

// Append implements audit.Store.
func (s *Store) Append(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAppend); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("audit record id is required")
	}
	if s.ids[rec.ID] {
		return fmt.Errorf("audit record %q already exists", rec.ID)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	s.ids[rec.ID] = true
	s.records = append(s.records, rec)
	sort.SliceStable(s.records, func(i, j int) bool {
		return audit.SortKeyLess(s.records[i], s.records[j])
	})
	return nil
}

// Unanchored implements audit.Store.
func (s *Store) Unanchored(_ context.Context, after audit.Cursor, limit int) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUnanchored); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var out []audit.Record
	for _, r := range s.records {
		if !after.Before(r) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Range implements audit.Store.
func (s *Store) Range(_ context.Context, start, end time.Time) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRange); err != nil {
		return nil, err
	}
	var out []audit.Record
	for _, r := range s.records {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Query implements audit.Store.
func (s *Store) Query(_ context.Context, params audit.QueryParams) ([]audit.Record, error) {
	s.mu.Lock()
	if err := s.enter(OpQuery); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	newest := make([]audit.Record, len(s.records))
	for i, r := range s.records {
		newest[len(s.records)-1-i] = r
	}
	s.mu.Unlock()

	return audit.ApplyQuery(newest, params)
}

// Latest implements anchor.Store.
func (s *Store) Latest(_ context.Context, kind string) (anchor.HashAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLatest); err != nil {
		return anchor.HashAnchor{}, err
	}
	for _, a := range s.newestFirst() {
		if kind == "" || a.Kind == kind {
			return a, nil
		}
	}
	return anchor.HashAnchor{}, anchor.ErrNotFound
}

// InsertHashAnchor implements anchor.Store.
func (s *Store) InsertHashAnchor(_ context.Context, a anchor.HashAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertHashAnchor); err != nil {
		return err
	}
	for _, h := range s.hashes {
		if h.ID == a.ID {
			return fmt.Errorf("hash anchor %q already exists", a.ID)
		}
	}
	s.hashes = append(s.hashes, a)
	return nil
}

// InsertBlockchainAnchor implements anchor.Store.
func (s *Store) InsertBlockchainAnchor(_ context.Context, b anchor.BlockchainAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertBlockchainAnchor); err != nil {
		return err
	}
	for _, c := range s.chain {
		if c.TxReference == b.TxReference {
			return fmt.Errorf("blockchain anchor %q already exists", b.TxReference)
		}
	}
	s.chain = append(s.chain, b)
	return nil
}

// List implements anchor.Store.
func (s *Store) List(_ context.Context, params anchor.ListParams) ([]anchor.HashAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpList); err != nil {
		return nil, err
	}
	var matched []anchor.HashAnchor
	for _, a := range s.newestFirst() {
		if params.Kind == "" || a.Kind == params.Kind {
			matched = append(matched, a)
		}
	}
	if params.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[max(params.Offset, 0):]
	if params.Limit > 0 && len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}
	return matched, nil
}

// newestFirst orders hash anchors by AnchoredAt descending, later inserts
// first on ties. Caller holds mu.
func (s *Store) newestFirst() []anchor.HashAnchor {
	out := make([]anchor.HashAnchor, len(s.hashes))
	for i, a := range s.hashes {
		out[len(s.hashes)-1-i] = a
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AnchoredAt.After(out[j].AnchoredAt)
	})
	return out
}

// InsertPending implements anchor.Store.
func (s *Store) InsertPending(_ context.Context, p anchor.PendingCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertPending); err != nil {
		return err
	}
	s.pending = append(s.pending, p)
	return nil
}

// MarkPendingCommitted implements anchor.Store.
func (s *Store) MarkPendingCommitted(_ context.Context, id, txReference string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMarkPendingCommitted); err != nil {
		return err
	}
	p := s.findPending(id)
	if p == nil {
		return anchor.ErrNotFound
	}
	p.State = anchor.PendingCommitted
	p.TxReference = txReference
	p.UpdatedAt = at
	return nil
}

// ResolvePending implements anchor.Store.
func (s *Store) ResolvePending(_ context.Context, id string, state anchor.PendingState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolvePending); err != nil {
		return err
	}
	p := s.findPending(id)
	if p == nil {
		return anchor.ErrNotFound
	}
	p.State = state
	p.UpdatedAt = at
	return nil
}

// ListPending implements anchor.Store.
func (s *Store) ListPending(_ context.Context, states ...anchor.PendingState) ([]anchor.PendingCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListPending); err != nil {
		return nil, err
	}
	var out []anchor.PendingCommit
	for _, p := range s.pending {
		if len(states) == 0 || containsState(states, p.State) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) findPending(id string) *anchor.PendingCommit {
	for i := range s.pending {
		if s.pending[i].ID == id {
			return &s.pending[i]
		}
	}
	return nil
}

func containsState(states []anchor.PendingState, st anchor.PendingState) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

// HashAnchors returns every hash anchor in insertion order.
func (s *Store) HashAnchors() []anchor.HashAnchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]anchor.HashAnchor(nil), s.hashes...)
}

// BlockchainAnchors returns every blockchain anchor in insertion order.
func (s *Store) BlockchainAnchors() []anchor.BlockchainAnchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]anchor.BlockchainAnchor(nil), s.chain...)
}

// findBy returns the newest anchor satisfying match. Store itself is not
// an anchor.Finder, so lookups through a bare Store take the paging path;
// wrap it in Indexed for the indexed one.
func (s *Store) findBy(match func(anchor.HashAnchor) bool) (anchor.HashAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.newestFirst() {
		if match(a) {
			return a, nil
		}
	}
	return anchor.HashAnchor{}, anchor.ErrNotFound
}

// Indexed wraps a Store so it also implements anchor.Finder.
type Indexed struct {
	*Store
}

var _ anchor.Finder = Indexed{}

// FindByDigest implements anchor.Finder.
func (x Indexed) FindByDigest(_ context.Context, digest string) (anchor.HashAnchor, error) {
	return x.findBy(func(a anchor.HashAnchor) bool { return strings.EqualFold(a.Digest, digest) })
}

// FindByTxReference implements anchor.Finder.
func (x Indexed) FindByTxReference(_ context.Context, tx string) (anchor.HashAnchor, error) {
	return x.findBy(func(a anchor.HashAnchor) bool { return a.TxReference == tx })
}
