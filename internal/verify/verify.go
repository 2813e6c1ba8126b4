// Package verify answers whether a hash (or a file) was anchored.
//
// Input is matched against anchor digests and ledger transaction
// references. A miss is reported as NotFound, which callers treat as
// possible tampering. When the anchor store cannot be read the answer is an
// InfrastructureError instead: an outage must never look like tampering.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
)

// Status is the outcome of a verification.
type Status string

const (
	StatusMatched  Status = "matched"
	StatusNotFound Status = "not_found"
)

// How a match was made.
const (
	MatchedByDigest      = "digest"
	MatchedByTxReference = "tx_reference"
)

// DefaultPageSize is the List page size used when the store has no
// indexed lookup.
const DefaultPageSize = 500

// Result is the answer to one verification. It is never stored.
type Result struct {
	Status    Status             `json:"status"`
	MatchedBy string             `json:"matchedBy,omitempty"`
	Input     string             `json:"input"`
	Anchor    *anchor.HashAnchor `json:"anchor,omitempty"`
}

// Matched reports whether the input was found.
func (r Result) Matched() bool { return r.Status == StatusMatched }

// InfrastructureError means verification could not be performed.
type InfrastructureError struct {
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("verification could not be performed: %v", e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Option configures a Service.
type Option func(*Service)

// WithPageSize sets the List page size for stores without anchor.Finder.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Service verifies hashes against an anchor store. It only reads, and is
// safe for concurrent use.
type Service struct {
	anchors  anchor.Store
	pageSize int
}

// New creates a Service.
func New(anchors anchor.Store, opts ...Option) *Service {
	s := &Service{anchors: anchors, pageSize: DefaultPageSize}
	for _, o := range opts {
		o(s)
	}
	return s
}

// VerifyHash looks hash up as an anchor digest, then as a transaction
// reference. Surrounding whitespace is ignored and digests compare
// case-insensitively.
func (s *Service) VerifyHash(ctx context.Context, hash string) (Result, error) {
	input := strings.TrimSpace(hash)
	res := Result{Status: StatusNotFound, Input: input}
	if input == "" {
		return res, nil
	}

	a, by, err := s.lookup(ctx, input)
	if errors.Is(err, anchor.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return Result{}, &InfrastructureError{Err: err}
	}

	res.Status = StatusMatched
	res.MatchedBy = by
	res.Anchor = &a
	return res, nil
}

// VerifyFile hashes the content of r (see audit.FileDigest) and verifies
// the digest.
func (s *Service) VerifyFile(ctx context.Context, r io.Reader) (Result, error) {
	digest, err := audit.FileDigest(r)
	if err != nil {
		return Result{}, fmt.Errorf("reading file: %w", err)
	}
	return s.VerifyHash(ctx, digest)
}

func (s *Service) lookup(ctx context.Context, input string) (anchor.HashAnchor, string, error) {
	if f, ok := s.anchors.(anchor.Finder); ok {
		return s.find(ctx, f, input)
	}
	return s.scan(ctx, input)
}

func (s *Service) find(ctx context.Context, f anchor.Finder, input string) (anchor.HashAnchor, string, error) {
	a, err := f.FindByDigest(ctx, input)
	if err == nil {
		return a, MatchedByDigest, nil
	}
	if !errors.Is(err, anchor.ErrNotFound) {
		return a, "", err
	}

	for _, ref := range txCandidates(input) {
		a, err = f.FindByTxReference(ctx, ref)
		if err == nil {
			return a, MatchedByTxReference, nil
		}
		if !errors.Is(err, anchor.ErrNotFound) {
			return a, "", err
		}
	}
	return anchor.HashAnchor{}, "", anchor.ErrNotFound
}

// txCandidates lists the spellings of a transaction reference to try. Hex
// references are tried as given, lowercase and uppercase.
func txCandidates(input string) []string {
	out := []string{input}
	if !isHexTx(input) {
		return out
	}
	for _, c := range []string{"0x" + strings.ToLower(input[2:]), "0x" + strings.ToUpper(input[2:])} {
		if c != input {
			out = append(out, c)
		}
	}
	return out
}

// scan pages through every anchor, newest first. A digest match anywhere
// wins over a transaction-reference match.
func (s *Service) scan(ctx context.Context, input string) (anchor.HashAnchor, string, error) {
	var (
		txMatch anchor.HashAnchor
		txFound bool
	)
	for offset := 0; ; offset += s.pageSize {
		page, err := s.anchors.List(ctx, anchor.ListParams{Limit: s.pageSize, Offset: offset})
		if err != nil {
			return anchor.HashAnchor{}, "", err
		}
		for _, a := range page {
			if strings.EqualFold(a.Digest, input) {
				return a, MatchedByDigest, nil
			}
			if !txFound && txEqual(a.TxReference, input) {
				txMatch, txFound = a, true
			}
		}
		if len(page) < s.pageSize {
			break
		}
	}
	if txFound {
		return txMatch, MatchedByTxReference, nil
	}
	return anchor.HashAnchor{}, "", anchor.ErrNotFound
}

func txEqual(ref, input string) bool {
	if ref == input {
		return true
	}
	return isHexTx(input) && strings.EqualFold(ref, input)
}

func isHexTx(s string) bool {
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
