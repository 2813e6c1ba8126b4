package ledger

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// SimulatedOptions configures a Simulated ledger.
type SimulatedOptions struct {
	Network string

	// Deterministic derives each transaction reference from the digest and
	// a submission counter instead of random bytes, so tests and replays
	// produce identical references.
	Deterministic bool

	// Latency delays each Submit, for exercising commit timeouts.
	Latency time.Duration

	// Now overrides the receipt clock. Defaults to time.Now.
	Now func() time.Time
}

// Simulated stands in for a real ledger: it never touches the network
// and returns Ethereum-style "0x" + 64 hex transaction references.
//
// Thread-safe.
type Simulated struct {
	opts SimulatedOptions

	mu        sync.Mutex
	seq       uint64
	height    uint64
	failNext  error
	submitted []Receipt
}

// NewSimulated creates a simulated ledger.
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulated{opts: opts, height: 1}
}

// Network returns the configured network name.
func (s *Simulated) Network() string { return s.opts.Network }

// FailNext makes the next Submit return err without committing anything.
func (s *Simulated) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Submitted returns every receipt issued so far, oldest first.
func (s *Simulated) Submitted() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Receipt, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Submit issues a transaction reference for digest.
func (s *Simulated) Submit(ctx context.Context, digest string) (Receipt, error) {
	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return Receipt{}, err
	}

	s.seq++
	var tx string
	if s.opts.Deterministic {
		tx = deterministicTx(s.opts.Network, digest, s.seq)
	} else {
		var err error
		tx, err = randomTx()
		if err != nil {
			return Receipt{}, fmt.Errorf("generating transaction reference: %w", err)
		}
	}

	s.height++
	r := Receipt{
		TxReference: tx,
		Network:     s.opts.Network,
		BlockHeight: s.height,
		SubmittedAt: s.opts.Now().UTC(),
	}
	s.submitted = append(s.submitted, r)

	slog.Debug("simulated ledger commit", "network", r.Network, "tx", r.TxReference, "digest", digest)
	return r, nil
}

// deterministicTx is Keccak-256(network | digest | seq), the hash
// Ethereum uses for transaction ids.
func deterministicTx(network, digest string, seq uint64) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(network))
	h.Write([]byte{'|'})
	h.Write([]byte(digest))
	h.Write([]byte{'|'})
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	h.Write(b[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func randomTx() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}
