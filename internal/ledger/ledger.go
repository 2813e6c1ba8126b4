// Package ledger commits batch digests to an external notarization
// backend and returns the transaction reference proving the commitment.
//
// The scheduler only sees the Client interface, so a real network-backed
// notary and the local simulated ledger are interchangeable.
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/carevault/auditanchor/internal/config"
)

// Receipt is the ledger's acknowledgement of a submitted digest.
type Receipt struct {
	TxReference string    `json:"txReference"`
	Network     string    `json:"network"`
	BlockHeight uint64    `json:"blockHeight,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Client submits an opaque digest to a ledger network.
//
// Submit is the highest-latency, least reliable step of an anchoring run.
// Implementations must honour ctx cancellation and deadlines. A successful
// Submit is irrevocable: there is no way to withdraw a commitment.
type Client interface {
	Network() string
	Submit(ctx context.Context, digest string) (Receipt, error)
}

// New builds the Client selected by cfg.Mode.
func New(cfg config.LedgerConfig) (Client, error) {
	switch cfg.Mode {
	case "simulated", "":
		return NewSimulated(SimulatedOptions{
			Network:       cfg.Network,
			Deterministic: cfg.Deterministic,
		}), nil
	case "http":
		n, err := NewHTTPNotary(HTTPNotaryOptions{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Network:  cfg.Network,
			Client: &http.Client{
				Transport: &http.Transport{
					MaxIdleConns:        4,
					IdleConnTimeout:     90 * time.Second,
					TLSHandshakeTimeout: 10 * time.Second,
				},
				// Per-commit deadlines come from the caller's context.
			},
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Mode)
	}
}
