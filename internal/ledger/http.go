package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPNotaryOptions configures an HTTPNotary.
type HTTPNotaryOptions struct {
	Endpoint string // full URL of the submit endpoint
	APIKey   string // sent as a bearer token when non-empty
	Network  string
	Client   *http.Client
}

// HTTPNotary submits digests to a notarization service over HTTP.
//
// Request:  POST <endpoint>  {"digest": "<hex>", "network": "<name>"}
// Response: 2xx              {"txHash": "0x...", "blockNumber": 123}
//
// The service is expected to broadcast the commitment to the named network
// and answer once the transaction is accepted.
type HTTPNotary struct {
	endpoint string
	apiKey   string
	network  string
	client   *http.Client
}

type submitRequest struct {
	Digest  string `json:"digest"`
	Network string `json:"network"`
}

type submitResponse struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 2048

// NewHTTPNotary validates opts and returns a notary client.
func NewHTTPNotary(opts HTTPNotaryOptions) (*HTTPNotary, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("notary endpoint is required")
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &HTTPNotary{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		network:  opts.Network,
		client:   opts.Client,
	}, nil
}

// Network returns the configured network name.
func (n *HTTPNotary) Network() string { return n.network }

// Submit posts digest to the notary. The request is bound to ctx, so the
// caller's commit timeout aborts a hung service.
func (n *HTTPNotary) Submit(ctx context.Context, digest string) (Receipt, error) {
	body, err := json.Marshal(submitRequest{Digest: digest, Network: n.network})
	if err != nil {
		return Receipt{}, fmt.Errorf("encoding notary request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("building notary request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("submitting to notary %s: %w", n.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Receipt{}, fmt.Errorf("notary returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, fmt.Errorf("decoding notary response: %w", err)
	}
	if out.TxHash == "" {
		return Receipt{}, fmt.Errorf("notary response has no txHash")
	}

	return Receipt{
		TxReference: out.TxHash,
		Network:     n.network,
		BlockHeight: out.BlockNumber,
		SubmittedAt: time.Now().UTC(),
	}, nil
}
