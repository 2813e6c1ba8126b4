package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
	"github.com/carevault/auditanchor/internal/ledger"
	"github.com/carevault/auditanchor/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *memory.Store, n int) []anchor.HashAnchor {
	t.Helper()
	var out []anchor.HashAnchor
	for i := 0; i < n; i++ {
		a := anchor.HashAnchor{
			ID:          fmt.Sprintf("a%d", i),
			Digest:      fmt.Sprintf("%064x", i+1),
			RecordCount: i + 1,
			TxReference: fmt.Sprintf("0x%064X", 1000+i),
			Network:     "sepolia",
			Kind:        anchor.KindBatch,
			AnchoredAt:  t0.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.InsertHashAnchor(context.Background(), a))
		out = append(out, a)
	}
	return out
}

// Both lookup paths must give the same answers.
func services(s *memory.Store) map[string]*Service {
	return map[string]*Service{
		"scan":    New(s, WithPageSize(3)),
		"indexed": New(memory.Indexed{Store: s}),
	}
}

func TestVerifyHash(t *testing.T) {
	s := memory.New()
	anchors := seed(t, s, 10)

	for name, svc := range services(s) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := svc.VerifyHash(ctx, anchors[7].Digest)
			require.NoError(t, err)
			assert.True(t, res.Matched())
			assert.Equal(t, MatchedByDigest, res.MatchedBy)
			assert.Equal(t, 8, res.Anchor.RecordCount)

			res, err = svc.VerifyHash(ctx, "  "+strings.ToUpper(anchors[0].Digest)+"\n")
			require.NoError(t, err)
			assert.True(t, res.Matched(), "whitespace and case are ignored for digests")
			assert.Equal(t, anchors[0].Digest, strings.ToLower(res.Input))

			res, err = svc.VerifyHash(ctx, anchors[4].TxReference)
			require.NoError(t, err)
			assert.True(t, res.Matched())
			assert.Equal(t, MatchedByTxReference, res.MatchedBy)
			assert.Equal(t, "a4", res.Anchor.ID)

			res, err = svc.VerifyHash(ctx, strings.ToLower(anchors[4].TxReference))
			require.NoError(t, err)
			assert.True(t, res.Matched(), "hex tx references compare case-insensitively")

			res, err = svc.VerifyHash(ctx, strings.Repeat("f", 64))
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, res.Status)
			assert.Nil(t, res.Anchor)

			res, err = svc.VerifyHash(ctx, "   ")
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, res.Status)
		})
	}
}

func TestVerifyHash_InfrastructureError(t *testing.T) {
	s := memory.New()
	seed(t, s, 2)
	s.FailOn(memory.OpList, errors.New("connection refused"))

	_, err := New(s).VerifyHash(context.Background(), strings.Repeat("a", 64))

	var infra *InfrastructureError
	require.ErrorAs(t, err, &infra)
	assert.Contains(t, err.Error(), "could not be performed")
	assert.Contains(t, err.Error(), "connection refused")
}

type brokenFinder struct {
	*memory.Store
}

func (brokenFinder) FindByDigest(context.Context, string) (anchor.HashAnchor, error) {
	return anchor.HashAnchor{}, errors.New("index corrupted")
}

func (brokenFinder) FindByTxReference(context.Context, string) (anchor.HashAnchor, error) {
	return anchor.HashAnchor{}, anchor.ErrNotFound
}

func TestVerifyHash_FinderError(t *testing.T) {
	_, err := New(brokenFinder{memory.New()}).VerifyHash(context.Background(), "abc")
	var infra *InfrastructureError
	assert.ErrorAs(t, err, &infra)
}

// Anchoring a batch and verifying the reported digest finds it with the
// batch's record count.
func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Append(ctx, audit.Record{ID: fmt.Sprint(i), Action: "record.view", Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}

	sched := anchor.NewScheduler(anchor.Options{
		Records: s,
		Anchors: s,
		Ledger:  ledger.NewSimulated(ledger.SimulatedOptions{Network: "sepolia"}),
		Policy:  anchor.DefaultPolicy(),
	})
	rep := sched.Run(ctx)
	require.True(t, rep.Success)
	require.NotNil(t, rep.Stats.HashGenerated)

	res, err := New(s).VerifyHash(ctx, *rep.Stats.HashGenerated)
	require.NoError(t, err)
	assert.True(t, res.Matched())
	assert.Equal(t, 2, res.Anchor.RecordCount)

	res, err = New(s).VerifyHash(ctx, *rep.Stats.TxHash)
	require.NoError(t, err)
	assert.Equal(t, MatchedByTxReference, res.MatchedBy)
}

func TestVerifyFile(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	content := "id,user_id,action\n1,u1,record.view\n"

	digest, err := audit.FileDigest(strings.NewReader(content))
	require.NoError(t, err)

	sched := anchor.NewScheduler(anchor.Options{
		Records: s,
		Anchors: s,
		Ledger:  ledger.NewSimulated(ledger.SimulatedOptions{Network: "sepolia"}),
	})
	_, err = sched.AnchorExport(ctx, digest, 1)
	require.NoError(t, err)

	svc := New(s)
	res, err := svc.VerifyFile(ctx, strings.NewReader(content))
	require.NoError(t, err)
	assert.True(t, res.Matched())
	assert.Equal(t, anchor.KindExport, res.Anchor.Kind)

	res, err = svc.VerifyFile(ctx, strings.NewReader(content+"2,u2,record.delete\n"))
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status, "a modified export is not found")
}
