package anchor_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
	"github.com/carevault/auditanchor/internal/ledger"
	"github.com/carevault/auditanchor/internal/lock"
	"github.com/carevault/auditanchor/internal/store/memory"
	"github.com/carevault/auditanchor/internal/verify"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

type memSink struct {
	mu      sync.Mutex
	reports []anchor.Report
}

func (m *memSink) WriteReport(r anchor.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memSink) all() []anchor.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]anchor.Report(nil), m.reports...)
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Simulated
	sink   *memSink
	opts   anchor.Options
}

func newFixture(t *testing.T, records ...audit.Record) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		ledger: ledger.NewSimulated(ledger.SimulatedOptions{Network: "sepolia", Deterministic: true, Now: func() time.Time { return now }}),
		sink:   &memSink{},
	}
	for _, r := range records {
		require.NoError(t, f.store.Append(context.Background(), r))
	}
	f.opts = anchor.Options{
		Records: f.store,
		Anchors: f.store,
		Ledger:  f.ledger,
		Sink:    f.sink,
		Policy:  anchor.DefaultPolicy(),
		Now:     func() time.Time { return now },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) run(t *testing.T) anchor.Report {
	t.Helper()
	return anchor.NewScheduler(f.opts).Run(context.Background())
}

func twoRecords() []audit.Record {
	return []audit.Record{
		{ID: "1", UserID: strp("u1"), Action: "record.view", TargetType: strp("medical_record"), TargetID: strp("m1"),
			Timestamp: now.Add(-2 * time.Hour)},
		{ID: "2", UserID: strp("u2"), Action: "record.share", TargetType: strp("medical_record"), TargetID: strp("m1"),
			Timestamp: now.Add(-time.Hour), Metadata: map[string]any{"with": "dr-lee"}},
	}
}

func TestRun_AnchorsBatch(t *testing.T) {
	recs := twoRecords()
	f := newFixture(t, recs...)
	var hook []anchor.Report
	f.opts.OnReport = func(r anchor.Report) { hook = append(hook, r) }

	rep := f.run(t)

	want, err := audit.HashBatch(recs, audit.EncodingPipe)
	require.NoError(t, err)

	assert.Equal(t, anchor.OutcomeDone, rep.Outcome)
	assert.True(t, rep.Success)
	assert.Nil(t, rep.Error)
	assert.Equal(t, 2, rep.Stats.LogsProcessed)
	require.NotNil(t, rep.Stats.HashGenerated)
	assert.Equal(t, want, *rep.Stats.HashGenerated)
	require.NotNil(t, rep.Stats.TxHash)
	assert.NotEmpty(t, rep.RunID)

	hashes := f.store.HashAnchors()
	chain := f.store.BlockchainAnchors()
	require.Len(t, hashes, 1)
	require.Len(t, chain, 1)
	assert.Equal(t, want, hashes[0].Digest)
	assert.Equal(t, 2, hashes[0].RecordCount)
	assert.Equal(t, *rep.Stats.TxHash, hashes[0].TxReference)
	assert.Equal(t, anchor.KindBatch, hashes[0].Kind)
	assert.Equal(t, audit.EncodingPipe, hashes[0].Encoding)
	assert.Equal(t, "2", hashes[0].Cursor.ID)
	assert.Equal(t, hashes[0].TxReference, chain[0].TxReference)
	assert.Equal(t, want, chain[0].Digest)

	pending, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, anchor.PendingAnchored, pending[0].State)

	assert.Len(t, f.sink.all(), 1)
	require.Len(t, hook, 1)
	assert.Equal(t, rep.RunID, hook[0].RunID)
}

func TestRun_SkipsWhenFresh(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	require.NoError(t, f.store.InsertHashAnchor(context.Background(), anchor.HashAnchor{
		ID: "prev", Digest: "aa", TxReference: "0xprev", Kind: anchor.KindBatch, AnchoredAt: now.Add(-time.Hour),
	}))

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeSkippedFresh, rep.Outcome)
	assert.True(t, rep.Success)
	assert.Equal(t, 0, rep.Stats.LogsProcessed)
	assert.Nil(t, rep.Stats.HashGenerated)
	assert.Equal(t, 0, f.store.Calls(memory.OpUnanchored))
	assert.Equal(t, 0, f.store.Calls(memory.OpInsertPending))
	assert.Len(t, f.store.HashAnchors(), 1)
	assert.Empty(t, f.ledger.Submitted())
	assert.Len(t, f.sink.all(), 1, "skipped runs are reported too")
}

func TestRun_ExportAnchorDoesNotMakeBatchFresh(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	require.NoError(t, f.store.InsertHashAnchor(context.Background(), anchor.HashAnchor{
		ID: "exp", Digest: "aa", TxReference: "0xexp", Kind: anchor.KindExport, AnchoredAt: now.Add(-time.Minute),
	}))

	rep := f.run(t)
	assert.Equal(t, anchor.OutcomeDone, rep.Outcome)
}

func TestRun_ForceBypassesFreshness(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	require.NoError(t, f.store.InsertHashAnchor(context.Background(), anchor.HashAnchor{
		ID: "prev", Digest: "aa", TxReference: "0xprev", Kind: anchor.KindBatch, AnchoredAt: now.Add(-time.Minute),
	}))
	f.opts.Policy.ForceAnchor = true

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeDone, rep.Outcome)
	assert.Equal(t, 2, rep.Stats.LogsProcessed)
	assert.Len(t, f.store.HashAnchors(), 2)
}

func TestRun_SkipsEmpty(t *testing.T) {
	t.Run("no records", func(t *testing.T) {
		f := newFixture(t)
		rep := f.run(t)
		assert.Equal(t, anchor.OutcomeSkippedEmpty, rep.Outcome)
		assert.True(t, rep.Success)
		assert.Equal(t, 0, rep.Stats.LogsProcessed)
		assert.Empty(t, f.store.HashAnchors())
	})

	t.Run("log limit zero", func(t *testing.T) {
		f := newFixture(t, twoRecords()...)
		f.opts.Policy.LogLimit = 0
		rep := f.run(t)
		assert.Equal(t, anchor.OutcomeSkippedEmpty, rep.Outcome)
		assert.True(t, rep.Success)
		assert.Empty(t, f.store.HashAnchors())
		assert.Equal(t, 0, f.store.Calls(memory.OpUnanchored))
	})
}

func TestRun_ForcedEmptyBatchCarriesCursor(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	f.opts.Policy.MinInterval = 0
	require.Equal(t, anchor.OutcomeDone, f.run(t).Outcome)

	f.opts.Policy.ForceAnchor = true
	rep := f.run(t)

	sum := sha256.Sum256([]byte(audit.EmptyBatchSentinel))
	require.Equal(t, anchor.OutcomeDone, rep.Outcome)
	assert.Equal(t, 0, rep.Stats.LogsProcessed)
	assert.Equal(t, hex.EncodeToString(sum[:]), *rep.Stats.HashGenerated)

	hashes := f.store.HashAnchors()
	require.Len(t, hashes, 2)
	assert.Equal(t, 0, hashes[1].RecordCount)
	assert.Equal(t, hashes[0].Cursor, hashes[1].Cursor)
}

func TestRun_WatermarkAdvances(t *testing.T) {
	recs := append(twoRecords(), audit.Record{ID: "3", Action: "auth.logout", Timestamp: now.Add(-time.Minute)})
	f := newFixture(t, recs...)
	f.opts.Policy.LogLimit = 2
	f.opts.Policy.MinInterval = 0

	first := f.run(t)
	second := f.run(t)
	third := f.run(t)

	assert.Equal(t, 2, first.Stats.LogsProcessed)
	assert.Equal(t, 1, second.Stats.LogsProcessed)
	assert.Equal(t, anchor.OutcomeSkippedEmpty, third.Outcome)

	want, _ := audit.HashBatch(recs[2:], audit.EncodingPipe)
	assert.Equal(t, want, *second.Stats.HashGenerated)
}

func TestRun_LengthPrefixedEncodingIsRecorded(t *testing.T) {
	recs := twoRecords()
	f := newFixture(t, recs...)
	f.opts.Policy.Encoding = audit.EncodingLengthPrefixed

	rep := f.run(t)
	want, _ := audit.HashBatch(recs, audit.EncodingLengthPrefixed)

	require.Equal(t, anchor.OutcomeDone, rep.Outcome)
	assert.Equal(t, want, *rep.Stats.HashGenerated)
	assert.Equal(t, audit.EncodingLengthPrefixed, f.store.HashAnchors()[0].Encoding)
}

func TestRun_LedgerFailure(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	f.ledger.FailNext(errors.New("rpc: nonce too low"))

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	assert.False(t, rep.Success)
	require.NotNil(t, rep.Error)
	assert.Contains(t, *rep.Error, "nonce too low")
	assert.Equal(t, 0, rep.Stats.LogsProcessed)
	assert.NotNil(t, rep.Stats.HashGenerated)
	assert.Nil(t, rep.Stats.TxHash)
	assert.Empty(t, f.store.HashAnchors())
	assert.Empty(t, f.store.BlockchainAnchors())

	pending, _ := f.store.ListPending(context.Background())
	require.Len(t, pending, 1)
	assert.Equal(t, anchor.PendingAbandoned, pending[0].State)
}

func TestRun_LedgerTimeout(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	f.opts.Ledger = ledger.NewSimulated(ledger.SimulatedOptions{Network: "sepolia", Latency: time.Second})
	f.opts.Policy.CommitTimeout = 20 * time.Millisecond

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Error)
	assert.Contains(t, *rep.Error, "timed out")
	assert.Empty(t, f.store.HashAnchors())
}

func TestRun_PartialPersist(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	f.store.FailOn(memory.OpInsertBlockchainAnchor, errors.New("connection reset"))

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Error)
	require.NotNil(t, rep.Stats.TxHash)
	assert.Contains(t, *rep.Error, *rep.Stats.TxHash, "error names the orphaned transaction")
	assert.Len(t, f.ledger.Submitted(), 1)

	pending, _ := f.store.ListPending(context.Background(), anchor.PendingCommitted)
	require.Len(t, pending, 1, "committed marker stays for reconciliation")
	assert.Equal(t, *rep.Stats.TxHash, pending[0].TxReference)

	assert.Empty(t, f.store.HashAnchors(), "a failed run leaves no visible anchor")
	res, err := verify.New(f.store).VerifyHash(context.Background(), *rep.Stats.HashGenerated)
	require.NoError(t, err)
	assert.False(t, res.Matched())

	f.store.FailOn(memory.OpInsertBlockchainAnchor, nil)
	retry := f.run(t)
	assert.Equal(t, anchor.OutcomeDone, retry.Outcome)
	assert.Equal(t, 2, retry.Stats.LogsProcessed, "the same records are anchored again")
	assert.Equal(t, *rep.Stats.HashGenerated, *retry.Stats.HashGenerated)
	assert.Len(t, f.store.HashAnchors(), 1)
}

func TestRun_PartialPersistOnHashRow(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	f.store.FailOn(memory.OpInsertHashAnchor, errors.New("disk full"))

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Error)
	assert.Contains(t, *rep.Error, "disk full")
	assert.Len(t, f.store.BlockchainAnchors(), 1)
	assert.Empty(t, f.store.HashAnchors())

	f.store.FailOn(memory.OpInsertHashAnchor, nil)
	retry := f.run(t)
	assert.Equal(t, anchor.OutcomeDone, retry.Outcome)
	assert.Equal(t, 2, retry.Stats.LogsProcessed)
}

func TestRun_FetchFailures(t *testing.T) {
	for _, op := range []memory.Op{memory.OpLatest, memory.OpUnanchored, memory.OpInsertPending} {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t, twoRecords()...)
			f.store.FailOn(op, errors.New("storage offline"))

			rep := f.run(t)

			assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
			require.NotNil(t, rep.Error)
			assert.Contains(t, *rep.Error, "storage offline")
			assert.Empty(t, f.ledger.Submitted(), "nothing reaches the ledger")
			assert.Empty(t, f.store.HashAnchors())
		})
	}
}

func TestRun_HashingFailure(t *testing.T) {
	f := newFixture(t, audit.Record{ID: "bad", Action: "x", Timestamp: now.Add(-time.Hour),
		Metadata: map[string]any{"score": math.NaN()}})

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Error)
	assert.Contains(t, *rep.Error, `"bad"`)
	assert.Empty(t, f.ledger.Submitted())
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (lock.Release, error) {
	return nil, lock.ErrLockHeld
}

type countingLocker struct {
	acquired, released int
}

func (c *countingLocker) Acquire(_ context.Context, name string, _ time.Duration) (lock.Release, error) {
	c.acquired++
	return func(context.Context) error { c.released++; return nil }, nil
}

func TestRun_Lock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		f := newFixture(t, twoRecords()...)
		f.opts.Locker = heldLocker{}
		rep := f.run(t)
		assert.Equal(t, anchor.OutcomeSkippedLocked, rep.Outcome)
		assert.True(t, rep.Success)
		assert.Equal(t, 0, f.store.Calls(memory.OpLatest))
	})

	t.Run("released after run", func(t *testing.T) {
		f := newFixture(t, twoRecords()...)
		l := &countingLocker{}
		f.opts.Locker = l
		f.ledger.FailNext(errors.New("down"))
		f.run(t)
		assert.Equal(t, 1, l.acquired)
		assert.Equal(t, 1, l.released)
	})
}

type panicLedger struct{}

func (panicLedger) Network() string { return "sepolia" }
func (panicLedger) Submit(context.Context, string) (ledger.Receipt, error) {
	panic("ledger client bug")
}

func TestRun_RecoversPanic(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	f.opts.Ledger = panicLedger{}

	rep := f.run(t)

	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Error)
	assert.Contains(t, *rep.Error, "ledger client bug")
	assert.Len(t, f.sink.all(), 1)
}

func TestAnchorExport(t *testing.T) {
	f := newFixture(t)
	digest, err := audit.FileDigest(bytesReader("id,user_id\n1,u1\n"))
	require.NoError(t, err)

	a, err := anchor.NewScheduler(f.opts).AnchorExport(context.Background(), digest, 1)
	require.NoError(t, err)

	assert.Equal(t, anchor.KindExport, a.Kind)
	assert.Equal(t, audit.EncodingFile, a.Encoding)
	assert.Equal(t, digest, a.Digest)
	assert.True(t, a.Cursor.IsZero())
	assert.Len(t, f.store.BlockchainAnchors(), 1)

	_, err = f.store.Latest(context.Background(), anchor.KindBatch)
	assert.ErrorIs(t, err, anchor.ErrNotFound, "exports never move the batch watermark")

	_, err = anchor.NewScheduler(f.opts).AnchorExport(context.Background(), "short", 1)
	assert.Error(t, err)
}

func TestAnchorExport_LedgerError(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailNext(errors.New("down"))

	_, err := anchor.NewScheduler(f.opts).AnchorExport(context.Background(), hex.EncodeToString(make([]byte, 32)), 0)

	var lce *anchor.LedgerCommitError
	require.ErrorAs(t, err, &lce)
	assert.False(t, lce.Timeout)
	assert.Equal(t, "sepolia", lce.Network)
}

func TestLoop_RunsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	runs := 0
	f.opts.OnReport = func(anchor.Report) {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs == 3 {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		anchor.NewScheduler(f.opts).Loop(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not stop after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, runs)
}

func TestSetPolicy_AppliesToNextRun(t *testing.T) {
	f := newFixture(t, twoRecords()...)
	s := anchor.NewScheduler(f.opts)

	p := s.Policy()
	p.LogLimit = 0
	s.SetPolicy(p)
	assert.Equal(t, anchor.OutcomeSkippedEmpty, s.Run(context.Background()).Outcome)

	p.LogLimit = 100
	s.SetPolicy(p)
	assert.Equal(t, anchor.OutcomeDone, s.Run(context.Background()).Outcome)
}
