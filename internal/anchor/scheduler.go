package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/auditanchor/internal/audit"
	"github.com/carevault/auditanchor/internal/ledger"
	"github.com/carevault/auditanchor/internal/lock"
)

// LeaseName is the lock lease every anchoring run takes.
const LeaseName = "anchoring-run"

// Policy defaults.
const (
	DefaultLogLimit      = 100
	DefaultMinInterval   = 6 * time.Hour
	DefaultCommitTimeout = 30 * time.Second
	DefaultLockTTL       = 10 * time.Minute
)

// Policy controls when a run anchors and how much it takes.
type Policy struct {
	// LogLimit caps the records hashed per run. Zero fetches nothing.
	LogLimit int
	// ForceAnchor bypasses the MinInterval and empty-batch skips.
	ForceAnchor bool
	// MinInterval skips runs this soon after the last batch anchor.
	MinInterval time.Duration
	// CommitTimeout bounds the ledger submission.
	CommitTimeout time.Duration
	Encoding      audit.Encoding
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		LogLimit:      DefaultLogLimit,
		MinInterval:   DefaultMinInterval,
		CommitTimeout: DefaultCommitTimeout,
		Encoding:      audit.EncodingPipe,
	}
}

// Options configures a Scheduler. Records, Anchors and Ledger are required.
type Options struct {
	Records audit.Store
	Anchors Store
	Ledger  ledger.Client

	Locker  lock.Locker   // nil disables the run lease
	LockTTL time.Duration // defaults to DefaultLockTTL
	Sink    ReportSink    // nil discards reports after OnReport

	Policy Policy

	Now      func() time.Time
	Logger   *slog.Logger
	OnReport func(Report)
}

// Scheduler runs the anchoring protocol:
//
//	ACQUIRE_LOCK → CHECK_STALENESS → FETCH_BATCH → HASHING → PENDING →
//	COMMITTING → PERSISTING → DONE
//
// with SKIPPED_LOCKED, SKIPPED_FRESH and SKIPPED_EMPTY as successful early
// exits and FAILED reachable from every step that touches a collaborator.
// Nothing is retried. A ledger commit is never rolled back.
//
// Safe for concurrent use; concurrent runs are serialized only by the
// Locker.
type Scheduler struct {
	records audit.Store
	anchors Store
	ledger  ledger.Client
	locker  lock.Locker
	lockTTL time.Duration
	sink    ReportSink
	now     func() time.Time
	logger  *slog.Logger
	onRep   func(Report)

	mu     sync.RWMutex
	policy Policy
}

// NewScheduler creates a scheduler. Zero policy fields are left as given
// except CommitTimeout and Encoding, which fall back to their defaults.
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		records: opts.Records,
		anchors: opts.Anchors,
		ledger:  opts.Ledger,
		locker:  opts.Locker,
		lockTTL: opts.LockTTL,
		sink:    opts.Sink,
		now:     opts.Now,
		logger:  opts.Logger,
		onRep:   opts.OnReport,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.SetPolicy(opts.Policy)
	return s
}

// SetPolicy replaces the policy. Takes effect on the next run.
func (s *Scheduler) SetPolicy(p Policy) {
	if p.CommitTimeout <= 0 {
		p.CommitTimeout = DefaultCommitTimeout
	}
	if p.Encoding == "" {
		p.Encoding = audit.EncodingPipe
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Policy returns the current policy.
func (s *Scheduler) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Run performs one anchoring run and returns its report. Run never returns
// an error and never panics: every failure is captured in the report, which
// is also delivered to the sink and OnReport before Run returns.
func (s *Scheduler) Run(ctx context.Context) (rep Report) {
	policy := s.Policy()
	start := s.now()
	rep = Report{RunID: uuid.NewString(), Timestamp: start.UTC()}
	log := s.logger.With("run_id", rep.RunID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("anchoring run panicked", "panic", r)
			rep.fail(fmt.Errorf("anchoring run panicked: %v", r))
		}
		rep.Stats.ProcessingTimeMs = s.now().Sub(start).Milliseconds()
		s.emit(log, rep)
	}()

	outcome, err := s.run(ctx, log, policy, &rep.Stats)
	if err != nil {
		rep.fail(err)
		log.Error("anchoring run failed", "error", err)
		return rep
	}
	rep.Outcome = outcome
	rep.Success = true
	return rep
}

func (s *Scheduler) run(ctx context.Context, log *slog.Logger, policy Policy, stats *Stats) (Outcome, error) {
	// ACQUIRE_LOCK
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, LeaseName, s.lockTTL)
		if errors.Is(err, lock.ErrLockHeld) {
			log.Info("anchoring run skipped", "reason", "another run holds the lease")
			return OutcomeSkippedLocked, nil
		}
		if err != nil {
			return "", fmt.Errorf("acquiring run lease: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("releasing run lease failed", "error", err)
			}
		}()
	}

	// CHECK_STALENESS
	var cursor audit.Cursor
	latest, err := s.anchors.Latest(ctx, KindBatch)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", &FetchError{Op: "reading latest anchor", Err: err}
	default:
		cursor = latest.Cursor
		age := s.now().Sub(latest.AnchoredAt)
		if !policy.ForceAnchor && age < policy.MinInterval {
			log.Info("anchoring run skipped", "reason", "last anchor is fresh",
				"last_anchor", latest.AnchoredAt, "age", age.Round(time.Second), "min_interval", policy.MinInterval)
			return OutcomeSkippedFresh, nil
		}
	}

	// FETCH_BATCH
	var batch []audit.Record
	if policy.LogLimit > 0 {
		batch, err = s.records.Unanchored(ctx, cursor, policy.LogLimit)
		if err != nil {
			return "", &FetchError{Op: "fetching unanchored records", Err: err}
		}
	}
	if len(batch) == 0 && !policy.ForceAnchor {
		log.Info("anchoring run skipped", "reason", "no unanchored records")
		return OutcomeSkippedEmpty, nil
	}

	// HASHING
	digest, err := audit.HashBatch(batch, policy.Encoding)
	if err != nil {
		return "", err
	}
	stats.HashGenerated = &digest

	next := cursor
	if len(batch) > 0 {
		next = audit.CursorOf(batch[len(batch)-1])
	}

	a, err := s.commit(ctx, log, policy.CommitTimeout, commitRequest{
		digest:   digest,
		count:    len(batch),
		kind:     KindBatch,
		encoding: policy.Encoding,
		cursor:   next,
	}, stats)
	if err != nil {
		return "", err
	}

	stats.LogsProcessed = len(batch)
	log.Info("audit batch anchored",
		"digest", a.Digest, "records", a.RecordCount, "tx", a.TxReference, "network", a.Network)
	return OutcomeDone, nil
}

type commitRequest struct {
	digest   string
	count    int
	kind     string
	encoding audit.Encoding
	cursor   audit.Cursor
}

// commit runs PENDING → COMMITTING → PERSISTING for one digest.
func (s *Scheduler) commit(ctx context.Context, log *slog.Logger, timeout time.Duration, req commitRequest, stats *Stats) (HashAnchor, error) {
	network := s.ledger.Network()

	// PENDING
	pending := PendingCommit{
		ID:          uuid.NewString(),
		Digest:      req.digest,
		RecordCount: req.count,
		Network:     network,
		Kind:        req.kind,
		State:       PendingOpen,
		CreatedAt:   s.now().UTC(),
	}
	pending.UpdatedAt = pending.CreatedAt
	if err := s.anchors.InsertPending(ctx, pending); err != nil {
		return HashAnchor{}, fmt.Errorf("recording pending commit: %w", err)
	}

	// COMMITTING
	cctx, cancel := context.WithTimeout(ctx, timeout)
	receipt, err := s.ledger.Submit(cctx, req.digest)
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
	cancel()

	// From here on the ledger may hold an irrevocable transaction, so local
	// bookkeeping must not be abandoned because the caller went away.
	bg := context.WithoutCancel(ctx)

	if err != nil {
		if rerr := s.anchors.ResolvePending(bg, pending.ID, PendingAbandoned, s.now().UTC()); rerr != nil {
			log.Warn("resolving pending commit failed", "pending_id", pending.ID, "error", rerr)
		}
		return HashAnchor{}, &LedgerCommitError{
			Network: network,
			Timeout: timedOut || errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	tx := receipt.TxReference
	stats.TxHash = &tx
	log.Debug("ledger commit accepted", "tx", tx, "network", network, "block", receipt.BlockHeight)

	// PERSISTING
	now := s.now().UTC()
	if err := s.anchors.MarkPendingCommitted(bg, pending.ID, tx, now); err != nil {
		log.Warn("marking pending commit failed", "pending_id", pending.ID, "tx", tx, "error", err)
	}

	anchoredAt := receipt.SubmittedAt.UTC()
	if anchoredAt.IsZero() {
		anchoredAt = now
	}
	if receipt.Network != "" {
		network = receipt.Network
	}
	ha := HashAnchor{
		ID:          uuid.NewString(),
		Digest:      req.digest,
		RecordCount: req.count,
		TxReference: tx,
		Network:     network,
		Kind:        req.kind,
		Encoding:    req.encoding,
		Cursor:      req.cursor,
		AnchoredAt:  anchoredAt,
		CreatedAt:   now,
	}
	ba := BlockchainAnchor{
		TxReference: tx,
		Digest:      req.digest,
		RecordCount: req.count,
		Network:     network,
		BlockHeight: receipt.BlockHeight,
		AnchoredAt:  anchoredAt,
		CreatedAt:   now,
	}

	if err := s.persist(bg, ha, ba); err != nil {
		log.Error("anchor not persisted after ledger commit; reconcile manually",
			"tx", tx, "digest", req.digest, "pending_id", pending.ID, "error", err)
		return HashAnchor{}, &PartialPersistError{TxReference: tx, Digest: req.digest, Err: err}
	}

	if err := s.anchors.ResolvePending(bg, pending.ID, PendingAnchored, s.now().UTC()); err != nil {
		log.Warn("resolving pending commit failed", "pending_id", pending.ID, "error", err)
	}
	return ha, nil
}

func (s *Scheduler) persist(ctx context.Context, ha HashAnchor, ba BlockchainAnchor) error {
	if pw, ok := s.anchors.(PairWriter); ok {
		return pw.InsertAnchorPair(ctx, ha, ba)
	}
	// The hash row is what Latest and verification see, so it goes last:
	// a failure in between leaves no visible anchor and the next run
	// re-anchors the same records.
	if err := s.anchors.InsertBlockchainAnchor(ctx, ba); err != nil {
		return fmt.Errorf("inserting blockchain anchor: %w", err)
	}
	if err := s.anchors.InsertHashAnchor(ctx, ha); err != nil {
		return fmt.Errorf("inserting hash anchor: %w", err)
	}
	return nil
}

// AnchorExport commits the content digest of an exported file (see
// audit.FileDigest) as a KindExport anchor. It bypasses the staleness
// policy and the run lease and produces no Report.
func (s *Scheduler) AnchorExport(ctx context.Context, fileDigest string, recordCount int) (HashAnchor, error) {
	if len(fileDigest) != 64 {
		return HashAnchor{}, fmt.Errorf("file digest must be 64 hex characters, got %d", len(fileDigest))
	}
	log := s.logger.With("export_digest", fileDigest)
	var stats Stats
	a, err := s.commit(ctx, log, s.Policy().CommitTimeout, commitRequest{
		digest:   fileDigest,
		count:    recordCount,
		kind:     KindExport,
		encoding: audit.EncodingFile,
	}, &stats)
	if err != nil {
		return HashAnchor{}, err
	}
	log.Info("export anchored", "tx", a.TxReference, "records", recordCount)
	return a, nil
}

// Loop runs the scheduler once immediately and then every interval until
// ctx is cancelled. Runs never overlap within one Loop.
func (s *Scheduler) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		s.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) emit(log *slog.Logger, rep Report) {
	if s.sink != nil {
		if err := s.sink.WriteReport(rep); err != nil {
			log.Error("writing run report failed", "error", err)
		}
	}
	if s.onRep != nil {
		s.onRep(rep)
	}
}
