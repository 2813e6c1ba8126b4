package anchor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a scheduler run.
type Outcome string

const (
	OutcomeDone          Outcome = "DONE"
	OutcomeSkippedFresh  Outcome = "SKIPPED_FRESH"
	OutcomeSkippedEmpty  Outcome = "SKIPPED_EMPTY"
	OutcomeSkippedLocked Outcome = "SKIPPED_LOCKED"
	OutcomeFailed        Outcome = "FAILED"
)

// Report is the externally observable result of one scheduler run.
type Report struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	Success   bool      `json:"success"`
	Error     *string   `json:"error"`
	Stats     Stats     `json:"stats"`
}

// Stats are the counters of a run. HashGenerated and TxHash are null until
// the run reaches hashing and commit respectively.
type Stats struct {
	LogsProcessed    int     `json:"logsProcessed"`
	HashGenerated    *string `json:"hashGenerated"`
	TxHash           *string `json:"txHash"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
}

func (r *Report) fail(err error) {
	msg := err.Error()
	r.Outcome = OutcomeFailed
	r.Success = false
	r.Error = &msg
	r.Stats.LogsProcessed = 0
}

// FailedReport is the report of a run that could not start, for example
// because its store could not be opened.
func FailedReport(at time.Time, err error) Report {
	rep := Report{RunID: uuid.NewString(), Timestamp: at.UTC()}
	rep.fail(err)
	return rep
}

// ReportSink receives the report of every run.
type ReportSink interface {
	WriteReport(r Report) error
}

const (
	latestReportFile  = "anchor-report.json"
	reportHistoryFile = "anchor-reports.jsonl"
)

// FileSink writes reports to a directory:
//
//	<dir>/
//	├── anchor-report.json     # latest report, replaced atomically
//	└── anchor-reports.jsonl   # every report, one JSON object per line
//
// Thread-safe.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the report directory.
func (s *FileSink) Dir() string { return s.dir }

// WriteReport replaces the latest report and appends to the history.
func (s *FileSink) WriteReport(r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	// Readers see either the previous report or this one, never a torn file.
	path := filepath.Join(s.dir, latestReportFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing report: %w", err)
	}

	return s.appendHistory(r)
}

func (s *FileSink) appendHistory(r Report) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	path := filepath.Join(s.dir, reportHistoryFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening report history %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing report history: %w", err)
	}
	return f.Sync()
}

// Latest returns the most recent report, or ErrNotFound before the first run.
func (s *FileSink) Latest() (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, latestReportFile))
	if os.IsNotExist(err) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("reading latest report: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("parsing latest report: %w", err)
	}
	return r, nil
}

// History returns up to limit reports, newest first. limit <= 0 returns all.
// Unparseable lines are skipped.
func (s *FileSink) History(limit int) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, reportHistoryFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening report history: %w", err)
	}
	defer f.Close()

	var all []Report
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Report
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading report history: %w", err)
	}

	out := make([]Report, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
