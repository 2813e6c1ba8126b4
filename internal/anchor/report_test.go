package anchor_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/auditanchor/internal/anchor"
)

func bytesReader(s string) *strings.Reader { return strings.NewReader(s) }

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	sink, err := anchor.NewFileSink(dir)
	require.NoError(t, err)

	_, err = sink.Latest()
	assert.True(t, errors.Is(err, anchor.ErrNotFound))

	msg := "ledger down"
	digest := "abc"
	reports := []anchor.Report{
		{RunID: "r1", Timestamp: now, Outcome: anchor.OutcomeDone, Success: true,
			Stats: anchor.Stats{LogsProcessed: 2, HashGenerated: &digest}},
		{RunID: "r2", Timestamp: now.Add(time.Hour), Outcome: anchor.OutcomeFailed, Error: &msg},
	}
	for _, r := range reports {
		require.NoError(t, sink.WriteReport(r))
	}

	latest, err := sink.Latest()
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.RunID)
	require.NotNil(t, latest.Error)
	assert.Equal(t, msg, *latest.Error)

	history, err := sink.History(0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r2", history[0].RunID)
	assert.Equal(t, "r1", history[1].RunID)

	one, err := sink.History(1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = os.Stat(filepath.Join(dir, "anchor-report.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")
}

func TestFileSink_ReportShape(t *testing.T) {
	dir := t.TempDir()
	sink, err := anchor.NewFileSink(dir)
	require.NoError(t, err)
	require.NoError(t, sink.WriteReport(anchor.Report{RunID: "r1", Timestamp: now, Outcome: anchor.OutcomeSkippedFresh, Success: true}))

	data, err := os.ReadFile(filepath.Join(dir, "anchor-report.json"))
	require.NoError(t, err)
	for _, key := range []string{`"timestamp"`, `"success": true`, `"error": null`, `"logsProcessed": 0`,
		`"hashGenerated": null`, `"txHash": null`, `"processingTimeMs"`} {
		assert.Contains(t, string(data), key)
	}
}

func TestFailedReport(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	rep := anchor.FailedReport(at, errors.New("postgres unreachable"))

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, at.UTC(), rep.Timestamp)
	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
	assert.False(t, rep.Success)
	require.NotNil(t, rep.Error)
	assert.Equal(t, "postgres unreachable", *rep.Error)
	assert.Zero(t, rep.Stats.LogsProcessed)
	assert.Nil(t, rep.Stats.HashGenerated)
	assert.Nil(t, rep.Stats.TxHash)
}
