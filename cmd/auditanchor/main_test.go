package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/auditanchor/internal/anchor"
	"github.com/carevault/auditanchor/internal/audit"
	"github.com/carevault/auditanchor/internal/config"
)

func TestParseTimeArg(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeArg("2024-06-01T00:00:00+02:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 31, 22, 0, 0, 0, time.UTC), got)

	got, err = parseTimeArg("24h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), got)

	_, err = parseTimeArg("yesterday", now)
	assert.Error(t, err)

	_, err = parseTimeArg("", now)
	assert.Error(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{
		Ledger: config.LedgerConfig{Timeout: 5 * time.Second},
		Anchoring: config.AnchoringConfig{
			LogLimit:    250,
			ForceAnchor: true,
			MinInterval: time.Hour,
			Encoding:    "length-prefixed",
		},
	}
	p, err := policy(cfg)
	require.NoError(t, err)
	assert.Equal(t, 250, p.LogLimit)
	assert.True(t, p.ForceAnchor)
	assert.Equal(t, time.Hour, p.MinInterval)
	assert.Equal(t, 5*time.Second, p.CommitTimeout)
	assert.Equal(t, audit.EncodingLengthPrefixed, p.Encoding)

	cfg.Anchoring.Encoding = "base64"
	_, err = policy(cfg)
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "****cret", mask("my-secret"))
}

func TestExitError(t *testing.T) {
	inner := errors.New("store unavailable")
	err := error(&exitError{code: exitInfraErr, err: inner})

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitInfraErr, ee.code)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "exit status 1", (&exitError{code: exitFailure}).Error())
}

func TestReportSetupFailure(t *testing.T) {
	prev := configDir
	configDir = t.TempDir()
	t.Cleanup(func() { configDir = prev })

	cause := errors.New("failed to connect to postgres")
	var out bytes.Buffer
	err := reportSetupFailure(&out, nil, nil, cause)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, exitFailure, ee.code)
	assert.ErrorIs(t, err, cause)

	var printed anchor.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, anchor.OutcomeFailed, printed.Outcome)
	require.NotNil(t, printed.Error)
	assert.Equal(t, cause.Error(), *printed.Error)

	sink, err := anchor.NewFileSink(filepath.Join(configDir, "reports"))
	require.NoError(t, err)
	persisted, err := sink.Latest()
	require.NoError(t, err)
	assert.Equal(t, printed.RunID, persisted.RunID)
}

func TestReportSetupFailure_UsesConfiguredReportDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom-reports")
	cfg := &config.Config{Anchoring: config.AnchoringConfig{ReportDir: dir}}

	var out bytes.Buffer
	_ = reportSetupFailure(&out, cfg, nil, errors.New("ledger.endpoint unreachable"))

	sink, err := anchor.NewFileSink(dir)
	require.NoError(t, err)
	rep, err := sink.Latest()
	require.NoError(t, err)
	assert.Equal(t, anchor.OutcomeFailed, rep.Outcome)
}
