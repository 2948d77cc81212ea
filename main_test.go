package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcmonitor/internal/config"
	"github.com/firefart/dmarcmonitor/internal/dmarc"
	"github.com/firefart/dmarcmonitor/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func finishRun(t *testing.T, s *store.Store, id, status string, finished time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, id, finished.Add(-time.Minute)))
	require.NoError(t, s.FinishRun(ctx, id, status, store.RunCounts{}, "", finished))
}

func TestLookbackWindow(t *testing.T) {
	now := time.Date(2025, 8, 10, 12, 0, 0, 0, time.UTC)
	conf := config.LookbackConfig{
		Default: config.Duration{Duration: 24 * time.Hour},
		Max:     config.Duration{Duration: 168 * time.Hour},
	}
	earliest := now.Add(-conf.Max.Duration)
	latest := now.Add(-conf.Default.Duration)
	ctx := context.Background()

	t.Run("no previous success", func(t *testing.T) {
		s := testStore(t, filepath.Join(t.TempDir(), "test.db"))
		since, err := lookbackWindow(ctx, s, conf, now, false)
		require.NoError(t, err)
		assert.Equal(t, earliest, since)
	})

	t.Run("success within the bounds", func(t *testing.T) {
		s := testStore(t, filepath.Join(t.TempDir(), "test.db"))
		finished := now.Add(-48 * time.Hour)
		finishRun(t, s, "run-1", store.StatusSuccess, finished)

		since, err := lookbackWindow(ctx, s, conf, now, false)
		require.NoError(t, err)
		assert.Equal(t, finished, since)
	})

	t.Run("recent success clamps to the default", func(t *testing.T) {
		s := testStore(t, filepath.Join(t.TempDir(), "test.db"))
		finishRun(t, s, "run-1", store.StatusSuccess, now.Add(-1*time.Hour))

		since, err := lookbackWindow(ctx, s, conf, now, false)
		require.NoError(t, err)
		assert.Equal(t, latest, since)
	})

	t.Run("stale success clamps to the maximum", func(t *testing.T) {
		s := testStore(t, filepath.Join(t.TempDir(), "test.db"))
		finishRun(t, s, "run-1", store.StatusSuccess, now.Add(-400*time.Hour))

		since, err := lookbackWindow(ctx, s, conf, now, false)
		require.NoError(t, err)
		assert.Equal(t, earliest, since)
	})

	t.Run("catchup ignores the ledger", func(t *testing.T) {
		s := testStore(t, filepath.Join(t.TempDir(), "test.db"))
		finishRun(t, s, "run-1", store.StatusSuccess, now.Add(-1*time.Hour))

		since, err := lookbackWindow(ctx, s, conf, now, true)
		require.NoError(t, err)
		assert.Equal(t, earliest, since)
	})

	t.Run("only failures counts as no success", func(t *testing.T) {
		s := testStore(t, filepath.Join(t.TempDir(), "test.db"))
		finishRun(t, s, "run-1", store.StatusFailure, now.Add(-1*time.Hour))

		since, err := lookbackWindow(ctx, s, conf, now, false)
		require.NoError(t, err)
		assert.Equal(t, earliest, since)
	})
}

func TestRetryNeeded(t *testing.T) {
	base := time.Date(2025, 8, 10, 6, 0, 0, 0, time.UTC)
	failure := store.RunRecord{ID: "fail-1", FinishedAt: base}

	t.Run("no failure", func(t *testing.T) {
		assert.False(t, retryNeeded(store.RunRecord{}, false, store.RunRecord{}, false))
		assert.False(t, retryNeeded(store.RunRecord{}, false, store.RunRecord{FinishedAt: base}, true))
	})

	t.Run("failure without any success", func(t *testing.T) {
		assert.True(t, retryNeeded(failure, true, store.RunRecord{}, false))
	})

	t.Run("success after the failure", func(t *testing.T) {
		success := store.RunRecord{ID: "ok-1", FinishedAt: base.Add(time.Hour)}
		assert.False(t, retryNeeded(failure, true, success, true))
	})

	t.Run("failure after the last success", func(t *testing.T) {
		success := store.RunRecord{ID: "ok-1", FinishedAt: base.Add(-time.Hour)}
		assert.True(t, retryNeeded(failure, true, success, true))
	})
}

func TestRunExportWritesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s := testStore(t, dbPath)
	report := &dmarc.AggregateReport{
		OrgName:  "google.com",
		Domain:   "example.com",
		ReportID: "r1",
		Begin:    time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC),
		Policy:   "reject",
		Records: []dmarc.SourceRecord{
			{SourceIP: "198.51.100.7", Count: 3, DKIMResult: "pass", SPFResult: "pass", HeaderFrom: "example.com", Authenticated: true},
		},
	}
	require.NoError(t, s.InsertReport(ctx, report, time.Now().UTC()))
	require.NoError(t, s.Close())

	settings := &config.Configuration{Database: config.DatabaseConfig{Path: dbPath}}
	out := filepath.Join(dir, "export.csv")
	require.NoError(t, runExport(ctx, settings, testLogger(), cliOptions{out: out}))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(content), "example.com")
	assert.Contains(t, string(content), "198.51.100.7")
}
