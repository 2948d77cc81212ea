package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcmonitor/internal/dmarc"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func testReport(domain, reportID string, begin time.Time, records ...dmarc.SourceRecord) *dmarc.AggregateReport {
	return &dmarc.AggregateReport{
		OrgName:  "google.com",
		Domain:   domain,
		ReportID: reportID,
		Begin:    begin,
		End:      begin.Add(24 * time.Hour),
		Policy:   "reject",
		Records:  records,
	}
}

func rec(ip string, count int, authenticated bool) dmarc.SourceRecord {
	result := "fail"
	if authenticated {
		result = "pass"
	}
	return dmarc.SourceRecord{
		SourceIP:      ip,
		Count:         count,
		DKIMResult:    result,
		SPFResult:     result,
		HeaderFrom:    "example.com",
		Authenticated: authenticated,
	}
}

func TestInsertReportDuplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	report := testReport("example.com", "r1", now.Add(-24*time.Hour), rec("198.51.100.7", 5, true))
	require.NoError(t, s.InsertReport(ctx, report, now))

	err := s.InsertReport(ctx, report, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	// the failed insert must not leave partial rows behind
	count, err := s.countRow(ctx, `SELECT COUNT(*) FROM report_records`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	exists, err := s.HasReport(ctx, Key(report))
	require.NoError(t, err)
	assert.True(t, exists)

	other := testReport("example.com", "r2", now.Add(-24*time.Hour), rec("198.51.100.7", 5, true))
	exists, err = s.HasReport(ctx, Key(other))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHistoryForDomain(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// three recent reports, one too old, one for another domain
	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "r1", now.Add(-72*time.Hour), rec("1.1.1.1", 10, true)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "r2", now.Add(-48*time.Hour), rec("2.2.2.2", 8, true), rec("3.3.3.3", 2, false)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "r3", now.Add(-24*time.Hour), rec("1.1.1.1", 4, true)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "old", now.AddDate(0, 0, -40), rec("9.9.9.9", 100, false)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("other.com", "r1", now.Add(-24*time.Hour), rec("8.8.8.8", 1, true)), now))

	history, err := s.HistoryForDomain(ctx, "example.com", now, 30, 30)
	require.NoError(t, err)
	require.Len(t, history.Reports, 3)

	// newest first
	assert.True(t, history.Reports[0].Begin.After(history.Reports[1].Begin))
	assert.True(t, history.Reports[1].Begin.After(history.Reports[2].Begin))
	assert.InDelta(t, 80.0, history.Reports[1].Rate(), 0.01)

	// retention filter keeps the old report and the other domain out
	assert.True(t, history.HasSource("1.1.1.1"))
	assert.True(t, history.HasSource("3.3.3.3"))
	assert.False(t, history.HasSource("9.9.9.9"))
	assert.False(t, history.HasSource("8.8.8.8"))

	// maxReports caps the scan at the most recent rows
	history, err = s.HistoryForDomain(ctx, "example.com", now, 30, 2)
	require.NoError(t, err)
	require.Len(t, history.Reports, 2)
	assert.True(t, history.HasSource("2.2.2.2"))
	assert.True(t, history.HasSource("1.1.1.1"))

	history, err = s.HistoryForDomain(ctx, "unknown.com", now, 30, 30)
	require.NoError(t, err)
	assert.Empty(t, history.Reports)
	assert.Empty(t, history.SourceIPs)
}

func TestRunLedger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.StartRun(ctx, "run-1", now.Add(-2*time.Hour)))
	require.NoError(t, s.FinishRun(ctx, "run-1", StatusSuccess, RunCounts{MessagesSeen: 3, ReportsStored: 2}, "", now.Add(-2*time.Hour).Add(time.Minute)))

	require.NoError(t, s.StartRun(ctx, "run-2", now.Add(-time.Hour)))
	require.NoError(t, s.FinishRun(ctx, "run-2", StatusFailure, RunCounts{}, "imap broke", now.Add(-time.Hour).Add(time.Minute)))

	success, ok, err := s.LastSuccess(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", success.ID)
	assert.Equal(t, 2, success.Counts.ReportsStored)
	assert.Equal(t, now.Add(-2*time.Hour).Add(time.Minute), success.FinishedAt)

	failure, ok, err := s.LastFailure(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-2", failure.ID)
	assert.Equal(t, "imap broke", failure.Error)
}

func TestPurgeOlderThan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -30)

	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "old", now.AddDate(0, 0, -40), rec("1.1.1.1", 1, true), rec("2.2.2.2", 2, false)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "new", now.Add(-24*time.Hour), rec("3.3.3.3", 3, true)), now))
	require.NoError(t, s.StartRun(ctx, "old-run", now.AddDate(0, 0, -40)))
	require.NoError(t, s.FinishRun(ctx, "old-run", StatusSuccess, RunCounts{}, "", now.AddDate(0, 0, -40)))

	result, err := s.PurgeOlderThan(ctx, cutoff, true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.EqualValues(t, 1, result.Reports)
	assert.EqualValues(t, 2, result.Records)
	assert.EqualValues(t, 1, result.Runs)

	// dry run must not delete anything
	count, err := s.countRow(ctx, `SELECT COUNT(*) FROM reports`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	result, err = s.PurgeOlderThan(ctx, cutoff, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Reports)

	count, err = s.countRow(ctx, `SELECT COUNT(*) FROM reports`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	// records cascade with their report
	count, err = s.countRow(ctx, `SELECT COUNT(*) FROM report_records`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	count, err = s.countRow(ctx, `SELECT COUNT(*) FROM runs`)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "r1", now.Add(-48*time.Hour), rec("1.1.1.1", 1, true)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "r2", now.Add(-24*time.Hour), rec("2.2.2.2", 1, true)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("other.com", "r1", now.Add(-24*time.Hour), rec("3.3.3.3", 1, true)), now))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Reports)
	assert.EqualValues(t, 3, stats.Records)
	require.Len(t, stats.Domains, 2)
	assert.Equal(t, "example.com", stats.Domains[0].Domain)
	assert.EqualValues(t, 2, stats.Domains[0].Reports)
	assert.True(t, stats.NewestReport.After(stats.OldestReport))
	assert.Greater(t, stats.SizeBytes, int64(0))
}

func TestExportCSV(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertReport(ctx, testReport("example.com", "r1", now.Add(-24*time.Hour), rec("1.1.1.1", 5, true), rec("2.2.2.2", 10, false)), now))
	require.NoError(t, s.InsertReport(ctx, testReport("other.com", "r1", now.Add(-24*time.Hour), rec("3.3.3.3", 1, true)), now))

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(ctx, &buf, ""))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4) // header + 3 records
	assert.True(t, strings.HasPrefix(lines[0], "domain,org_name,report_id"))
	// records within a report are ordered by message count desc
	assert.Contains(t, lines[1], "2.2.2.2")

	buf.Reset()
	require.NoError(t, s.ExportCSV(ctx, &buf, "other.com"))
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "3.3.3.3")
}

func TestReportKeyRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// same report id from different orgs must not collide
	for i, org := range []string{"google.com", "yahoo.com"} {
		report := testReport("example.com", "shared-id", now.Add(-24*time.Hour), rec(fmt.Sprintf("1.1.1.%d", i), 1, true))
		report.OrgName = org
		require.NoError(t, s.InsertReport(ctx, report, now))
	}
	count, err := s.countRow(ctx, `SELECT COUNT(*) FROM reports`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
