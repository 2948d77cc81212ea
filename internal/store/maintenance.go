package store

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type PurgeResult struct {
	Reports int64
	Records int64
	Runs    int64
	DryRun  bool
}

// PurgeOlderThan removes reports whose period began before cutoff, their
// records cascade. Finished run rows older than the cutoff go too. With
// dryRun only the counts are computed. Read time filtering in
// HistoryForDomain keeps comparisons correct regardless of when this runs.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time, dryRun bool) (PurgeResult, error) {
	result := PurgeResult{DryRun: dryRun}
	ts := cutoff.Unix()

	var err error
	if result.Reports, err = s.countRow(ctx, `SELECT COUNT(*) FROM reports WHERE date_begin < ?`, ts); err != nil {
		return result, fmt.Errorf("could not count purgeable reports: %w", err)
	}
	if result.Records, err = s.countRow(ctx, `SELECT COUNT(*) FROM report_records WHERE report_rowid IN
		(SELECT id FROM reports WHERE date_begin < ?)`, ts); err != nil {
		return result, fmt.Errorf("could not count purgeable records: %w", err)
	}
	if result.Runs, err = s.countRow(ctx, `SELECT COUNT(*) FROM runs WHERE started_at < ? AND status != ?`, ts, StatusRunning); err != nil {
		return result, fmt.Errorf("could not count purgeable runs: %w", err)
	}

	if dryRun {
		return result, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE date_begin < ?`, ts); err != nil {
		return result, fmt.Errorf("could not purge reports: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ? AND status != ?`, ts, StatusRunning); err != nil {
		return result, fmt.Errorf("could not purge runs: %w", err)
	}

	if result.Reports > 0 || result.Runs > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return result, fmt.Errorf("could not vacuum: %w", err)
		}
	}

	s.logger.Info("purge finished",
		slog.Int64("reports", result.Reports),
		slog.Int64("records", result.Records),
		slog.Int64("runs", result.Runs))
	return result, nil
}

type DomainCount struct {
	Domain  string
	Reports int64
}

type Stats struct {
	Reports      int64
	Records      int64
	Runs         int64
	Domains      []DomainCount
	OldestReport time.Time
	NewestReport time.Time
	SizeBytes    int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var err error
	if stats.Reports, err = s.countRow(ctx, `SELECT COUNT(*) FROM reports`); err != nil {
		return stats, fmt.Errorf("could not count reports: %w", err)
	}
	if stats.Records, err = s.countRow(ctx, `SELECT COUNT(*) FROM report_records`); err != nil {
		return stats, fmt.Errorf("could not count records: %w", err)
	}
	if stats.Runs, err = s.countRow(ctx, `SELECT COUNT(*) FROM runs`); err != nil {
		return stats, fmt.Errorf("could not count runs: %w", err)
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(date_begin), MAX(date_begin) FROM reports`).Scan(&oldest, &newest); err != nil {
		return stats, fmt.Errorf("could not query report date range: %w", err)
	}
	if oldest.Valid {
		stats.OldestReport = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		stats.NewestReport = time.Unix(newest.Int64, 0).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT domain, COUNT(*) FROM reports GROUP BY domain ORDER BY COUNT(*) DESC, domain ASC`)
	if err != nil {
		return stats, fmt.Errorf("could not query per domain counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Reports); err != nil {
			return stats, fmt.Errorf("could not scan domain count: %w", err)
		}
		stats.Domains = append(stats.Domains, dc)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("could not read domain counts: %w", err)
	}

	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			stats.SizeBytes = info.Size()
		}
	}

	return stats, nil
}

// ExportCSV writes all stored source records, flattened with their report
// metadata, as CSV. An empty domain exports every domain.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, domain string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT p.domain, p.org_name, p.report_id, p.date_begin, p.date_end, p.policy,
		rr.source_ip, rr.message_count, rr.dkim_result, rr.spf_result, rr.header_from, rr.authenticated
		FROM report_records rr JOIN reports p ON rr.report_rowid = p.id
		WHERE ? = '' OR p.domain = ?
		ORDER BY p.date_begin DESC, rr.message_count DESC`, domain, domain)
	if err != nil {
		return fmt.Errorf("could not query export rows: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"domain", "org_name", "report_id", "date_begin", "date_end", "policy",
		"source_ip", "message_count", "dkim_result", "spf_result", "header_from", "authenticated"}); err != nil {
		return fmt.Errorf("could not write csv header: %w", err)
	}

	for rows.Next() {
		var d, org, reportID, policy, ip, dkim, spf, headerFrom string
		var begin, end int64
		var count int
		var authenticated bool
		if err := rows.Scan(&d, &org, &reportID, &begin, &end, &policy, &ip, &count, &dkim, &spf, &headerFrom, &authenticated); err != nil {
			return fmt.Errorf("could not scan export row: %w", err)
		}
		if err := cw.Write([]string{
			d, org, reportID,
			time.Unix(begin, 0).UTC().Format(time.RFC3339),
			time.Unix(end, 0).UTC().Format(time.RFC3339),
			policy, ip,
			strconv.Itoa(count), dkim, spf, headerFrom,
			strconv.FormatBool(authenticated),
		}); err != nil {
			return fmt.Errorf("could not write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("could not read export rows: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("could not flush csv: %w", err)
	}
	return nil
}
