package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firefart/dmarcmonitor/internal/dmarc"
)

// ReportKey is the natural key that identifies one aggregate report.
type ReportKey struct {
	Domain   string
	OrgName  string
	ReportID string
	Begin    time.Time
	End      time.Time
}

func Key(report *dmarc.AggregateReport) ReportKey {
	return ReportKey{
		Domain:   report.Domain,
		OrgName:  report.OrgName,
		ReportID: report.ReportID,
		Begin:    report.Begin,
		End:      report.End,
	}
}

// HistoryReport carries the rate inputs of one stored report.
type HistoryReport struct {
	Begin                 time.Time
	TotalMessages         int
	AuthenticatedMessages int
}

// Rate returns the authentication rate in percent. Reports without messages
// have no meaningful rate and return 0, callers exclude them from averages.
func (h HistoryReport) Rate() float64 {
	if h.TotalMessages == 0 {
		return 0
	}
	return 100 * float64(h.AuthenticatedMessages) / float64(h.TotalMessages)
}

// DomainHistory is the read only view over the stored reports of one domain,
// newest first, that the decision engine compares against.
type DomainHistory struct {
	Domain    string
	Reports   []HistoryReport
	SourceIPs map[string]struct{}
}

func (h *DomainHistory) HasSource(ip string) bool {
	_, ok := h.SourceIPs[ip]
	return ok
}

// InsertReport persists a report and all its source records in one
// transaction. A violation of the report unique constraint maps to
// ErrDuplicate.
func (s *Store) InsertReport(ctx context.Context, report *dmarc.AggregateReport, now time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT INTO reports
		(domain, org_name, report_id, date_begin, date_end, policy, total_messages, authenticated_messages, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		report.Domain, report.OrgName, report.ReportID,
		report.Begin.Unix(), report.End.Unix(), report.Policy,
		report.TotalMessages(), report.AuthenticatedMessages(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %s from %s", ErrDuplicate, report.ReportID, report.OrgName)
			return err
		}
		return fmt.Errorf("could not insert report: %w", err)
	}

	reportRowID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("could not get report row id: %w", err)
	}

	for _, rec := range report.Records {
		if _, err = tx.ExecContext(ctx, `INSERT INTO report_records
			(report_rowid, source_ip, message_count, dkim_result, spf_result, header_from, authenticated)
			VALUES (?,?,?,?,?,?,?)`,
			reportRowID, rec.SourceIP, rec.Count, rec.DKIMResult, rec.SPFResult, rec.HeaderFrom, rec.Authenticated); err != nil {
			return fmt.Errorf("could not insert record for %s: %w", rec.SourceIP, err)
		}
	}

	s.logger.Debug("stored report",
		slog.String("domain", report.Domain),
		slog.String("report-id", report.ReportID),
		slog.Int("records", len(report.Records)))
	return nil
}

// HasReport checks for an already stored report with the same natural key.
// The unique constraint stays authoritative, this just makes duplicates cheap
// to skip before querying history.
func (s *Store) HasReport(ctx context.Context, key ReportKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM reports
		WHERE domain = ? AND org_name = ? AND report_id = ? AND date_begin = ? AND date_end = ?`,
		key.Domain, key.OrgName, key.ReportID, key.Begin.Unix(), key.End.Unix()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not check for existing report: %w", err)
	}
	return true, nil
}

// HistoryForDomain loads the most recent maxReports reports of a domain
// within the retention window, newest first. Read time filtering is
// authoritative here, rows the purge job has not removed yet are still
// excluded from comparisons.
func (s *Store) HistoryForDomain(ctx context.Context, domain string, now time.Time, retentionDays, maxReports int) (*DomainHistory, error) {
	cutoff := now.AddDate(0, 0, -retentionDays).Unix()

	history := &DomainHistory{
		Domain:    domain,
		SourceIPs: make(map[string]struct{}),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT date_begin, total_messages, authenticated_messages
		FROM reports WHERE domain = ? AND date_begin >= ?
		ORDER BY date_begin DESC LIMIT ?`, domain, cutoff, maxReports)
	if err != nil {
		return nil, fmt.Errorf("could not query history for %s: %w", domain, err)
	}
	defer rows.Close()

	for rows.Next() {
		var begin int64
		var h HistoryReport
		if err := rows.Scan(&begin, &h.TotalMessages, &h.AuthenticatedMessages); err != nil {
			return nil, fmt.Errorf("could not scan history row: %w", err)
		}
		h.Begin = time.Unix(begin, 0).UTC()
		history.Reports = append(history.Reports, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read history rows: %w", err)
	}

	ipRows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_ip FROM report_records
		WHERE report_rowid IN (
			SELECT id FROM reports WHERE domain = ? AND date_begin >= ?
			ORDER BY date_begin DESC LIMIT ?
		)`, domain, cutoff, maxReports)
	if err != nil {
		return nil, fmt.Errorf("could not query history sources for %s: %w", domain, err)
	}
	defer ipRows.Close()

	for ipRows.Next() {
		var ip string
		if err := ipRows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("could not scan source row: %w", err)
		}
		history.SourceIPs[ip] = struct{}{}
	}
	if err := ipRows.Err(); err != nil {
		return nil, fmt.Errorf("could not read source rows: %w", err)
	}

	return history, nil
}
