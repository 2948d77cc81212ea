package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// RunRecord is one row of the run ledger. The ledger replaces last-run marker
// files, the lookback window of the next run is computed from the last
// successful row and the retry command consults the last failed one.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Counts     RunCounts
	Error      string
}

type RunCounts struct {
	MessagesSeen  int
	ReportsStored int
	Duplicates    int
	ParseFailures int
}

func (s *Store) StartRun(ctx context.Context, id string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO runs (id, started_at, status) VALUES (?,?,?)`,
		id, now.Unix(), StatusRunning); err != nil {
		return fmt.Errorf("could not record run start: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, id, status string, counts RunCounts, errText string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, status = ?,
		messages_seen = ?, reports_stored = ?, duplicates = ?, parse_failures = ?, error = ?
		WHERE id = ?`,
		now.Unix(), status,
		counts.MessagesSeen, counts.ReportsStored, counts.Duplicates, counts.ParseFailures,
		errText, id); err != nil {
		return fmt.Errorf("could not record run finish: %w", err)
	}
	return nil
}

// LastSuccess returns the most recently finished successful run. The second
// return value is false when no run has ever succeeded.
func (s *Store) LastSuccess(ctx context.Context) (RunRecord, bool, error) {
	return s.lastRunWithStatus(ctx, StatusSuccess)
}

// LastFailure returns the most recently finished failed run.
func (s *Store) LastFailure(ctx context.Context) (RunRecord, bool, error) {
	return s.lastRunWithStatus(ctx, StatusFailure)
}

func (s *Store) lastRunWithStatus(ctx context.Context, status string) (RunRecord, bool, error) {
	var r RunRecord
	var started int64
	var finished sql.NullInt64
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at, finished_at, status,
		messages_seen, reports_stored, duplicates, parse_failures, error
		FROM runs WHERE status = ? ORDER BY finished_at DESC LIMIT 1`, status).
		Scan(&r.ID, &started, &finished, &r.Status,
			&r.Counts.MessagesSeen, &r.Counts.ReportsStored, &r.Counts.Duplicates, &r.Counts.ParseFailures,
			&errText)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("could not query last %s run: %w", status, err)
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		r.FinishedAt = time.Unix(finished.Int64, 0).UTC()
	}
	if errText.Valid {
		r.Error = errText.String
	}
	return r, true, nil
}
