package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when a report with the same natural key
// (domain, org, report id, period) is already stored.
var ErrDuplicate = errors.New("report already stored")

type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		org_name TEXT NOT NULL,
		report_id TEXT NOT NULL,
		date_begin INTEGER NOT NULL,
		date_end INTEGER NOT NULL,
		policy TEXT NOT NULL,
		total_messages INTEGER NOT NULL,
		authenticated_messages INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (domain, org_name, report_id, date_begin, date_end)
	)`,
	`CREATE TABLE IF NOT EXISTS report_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_rowid INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
		source_ip TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		dkim_result TEXT NOT NULL,
		spf_result TEXT NOT NULL,
		header_from TEXT NOT NULL,
		authenticated INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_domain_begin ON reports (domain, date_begin)`,
	`CREATE INDEX IF NOT EXISTS idx_report_records_report ON report_records (report_rowid)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		status TEXT NOT NULL,
		messages_seen INTEGER NOT NULL DEFAULT 0,
		reports_stored INTEGER NOT NULL DEFAULT 0,
		duplicates INTEGER NOT NULL DEFAULT 0,
		parse_failures INTEGER NOT NULL DEFAULT 0,
		error TEXT
	)`,
}

// Open opens or creates the sqlite database at path and sets up the schema.
// The pool is limited to a single connection, there is only one writer in
// this system anyway and sqlite does not like concurrent writers.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("could not set %q: %w", pragma, err)
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("could not create schema: %w", err)
		}
	}

	return New(db, path, logger), nil
}

// New wraps an already opened database. Used by Open and by tests that need
// to inject a mocked connection.
func New(db *sql.DB, path string, logger *slog.Logger) *Store {
	return &Store{db: db, path: path, logger: logger}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) countRow(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
