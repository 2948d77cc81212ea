package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcmonitor/internal/dmarc"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, "", logger), mock
}

func TestInsertReportRollsBackOnRecordError(t *testing.T) {
	s, mock := mockStore(t)
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reports").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO report_records").WillReturnError(boom)
	mock.ExpectRollback()

	now := time.Now().UTC()
	report := &dmarc.AggregateReport{
		Domain:   "example.com",
		OrgName:  "google.com",
		ReportID: "r1",
		Begin:    now.Add(-24 * time.Hour),
		End:      now,
		Policy:   "none",
		Records: []dmarc.SourceRecord{
			{SourceIP: "1.1.1.1", Count: 1},
		},
	}

	err := s.InsertReport(context.Background(), report, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReportBeginError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	now := time.Now().UTC()
	report := &dmarc.AggregateReport{Domain: "example.com", Begin: now, End: now}
	err := s.InsertReport(context.Background(), report, now)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryForDomainQueryError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery("SELECT date_begin").WillReturnError(errors.New("no such table"))

	_, err := s.HistoryForDomain(context.Background(), "example.com", time.Now(), 30, 30)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
