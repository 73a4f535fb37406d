package postgres

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPurgeRawEventsBatches(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two full batches, then a short one ends the loop.
	mock.ExpectExec("DELETE FROM raw_events").
		WithArgs(cutoff, deleteBatchSize).
		WillReturnResult(sqlmock.NewResult(0, deleteBatchSize))
	mock.ExpectExec("DELETE FROM raw_events").
		WithArgs(cutoff, deleteBatchSize).
		WillReturnResult(sqlmock.NewResult(0, deleteBatchSize))
	mock.ExpectExec("DELETE FROM raw_events").
		WithArgs(cutoff, deleteBatchSize).
		WillReturnResult(sqlmock.NewResult(0, 123))

	n, err := NewRetentionRepo(db).PurgeRawEvents(t.Context(), cutoff)
	if err != nil {
		t.Fatalf("PurgeRawEvents: %v", err)
	}
	if want := int64(2*deleteBatchSize + 123); n != want {
		t.Errorf("purged %d, want %d", n, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPurgeSessionsUsesEpochMillis(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(cutoff.UnixMilli(), deleteBatchSize).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := NewRetentionRepo(db).PurgeSessions(t.Context(), cutoff)
	if err != nil {
		t.Fatalf("PurgeSessions: %v", err)
	}
	if n != 7 {
		t.Errorf("purged %d, want 7", n)
	}
}

func TestPurgeRollupsByDate(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("DELETE FROM rollup_hourly").
		WithArgs("2025-01-01").WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("DELETE FROM rollup_dimension_hourly").
		WithArgs("2025-01-01").WillReturnResult(sqlmock.NewResult(0, 40))

	n, err := NewRetentionRepo(db).PurgeHourlyRollups(t.Context(), "2025-01-01")
	if err != nil {
		t.Fatalf("PurgeHourlyRollups: %v", err)
	}
	if n != 50 {
		t.Errorf("purged %d, want 50", n)
	}

	mock.ExpectExec("DELETE FROM rollup_daily").
		WithArgs("2022-01-01").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM rollup_dimension_daily").
		WithArgs("2022-01-01").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM visitors_daily").
		WithArgs("2022-01-01").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err = NewRetentionRepo(db).PurgeDailyRollups(t.Context(), "2022-01-01")
	if err != nil {
		t.Fatalf("PurgeDailyRollups: %v", err)
	}
	if n != 6 {
		t.Errorf("purged %d, want 6", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
