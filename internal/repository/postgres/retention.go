package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionRepo deletes expired rows. Raw events and sessions are trimmed in
// bounded batches so a long-overdue cleanup cannot hold locks for minutes;
// rollup tables are small enough to trim in one statement.
type RetentionRepo struct{ db *sql.DB }

// NewRetentionRepo creates a Postgres-backed retention store.
func NewRetentionRepo(db *sql.DB) *RetentionRepo { return &RetentionRepo{db: db} }

// deleteBatchSize bounds one DELETE round-trip on the large tables.
const deleteBatchSize = 5000

// PurgeRawEvents deletes raw events created before cutoff. Returns the total
// rows removed.
func (r *RetentionRepo) PurgeRawEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.batchDelete(ctx, `
		DELETE FROM raw_events
		WHERE id IN (
			SELECT id FROM raw_events WHERE created_at < $1 LIMIT $2
		)
	`, cutoff)
}

// PurgeSessions deletes sessions whose last activity is before cutoff.
func (r *RetentionRepo) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.batchDelete(ctx, `
		DELETE FROM sessions
		WHERE id IN (
			SELECT id FROM sessions WHERE last_ts < $1 LIMIT $2
		)
	`, cutoff.UnixMilli())
}

func (r *RetentionRepo) batchDelete(ctx context.Context, q string, cutoff interface{}) (int64, error) {
	var total int64
	for {
		res, err := r.db.ExecContext(ctx, q, cutoff, deleteBatchSize)
		if err != nil {
			return total, fmt.Errorf("purge batch: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
		if n < deleteBatchSize {
			return total, nil
		}
	}
}

// PurgeHourlyRollups deletes hourly cube rows dated before cutoffDate
// (YYYY-MM-DD).
func (r *RetentionRepo) PurgeHourlyRollups(ctx context.Context, cutoffDate string) (int64, error) {
	return r.purgeByDate(ctx, cutoffDate, "rollup_hourly", "rollup_dimension_hourly")
}

// PurgeDailyRollups deletes daily cube rows and visitor memberships dated
// before cutoffDate (YYYY-MM-DD).
func (r *RetentionRepo) PurgeDailyRollups(ctx context.Context, cutoffDate string) (int64, error) {
	return r.purgeByDate(ctx, cutoffDate, "rollup_daily", "rollup_dimension_daily", "visitors_daily")
}

func (r *RetentionRepo) purgeByDate(ctx context.Context, cutoffDate string, tables ...string) (int64, error) {
	var total int64
	for _, table := range tables {
		res, err := r.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE date < $1`, table), cutoffDate)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
