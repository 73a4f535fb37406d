package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ezlytics/ezlytics/internal/rollup"
)

// RollupRepo supports the rebuild path: reading existing aggregates,
// deleting a date range, and bulk-inserting recomputed rows.
type RollupRepo struct{ db *sql.DB }

// NewRollupRepo creates a Postgres-backed rollup repository.
func NewRollupRepo(db *sql.DB) *RollupRepo { return &RollupRepo{db: db} }

// insertChunkSize bounds a single bulk INSERT.
const insertChunkSize = 500

// DeleteRange removes every rollup row (overall and dimensional, hourly and
// daily) plus visitor memberships with date in [fromDate, toDate) for the
// scoped site, or all sites when siteID is empty. Runs inside tx.
func (r *RollupRepo) DeleteRange(ctx context.Context, tx *sql.Tx, siteID, fromDate, toDate string) error {
	tables := []string{
		"rollup_hourly", "rollup_daily",
		"rollup_dimension_hourly", "rollup_dimension_daily",
		"visitors_daily",
	}
	for _, table := range tables {
		q := fmt.Sprintf(`DELETE FROM %s WHERE date >= $1 AND date < $2`, table)
		args := []interface{}{fromDate, toDate}
		if siteID != "" {
			q += ` AND site_id = $3`
			args = append(args, siteID)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// InsertOverallRows bulk-inserts recomputed overall buckets in chunks.
// Hour -1 rows go to the daily table, others to the hourly table.
func (r *RollupRepo) InsertOverallRows(ctx context.Context, tx *sql.Tx, rows []rollup.OverallRow) error {
	var hourly, daily []rollup.OverallRow
	for _, row := range rows {
		if row.Key.Hour < 0 {
			daily = append(daily, row)
		} else {
			hourly = append(hourly, row)
		}
	}
	if err := insertOverallChunked(ctx, tx, "rollup_hourly", true, hourly); err != nil {
		return err
	}
	return insertOverallChunked(ctx, tx, "rollup_daily", false, daily)
}

// InsertDimensionRows bulk-inserts recomputed dimensional buckets in chunks.
func (r *RollupRepo) InsertDimensionRows(ctx context.Context, tx *sql.Tx, rows []rollup.DimensionRow) error {
	var hourly, daily []rollup.DimensionRow
	for _, row := range rows {
		if row.Key.Hour < 0 {
			daily = append(daily, row)
		} else {
			hourly = append(hourly, row)
		}
	}
	if err := insertDimensionChunked(ctx, tx, "rollup_dimension_hourly", true, hourly); err != nil {
		return err
	}
	return insertDimensionChunked(ctx, tx, "rollup_dimension_daily", false, daily)
}

// InsertVisitorRows restores (site, date, visitor) memberships computed by a
// rebuild.
func (r *RollupRepo) InsertVisitorRows(ctx context.Context, tx *sql.Tx, rows []rollup.VisitorRow) error {
	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*3)
		for i, row := range chunk {
			base := i * 3
			placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
			args = append(args, row.SiteID, row.Date, row.VisitorID)
		}
		q := `INSERT INTO visitors_daily (site_id, date, visitor_id) VALUES ` +
			strings.Join(placeholders, ", ") + ` ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert visitors_daily: %w", err)
		}
	}
	return nil
}

func metricArgs(m rollup.Metrics) []interface{} {
	return []interface{}{
		m.Visitors, m.Sessions, m.BouncedSessions, m.DurationMs, m.Pageviews,
		m.Goals, m.Revenue, m.RevenueNew, m.RevenueRenewal, m.RevenueRefund,
	}
}

func insertOverallChunked(ctx context.Context, tx *sql.Tx, table string, hourly bool, rows []rollup.OverallRow) error {
	keyCols := 2
	if hourly {
		keyCols = 3
	}
	width := keyCols + 10
	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*width)
		for i, row := range chunk {
			placeholders = append(placeholders, tuple(i*width+1, width))
			args = append(args, row.Key.SiteID, row.Key.Date)
			if hourly {
				args = append(args, row.Key.Hour)
			}
			args = append(args, metricArgs(row.Metrics)...)
		}
		cols := "site_id, date, "
		if hourly {
			cols = "site_id, date, hour, "
		}
		q := fmt.Sprintf(`INSERT INTO %s (%svisitors, sessions, bounced_sessions, duration_ms, pageviews, goals, revenue, revenue_new, revenue_renewal, revenue_refund) VALUES %s`,
			table, cols, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func insertDimensionChunked(ctx context.Context, tx *sql.Tx, table string, hourly bool, rows []rollup.DimensionRow) error {
	keyCols := 4
	if hourly {
		keyCols = 5
	}
	width := keyCols + 10
	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		placeholders := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*width)
		for i, row := range chunk {
			placeholders = append(placeholders, tuple(i*width+1, width))
			args = append(args, row.Key.SiteID, row.Key.Date)
			if hourly {
				args = append(args, row.Key.Hour)
			}
			args = append(args, row.Key.Dimension, row.Key.Value)
			args = append(args, metricArgs(row.Metrics)...)
		}
		cols := "site_id, date, dimension, dimension_value, "
		if hourly {
			cols = "site_id, date, hour, dimension, dimension_value, "
		}
		q := fmt.Sprintf(`INSERT INTO %s (%svisitors, sessions, bounced_sessions, duration_ms, pageviews, goals, revenue, revenue_new, revenue_renewal, revenue_refund) VALUES %s`,
			table, cols, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func tuple(start, width int) string {
	parts := make([]string, width)
	for i := 0; i < width; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ReadOverall loads the stored overall buckets for a date range, keyed the
// same way the accumulator keys its output, for rebuild diffing.
func (r *RollupRepo) ReadOverall(ctx context.Context, siteID, fromDate, toDate string) (map[rollup.OverallKey]rollup.Metrics, error) {
	out := make(map[rollup.OverallKey]rollup.Metrics)
	for _, spec := range []struct {
		table  string
		hourly bool
	}{{"rollup_hourly", true}, {"rollup_daily", false}} {
		cols := "site_id, date, "
		if spec.hourly {
			cols = "site_id, date, hour, "
		}
		q := fmt.Sprintf(`SELECT %svisitors, sessions, bounced_sessions, duration_ms, pageviews, goals, revenue, revenue_new, revenue_renewal, revenue_refund FROM %s WHERE date >= $1 AND date < $2`, cols, spec.table)
		args := []interface{}{fromDate, toDate}
		if siteID != "" {
			q += ` AND site_id = $3`
			args = append(args, siteID)
		}
		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", spec.table, err)
		}
		for rows.Next() {
			var k rollup.OverallKey
			k.Hour = -1
			var m rollup.Metrics
			dest := []interface{}{&k.SiteID, &k.Date}
			if spec.hourly {
				dest = append(dest, &k.Hour)
			}
			dest = append(dest, &m.Visitors, &m.Sessions, &m.BouncedSessions, &m.DurationMs,
				&m.Pageviews, &m.Goals, &m.Revenue, &m.RevenueNew, &m.RevenueRenewal, &m.RevenueRefund)
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", spec.table, err)
			}
			out[k] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
