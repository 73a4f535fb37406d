package rollup

import (
	"context"
	"database/sql"
	"fmt"
)

// Engine applies deltas to the four cube tables. Every method runs inside
// the caller's transaction so an event's raw row, session mutation, and
// rollup effect commit or roll back as one unit.
type Engine struct{}

const metricCols = `visitors, sessions, bounced_sessions, duration_ms, pageviews, goals,
		 revenue, revenue_new, revenue_renewal, revenue_refund`

const metricUpdates = `
		visitors = %[1]s.visitors + EXCLUDED.visitors,
		sessions = %[1]s.sessions + EXCLUDED.sessions,
		bounced_sessions = %[1]s.bounced_sessions + EXCLUDED.bounced_sessions,
		duration_ms = %[1]s.duration_ms + EXCLUDED.duration_ms,
		pageviews = %[1]s.pageviews + EXCLUDED.pageviews,
		goals = %[1]s.goals + EXCLUDED.goals,
		revenue = %[1]s.revenue + EXCLUDED.revenue,
		revenue_new = %[1]s.revenue_new + EXCLUDED.revenue_new,
		revenue_renewal = %[1]s.revenue_renewal + EXCLUDED.revenue_renewal,
		revenue_refund = %[1]s.revenue_refund + EXCLUDED.revenue_refund`

// Apply accumulates a set of overall and dimensional deltas for one site.
// Each delta lands in the hourly and daily cube of the bucket containing its
// own timestamp; deltas in one call may target different buckets (session
// migration emits a -1/+1 pair across buckets).
func (Engine) Apply(ctx context.Context, tx *sql.Tx, siteID string, metrics []MetricsDelta, dims []DimensionDelta) error {
	for _, d := range metrics {
		if d.Metrics.IsZero() {
			continue
		}
		b := BucketOf(d.BucketTimestamp)
		if err := upsertOverall(ctx, tx, "rollup_hourly", siteID, b, true, d.Metrics); err != nil {
			return err
		}
		if err := upsertOverall(ctx, tx, "rollup_daily", siteID, b, false, d.Metrics); err != nil {
			return err
		}
	}
	for _, d := range dims {
		if d.Metrics.IsZero() {
			continue
		}
		b := BucketOf(d.BucketTimestamp)
		if err := upsertDimension(ctx, tx, "rollup_dimension_hourly", siteID, b, true, d); err != nil {
			return err
		}
		if err := upsertDimension(ctx, tx, "rollup_dimension_daily", siteID, b, false, d); err != nil {
			return err
		}
	}
	return nil
}

// MarkVisitor records (site, date, visitor) membership. It returns true the
// first time the visitor is seen on that day, which is the only time the
// visitors counter may move.
func (Engine) MarkVisitor(ctx context.Context, tx *sql.Tx, siteID, visitorID string, tsMs int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO visitors_daily (site_id, date, visitor_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (site_id, date, visitor_id) DO NOTHING
	`, siteID, DateOf(tsMs), visitorID)
	if err != nil {
		return false, fmt.Errorf("mark visitor: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func upsertOverall(ctx context.Context, tx *sql.Tx, table, siteID string, b Bucket, hourly bool, m Metrics) error {
	var q string
	args := []interface{}{siteID, b.Date}
	if hourly {
		q = fmt.Sprintf(`
			INSERT INTO %[1]s (site_id, date, hour, `+metricCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (site_id, date, hour) DO UPDATE SET`+metricUpdates, table)
		args = append(args, b.Hour)
	} else {
		q = fmt.Sprintf(`
			INSERT INTO %[1]s (site_id, date, `+metricCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (site_id, date) DO UPDATE SET`+metricUpdates, table)
	}
	args = append(args, m.Visitors, m.Sessions, m.BouncedSessions, m.DurationMs, m.Pageviews,
		m.Goals, m.Revenue, m.RevenueNew, m.RevenueRenewal, m.RevenueRefund)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func upsertDimension(ctx context.Context, tx *sql.Tx, table, siteID string, b Bucket, hourly bool, d DimensionDelta) error {
	var q string
	args := []interface{}{siteID, b.Date}
	if hourly {
		q = fmt.Sprintf(`
			INSERT INTO %[1]s (site_id, date, hour, dimension, dimension_value, `+metricCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (site_id, date, hour, dimension, dimension_value) DO UPDATE SET`+metricUpdates, table)
		args = append(args, b.Hour)
	} else {
		q = fmt.Sprintf(`
			INSERT INTO %[1]s (site_id, date, dimension, dimension_value, `+metricCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (site_id, date, dimension, dimension_value) DO UPDATE SET`+metricUpdates, table)
	}
	m := d.Metrics
	args = append(args, d.Dimension, d.Value,
		m.Visitors, m.Sessions, m.BouncedSessions, m.DurationMs, m.Pageviews,
		m.Goals, m.Revenue, m.RevenueNew, m.RevenueRenewal, m.RevenueRefund)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}
