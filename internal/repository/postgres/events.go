package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ezlytics/ezlytics/internal/domain"
)

// EventRepo persists raw events. Insertion is idempotent on
// (site_id, event_id): a conflicting insert turns the caller's whole
// transaction into a committed no-op.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed raw event store.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// Insert writes a raw event inside tx. It returns deduped=true when a row
// with the same (site_id, event_id) already exists, in which case nothing
// was written.
func (r *EventRepo) Insert(ctx context.Context, tx *sql.Tx, ev *domain.RawEvent) (deduped bool, err error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	normalized, err := json.Marshal(ev.Normalized)
	if err != nil {
		return false, fmt.Errorf("marshal normalized: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_events (id, site_id, event_id, type, name, visitor_id, session_id, ts, metadata, normalized, created_at)
		VALUES ($1, $2, NULLIF($3,''), $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), $8, $9, $10, $11)
		ON CONFLICT (site_id, event_id) WHERE event_id IS NOT NULL DO NOTHING
	`, ev.ID, ev.SiteID, ev.EventID, ev.Type, ev.Name, ev.VisitorID, ev.SessionID,
		ev.Timestamp, metadata, normalized, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

// LatestPageview returns the most recent pageview for a visitor, used as the
// attribution snapshot for payments. ErrNotFound when the visitor has never
// been seen.
func (r *EventRepo) LatestPageview(ctx context.Context, siteID, visitorID string) (*domain.RawEvent, error) {
	ev := &domain.RawEvent{}
	var name, sessionID sql.NullString
	var normalized []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, site_id, COALESCE(event_id,''), type, name, COALESCE(visitor_id,''), session_id, ts, normalized, created_at
		FROM raw_events
		WHERE site_id = $1 AND visitor_id = $2 AND type = 'pageview'
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, siteID, visitorID).Scan(&ev.ID, &ev.SiteID, &ev.EventID, &ev.Type, &name,
		&ev.VisitorID, &sessionID, &ev.Timestamp, &normalized, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest pageview: %w", err)
	}
	ev.Name = name.String
	ev.SessionID = sessionID.String
	if len(normalized) > 0 {
		if err := json.Unmarshal(normalized, &ev.Normalized); err != nil {
			return nil, fmt.Errorf("decode normalized: %w", err)
		}
	}
	return ev, nil
}

// StreamRange replays raw events with ts in [from, to) ordered by
// (created_at, id), invoking fn per event. siteID scopes the stream when
// non-empty. Filtering on the event timestamp keeps the stream aligned with
// the rollup buckets the events land in, so a rebuild replays exactly the
// events whose rows it deleted, late-arriving backfills included. The
// ordering is what makes the replay deterministic: it is the same order the
// live path committed in.
func (r *EventRepo) StreamRange(ctx context.Context, siteID string, from, to time.Time, fn func(*domain.RawEvent) error) error {
	q := `
		SELECT id, site_id, COALESCE(event_id,''), type, COALESCE(name,''), COALESCE(visitor_id,''),
		       COALESCE(session_id,''), ts, metadata, normalized, created_at
		FROM raw_events
		WHERE ts >= $1 AND ts < $2`
	args := []interface{}{from.UnixMilli(), to.UnixMilli()}
	if siteID != "" {
		q += ` AND site_id = $3`
		args = append(args, siteID)
	}
	q += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("stream events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev := &domain.RawEvent{}
		var metadata, normalized []byte
		if err := rows.Scan(&ev.ID, &ev.SiteID, &ev.EventID, &ev.Type, &ev.Name,
			&ev.VisitorID, &ev.SessionID, &ev.Timestamp, &metadata, &normalized, &ev.CreatedAt); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
		}
		if len(normalized) > 0 {
			if err := json.Unmarshal(normalized, &ev.Normalized); err != nil {
				return fmt.Errorf("decode normalized: %w", err)
			}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}
