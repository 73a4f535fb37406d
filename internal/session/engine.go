package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ezlytics/ezlytics/internal/domain"
)

// Engine drives the session state machine against the sessions table. All
// methods run inside the caller's transaction: the FOR UPDATE row lock is
// what serializes concurrent pageviews for the same (site, session, visitor)
// triple and makes the emitted deltas linearizable.
type Engine struct{}

// Touch records one pageview against its session and returns the rollup
// deltas the event contributes.
func (Engine) Touch(ctx context.Context, tx *sql.Tx, in Input) (Deltas, error) {
	st, d := NewState(in)
	ctxJSON, err := json.Marshal(st.Context)
	if err != nil {
		return Deltas{}, fmt.Errorf("marshal session context: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (site_id, session_id, visitor_id, first_ts, last_ts, pageviews, first_normalized)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (site_id, session_id, visitor_id) DO NOTHING
	`, in.SiteID, in.SessionID, in.VisitorID, st.FirstTimestamp, st.LastTimestamp, st.Pageviews, ctxJSON)
	if err != nil {
		return Deltas{}, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return d, nil
	}

	// Session exists: lock it, replay the transition, persist the result.
	var prev State
	var prevCtx []byte
	err = tx.QueryRowContext(ctx, `
		SELECT first_ts, last_ts, pageviews, first_normalized
		FROM sessions
		WHERE site_id = $1 AND session_id = $2 AND visitor_id = $3
		FOR UPDATE
	`, in.SiteID, in.SessionID, in.VisitorID).Scan(
		&prev.FirstTimestamp, &prev.LastTimestamp, &prev.Pageviews, &prevCtx,
	)
	if err != nil {
		return Deltas{}, fmt.Errorf("lock session: %w", err)
	}
	if len(prevCtx) > 0 {
		if err := json.Unmarshal(prevCtx, &prev.Context); err != nil {
			return Deltas{}, fmt.Errorf("decode session context: %w", err)
		}
	}

	next, d := Advance(prev, in)

	nextCtx, err := json.Marshal(next.Context)
	if err != nil {
		return Deltas{}, fmt.Errorf("marshal session context: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET first_ts = $4, last_ts = $5, pageviews = $6, first_normalized = $7
		WHERE site_id = $1 AND session_id = $2 AND visitor_id = $3
	`, in.SiteID, in.SessionID, in.VisitorID,
		next.FirstTimestamp, next.LastTimestamp, next.Pageviews, nextCtx)
	if err != nil {
		return Deltas{}, fmt.Errorf("update session: %w", err)
	}
	return d, nil
}

// ContextFromNormalized extracts the session dimensional snapshot from a
// normalized event context map.
func ContextFromNormalized(n map[string]any) domain.SessionContext {
	str := func(k string) string {
		if v, ok := n[k].(string); ok {
			return v
		}
		return ""
	}
	return domain.SessionContext{
		Country: str("country"),
		Region:  str("region"),
		City:    str("city"),
		Device:  str("device"),
		Browser: str("browser"),
	}
}
