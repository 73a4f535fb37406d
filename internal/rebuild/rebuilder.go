// Package rebuild replays the raw event log through the same state machine
// and delta computation the live ingest path uses, producing rollup rows that
// are field-for-field what incremental ingestion accumulated. It exists to
// repair aggregates after bugs or manual interventions.
package rebuild

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
	"github.com/ezlytics/ezlytics/internal/rollup"
	"github.com/ezlytics/ezlytics/internal/session"
)

// Options scopes one rebuild run. From/To are snapped to UTC day starts.
type Options struct {
	SiteID      string
	From        time.Time
	To          time.Time
	DryRun      bool
	IncludeDiff bool
}

// DiffEntry is one overall bucket where stored and recomputed aggregates
// disagree.
type DiffEntry struct {
	SiteID   string         `json:"siteId"`
	Date     string         `json:"date"`
	Hour     int            `json:"hour"` // -1 for daily buckets
	Existing rollup.Metrics `json:"existing"`
	Computed rollup.Metrics `json:"computed"`
}

// Report summarizes one rebuild run.
type Report struct {
	From          string      `json:"from"`
	To            string      `json:"to"`
	SiteID        string      `json:"siteId,omitempty"`
	DryRun        bool        `json:"dryRun"`
	Events        int64       `json:"events"`
	Sessions      int         `json:"sessions"`
	OverallRows   int         `json:"overallRows"`
	DimensionRows int         `json:"dimensionRows"`
	VisitorRows   int         `json:"visitorRows"`
	Diff          []DiffEntry `json:"diff,omitempty"`
}

// Rebuilder replays raw events into recomputed rollup rows.
type Rebuilder struct {
	db      *sql.DB
	events  *postgres.EventRepo
	rollups *postgres.RollupRepo
}

// NewRebuilder wires a rebuilder.
func NewRebuilder(db *sql.DB, events *postgres.EventRepo, rollups *postgres.RollupRepo) *Rebuilder {
	return &Rebuilder{db: db, events: events, rollups: rollups}
}

type sessionKey struct {
	siteID    string
	sessionID string
	visitorID string
}

// ErrBadRange is returned when the requested window is empty or inverted.
var ErrBadRange = errors.New("rebuild: to must be after from")

// Run executes one rebuild. Unless DryRun, the delete and bulk insert happen
// in a single transaction so readers never observe a half-rebuilt range.
func (r *Rebuilder) Run(ctx context.Context, opts Options) (*Report, error) {
	from := rollup.DayStart(opts.From)
	to := rollup.DayStart(opts.To)
	if !to.After(from) {
		return nil, ErrBadRange
	}
	fromDate := from.Format("2006-01-02")
	toDate := to.Format("2006-01-02")

	acc := rollup.NewAccumulator()
	states := make(map[sessionKey]session.State)
	var events int64

	// Sessions that began before the window must not be re-created as new
	// inside it: replay the pre-window stream through the state machine
	// only, so in-window events of a straddling session see its prior state.
	err := r.events.StreamRange(ctx, opts.SiteID, time.UnixMilli(0), from, func(ev *domain.RawEvent) error {
		seedSession(states, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	seeded := len(states)

	err = r.events.StreamRange(ctx, opts.SiteID, from, to, func(ev *domain.RawEvent) error {
		events++
		replay(acc, states, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Backfilled events can land buckets on the day before the window;
	// those rows were not deleted, so only in-range rows are written.
	overall := filterOverall(acc.OverallRows(), fromDate, toDate)
	dims := filterDimensions(acc.DimensionRows(), fromDate, toDate)
	visitors := filterVisitors(acc.VisitorRows(), fromDate, toDate)

	report := &Report{
		From:          fromDate,
		To:            toDate,
		SiteID:        opts.SiteID,
		DryRun:        opts.DryRun,
		Events:        events,
		Sessions:      len(states) - seeded,
		OverallRows:   len(overall),
		DimensionRows: len(dims),
		VisitorRows:   len(visitors),
	}

	if opts.IncludeDiff {
		existing, err := r.rollups.ReadOverall(ctx, opts.SiteID, fromDate, toDate)
		if err != nil {
			return nil, err
		}
		report.Diff = diff(existing, overall)
	}

	if opts.DryRun {
		return report, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.rollups.DeleteRange(ctx, tx, opts.SiteID, fromDate, toDate); err != nil {
		return nil, err
	}
	if err := r.rollups.InsertOverallRows(ctx, tx, overall); err != nil {
		return nil, err
	}
	if err := r.rollups.InsertDimensionRows(ctx, tx, dims); err != nil {
		return nil, err
	}
	if err := r.rollups.InsertVisitorRows(ctx, tx, visitors); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rebuild tx: %w", err)
	}
	return report, nil
}

// replay applies one raw event to the in-memory accumulator exactly as the
// live path applied it transactionally.
func replay(acc *rollup.Accumulator, states map[sessionKey]session.State, ev *domain.RawEvent) {
	if bot, _ := ev.Normalized["bot"].(bool); bot {
		return
	}
	visitorNew := false
	if ev.Type == domain.EventPageview && ev.VisitorID != "" {
		visitorNew = acc.MarkVisitor(ev.SiteID, ev.VisitorID, ev.Timestamp)
	}

	metrics, dims := rollup.Contribution(rollup.EventInput{
		Timestamp:  ev.Timestamp,
		Type:       ev.Type,
		Name:       ev.Name,
		Normalized: ev.Normalized,
		VisitorNew: visitorNew,
		Payment:    paymentInput(ev),
	})
	acc.Apply(ev.SiteID, metrics, dims)

	if ev.Type != domain.EventPageview || ev.SessionID == "" {
		return
	}
	st, d := advanceSession(states, ev)
	states[sessionKey{ev.SiteID, ev.SessionID, ev.VisitorID}] = st
	acc.Apply(ev.SiteID, d.Metrics, d.Dimensions)
}

// seedSession replays one pre-window event through the session state machine,
// discarding its deltas. The buckets those deltas touched lie outside the
// rebuild range and keep their live values.
func seedSession(states map[sessionKey]session.State, ev *domain.RawEvent) {
	if bot, _ := ev.Normalized["bot"].(bool); bot {
		return
	}
	if ev.Type != domain.EventPageview || ev.SessionID == "" {
		return
	}
	st, _ := advanceSession(states, ev)
	states[sessionKey{ev.SiteID, ev.SessionID, ev.VisitorID}] = st
}

func advanceSession(states map[sessionKey]session.State, ev *domain.RawEvent) (session.State, session.Deltas) {
	in := session.Input{
		SiteID:    ev.SiteID,
		SessionID: ev.SessionID,
		VisitorID: ev.VisitorID,
		Timestamp: ev.Timestamp,
		Context:   session.ContextFromNormalized(ev.Normalized),
	}
	if prev, ok := states[sessionKey{ev.SiteID, ev.SessionID, ev.VisitorID}]; ok {
		return session.Advance(prev, in)
	}
	return session.NewState(in)
}

// paymentInput recovers the revenue slice of a stored payment event from its
// plaintext metadata fields.
func paymentInput(ev *domain.RawEvent) *rollup.PaymentInput {
	if ev.Type != domain.EventPayment {
		return nil
	}
	p := &rollup.PaymentInput{EventType: domain.PaymentNew}
	switch v := ev.Metadata["amount"].(type) {
	case float64:
		p.Amount = int64(v)
	case int64:
		p.Amount = v
	}
	if t, ok := ev.Metadata["event_type"].(string); ok && t != "" {
		p.EventType = domain.PaymentEventType(t)
	}
	return p
}

func inRange(date, fromDate, toDate string) bool {
	return date >= fromDate && date < toDate
}

func filterOverall(rows []rollup.OverallRow, fromDate, toDate string) []rollup.OverallRow {
	out := rows[:0]
	for _, row := range rows {
		if inRange(row.Key.Date, fromDate, toDate) {
			out = append(out, row)
		}
	}
	return out
}

func filterDimensions(rows []rollup.DimensionRow, fromDate, toDate string) []rollup.DimensionRow {
	out := rows[:0]
	for _, row := range rows {
		if inRange(row.Key.Date, fromDate, toDate) {
			out = append(out, row)
		}
	}
	return out
}

func filterVisitors(rows []rollup.VisitorRow, fromDate, toDate string) []rollup.VisitorRow {
	out := rows[:0]
	for _, row := range rows {
		if inRange(row.Date, fromDate, toDate) {
			out = append(out, row)
		}
	}
	return out
}

// diff pairs stored overall buckets with recomputed ones and keeps the
// mismatches. Buckets present on only one side appear with a zero counterpart.
func diff(existing map[rollup.OverallKey]rollup.Metrics, computed []rollup.OverallRow) []DiffEntry {
	var out []DiffEntry
	seen := make(map[rollup.OverallKey]struct{}, len(computed))
	for _, row := range computed {
		seen[row.Key] = struct{}{}
		if ex, ok := existing[row.Key]; !ok || ex != row.Metrics {
			out = append(out, DiffEntry{
				SiteID:   row.Key.SiteID,
				Date:     row.Key.Date,
				Hour:     row.Key.Hour,
				Existing: existing[row.Key],
				Computed: row.Metrics,
			})
		}
	}
	for k, ex := range existing {
		if _, ok := seen[k]; ok {
			continue
		}
		if ex.IsZero() {
			continue
		}
		out = append(out, DiffEntry{SiteID: k.SiteID, Date: k.Date, Hour: k.Hour, Existing: ex})
	}
	return out
}
