package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
	"github.com/ezlytics/ezlytics/internal/rollup"
	"github.com/ezlytics/ezlytics/internal/secrets"
)

// ErrMissingVisitor is returned when a payment event carries no visitor
// attribution key in its custom data.
var ErrMissingVisitor = errors.New("webhook: missing visitor attribution")

// Processor turns verified provider events into payment rows, raw events,
// and rollup contributions, all in one transaction. Provider retries combined
// with the raw-event and payment dedupe keys give exactly-once effect.
type Processor struct {
	db       *sql.DB
	events   *postgres.EventRepo
	payments *postgres.PaymentRepo
	rollups  rollup.Engine
	box      *secrets.Box
	now      func() time.Time
}

// NewProcessor wires a webhook processor.
func NewProcessor(db *sql.DB, events *postgres.EventRepo, payments *postgres.PaymentRepo, box *secrets.Box) *Processor {
	return &Processor{
		db:       db,
		events:   events,
		payments: payments,
		box:      box,
		now:      time.Now,
	}
}

// Result reports the outcome of processing one provider event.
type Result struct {
	Deduped bool
}

// Process applies one verified provider event for a site. A replayed event
// (same provider event id or transaction id) commits nothing and reports
// Deduped.
func (p *Processor) Process(ctx context.Context, site *domain.Site, ev *Event) (Result, error) {
	visitorID := ev.VisitorID()
	if visitorID == "" {
		return Result{}, ErrMissingVisitor
	}

	eventType := ev.EventType()
	// Every revenue column is a non-negative counter; refunds accumulate
	// under revenue_refund rather than subtracting from revenue. Some
	// providers report refund totals negative, so normalize.
	amount := ev.Amount
	if amount < 0 {
		amount = -amount
	}
	ts := ev.Timestamp
	if ts == 0 {
		ts = p.now().UnixMilli()
	}

	// amount and event_type stay plaintext: the rebuilder recomputes
	// revenue from raw events alone.
	metadata := map[string]any{
		"provider":       string(ev.Provider),
		"transaction_id": ev.TransactionID,
		"amount":         amount,
		"event_type":     string(eventType),
		"currency":       ev.Currency,
		"customer_id":    ev.CustomerID,
		"email":          ev.Email,
		"name":           ev.CustomerName,
	}
	var normalized map[string]any
	snapshot, err := p.events.LatestPageview(ctx, site.ID, visitorID)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return Result{}, err
	}
	if snapshot != nil {
		normalized = snapshot.Normalized
		metadata["attribution"] = map[string]any{
			"pageview_id": snapshot.ID,
			"timestamp":   snapshot.Timestamp,
			"normalized":  snapshot.Normalized,
		}
	}
	if err := p.box.EncryptMetadata(metadata); err != nil {
		return Result{}, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin webhook tx: %w", err)
	}
	defer tx.Rollback()

	deduped, err := p.events.Insert(ctx, tx, &domain.RawEvent{
		SiteID:     site.ID,
		EventID:    ev.EventID + ":payment",
		Type:       domain.EventPayment,
		VisitorID:  visitorID,
		Timestamp:  ts,
		Metadata:   metadata,
		Normalized: normalized,
	})
	if err != nil {
		return Result{}, err
	}
	if deduped {
		return Result{Deduped: true}, nil
	}

	deduped, err = p.payments.Insert(ctx, tx, &domain.Payment{
		SiteID:        site.ID,
		TransactionID: ev.TransactionID,
		Amount:        amount,
		Currency:      ev.Currency,
		Provider:      string(ev.Provider),
		EventType:     eventType,
		VisitorID:     visitorID,
		CustomerID:    ev.CustomerID,
		Email:         ev.Email,
	})
	if err != nil {
		return Result{}, err
	}
	if deduped {
		return Result{Deduped: true}, nil
	}

	metrics, dims := rollup.Contribution(rollup.EventInput{
		Timestamp:  ts,
		Type:       domain.EventPayment,
		Normalized: normalized,
		Payment:    &rollup.PaymentInput{Amount: amount, EventType: eventType},
	})

	// Zero-amount orders are trials; refunds still count as payment goals.
	goalName := "payment"
	if amount == 0 {
		goalName = "free_trial"
	}
	if _, err := p.events.Insert(ctx, tx, &domain.RawEvent{
		SiteID:     site.ID,
		EventID:    ev.EventID + ":goal",
		Type:       domain.EventGoal,
		Name:       goalName,
		VisitorID:  visitorID,
		Timestamp:  ts,
		Normalized: normalized,
	}); err != nil {
		return Result{}, err
	}
	goalMetrics, goalDims := rollup.Contribution(rollup.EventInput{
		Timestamp:  ts,
		Type:       domain.EventGoal,
		Name:       goalName,
		Normalized: normalized,
	})
	metrics = append(metrics, goalMetrics...)
	dims = append(dims, goalDims...)

	if err := p.rollups.Apply(ctx, tx, site.ID, metrics, dims); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit webhook tx: %w", err)
	}
	return Result{}, nil
}
