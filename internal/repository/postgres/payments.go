package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ezlytics/ezlytics/internal/domain"
)

// PaymentRepo persists payment rows, unique per (site, transaction).
type PaymentRepo struct{ db *sql.DB }

// NewPaymentRepo creates a Postgres-backed payment store.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// Insert writes a payment inside tx. Returns deduped=true when the
// transaction id was already recorded for the site.
func (r *PaymentRepo) Insert(ctx context.Context, tx *sql.Tx, p *domain.Payment) (deduped bool, err error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (site_id, transaction_id, amount, currency, provider, event_type,
			visitor_id, customer_id, email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), NULLIF($8,''), NULLIF($9,''), $10)
		ON CONFLICT (site_id, transaction_id) DO NOTHING
	`, p.SiteID, p.TransactionID, p.Amount, p.Currency, p.Provider, p.EventType,
		p.VisitorID, p.CustomerID, p.Email, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}
