package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ezlytics/ezlytics/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// SiteRepo implements tenant lookup and lifecycle against PostgreSQL.
type SiteRepo struct{ db *sql.DB }

// NewSiteRepo creates a Postgres-backed site repository.
func NewSiteRepo(db *sql.DB) *SiteRepo { return &SiteRepo{db: db} }

const siteCols = `id, website_id, api_key, domain, timezone, revenue_provider,
	       COALESCE(provider_key,''), created_at, updated_at`

func scanSite(row *sql.Row) (*domain.Site, error) {
	s := &domain.Site{}
	err := row.Scan(&s.ID, &s.WebsiteID, &s.APIKey, &s.Domain, &s.Timezone,
		&s.RevenueProvider, &s.ProviderKey, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan site: %w", err)
	}
	return s, nil
}

// GetByWebsiteID resolves a site by its public website id.
func (r *SiteRepo) GetByWebsiteID(ctx context.Context, websiteID string) (*domain.Site, error) {
	return scanSite(r.db.QueryRowContext(ctx, `
		SELECT `+siteCols+` FROM sites WHERE website_id = $1
	`, websiteID))
}

// GetByAPIKey resolves a site by its server-side API key.
func (r *SiteRepo) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Site, error) {
	return scanSite(r.db.QueryRowContext(ctx, `
		SELECT `+siteCols+` FROM sites WHERE api_key = $1
	`, apiKey))
}

// Create provisions a new site. Missing ids and keys are generated.
func (r *SiteRepo) Create(ctx context.Context, s *domain.Site) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.WebsiteID == "" {
		s.WebsiteID = uuid.New().String()
	}
	if s.APIKey == "" {
		s.APIKey = "ez_" + uuid.New().String()
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.RevenueProvider == "" {
		s.RevenueProvider = domain.ProviderNone
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sites (id, website_id, api_key, domain, timezone, revenue_provider, provider_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), NOW(), NOW())
	`, s.ID, s.WebsiteID, s.APIKey, s.Domain, s.Timezone, s.RevenueProvider, s.ProviderKey)
	if err != nil {
		return fmt.Errorf("create site: %w", err)
	}
	return nil
}

// RotateAPIKey issues a fresh API key and returns it.
func (r *SiteRepo) RotateAPIKey(ctx context.Context, siteID string) (string, error) {
	key := "ez_" + uuid.New().String()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sites SET api_key = $2, updated_at = NOW() WHERE id = $1
	`, siteID, key)
	if err != nil {
		return "", fmt.Errorf("rotate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return key, nil
}

// Delete removes a site and, through cascading foreign keys, every row it
// owns.
func (r *SiteRepo) Delete(ctx context.Context, siteID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sites WHERE id = $1`, siteID)
	if err != nil {
		return fmt.Errorf("delete site: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
