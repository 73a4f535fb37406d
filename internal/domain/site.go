package domain

import "time"

// RevenueProvider identifies the payment provider wired to a site.
type RevenueProvider string

const (
	ProviderNone         RevenueProvider = "none"
	ProviderStripe       RevenueProvider = "stripe"
	ProviderLemonsqueezy RevenueProvider = "lemonsqueezy"
)

// Site is a tenant. WebsiteID is the public identifier embedded in the
// tracking script; APIKey authenticates server-side ingestion. Both are
// globally unique.
type Site struct {
	ID              string          `json:"id"`
	WebsiteID       string          `json:"website_id"`
	APIKey          string          `json:"-"`
	Domain          string          `json:"domain"`
	Timezone        string          `json:"timezone"`
	RevenueProvider RevenueProvider `json:"revenue_provider"`
	// ProviderKey holds the encrypted webhook secret for the revenue
	// provider ("enc:..." form), empty when RevenueProvider is none.
	ProviderKey string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
