package domain

import "time"

// EventType enumerates the kinds of events the ingest pipeline accepts.
type EventType string

const (
	EventPageview  EventType = "pageview"
	EventHeartbeat EventType = "heartbeat"
	EventGoal      EventType = "goal"
	EventIdentify  EventType = "identify"
	EventPayment   EventType = "payment"
)

// ValidEventType reports whether t is one of the accepted event types.
func ValidEventType(t string) bool {
	switch EventType(t) {
	case EventPageview, EventHeartbeat, EventGoal, EventIdentify, EventPayment:
		return true
	}
	return false
}

// RawEvent is the immutable record of one accepted event. (site_id, event_id)
// is unique when the client supplied an event id, which is what gives the
// whole pipeline its at-most-once rollup guarantee.
type RawEvent struct {
	ID         string         `json:"id"`
	SiteID     string         `json:"site_id"`
	EventID    string         `json:"event_id,omitempty"`
	Type       EventType      `json:"type"`
	Name       string         `json:"name,omitempty"`
	VisitorID  string         `json:"visitor_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  int64          `json:"timestamp"` // epoch ms, UTC
	Metadata   map[string]any `json:"metadata,omitempty"`
	Normalized map[string]any `json:"normalized,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Session is one row per (site, session, visitor) triple. FirstTimestamp is
// monotonically non-increasing: an out-of-order earlier pageview pulls it
// backwards and migrates the session's bucket attribution.
type Session struct {
	SiteID          string
	SessionID       string
	VisitorID       string
	FirstTimestamp  int64
	LastTimestamp   int64
	Pageviews       int64
	FirstNormalized SessionContext
}

// SessionContext is the dimensional snapshot attributed to a session. It
// always reflects the earliest pageview observed so far.
type SessionContext struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	Device  string `json:"device,omitempty"`
	Browser string `json:"browser,omitempty"`
}

// PaymentEventType classifies a payment for revenue-by-type accounting.
type PaymentEventType string

const (
	PaymentNew     PaymentEventType = "new"
	PaymentRenewal PaymentEventType = "renewal"
	PaymentRefund  PaymentEventType = "refund"
)

// Payment is one row per (site, transaction).
type Payment struct {
	SiteID        string
	TransactionID string
	Amount        int64 // minor units, always non-negative; EventType marks refunds
	Currency      string
	Provider      string
	EventType     PaymentEventType
	VisitorID     string
	CustomerID    string
	Email         string
	CreatedAt     time.Time
}
