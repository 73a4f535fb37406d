package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ezlytics/ezlytics/internal/domain"
)

// Supported provider event names.
const (
	EventOrderCreated               = "order_created"
	EventSubscriptionPaymentSuccess = "subscription_payment_success"
)

// ErrUnsupportedEvent marks provider events outside the supported set; the
// handler acks them so the provider stops retrying.
var ErrUnsupportedEvent = errors.New("webhook: unsupported event")

// Event is a provider payment event reduced to the fields the processor
// needs, independent of which provider sent it.
type Event struct {
	Provider      domain.RevenueProvider
	EventID       string
	Name          string
	TransactionID string
	Amount        int64 // minor units, always positive as sent
	Currency      string
	Refunded      bool
	CustomerID    string
	Email         string
	CustomerName  string
	Timestamp     int64 // epoch ms; 0 when the provider did not say
	CustomData    map[string]any
}

// visitorKeys are the custom-data keys that carry the tracked visitor id.
var visitorKeys = []string{"ezlytics_visitor_id", "datafast_visitor_id"}

// VisitorID returns the attributed visitor id from custom data, or "".
func (e *Event) VisitorID() string {
	for _, k := range visitorKeys {
		if v, ok := e.CustomData[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// EventType maps the provider event onto the revenue classification:
// refunds win, subscription payments are renewals, everything else is new
// business.
func (e *Event) EventType() domain.PaymentEventType {
	switch {
	case e.Refunded:
		return domain.PaymentRefund
	case e.Name == EventSubscriptionPaymentSuccess:
		return domain.PaymentRenewal
	default:
		return domain.PaymentNew
	}
}

type stripePayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID              string          `json:"id"`
			Amount          int64           `json:"amount"`
			AmountTotal     int64           `json:"amount_total"`
			Currency        string          `json:"currency"`
			Refunded        bool            `json:"refunded"`
			Customer        string          `json:"customer"`
			CustomerDetails struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			} `json:"customer_details"`
			Metadata map[string]any `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseStripe decodes a Stripe webhook body into an Event.
func ParseStripe(body []byte) (*Event, error) {
	var p stripePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode stripe payload: %w", err)
	}
	if p.Type != EventOrderCreated && p.Type != EventSubscriptionPaymentSuccess {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, p.Type)
	}
	obj := p.Data.Object
	amount := obj.Amount
	if amount == 0 {
		amount = obj.AmountTotal
	}
	ev := &Event{
		Provider:      domain.ProviderStripe,
		EventID:       p.ID,
		Name:          p.Type,
		TransactionID: obj.ID,
		Amount:        amount,
		Currency:      strings.ToLower(obj.Currency),
		Refunded:      obj.Refunded,
		CustomerID:    obj.Customer,
		Email:         obj.CustomerDetails.Email,
		CustomerName:  obj.CustomerDetails.Name,
		Timestamp:     p.Created * 1000,
		CustomData:    obj.Metadata,
	}
	if ev.EventID == "" || ev.TransactionID == "" {
		return nil, errors.New("webhook: stripe payload missing event or transaction id")
	}
	return ev, nil
}

type lemonsqueezyPayload struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Identifier string          `json:"identifier"`
			Total      int64           `json:"total"`
			Currency   string          `json:"currency"`
			Refunded   bool            `json:"refunded"`
			UserEmail  string          `json:"user_email"`
			UserName   string          `json:"user_name"`
			CustomerID json.Number     `json:"customer_id"`
			CreatedAt  string          `json:"created_at"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseLemonsqueezy decodes a Lemonsqueezy webhook body into an Event.
func ParseLemonsqueezy(body []byte) (*Event, error) {
	var p lemonsqueezyPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode lemonsqueezy payload: %w", err)
	}
	name := p.Meta.EventName
	if name != EventOrderCreated && name != EventSubscriptionPaymentSuccess {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, name)
	}
	attrs := p.Data.Attributes
	txn := attrs.Identifier
	if txn == "" {
		txn = p.Data.ID
	}
	var ts int64
	if attrs.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, attrs.CreatedAt); err == nil {
			ts = t.UnixMilli()
		}
	}
	ev := &Event{
		Provider:      domain.ProviderLemonsqueezy,
		EventID:       name + ":" + txn,
		Name:          name,
		TransactionID: txn,
		Amount:        attrs.Total,
		Currency:      strings.ToLower(attrs.Currency),
		Refunded:      attrs.Refunded,
		CustomerID:    attrs.CustomerID.String(),
		Email:         attrs.UserEmail,
		CustomerName:  attrs.UserName,
		Timestamp:     ts,
		CustomData:    p.Meta.CustomData,
	}
	if ev.TransactionID == "" {
		return nil, errors.New("webhook: lemonsqueezy payload missing transaction id")
	}
	return ev, nil
}
