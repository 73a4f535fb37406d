package rollup

import "github.com/ezlytics/ezlytics/internal/domain"

// EventInput is the per-event slice of a rollup application, shared verbatim
// by the live ingest path and the rebuilder so the two can never diverge.
type EventInput struct {
	Timestamp  int64
	Type       domain.EventType
	Name       string
	Normalized map[string]any
	// VisitorNew is true when this event established the (site, date,
	// visitor) membership for its day.
	VisitorNew bool
	// Payment carries the revenue contribution for payment events.
	Payment *PaymentInput
}

// PaymentInput is the revenue slice of a payment event.
type PaymentInput struct {
	Amount    int64
	EventType domain.PaymentEventType
}

// Contribution expands one event into overall metric deltas and dimensional
// deltas. Session-attribution deltas (from the session engine) are appended
// by the caller; this function covers everything the event itself owns:
// pageview/goal/revenue counters and the visitor-unique counter, fanned out
// across the event's dimension values.
func Contribution(ev EventInput) ([]MetricsDelta, []DimensionDelta) {
	var m Metrics
	switch ev.Type {
	case domain.EventPageview:
		m.Pageviews = 1
	case domain.EventGoal:
		m.Goals = 1
	case domain.EventPayment:
		if ev.Payment != nil {
			// Refunds accumulate in their own column and leave the
			// revenue counter untouched; every column stays non-negative.
			switch ev.Payment.EventType {
			case domain.PaymentRefund:
				m.RevenueRefund = ev.Payment.Amount
			case domain.PaymentRenewal:
				m.Revenue = ev.Payment.Amount
				m.RevenueRenewal = ev.Payment.Amount
			default:
				m.Revenue = ev.Payment.Amount
				m.RevenueNew = ev.Payment.Amount
			}
		}
	}
	if ev.VisitorNew {
		m.Visitors = 1
	}
	if m.IsZero() {
		return nil, nil
	}

	metrics := []MetricsDelta{{BucketTimestamp: ev.Timestamp, Metrics: m}}

	var dims []DimensionDelta
	for _, dv := range EventDimensions(ev) {
		dims = append(dims, DimensionDelta{
			BucketTimestamp: ev.Timestamp,
			Dimension:       dv.Dimension,
			Value:           dv.Value,
			Metrics:         m,
		})
	}
	return metrics, dims
}

// DimValue is one (dimension, value) pair an event maps onto.
type DimValue struct {
	Dimension string
	Value     string
}

// EventDimensions resolves the dimension values an event contributes to,
// applying the per-dimension fallbacks. The goal dimension only exists for
// goal events.
func EventDimensions(ev EventInput) []DimValue {
	str := func(k string) string {
		if v, ok := ev.Normalized[k].(string); ok {
			return v
		}
		return ""
	}
	out := []DimValue{
		{DimPage, DimensionValue(DimPage, str("path"))},
		{DimReferrerDomain, DimensionValue(DimReferrerDomain, ReferrerDomain(str("referrer")))},
		{DimUTMSource, DimensionValue(DimUTMSource, str("utm_source"))},
		{DimUTMCampaign, DimensionValue(DimUTMCampaign, str("utm_campaign"))},
		{DimCountry, DimensionValue(DimCountry, str("country"))},
		{DimRegion, DimensionValue(DimRegion, str("region"))},
		{DimCity, DimensionValue(DimCity, str("city"))},
		{DimDevice, DimensionValue(DimDevice, str("device"))},
		{DimBrowser, DimensionValue(DimBrowser, str("browser"))},
	}
	if ev.Type == domain.EventGoal {
		out = append(out, DimValue{DimGoal, DimensionValue(DimGoal, ev.Name)})
	}
	return out
}
