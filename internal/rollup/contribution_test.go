package rollup

import (
	"testing"

	"github.com/ezlytics/ezlytics/internal/domain"
)

func TestContributionPageview(t *testing.T) {
	metrics, dims := Contribution(EventInput{
		Timestamp: 1735725600000, // 2025-01-01T10:00:00Z
		Type:      domain.EventPageview,
		Normalized: map[string]any{
			"path":     "/pricing",
			"referrer": "https://news.ycombinator.com/item",
			"country":  "US",
			"device":   "desktop",
			"browser":  "chrome",
		},
		VisitorNew: true,
	})

	if len(metrics) != 1 {
		t.Fatalf("got %d metric deltas, want 1", len(metrics))
	}
	want := Metrics{Visitors: 1, Pageviews: 1}
	if metrics[0].Metrics != want {
		t.Errorf("metrics = %+v, want %+v", metrics[0].Metrics, want)
	}

	byDim := map[string]string{}
	for _, d := range dims {
		byDim[d.Dimension] = d.Value
		if d.Metrics != want {
			t.Errorf("dimension %s carries %+v, want the event metrics", d.Dimension, d.Metrics)
		}
	}
	for dim, val := range map[string]string{
		DimPage:           "/pricing",
		DimReferrerDomain: "news.ycombinator.com",
		DimUTMSource:      FallbackUTM,
		DimUTMCampaign:    FallbackUTM,
		DimCountry:        "US",
		DimRegion:         FallbackUnknown,
		DimCity:           FallbackUnknown,
		DimDevice:         "desktop",
		DimBrowser:        "chrome",
	} {
		if byDim[dim] != val {
			t.Errorf("dimension %s = %q, want %q", dim, byDim[dim], val)
		}
	}
	if _, ok := byDim[DimGoal]; ok {
		t.Error("pageview must not contribute a goal dimension")
	}
}

func TestContributionGoal(t *testing.T) {
	metrics, dims := Contribution(EventInput{
		Timestamp: 1735725600000,
		Type:      domain.EventGoal,
		Name:      "signup",
	})
	if metrics[0].Metrics.Goals != 1 {
		t.Errorf("goals = %d, want 1", metrics[0].Metrics.Goals)
	}
	found := false
	for _, d := range dims {
		if d.Dimension == DimGoal {
			found = true
			if d.Value != "signup" {
				t.Errorf("goal value = %q", d.Value)
			}
		}
	}
	if !found {
		t.Error("goal event must contribute a goal dimension")
	}
}

func TestContributionPayment(t *testing.T) {
	tests := []struct {
		name      string
		amount    int64
		eventType domain.PaymentEventType
		want      Metrics
	}{
		{"new", 1999, domain.PaymentNew, Metrics{Revenue: 1999, RevenueNew: 1999}},
		{"renewal", 999, domain.PaymentRenewal, Metrics{Revenue: 999, RevenueRenewal: 999}},
		// A refund accumulates in its own column; revenue never goes negative.
		{"refund", 1999, domain.PaymentRefund, Metrics{RevenueRefund: 1999}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, _ := Contribution(EventInput{
				Timestamp: 1735725600000,
				Type:      domain.EventPayment,
				Payment:   &PaymentInput{Amount: tt.amount, EventType: tt.eventType},
			})
			if len(metrics) != 1 {
				t.Fatalf("got %d metric deltas", len(metrics))
			}
			if metrics[0].Metrics != tt.want {
				t.Errorf("metrics = %+v, want %+v", metrics[0].Metrics, tt.want)
			}
		})
	}
}

func TestContributionHeartbeatIsZero(t *testing.T) {
	metrics, dims := Contribution(EventInput{
		Timestamp: 1735725600000,
		Type:      domain.EventHeartbeat,
	})
	if metrics != nil || dims != nil {
		t.Errorf("heartbeat contributed %v / %v, want nothing", metrics, dims)
	}
}

func TestDimensionValueFallbacks(t *testing.T) {
	tests := []struct {
		dim, raw, want string
	}{
		{DimPage, "", "/"},
		{DimPage, "/docs", "/docs"},
		{DimReferrerDomain, "", "direct"},
		{DimUTMSource, "  ", "not set"},
		{DimUTMCampaign, "", "not set"},
		{DimCountry, "", "unknown"},
		{DimGoal, "", "unknown"},
		{DimBrowser, "chrome", "chrome"},
	}
	for _, tt := range tests {
		if got := DimensionValue(tt.dim, tt.raw); got != tt.want {
			t.Errorf("DimensionValue(%s, %q) = %q, want %q", tt.dim, tt.raw, got, tt.want)
		}
	}
}

func TestBucketOf(t *testing.T) {
	b := BucketOf(1735725600000) // 2025-01-01T10:00:00Z
	if b.Date != "2025-01-01" || b.Hour != 10 {
		t.Errorf("bucket = %+v", b)
	}
	// One ms before midnight belongs to the previous day.
	b = BucketOf(1735689600000 - 1)
	if b.Date != "2024-12-31" || b.Hour != 23 {
		t.Errorf("bucket = %+v", b)
	}
}
