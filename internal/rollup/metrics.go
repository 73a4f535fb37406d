package rollup

// Metrics is the additive metric vector accumulated per bucket. Sessions,
// bounced sessions, and the duration sum are signed: a late pageview that
// pulls a session's first timestamp into an earlier bucket is compensated by
// a -1 at the old bucket and a +1 at the new one. The dashboard divides
// DurationMs by Sessions at read time to get the mean session duration.
type Metrics struct {
	Visitors        int64 `json:"visitors"`
	Sessions        int64 `json:"sessions"`
	BouncedSessions int64 `json:"bouncedSessions"`
	DurationMs      int64 `json:"durationMs"`
	Pageviews       int64 `json:"pageviews"`
	Goals           int64 `json:"goals"`
	Revenue         int64 `json:"revenue"`
	RevenueNew      int64 `json:"revenueNew"`
	RevenueRenewal  int64 `json:"revenueRenewal"`
	RevenueRefund   int64 `json:"revenueRefund"`
}

// Add accumulates o into m.
func (m *Metrics) Add(o Metrics) {
	m.Visitors += o.Visitors
	m.Sessions += o.Sessions
	m.BouncedSessions += o.BouncedSessions
	m.DurationMs += o.DurationMs
	m.Pageviews += o.Pageviews
	m.Goals += o.Goals
	m.Revenue += o.Revenue
	m.RevenueNew += o.RevenueNew
	m.RevenueRenewal += o.RevenueRenewal
	m.RevenueRefund += o.RevenueRefund
}

// IsZero reports whether every field is zero, i.e. applying m is a no-op.
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// MetricsDelta is a signed change to the overall metric vector, applied to
// the bucket containing BucketTimestamp.
type MetricsDelta struct {
	BucketTimestamp int64 // epoch ms
	Metrics         Metrics
}

// DimensionDelta is a signed change to one (dimension, value) row of the
// dimensional cubes, applied to the bucket containing BucketTimestamp.
// Session attribution deltas carry Metrics{Sessions: ±1}; event deltas carry
// the event's own counters (pageviews, goals, revenue, visitors).
type DimensionDelta struct {
	BucketTimestamp int64
	Dimension       string
	Value           string
	Metrics         Metrics
}
