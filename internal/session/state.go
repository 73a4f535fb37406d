package session

import (
	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/rollup"
)

// Input is one pageview feeding the session state machine. Sessions only
// exist for pageview events carrying a session id.
type Input struct {
	SiteID    string
	SessionID string
	VisitorID string
	Timestamp int64 // epoch ms
	Context   domain.SessionContext
}

// State mirrors the persisted session row.
type State struct {
	FirstTimestamp int64
	LastTimestamp  int64
	Pageviews      int64
	Context        domain.SessionContext
}

// Deltas is what one pageview contributes to the rollup cubes. Metrics and
// Dimensions can target different buckets when the session migrated.
type Deltas struct {
	Metrics    []rollup.MetricsDelta
	Dimensions []rollup.DimensionDelta
}

// NewState returns the state of a freshly created session together with the
// deltas the insert contributes: one new session (which is, so far, a
// bounce) attributed to the event's bucket.
func NewState(in Input) (State, Deltas) {
	st := State{
		FirstTimestamp: in.Timestamp,
		LastTimestamp:  in.Timestamp,
		Pageviews:      1,
		Context:        in.Context,
	}
	d := Deltas{
		Metrics: []rollup.MetricsDelta{{
			BucketTimestamp: in.Timestamp,
			Metrics:         rollup.Metrics{Sessions: 1, BouncedSessions: 1},
		}},
		Dimensions: contextDeltas(in.Timestamp, in.Context, +1),
	}
	return st, d
}

// Advance applies one additional pageview to an existing session and returns
// the next state plus the signed deltas that reconcile the rollup cubes.
//
// The session's first timestamp only ever moves backwards (min), its last
// timestamp only forwards (max), and the dimensional context always belongs
// to the earliest pageview seen. When the first timestamp crosses into a
// different (date, hour) bucket the old bucket gets compensating -1s and the
// new bucket gets matching +1s; within the same bucket only the bounce flag
// and the duration sum need adjusting.
func Advance(prev State, in Input) (State, Deltas) {
	next := State{
		FirstTimestamp: min64(prev.FirstTimestamp, in.Timestamp),
		LastTimestamp:  max64(prev.LastTimestamp, in.Timestamp),
		Pageviews:      prev.Pageviews + 1,
		Context:        prev.Context,
	}
	if in.Timestamp < prev.FirstTimestamp {
		next.Context = in.Context
	}

	prevDuration := prev.LastTimestamp - prev.FirstTimestamp
	nextDuration := next.LastTimestamp - next.FirstTimestamp

	var d Deltas
	prevBucket := rollup.BucketOf(prev.FirstTimestamp)
	nextBucket := rollup.BucketOf(next.FirstTimestamp)

	if prevBucket != nextBucket {
		// Session migrated: back out the old bucket, credit the new one.
		out := rollup.Metrics{Sessions: -1}
		if prev.Pageviews == 1 {
			out.BouncedSessions = -1
		}
		if prevDuration > 0 {
			out.DurationMs = -prevDuration
		}
		d.Metrics = append(d.Metrics, rollup.MetricsDelta{
			BucketTimestamp: prev.FirstTimestamp,
			Metrics:         out,
		})
		d.Dimensions = append(d.Dimensions, contextDeltas(prev.FirstTimestamp, prev.Context, -1)...)

		in_ := rollup.Metrics{Sessions: 1}
		if next.Pageviews == 1 {
			in_.BouncedSessions = 1
		}
		if nextDuration > 0 {
			in_.DurationMs = nextDuration
		}
		d.Metrics = append(d.Metrics, rollup.MetricsDelta{
			BucketTimestamp: next.FirstTimestamp,
			Metrics:         in_,
		})
		d.Dimensions = append(d.Dimensions, contextDeltas(next.FirstTimestamp, next.Context, +1)...)
		return next, d
	}

	var m rollup.Metrics
	if prev.Pageviews == 1 {
		// No longer a bounce.
		m.BouncedSessions = -1
	}
	m.DurationMs = nextDuration - prevDuration
	if !m.IsZero() {
		d.Metrics = append(d.Metrics, rollup.MetricsDelta{
			BucketTimestamp: next.FirstTimestamp,
			Metrics:         m,
		})
	}
	if next.Context != prev.Context {
		// Earlier event in the same bucket changed the attributed context.
		d.Dimensions = append(d.Dimensions, contextDeltas(next.FirstTimestamp, prev.Context, -1)...)
		d.Dimensions = append(d.Dimensions, contextDeltas(next.FirstTimestamp, next.Context, +1)...)
	}
	return next, d
}

func contextDeltas(ts int64, c domain.SessionContext, sign int64) []rollup.DimensionDelta {
	pairs := []struct{ dim, val string }{
		{rollup.DimCountry, c.Country},
		{rollup.DimRegion, c.Region},
		{rollup.DimCity, c.City},
		{rollup.DimDevice, c.Device},
		{rollup.DimBrowser, c.Browser},
	}
	out := make([]rollup.DimensionDelta, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, rollup.DimensionDelta{
			BucketTimestamp: ts,
			Dimension:       p.dim,
			Value:           rollup.DimensionValue(p.dim, p.val),
			Metrics:         rollup.Metrics{Sessions: sign},
		})
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
