package session

import (
	"testing"
	"time"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/rollup"
)

func ms(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

var usDesktop = domain.SessionContext{Country: "US", Device: "desktop", Browser: "chrome"}

func sumMetrics(deltas []rollup.MetricsDelta) rollup.Metrics {
	var m rollup.Metrics
	for _, d := range deltas {
		m.Add(d.Metrics)
	}
	return m
}

func TestNewState(t *testing.T) {
	in := Input{
		SiteID: "s", SessionID: "z", VisitorID: "v",
		Timestamp: ms("2025-01-01T10:00:00Z"),
		Context:   usDesktop,
	}
	st, d := NewState(in)

	if st.FirstTimestamp != in.Timestamp || st.LastTimestamp != in.Timestamp {
		t.Errorf("timestamps = %d/%d, want both %d", st.FirstTimestamp, st.LastTimestamp, in.Timestamp)
	}
	if st.Pageviews != 1 {
		t.Errorf("pageviews = %d, want 1", st.Pageviews)
	}
	if len(d.Metrics) != 1 {
		t.Fatalf("got %d metric deltas, want 1", len(d.Metrics))
	}
	want := rollup.Metrics{Sessions: 1, BouncedSessions: 1}
	if d.Metrics[0].Metrics != want {
		t.Errorf("metrics = %+v, want %+v", d.Metrics[0].Metrics, want)
	}
	if len(d.Dimensions) != 5 {
		t.Fatalf("got %d dimension deltas, want 5", len(d.Dimensions))
	}
	for _, dd := range d.Dimensions {
		if dd.Metrics.Sessions != 1 {
			t.Errorf("dimension %s sessions = %d, want 1", dd.Dimension, dd.Metrics.Sessions)
		}
	}
}

func TestAdvanceSameBucket(t *testing.T) {
	first := Input{SiteID: "s", SessionID: "z", VisitorID: "v",
		Timestamp: ms("2025-01-01T10:00:00Z"), Context: usDesktop}
	st, _ := NewState(first)

	second := first
	second.Timestamp = ms("2025-01-01T10:10:00Z")
	next, d := Advance(st, second)

	if next.FirstTimestamp != first.Timestamp {
		t.Errorf("first ts moved to %d", next.FirstTimestamp)
	}
	if next.LastTimestamp != second.Timestamp {
		t.Errorf("last ts = %d, want %d", next.LastTimestamp, second.Timestamp)
	}
	if next.Pageviews != 2 {
		t.Errorf("pageviews = %d, want 2", next.Pageviews)
	}

	got := sumMetrics(d.Metrics)
	want := rollup.Metrics{BouncedSessions: -1, DurationMs: 600000}
	if got != want {
		t.Errorf("deltas = %+v, want %+v", got, want)
	}
	if len(d.Dimensions) != 0 {
		t.Errorf("unexpected dimension deltas: %+v", d.Dimensions)
	}
}

func TestAdvanceBucketMigration(t *testing.T) {
	// S3: two pageviews at 10:00 and 10:10, then an out-of-order pageview
	// at 23:30 the previous day migrates the session backwards.
	first := Input{SiteID: "s", SessionID: "z", VisitorID: "v",
		Timestamp: ms("2025-01-01T10:00:00Z"), Context: usDesktop}
	st, _ := NewState(first)
	second := first
	second.Timestamp = ms("2025-01-01T10:10:00Z")
	st, _ = Advance(st, second)

	early := first
	early.Timestamp = ms("2024-12-31T23:30:00Z")
	early.Context = domain.SessionContext{Country: "FR", Device: "mobile", Browser: "safari"}
	next, d := Advance(st, early)

	if next.FirstTimestamp != early.Timestamp {
		t.Errorf("first ts = %d, want %d", next.FirstTimestamp, early.Timestamp)
	}
	if next.Context != early.Context {
		t.Errorf("context = %+v, want earliest pageview's", next.Context)
	}

	if len(d.Metrics) != 2 {
		t.Fatalf("got %d metric deltas, want 2", len(d.Metrics))
	}
	out, in := d.Metrics[0], d.Metrics[1]
	if rollup.DateOf(out.BucketTimestamp) != "2025-01-01" {
		t.Errorf("compensating delta at %s", rollup.DateOf(out.BucketTimestamp))
	}
	if rollup.DateOf(in.BucketTimestamp) != "2024-12-31" {
		t.Errorf("credit delta at %s", rollup.DateOf(in.BucketTimestamp))
	}
	wantOut := rollup.Metrics{Sessions: -1, DurationMs: -600000}
	if out.Metrics != wantOut {
		t.Errorf("old bucket delta = %+v, want %+v", out.Metrics, wantOut)
	}
	wantIn := rollup.Metrics{Sessions: 1, DurationMs: ms("2025-01-01T10:10:00Z") - early.Timestamp}
	if in.Metrics != wantIn {
		t.Errorf("new bucket delta = %+v, want %+v", in.Metrics, wantIn)
	}

	// Dimension deltas: -1 old context at old bucket, +1 new context at new.
	if len(d.Dimensions) != 10 {
		t.Fatalf("got %d dimension deltas, want 10", len(d.Dimensions))
	}
	for _, dd := range d.Dimensions[:5] {
		if dd.Metrics.Sessions != -1 || rollup.DateOf(dd.BucketTimestamp) != "2025-01-01" {
			t.Errorf("old-context delta wrong: %+v", dd)
		}
	}
	for _, dd := range d.Dimensions[5:] {
		if dd.Metrics.Sessions != 1 || rollup.DateOf(dd.BucketTimestamp) != "2024-12-31" {
			t.Errorf("new-context delta wrong: %+v", dd)
		}
	}
}

func TestAdvanceMigrationFromBounce(t *testing.T) {
	// A single-pageview session migrated by an earlier event backs out its
	// bounce along with the session.
	first := Input{SiteID: "s", SessionID: "z", VisitorID: "v",
		Timestamp: ms("2025-01-01T10:00:00Z"), Context: usDesktop}
	st, _ := NewState(first)

	early := first
	early.Timestamp = ms("2025-01-01T09:30:00Z")
	_, d := Advance(st, early)

	if len(d.Metrics) != 2 {
		t.Fatalf("got %d metric deltas, want 2", len(d.Metrics))
	}
	wantOut := rollup.Metrics{Sessions: -1, BouncedSessions: -1}
	if d.Metrics[0].Metrics != wantOut {
		t.Errorf("old bucket delta = %+v, want %+v", d.Metrics[0].Metrics, wantOut)
	}
	// The session has two pageviews now: no bounce at the new bucket.
	wantIn := rollup.Metrics{Sessions: 1, DurationMs: 30 * 60 * 1000}
	if d.Metrics[1].Metrics != wantIn {
		t.Errorf("new bucket delta = %+v, want %+v", d.Metrics[1].Metrics, wantIn)
	}
}

func TestAdvanceSameBucketContextChange(t *testing.T) {
	// An earlier pageview within the same (date, hour) bucket re-attributes
	// the session's context without moving the session between buckets.
	first := Input{SiteID: "s", SessionID: "z", VisitorID: "v",
		Timestamp: ms("2025-01-01T10:30:00Z"), Context: usDesktop}
	st, _ := NewState(first)

	early := first
	early.Timestamp = ms("2025-01-01T10:05:00Z")
	early.Context = domain.SessionContext{Country: "DE", Device: "desktop", Browser: "firefox"}
	next, d := Advance(st, early)

	if next.Context != early.Context {
		t.Errorf("context not re-attributed: %+v", next.Context)
	}
	if len(d.Dimensions) != 10 {
		t.Fatalf("got %d dimension deltas, want 10", len(d.Dimensions))
	}
	var sum int64
	for _, dd := range d.Dimensions {
		sum += dd.Metrics.Sessions
	}
	if sum != 0 {
		t.Errorf("context swap must net to zero sessions, got %d", sum)
	}
}

func TestAdvanceInvariants(t *testing.T) {
	// first <= last and pageviews increments hold under any event order.
	base := ms("2025-01-01T12:00:00Z")
	offsets := []int64{0, -3600_000, 7200_000, -90_000_000, 500}

	in := Input{SiteID: "s", SessionID: "z", VisitorID: "v", Timestamp: base, Context: usDesktop}
	st, _ := NewState(in)
	for i, off := range offsets[1:] {
		in.Timestamp = base + off
		st, _ = Advance(st, in)
		if st.FirstTimestamp > st.LastTimestamp {
			t.Fatalf("step %d: first %d > last %d", i, st.FirstTimestamp, st.LastTimestamp)
		}
		if st.Pageviews != int64(i+2) {
			t.Fatalf("step %d: pageviews = %d", i, st.Pageviews)
		}
	}
}
