package rebuild

import (
	"testing"
	"time"

	"github.com/ezlytics/ezlytics/internal/domain"
	"github.com/ezlytics/ezlytics/internal/rollup"
	"github.com/ezlytics/ezlytics/internal/session"
)

func ms(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func pageview(site, visitor, sess, ts string, normalized map[string]any) *domain.RawEvent {
	return &domain.RawEvent{
		SiteID: site, Type: domain.EventPageview,
		VisitorID: visitor, SessionID: sess,
		Timestamp: ms(ts), Normalized: normalized,
	}
}

func replayAll(events []*domain.RawEvent) *rollup.Accumulator {
	acc := rollup.NewAccumulator()
	states := make(map[sessionKey]session.State)
	for _, ev := range events {
		replay(acc, states, ev)
	}
	return acc
}

func daily(acc *rollup.Accumulator, site, date string) rollup.Metrics {
	for _, row := range acc.OverallRows() {
		if row.Key.SiteID == site && row.Key.Date == date && row.Key.Hour == -1 {
			return row.Metrics
		}
	}
	return rollup.Metrics{}
}

func TestReplaySinglePageview(t *testing.T) {
	ctx := map[string]any{"path": "/", "country": "US", "device": "desktop", "browser": "chrome"}
	acc := replayAll([]*domain.RawEvent{
		pageview("s", "v", "z", "2025-01-01T10:00:00Z", ctx),
	})

	want := rollup.Metrics{Visitors: 1, Sessions: 1, BouncedSessions: 1, Pageviews: 1}
	if got := daily(acc, "s", "2025-01-01"); got != want {
		t.Errorf("daily = %+v, want %+v", got, want)
	}
}

func TestReplaySessionProgression(t *testing.T) {
	ctx := map[string]any{"path": "/", "country": "US", "device": "desktop", "browser": "chrome"}
	acc := replayAll([]*domain.RawEvent{
		pageview("s", "v", "z", "2025-01-01T10:00:00Z", ctx),
		pageview("s", "v", "z", "2025-01-01T10:10:00Z", ctx),
	})

	want := rollup.Metrics{Visitors: 1, Sessions: 1, Pageviews: 2, DurationMs: 600000}
	if got := daily(acc, "s", "2025-01-01"); got != want {
		t.Errorf("daily = %+v, want %+v", got, want)
	}
}

func TestReplayBucketMigration(t *testing.T) {
	ctx := map[string]any{"path": "/", "country": "US", "device": "desktop", "browser": "chrome"}
	acc := replayAll([]*domain.RawEvent{
		pageview("s", "v", "z", "2025-01-01T10:00:00Z", ctx),
		pageview("s", "v", "z", "2025-01-01T10:10:00Z", ctx),
		pageview("s", "v", "z", "2024-12-31T23:30:00Z", ctx),
	})

	jan := daily(acc, "s", "2025-01-01")
	dec := daily(acc, "s", "2024-12-31")

	// The session migrated to Dec 31; Jan 1 keeps its pageviews and the
	// visitor membership established there.
	if jan.Sessions != 0 || jan.Pageviews != 2 || jan.DurationMs != 0 {
		t.Errorf("jan = %+v", jan)
	}
	if dec.Sessions != 1 || dec.Pageviews != 1 {
		t.Errorf("dec = %+v", dec)
	}
	wantDur := ms("2025-01-01T10:10:00Z") - ms("2024-12-31T23:30:00Z")
	if dec.DurationMs != wantDur {
		t.Errorf("dec duration = %d, want %d", dec.DurationMs, wantDur)
	}
	// One visitor per (date, visitor).
	if jan.Visitors != 1 || dec.Visitors != 1 {
		t.Errorf("visitors jan=%d dec=%d, want 1/1", jan.Visitors, dec.Visitors)
	}
}

func TestReplaySeededSessionNotRecounted(t *testing.T) {
	// A session straddling the window start began before it; a windowed
	// replay must advance that session, not start a fresh one, or the
	// window double-counts it while its +1 stays in the earlier bucket.
	ctx := map[string]any{"path": "/", "country": "US", "device": "desktop", "browser": "chrome"}
	states := make(map[sessionKey]session.State)
	seedSession(states, pageview("s", "v", "z", "2024-12-31T23:50:00Z", ctx))

	acc := rollup.NewAccumulator()
	replay(acc, states, pageview("s", "v", "z", "2025-01-01T00:10:00Z", ctx))

	jan := daily(acc, "s", "2025-01-01")
	if jan.Sessions != 0 {
		t.Errorf("jan sessions = %d, want 0 (session belongs to dec 31)", jan.Sessions)
	}
	if jan.Pageviews != 1 || jan.Visitors != 1 {
		t.Errorf("jan = %+v, want the pageview and visitor counted", jan)
	}
	// The second pageview un-bounces the session and extends its duration;
	// both deltas land in the session's own (pre-window) bucket and are
	// dropped by the range filter, matching the live rows left in place.
	dec := daily(acc, "s", "2024-12-31")
	wantDur := ms("2025-01-01T00:10:00Z") - ms("2024-12-31T23:50:00Z")
	if dec.BouncedSessions != -1 || dec.DurationMs != wantDur {
		t.Errorf("dec = %+v", dec)
	}
}

func TestSeedSessionIgnoresBotsAndNonPageviews(t *testing.T) {
	states := make(map[sessionKey]session.State)
	seedSession(states, pageview("s", "v", "z", "2024-12-31T23:50:00Z",
		map[string]any{"path": "/", "bot": true}))
	seedSession(states, &domain.RawEvent{
		SiteID: "s", Type: domain.EventGoal, Name: "signup",
		VisitorID: "v", SessionID: "z", Timestamp: ms("2024-12-31T23:55:00Z"),
	})
	if len(states) != 0 {
		t.Errorf("seeded %d sessions, want 0", len(states))
	}
}

func TestReplaySkipsBots(t *testing.T) {
	acc := replayAll([]*domain.RawEvent{
		pageview("s", "v", "z", "2025-01-01T10:00:00Z",
			map[string]any{"path": "/", "bot": true}),
	})
	if rows := acc.OverallRows(); len(rows) != 0 {
		t.Errorf("bot event contributed %+v", rows)
	}
}

func TestReplayPaymentAndGoal(t *testing.T) {
	acc := replayAll([]*domain.RawEvent{
		{
			SiteID: "s", Type: domain.EventPayment, VisitorID: "v",
			Timestamp: ms("2025-01-01T10:00:00Z"),
			Metadata:  map[string]any{"amount": float64(1999), "event_type": "new"},
		},
		{
			SiteID: "s", Type: domain.EventGoal, Name: "payment", VisitorID: "v",
			Timestamp: ms("2025-01-01T10:00:00Z"),
		},
	})

	got := daily(acc, "s", "2025-01-01")
	want := rollup.Metrics{Goals: 1, Revenue: 1999, RevenueNew: 1999}
	if got != want {
		t.Errorf("daily = %+v, want %+v", got, want)
	}
}

func TestReplayEquivalenceAcrossOrderings(t *testing.T) {
	// The golden property needs a fixed stream order; this checks that one
	// stream replayed twice yields identical rows.
	ctx := map[string]any{"path": "/a", "country": "FR", "device": "mobile", "browser": "safari"}
	stream := []*domain.RawEvent{
		pageview("s", "v1", "z1", "2025-01-01T10:00:00Z", ctx),
		pageview("s", "v2", "z2", "2025-01-01T11:00:00Z", ctx),
		pageview("s", "v1", "z1", "2025-01-01T09:45:00Z", ctx),
		{SiteID: "s", Type: domain.EventGoal, Name: "signup", VisitorID: "v1",
			Timestamp: ms("2025-01-01T10:05:00Z"), Normalized: ctx},
	}

	a := replayAll(stream)
	b := replayAll(stream)

	ra, rb := a.OverallRows(), b.OverallRows()
	if len(ra) != len(rb) {
		t.Fatalf("row counts differ: %d vs %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i] != rb[i] {
			t.Errorf("row %d differs: %+v vs %+v", i, ra[i], rb[i])
		}
	}
	da, db := a.DimensionRows(), b.DimensionRows()
	if len(da) != len(db) {
		t.Fatalf("dimension row counts differ")
	}
	for i := range da {
		if da[i] != db[i] {
			t.Errorf("dimension row %d differs", i)
		}
	}
}

func TestDiff(t *testing.T) {
	k := rollup.OverallKey{SiteID: "s", Date: "2025-01-01", Hour: -1}
	existing := map[rollup.OverallKey]rollup.Metrics{
		k: {Pageviews: 5},
		{SiteID: "s", Date: "2025-01-02", Hour: -1}: {Pageviews: 2},
	}
	computed := []rollup.OverallRow{
		{Key: k, Metrics: rollup.Metrics{Pageviews: 4}},
	}

	entries := diff(existing, computed)
	if len(entries) != 2 {
		t.Fatalf("got %d diff entries, want 2", len(entries))
	}
}

func TestRunRejectsBadRange(t *testing.T) {
	r := &Rebuilder{}
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := r.Run(t.Context(), Options{From: day, To: day}); err != ErrBadRange {
		t.Errorf("err = %v, want ErrBadRange", err)
	}
}
