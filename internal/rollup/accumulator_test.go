package rollup

import "testing"

func TestAccumulatorMarkVisitor(t *testing.T) {
	a := NewAccumulator()
	ts := int64(1735725600000) // 2025-01-01T10:00:00Z

	if !a.MarkVisitor("s", "v1", ts) {
		t.Error("first mark should report new")
	}
	if a.MarkVisitor("s", "v1", ts+3600_000) {
		t.Error("same day should dedupe")
	}
	if !a.MarkVisitor("s", "v1", ts+24*3600_000) {
		t.Error("next day should count again")
	}
	if !a.MarkVisitor("s2", "v1", ts) {
		t.Error("other site is independent")
	}
}

func TestAccumulatorApplyHourlyAndDaily(t *testing.T) {
	a := NewAccumulator()
	ts := int64(1735725600000)
	a.Apply("s", []MetricsDelta{{BucketTimestamp: ts, Metrics: Metrics{Pageviews: 1}}}, nil)
	a.Apply("s", []MetricsDelta{{BucketTimestamp: ts + 3600_000, Metrics: Metrics{Pageviews: 2}}}, nil)

	rows := a.OverallRows()
	if len(rows) != 3 { // two hourly + one daily
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	var daily *OverallRow
	for i := range rows {
		if rows[i].Key.Hour == -1 {
			daily = &rows[i]
		}
	}
	if daily == nil || daily.Metrics.Pageviews != 3 {
		t.Errorf("daily row = %+v, want pageviews 3", daily)
	}
}

func TestAccumulatorDropsZeroRows(t *testing.T) {
	a := NewAccumulator()
	ts := int64(1735725600000)
	a.Apply("s", []MetricsDelta{{BucketTimestamp: ts, Metrics: Metrics{Sessions: 1}}}, nil)
	a.Apply("s", []MetricsDelta{{BucketTimestamp: ts, Metrics: Metrics{Sessions: -1}}}, nil)

	if rows := a.OverallRows(); len(rows) != 0 {
		t.Errorf("cancelled buckets should not materialize, got %+v", rows)
	}
}

func TestAccumulatorDeterministicOrder(t *testing.T) {
	a := NewAccumulator()
	ts := int64(1735725600000)
	a.Apply("b", []MetricsDelta{{BucketTimestamp: ts, Metrics: Metrics{Pageviews: 1}}}, nil)
	a.Apply("a", []MetricsDelta{{BucketTimestamp: ts, Metrics: Metrics{Pageviews: 1}}}, nil)

	rows := a.OverallRows()
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1].Key, rows[i].Key
		if prev.SiteID > cur.SiteID {
			t.Fatalf("rows out of order: %+v before %+v", prev, cur)
		}
	}
}
