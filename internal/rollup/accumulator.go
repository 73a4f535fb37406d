package rollup

import "sort"

// OverallKey addresses one overall bucket. Hour is -1 for daily rows.
type OverallKey struct {
	SiteID string
	Date   string
	Hour   int
}

// DimensionKey addresses one dimensional bucket. Hour is -1 for daily rows.
type DimensionKey struct {
	SiteID    string
	Date      string
	Hour      int
	Dimension string
	Value     string
}

// VisitorRow is one (site, date, visitor) membership.
type VisitorRow struct {
	SiteID    string
	Date      string
	VisitorID string
}

// Accumulator is the in-memory counterpart of Engine.Apply. The rebuilder
// replays raw events through the same delta computation and collects the
// results here, so the rows it emits are field-for-field what the live path
// would have accumulated.
type Accumulator struct {
	Overall    map[OverallKey]*Metrics
	Dimensions map[DimensionKey]*Metrics
	visitors   map[VisitorRow]struct{}
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		Overall:    make(map[OverallKey]*Metrics),
		Dimensions: make(map[DimensionKey]*Metrics),
		visitors:   make(map[VisitorRow]struct{}),
	}
}

// MarkVisitor mirrors Engine.MarkVisitor against the in-memory set.
func (a *Accumulator) MarkVisitor(siteID, visitorID string, tsMs int64) bool {
	k := VisitorRow{SiteID: siteID, Date: DateOf(tsMs), VisitorID: visitorID}
	if _, ok := a.visitors[k]; ok {
		return false
	}
	a.visitors[k] = struct{}{}
	return true
}

// VisitorRows returns the accumulated memberships in deterministic order.
func (a *Accumulator) VisitorRows() []VisitorRow {
	out := make([]VisitorRow, 0, len(a.visitors))
	for k := range a.visitors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.VisitorID < b.VisitorID
	})
	return out
}

// Apply accumulates deltas exactly like Engine.Apply does in SQL.
func (a *Accumulator) Apply(siteID string, metrics []MetricsDelta, dims []DimensionDelta) {
	for _, d := range metrics {
		if d.Metrics.IsZero() {
			continue
		}
		b := BucketOf(d.BucketTimestamp)
		a.add(OverallKey{siteID, b.Date, b.Hour}, d.Metrics)
		a.add(OverallKey{siteID, b.Date, -1}, d.Metrics)
	}
	for _, d := range dims {
		if d.Metrics.IsZero() {
			continue
		}
		b := BucketOf(d.BucketTimestamp)
		a.addDim(DimensionKey{siteID, b.Date, b.Hour, d.Dimension, d.Value}, d.Metrics)
		a.addDim(DimensionKey{siteID, b.Date, -1, d.Dimension, d.Value}, d.Metrics)
	}
}

func (a *Accumulator) add(k OverallKey, m Metrics) {
	cur, ok := a.Overall[k]
	if !ok {
		cur = &Metrics{}
		a.Overall[k] = cur
	}
	cur.Add(m)
}

func (a *Accumulator) addDim(k DimensionKey, m Metrics) {
	cur, ok := a.Dimensions[k]
	if !ok {
		cur = &Metrics{}
		a.Dimensions[k] = cur
	}
	cur.Add(m)
}

// OverallRow is one materialized overall bucket.
type OverallRow struct {
	Key     OverallKey
	Metrics Metrics
}

// DimensionRow is one materialized dimensional bucket.
type DimensionRow struct {
	Key     DimensionKey
	Metrics Metrics
}

// OverallRows returns the non-zero overall buckets in deterministic order.
func (a *Accumulator) OverallRows() []OverallRow {
	out := make([]OverallRow, 0, len(a.Overall))
	for k, m := range a.Overall {
		if m.IsZero() {
			continue
		}
		out = append(out, OverallRow{Key: k, Metrics: *m})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Hour < b.Hour
	})
	return out
}

// DimensionRows returns the non-zero dimensional buckets in deterministic order.
func (a *Accumulator) DimensionRows() []DimensionRow {
	out := make([]DimensionRow, 0, len(a.Dimensions))
	for k, m := range a.Dimensions {
		if m.IsZero() {
			continue
		}
		out = append(out, DimensionRow{Key: k, Metrics: *m})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		if a.Dimension != b.Dimension {
			return a.Dimension < b.Dimension
		}
		return a.Value < b.Value
	})
	return out
}
