package rollup

import "time"

// Bucket identifies one hourly accumulation slot: a UTC calendar day plus an
// hour index. The daily cubes use only the Date half.
type Bucket struct {
	Date string // ISO calendar day, YYYY-MM-DD
	Hour int    // 0..23, UTC
}

// BucketOf returns the bucket containing the given epoch-ms timestamp.
func BucketOf(tsMs int64) Bucket {
	t := time.UnixMilli(tsMs).UTC()
	return Bucket{Date: t.Format("2006-01-02"), Hour: t.Hour()}
}

// DateOf returns the ISO day containing the given epoch-ms timestamp.
func DateOf(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}

// DayStart snaps t down to the start of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
