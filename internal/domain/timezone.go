package domain

import (
	"time"
)

const (
	// BucketOffset is the fixed offset applied before deriving bucket calendar
	// fields. It approximates US Eastern time and deliberately ignores daylight
	// saving; stored buckets were computed this way and must stay comparable.
	BucketOffset = -5 * time.Hour

	// PeriodLength is the length of one aggregation period.
	PeriodLength = 7 * 24 * time.Hour

	// DefaultPeriodReference is the start of period 0: Tue 2025-12-23 12:00 ET.
	DefaultPeriodReference int64 = 1766509200
)

// Normalize returns the bucket key for an instant.
func Normalize(t time.Time) BucketKey {
	local := t.UTC().Add(BucketOffset)
	return BucketKey{
		Date: local.Format(time.DateOnly),
		Hour: local.Hour(),
	}
}

// KeyRange returns the half-open UTC range [from, to) covered by a bucket.
func KeyRange(key BucketKey) (from, to time.Time, err error) {
	day, err := time.Parse(time.DateOnly, key.Date)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from = day.Add(time.Duration(key.Hour)*time.Hour - BucketOffset)
	return from, from.Add(time.Hour), nil
}

// PeriodStart returns the start of the period containing t, relative to a
// reference instant given in unix seconds. Instants before the reference
// belong to negative periods.
func PeriodStart(t time.Time, reference int64) time.Time {
	length := int64(PeriodLength / time.Second)
	diff := t.Unix() - reference
	n := diff / length
	if diff%length != 0 && diff < 0 {
		n--
	}
	return time.Unix(reference+n*length, 0).UTC()
}

// YearWindow bounds the local calendar years accepted for aggregation. The
// zero value accepts everything.
type YearWindow struct {
	Min int
	Max int
}

// RecentYears returns a window covering the n most recent calendar years as
// of now, in bucket-local time.
func RecentYears(now time.Time, n int) YearWindow {
	if n <= 0 {
		return YearWindow{}
	}
	year := now.UTC().Add(BucketOffset).Year()
	return YearWindow{Min: year - n + 1, Max: year}
}

// Contains reports whether the event's local year lies inside the window.
func (w YearWindow) Contains(t time.Time) bool {
	if w.Min == 0 && w.Max == 0 {
		return true
	}
	year := t.UTC().Add(BucketOffset).Year()
	return year >= w.Min && year <= w.Max
}
