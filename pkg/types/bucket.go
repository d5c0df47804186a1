package types

import "time"

// BucketStart aligns ts (Unix nanoseconds) down to the start of its containing
// bucket of the given width. The division floors toward negative infinity so
// pre-epoch timestamps align correctly.
func BucketStart(ts int64, width time.Duration) int64 {
	w := int64(width)
	q := ts / w
	if ts%w != 0 && ts < 0 {
		q--
	}
	return q * w
}

// BucketRange returns the half-open bucket range containing ts.
func BucketRange(ts int64, width time.Duration) TimeRange {
	start := BucketStart(ts, width)
	return TimeRange{Start: start, End: start + int64(width)}
}
