// Package types provides core data types for the chronotable engine.
package types

// Row represents a single time-series sample stored in a hypertable.
type Row struct {
	// Time is the Unix timestamp (nanoseconds) of the sample
	Time int64 `json:"time"`

	// Seq is the insertion sequence number assigned by the chunk store.
	// (Time, Seq) is the total order used when chunks are compressed, which
	// makes a decompress-then-compress round trip deterministic.
	Seq uint64 `json:"seq"`

	// SeriesKey identifies the series this sample belongs to (e.g. "host=web-1")
	SeriesKey string `json:"series_key"`

	// Value is the sample value
	Value float64 `json:"value"`
}

// Less reports whether r sorts before other under the (Time, Seq) sort key.
func (r Row) Less(other Row) bool {
	if r.Time != other.Time {
		return r.Time < other.Time
	}
	return r.Seq < other.Seq
}
