package types

import (
	"fmt"
	"time"
)

// Hypertable describes a logical time-partitioned table.
type Hypertable struct {
	// Name is the unique hypertable identifier
	Name string `json:"name"`

	// TimeColumn is the name of the time dimension column
	TimeColumn string `json:"time_column"`

	// ChunkInterval is the width of each chunk's time range
	ChunkInterval time.Duration `json:"chunk_interval"`

	// CreatedAt records when the hypertable was created
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the hypertable definition.
func (h Hypertable) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("hypertable name must not be empty")
	}
	if h.TimeColumn == "" {
		return fmt.Errorf("hypertable %q: time column must not be empty", h.Name)
	}
	if h.ChunkInterval <= 0 {
		return fmt.Errorf("hypertable %q: chunk interval must be > 0, got %v", h.Name, h.ChunkInterval)
	}
	return nil
}

// ChunkState is the storage state of a chunk.
type ChunkState int

const (
	// ChunkActive accepts writes into mutable row storage.
	ChunkActive ChunkState = iota

	// ChunkCompressed holds an immutable columnar segment.
	ChunkCompressed

	// ChunkDropped marks a chunk removed by retention.
	ChunkDropped
)

// String returns the state name as stored in the catalog.
func (s ChunkState) String() string {
	switch s {
	case ChunkActive:
		return "active"
	case ChunkCompressed:
		return "compressed"
	case ChunkDropped:
		return "dropped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseChunkState converts a catalog state string back into a ChunkState.
func ParseChunkState(s string) (ChunkState, error) {
	switch s {
	case "active":
		return ChunkActive, nil
	case "compressed":
		return ChunkCompressed, nil
	case "dropped":
		return ChunkDropped, nil
	default:
		return 0, fmt.Errorf("unknown chunk state %q", s)
	}
}

// TimeRange is a half-open interval [Start, End) in Unix nanoseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

// Overlaps reports whether two half-open ranges intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.End > other.Start && r.Start < other.End
}

// IsEmpty reports whether the range covers no time at all.
func (r TimeRange) IsEmpty() bool {
	return r.End <= r.Start
}

// String formats the range for logs.
func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", time.Unix(0, r.Start).UTC().Format(time.RFC3339), time.Unix(0, r.End).UTC().Format(time.RFC3339))
}

// ChunkInfo is the catalog's view of a chunk: identity, range, and state.
type ChunkInfo struct {
	ID         string     `json:"id"`
	Hypertable string     `json:"hypertable"`
	Range      TimeRange  `json:"range"`
	State      ChunkState `json:"state"`
	RowCount   int64      `json:"row_count"`
}
