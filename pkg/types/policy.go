package types

import (
	"fmt"
	"time"
)

// PolicyKind distinguishes the scheduled background jobs.
type PolicyKind string

const (
	PolicyCompression PolicyKind = "compression"
	PolicyRetention   PolicyKind = "retention"
	PolicyRefresh     PolicyKind = "refresh"
)

// CompressionPolicy compresses chunks older than CompressAfter.
type CompressionPolicy struct {
	Hypertable    string        `json:"hypertable"`
	CompressAfter time.Duration `json:"compress_after"`
	Interval      time.Duration `json:"interval"`
}

// Validate checks the compression policy configuration.
func (p CompressionPolicy) Validate() error {
	if p.Hypertable == "" {
		return fmt.Errorf("compression policy: hypertable must not be empty")
	}
	if p.CompressAfter <= 0 {
		return fmt.Errorf("compression policy: compress_after must be > 0, got %v", p.CompressAfter)
	}
	return nil
}

// RetentionPolicy drops chunks older than DropAfter.
type RetentionPolicy struct {
	Hypertable string        `json:"hypertable"`
	DropAfter  time.Duration `json:"drop_after"`
	Interval   time.Duration `json:"interval"`

	// CascadeToAggregates defers dropping a chunk until every dependent
	// continuous aggregate's watermark has passed the chunk's end.
	CascadeToAggregates bool `json:"cascade_to_aggregates"`
}

// Validate checks the retention policy configuration.
func (p RetentionPolicy) Validate() error {
	if p.Hypertable == "" {
		return fmt.Errorf("retention policy: hypertable must not be empty")
	}
	if p.DropAfter <= 0 {
		return fmt.Errorf("retention policy: drop_after must be > 0, got %v", p.DropAfter)
	}
	return nil
}

// ReducerKind names an associative, order-independent aggregation.
type ReducerKind string

const (
	ReduceSum   ReducerKind = "sum"
	ReduceCount ReducerKind = "count"
	ReduceMin   ReducerKind = "min"
	ReduceMax   ReducerKind = "max"
	ReduceAvg   ReducerKind = "avg"
	ReduceFirst ReducerKind = "first"
	ReduceLast  ReducerKind = "last"
)

// Valid reports whether the reducer kind is one of the supported reducers.
func (k ReducerKind) Valid() bool {
	switch k {
	case ReduceSum, ReduceCount, ReduceMin, ReduceMax, ReduceAvg, ReduceFirst, ReduceLast:
		return true
	}
	return false
}

// AggregateConfig describes a continuous aggregate over a base hypertable.
type AggregateConfig struct {
	// Name is the unique aggregate identifier
	Name string `json:"name"`

	// Hypertable is the base hypertable the aggregate is derived from
	Hypertable string `json:"hypertable"`

	// BucketWidth is the time bucket width of the rollup
	BucketWidth time.Duration `json:"bucket_width"`

	// Reducer is the aggregation applied per (bucket, series key)
	Reducer ReducerKind `json:"reducer"`

	// RefreshInterval is how often the scheduler refreshes the aggregate
	RefreshInterval time.Duration `json:"refresh_interval"`

	// MaterializedOnly disables the live union with base rows past the
	// watermark when reading the aggregate.
	MaterializedOnly bool `json:"materialized_only"`
}

// Validate checks the aggregate configuration.
func (c AggregateConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("continuous aggregate: name must not be empty")
	}
	if c.Hypertable == "" {
		return fmt.Errorf("continuous aggregate %q: hypertable must not be empty", c.Name)
	}
	if c.BucketWidth <= 0 {
		return fmt.Errorf("continuous aggregate %q: bucket width must be > 0, got %v", c.Name, c.BucketWidth)
	}
	if !c.Reducer.Valid() {
		return fmt.Errorf("continuous aggregate %q: unsupported reducer %q", c.Name, c.Reducer)
	}
	return nil
}
