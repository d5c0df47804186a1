package chunk

import (
	"sync"

	"github.com/chronotable/chronotable/internal/bloom"
	"github.com/chronotable/chronotable/pkg/types"
)

// Chunk is one physical partition of a hypertable. Storage is a tagged
// variant selected by state: active chunks hold a mutable row slice,
// compressed chunks hold an immutable columnar segment (lazily loaded from
// blob storage). Readers take the RLock and switch on the state once.
type Chunk struct {
	id         string
	hypertable string
	rng        types.TimeRange

	mu    sync.RWMutex
	state types.ChunkState

	// Active storage
	rows []types.Row

	// Compressed storage
	segment    *Segment // nil until loaded
	objectPath string
	filter     *bloom.Filter // series-key filter, nil if unavailable
}

// ID returns the chunk identifier.
func (c *Chunk) ID() string {
	return c.id
}

// Range returns the chunk's half-open time range.
func (c *Chunk) Range() types.TimeRange {
	return c.rng
}

// Info returns a point-in-time snapshot of the chunk's catalog view.
func (c *Chunk) Info() types.ChunkInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.ChunkInfo{
		ID:         c.id,
		Hypertable: c.hypertable,
		Range:      c.rng,
		State:      c.state,
		RowCount:   c.rowCountLocked(),
	}
}

// State returns the chunk's current storage state.
func (c *Chunk) State() types.ChunkState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Chunk) rowCountLocked() int64 {
	switch c.state {
	case types.ChunkActive:
		return int64(len(c.rows))
	case types.ChunkCompressed:
		if c.segment != nil {
			return int64(c.segment.Len())
		}
	}
	return 0
}

// mayContainSeries reports whether the chunk could hold rows for the series.
// Only compressed chunks carry a filter; everything else answers true.
func (c *Chunk) mayContainSeries(key string) bool {
	if c.filter == nil {
		return true
	}
	return c.filter.MayContain(key)
}
