// Package observability tracks per-hypertable usage for monitoring.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/chronotable/chronotable/internal/clock"
)

// TableStats holds usage counters for one hypertable.
type TableStats struct {
	Hypertable string
	Writes     int64
	Queries    int64
	RowsRead   int64
	LastSeen   time.Time
}

// UsageStats tracks write and query activity per hypertable over a sliding
// window. All methods are O(1) except Snapshot and Prune, and thread-safe.
type UsageStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
	clk    clock.Clock
}

// NewUsageStats creates a usage tracker. Entries idle longer than window
// are removed by Prune.
func NewUsageStats(window time.Duration, clk clock.Clock) *UsageStats {
	return &UsageStats{
		tables: make(map[string]*TableStats),
		window: window,
		clk:    clk,
	}
}

// RecordWrite counts one accepted write.
func (u *UsageStats) RecordWrite(hypertable string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := u.get(hypertable)
	s.Writes++
	s.LastSeen = u.clk.Now()
}

// RecordQuery counts one query and the rows it returned.
func (u *UsageStats) RecordQuery(hypertable string, rowsRead int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := u.get(hypertable)
	s.Queries++
	s.RowsRead += int64(rowsRead)
	s.LastSeen = u.clk.Now()
}

func (u *UsageStats) get(hypertable string) *TableStats {
	s, ok := u.tables[hypertable]
	if !ok {
		s = &TableStats{Hypertable: hypertable}
		u.tables[hypertable] = s
	}
	return s
}

// Snapshot returns a copy of all table stats, busiest first (by writes,
// then queries).
func (u *UsageStats) Snapshot() []TableStats {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]TableStats, 0, len(u.tables))
	for _, s := range u.tables {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Writes != out[j].Writes {
			return out[i].Writes > out[j].Writes
		}
		if out[i].Queries != out[j].Queries {
			return out[i].Queries > out[j].Queries
		}
		return out[i].Hypertable < out[j].Hypertable
	})
	return out
}

// Forget drops the stats for a hypertable, for use when it is dropped.
func (u *UsageStats) Forget(hypertable string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.tables, hypertable)
}

// Prune removes entries idle longer than the window.
func (u *UsageStats) Prune() {
	u.mu.Lock()
	defer u.mu.Unlock()

	threshold := u.clk.Now().Add(-u.window)
	for name, s := range u.tables {
		if s.LastSeen.Before(threshold) {
			delete(u.tables, name)
		}
	}
}
