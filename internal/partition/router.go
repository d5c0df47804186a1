// Package partition provides the partition router: chunk range alignment for
// writes and chunk exclusion for reads.
package partition

import (
	"sort"

	"github.com/chronotable/chronotable/pkg/types"
)

// Router maps timestamps to chunk ranges and query ranges to chunk sets.
// It is stateless; the chunk index it operates on is owned by the chunk store.
type Router struct{}

// RouteWrite returns the chunk range owning ts for the given hypertable:
// start aligned down to the chunk interval, end one interval later.
func (Router) RouteWrite(ht types.Hypertable, ts int64) types.TimeRange {
	return types.BucketRange(ts, ht.ChunkInterval)
}

// RouteRead performs chunk exclusion: it returns exactly the chunks whose
// range intersects r (end > r.Start and start < r.End), in ascending start
// order. chunks must already be sorted by start time, which is how the chunk
// store maintains its index. The ascending order is relied on by the
// continuous aggregate engine for incremental scanning.
func (Router) RouteRead(chunks []types.ChunkInfo, r types.TimeRange) []types.ChunkInfo {
	if r.IsEmpty() || len(chunks) == 0 {
		return nil
	}

	// First chunk that could overlap: the earliest with end > r.Start.
	// Ranges never overlap each other, so end is increasing along with start.
	lo := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].Range.End > r.Start
	})

	var out []types.ChunkInfo
	for _, c := range chunks[lo:] {
		if c.Range.Start >= r.End {
			break
		}
		if c.Range.Overlaps(r) {
			out = append(out, c)
		}
	}
	return out
}
