// Package retention implements the data retention sweep: chunks whose range
// ended longer ago than the policy's drop_after are dropped, after making
// sure dependent continuous aggregates have materialized the data first.
package retention

import (
	"context"
	"log"

	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/chunk"
	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/pkg/types"
)

// Refresher triggers a catch-up refresh of a continuous aggregate. The
// continuous-aggregate engine satisfies this.
type Refresher interface {
	Refresh(ctx context.Context, aggregate string) error
}

// Manager runs retention policy sweeps against a chunk store.
type Manager struct {
	store     *chunk.Store
	catalog   catalog.Catalog
	refresher Refresher
	clk       clock.Clock
}

// SweepResult summarizes one policy sweep. DroppedChunks carries the IDs of
// the chunks removed so callers can publish lifecycle events for them.
type SweepResult struct {
	Dropped       int
	Deferred      int
	Failed        int
	DroppedChunks []string
}

// NewManager creates a retention manager. refresher may be nil, in which case
// cascading policies defer drops until the aggregates catch up on their own.
func NewManager(store *chunk.Store, cat catalog.Catalog, refresher Refresher, clk clock.Clock) *Manager {
	return &Manager{store: store, catalog: cat, refresher: refresher, clk: clk}
}

// Sweep drops every chunk of the policy's hypertable whose range ended at
// least DropAfter ago. With CascadeToAggregates set, a chunk is only dropped
// once every dependent aggregate's watermark has passed the chunk's end; the
// manager triggers a catch-up refresh first and defers the drop if the
// watermark is still behind afterwards. Without cascade, lagging aggregates
// are logged and the chunk is dropped anyway.
func (m *Manager) Sweep(ctx context.Context, policy types.RetentionPolicy) (SweepResult, error) {
	var res SweepResult

	if err := policy.Validate(); err != nil {
		return res, err
	}

	infos, err := m.store.ChunkInfos(policy.Hypertable)
	if err != nil {
		return res, err
	}

	now := m.clk.Now().UnixNano()
	cutoff := now - int64(policy.DropAfter)

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if info.State == types.ChunkDropped || info.Range.End > cutoff {
			continue
		}

		ok, err := m.aggregatesCoverChunk(ctx, policy, info)
		if err != nil {
			log.Printf("retention: failed to check aggregates for chunk %s of %s: %v",
				info.ID, policy.Hypertable, err)
			res.Failed++
			continue
		}
		if !ok {
			res.Deferred++
			continue
		}

		if err := m.store.Drop(ctx, info.ID); err != nil {
			log.Printf("retention: failed to drop chunk %s of %s: %v", info.ID, policy.Hypertable, err)
			res.Failed++
			continue
		}
		res.Dropped++
		res.DroppedChunks = append(res.DroppedChunks, info.ID)
	}

	if res.Dropped > 0 || res.Deferred > 0 || res.Failed > 0 {
		log.Printf("retention: hypertable %s: dropped=%d deferred=%d failed=%d",
			policy.Hypertable, res.Dropped, res.Deferred, res.Failed)
	}
	return res, nil
}

// aggregatesCoverChunk reports whether the chunk may be dropped with respect
// to the hypertable's continuous aggregates. Cascading policies require every
// dependent watermark to have passed the chunk's end, refreshing lagging
// aggregates once before deciding.
func (m *Manager) aggregatesCoverChunk(ctx context.Context, policy types.RetentionPolicy, info types.ChunkInfo) (bool, error) {
	aggs, err := m.catalog.ListAggregatesFor(ctx, policy.Hypertable)
	if err != nil {
		return false, err
	}

	for _, agg := range aggs {
		if agg.Watermark >= info.Range.End {
			continue
		}

		if !policy.CascadeToAggregates {
			log.Printf("retention: dropping chunk %s of %s although aggregate %s has only materialized up to %d; data before the watermark is lost",
				info.ID, policy.Hypertable, agg.Config.Name, agg.Watermark)
			continue
		}

		if m.refresher != nil {
			if err := m.refresher.Refresh(ctx, agg.Config.Name); err != nil {
				log.Printf("retention: catch-up refresh of %s failed: %v", agg.Config.Name, err)
				return false, nil
			}
			fresh, err := m.catalog.GetAggregate(ctx, agg.Config.Name)
			if err != nil {
				return false, err
			}
			if fresh.Watermark >= info.Range.End {
				continue
			}
		}

		log.Printf("retention: deferring drop of chunk %s of %s until aggregate %s catches up (watermark %d < chunk end %d)",
			info.ID, policy.Hypertable, agg.Config.Name, agg.Watermark, info.Range.End)
		return false, nil
	}
	return true, nil
}
