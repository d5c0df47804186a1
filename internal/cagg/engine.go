// Package cagg implements continuous aggregates: incrementally maintained
// rollups of a hypertable into fixed-width time buckets, with a watermark
// tracking how far the materialization has progressed and a realtime read
// path that unions materialized buckets with live aggregation past the
// watermark.
package cagg

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/chunk"
	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/pkg/types"
)

// Engine maintains continuous aggregates on top of the chunk store and the
// catalog's rollup storage.
type Engine struct {
	catalog catalog.Catalog
	store   *chunk.Store
	clk     clock.Clock
}

// BucketValue is one aggregated bucket for one series, as returned by Read.
type BucketValue struct {
	BucketStart int64
	SeriesKey   string
	Value       float64
	RowCount    int64
}

// NewEngine creates a continuous-aggregate engine.
func NewEngine(cat catalog.Catalog, store *chunk.Store, clk clock.Clock) *Engine {
	return &Engine{catalog: cat, store: store, clk: clk}
}

// Create registers a continuous aggregate over an existing hypertable. The
// aggregate starts empty with watermark zero; the first refresh materializes
// everything up to that refresh's snapshot of now.
func (e *Engine) Create(ctx context.Context, cfg types.AggregateConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := e.catalog.GetHypertable(ctx, cfg.Hypertable); err != nil {
		return err
	}
	return e.catalog.CreateAggregate(ctx, cfg)
}

// Drop removes a continuous aggregate and its materialized rollups.
func (e *Engine) Drop(ctx context.Context, name string) error {
	return e.catalog.DropAggregate(ctx, name)
}

// Refresh advances the aggregate's materialization to a snapshot of now.
// Every bucket from the one containing the current watermark up to now is
// recomputed wholesale from the base hypertable, so a bucket that was
// materialized while partially filled converges once re-read. The rollup
// replacement and the watermark advance commit in one transaction; a refresh
// that observes nothing new is a no-op.
func (e *Engine) Refresh(ctx context.Context, name string) error {
	rec, err := e.catalog.GetAggregate(ctx, name)
	if err != nil {
		return err
	}

	now := e.clk.Now().UnixNano()
	if now <= rec.Watermark {
		return nil
	}

	// Recompute from the start of the watermark's bucket: that bucket may
	// have been materialized from a partial read.
	readStart := types.BucketStart(rec.Watermark, rec.Config.BucketWidth)
	window := types.TimeRange{Start: readStart, End: now}

	states, err := e.aggregateRange(ctx, rec.Config, window)
	if err != nil {
		return errors.NewRefreshFailed(name, err)
	}

	rows := make([]catalog.RollupRecord, 0, len(states))
	for key, st := range states {
		rows = append(rows, catalog.RollupRecord{
			BucketStart: key.bucket,
			SeriesKey:   key.series,
			State:       *st,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BucketStart != rows[j].BucketStart {
			return rows[i].BucketStart < rows[j].BucketStart
		}
		return rows[i].SeriesKey < rows[j].SeriesKey
	})

	if err := e.catalog.CommitRefresh(ctx, name, window, rows, now); err != nil {
		return err
	}
	log.Printf("cagg: refreshed %s: %d bucket rows, watermark %d -> %d",
		name, len(rows), rec.Watermark, now)
	return nil
}

// Read returns the aggregate's buckets overlapping r, ordered by bucket start
// then series key. For realtime aggregates the result unions materialized
// buckets below the watermark's bucket with live aggregation of base rows
// from that bucket onward; materialized-only aggregates never consult the
// base hypertable.
func (e *Engine) Read(ctx context.Context, name string, r types.TimeRange) ([]BucketValue, error) {
	rec, err := e.catalog.GetAggregate(ctx, name)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return nil, nil
	}

	// Buckets are keyed by their start; widen the query's start so a bucket
	// partially overlapping r is included.
	qStart := types.BucketStart(r.Start, rec.Config.BucketWidth)

	boundary := types.BucketStart(rec.Watermark, rec.Config.BucketWidth)
	if rec.Config.MaterializedOnly {
		boundary = r.End
	}

	var out []BucketValue
	if qStart < boundary {
		matEnd := r.End
		if boundary < matEnd {
			matEnd = boundary
		}
		recs, err := e.catalog.ListRollups(ctx, name, types.TimeRange{Start: qStart, End: matEnd})
		if err != nil {
			return nil, err
		}
		for _, rr := range recs {
			out = append(out, BucketValue{
				BucketStart: rr.BucketStart,
				SeriesKey:   rr.SeriesKey,
				Value:       rr.State.Value(rec.Config.Reducer),
				RowCount:    rr.State.Count,
			})
		}
	}

	if !rec.Config.MaterializedOnly && r.End > boundary {
		liveStart := qStart
		if boundary > liveStart {
			liveStart = boundary
		}
		states, err := e.aggregateRange(ctx, rec.Config, types.TimeRange{Start: liveStart, End: r.End})
		if err != nil {
			return nil, err
		}
		live := make([]BucketValue, 0, len(states))
		for key, st := range states {
			live = append(live, BucketValue{
				BucketStart: key.bucket,
				SeriesKey:   key.series,
				Value:       st.Value(rec.Config.Reducer),
				RowCount:    st.Count,
			})
		}
		out = append(out, live...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketStart != out[j].BucketStart {
			return out[i].BucketStart < out[j].BucketStart
		}
		return out[i].SeriesKey < out[j].SeriesKey
	})
	return out, nil
}

// bucketKey identifies one (bucket, series) cell of an aggregation.
type bucketKey struct {
	bucket int64
	series string
}

// aggregateRange folds the base hypertable's rows in r into per-bucket,
// per-series partial states.
func (e *Engine) aggregateRange(ctx context.Context, cfg types.AggregateConfig, r types.TimeRange) (map[bucketKey]*types.BucketState, error) {
	it, err := e.store.ReadRange(ctx, cfg.Hypertable, r)
	if err != nil {
		return nil, err
	}

	states := make(map[bucketKey]*types.BucketState)
	for it.Next() {
		row := it.Row()
		key := bucketKey{
			bucket: types.BucketStart(row.Time, cfg.BucketWidth),
			series: row.SeriesKey,
		}
		st, ok := states[key]
		if !ok {
			st = &types.BucketState{}
			states[key] = st
		}
		st.Observe(row)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", cfg.Hypertable, err)
	}
	return states, nil
}
