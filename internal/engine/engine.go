// Package engine wires the storage engine together: the SQLite catalog, the
// chunk store with its blob backend, the write-ahead log, compression and
// retention sweeps, continuous aggregates, and the policy scheduler. It is
// the surface the API layer and the command line talk to.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chronotable/chronotable/internal/cagg"
	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/chunk"
	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/internal/compress"
	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/internal/events"
	"github.com/chronotable/chronotable/internal/observability"
	"github.com/chronotable/chronotable/internal/retention"
	"github.com/chronotable/chronotable/internal/scheduler"
	"github.com/chronotable/chronotable/internal/storage"
	"github.com/chronotable/chronotable/internal/wal"
	"github.com/chronotable/chronotable/pkg/types"
)

// compressionParams is the stored parameter payload of a compression policy.
type compressionParams struct {
	CompressAfter time.Duration `json:"compress_after"`
}

// retentionParams is the stored parameter payload of a retention policy.
type retentionParams struct {
	DropAfter           time.Duration `json:"drop_after"`
	CascadeToAggregates bool          `json:"cascade_to_aggregates"`
}

// Engine is the time-series storage engine.
type Engine struct {
	catalog    catalog.Catalog
	store      *chunk.Store
	wal        *wal.WAL
	compressor *compress.Engine
	retainer   *retention.Manager
	aggs       *cagg.Engine
	sched      *scheduler.Scheduler
	gc         *retention.Collector
	bus        *events.Bus
	usage      *observability.UsageStats
	clk        clock.Clock

	mu      sync.Mutex
	running bool
}

// New assembles an engine. w may be nil to run without write-ahead logging.
func New(cat catalog.Catalog, blobs storage.BlobStore, w *wal.WAL, clk clock.Clock, schedCfg scheduler.Config) *Engine {
	store := chunk.NewStore(cat, blobs)
	aggs := cagg.NewEngine(cat, store, clk)

	e := &Engine{
		catalog:    cat,
		store:      store,
		wal:        w,
		compressor: compress.NewEngine(store, clk),
		retainer:   retention.NewManager(store, cat, aggs, clk),
		aggs:       aggs,
		gc:         retention.NewCollector(cat, blobs),
		bus:        events.NewBus(64),
		usage:      observability.NewUsageStats(24*time.Hour, clk),
		clk:        clk,
	}
	e.sched = scheduler.New(schedCfg, clk, e.recordPolicyRun)
	return e
}

// Start recovers engine state and begins policy scheduling: the chunk index
// is rebuilt from the catalog, retained WAL entries are replayed into active
// chunks, and every stored policy is registered with the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.store.Load(ctx); err != nil {
		return fmt.Errorf("engine: failed to load chunk index: %w", err)
	}

	if e.wal != nil {
		n, err := wal.NewRecovery(e.wal, e.store).Recover(ctx)
		if err != nil {
			return fmt.Errorf("engine: WAL recovery failed: %w", err)
		}
		if n > 0 {
			log.Printf("engine: replayed %d rows from the WAL", n)
		}
	}

	if err := e.registerStoredPolicies(ctx); err != nil {
		return err
	}
	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	log.Printf("engine: started")
	return nil
}

// Stop halts the scheduler and closes the WAL. In-flight policy runs finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if err := e.sched.Stop(); err != nil {
		return err
	}
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return err
		}
	}
	log.Printf("engine: stopped")
	return nil
}

// CreateHypertable registers a hypertable and makes it writable.
func (e *Engine) CreateHypertable(ctx context.Context, ht types.Hypertable) error {
	if err := ht.Validate(); err != nil {
		return err
	}
	if ht.CreatedAt.IsZero() {
		ht.CreatedAt = e.clk.Now()
	}
	if err := e.catalog.CreateHypertable(ctx, ht); err != nil {
		return err
	}
	e.store.Register(ht)
	log.Printf("engine: created hypertable %s (chunk interval %v)", ht.Name, ht.ChunkInterval)
	return nil
}

// GetHypertable fetches a hypertable definition.
func (e *Engine) GetHypertable(ctx context.Context, name string) (types.Hypertable, error) {
	return e.catalog.GetHypertable(ctx, name)
}

// ListHypertables returns all hypertable definitions.
func (e *Engine) ListHypertables(ctx context.Context) ([]types.Hypertable, error) {
	return e.catalog.ListHypertables(ctx)
}

// DropHypertable removes a hypertable with its chunks, policies, and
// continuous aggregates. Segments in blob storage are deleted.
func (e *Engine) DropHypertable(ctx context.Context, name string) error {
	if err := e.catalog.DropHypertable(ctx, name); err != nil {
		return err
	}
	e.sched.UnregisterHypertable(name)
	e.store.Unregister(ctx, name)
	e.usage.Forget(name)
	e.bus.Publish(events.Event{Kind: events.HypertableDropped, Hypertable: name})
	log.Printf("engine: dropped hypertable %s", name)
	return nil
}

// Write appends a sample. The write is logged to the WAL before it reaches
// the chunk store, so an acknowledged write survives a crash. Writes into
// compressed chunk ranges fail with ImmutableChunk; WriteToCompressed is the
// explicit opt-in for those.
func (e *Engine) Write(ctx context.Context, hypertable string, ts int64, seriesKey string, value float64) (types.Row, error) {
	if e.wal != nil {
		_, err := e.wal.Append(wal.Entry{
			Hypertable: hypertable, Time: ts, SeriesKey: seriesKey, Value: value,
		})
		if err != nil {
			return types.Row{}, errors.NewStorageFailure("failed to log write", err)
		}
	}
	row, _, err := e.store.Write(ctx, hypertable, ts, seriesKey, value)
	if err == nil {
		e.usage.RecordWrite(hypertable)
	}
	return row, err
}

// WriteToCompressed decompresses the chunk owning ts if needed and writes
// the sample.
func (e *Engine) WriteToCompressed(ctx context.Context, hypertable string, ts int64, seriesKey string, value float64) (types.Row, error) {
	if e.wal != nil {
		_, err := e.wal.Append(wal.Entry{
			Hypertable: hypertable, Time: ts, SeriesKey: seriesKey, Value: value,
		})
		if err != nil {
			return types.Row{}, errors.NewStorageFailure("failed to log write", err)
		}
	}
	row, _, err := e.store.DecompressAndWrite(ctx, hypertable, ts, seriesKey, value)
	if err == nil {
		e.usage.RecordWrite(hypertable)
	}
	return row, err
}

// Query returns the rows of a hypertable in r, ordered by (time, seq).
// seriesKey narrows the result to one series; empty means all series.
func (e *Engine) Query(ctx context.Context, hypertable string, r types.TimeRange, seriesKey string) ([]types.Row, error) {
	var (
		it  *chunk.Iterator
		err error
	)
	if seriesKey == "" {
		it, err = e.store.ReadRange(ctx, hypertable, r)
	} else {
		it, err = e.store.ReadSeries(ctx, hypertable, r, seriesKey)
	}
	if err != nil {
		return nil, err
	}
	rows, err := it.Collect()
	if err == nil {
		e.usage.RecordQuery(hypertable, len(rows))
	}
	return rows, err
}

// ChunkInfos returns the hypertable's chunk index.
func (e *Engine) ChunkInfos(hypertable string) ([]types.ChunkInfo, error) {
	return e.store.ChunkInfos(hypertable)
}

// CompressChunk compresses one chunk immediately, outside any policy.
func (e *Engine) CompressChunk(ctx context.Context, chunkID string) error {
	if err := e.store.Compress(ctx, chunkID); err != nil {
		return err
	}
	if rec, err := e.catalog.GetChunk(ctx, chunkID); err == nil {
		e.bus.Publish(events.Event{Kind: events.ChunkCompressed, Hypertable: rec.Hypertable, ChunkID: chunkID})
	}
	return nil
}

// DecompressChunk restores one chunk to active row storage.
func (e *Engine) DecompressChunk(ctx context.Context, chunkID string) error {
	if err := e.store.Decompress(ctx, chunkID); err != nil {
		return err
	}
	if rec, err := e.catalog.GetChunk(ctx, chunkID); err == nil {
		e.bus.Publish(events.Event{Kind: events.ChunkDecompressed, Hypertable: rec.Hypertable, ChunkID: chunkID})
	}
	return nil
}

// AddCompressionPolicy stores a compression policy and schedules its sweep.
func (e *Engine) AddCompressionPolicy(ctx context.Context, p types.CompressionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := e.catalog.GetHypertable(ctx, p.Hypertable); err != nil {
		return err
	}
	params, err := json.Marshal(compressionParams{CompressAfter: p.CompressAfter})
	if err != nil {
		return errors.NewInternalError("failed to encode policy params", err)
	}
	rec := catalog.PolicyRecord{
		Hypertable: p.Hypertable,
		Kind:       types.PolicyCompression,
		ParamsJSON: string(params),
		Interval:   p.Interval,
	}
	if err := e.catalog.PutPolicy(ctx, rec); err != nil {
		return err
	}
	e.registerPolicy(rec)
	return nil
}

// RemoveCompressionPolicy deletes a compression policy. Existing compressed
// chunks stay compressed.
func (e *Engine) RemoveCompressionPolicy(ctx context.Context, hypertable string) error {
	if err := e.catalog.DeletePolicy(ctx, hypertable, types.PolicyCompression, ""); err != nil {
		return err
	}
	e.sched.Unregister(hypertable, types.PolicyCompression, "")
	return nil
}

// AddRetentionPolicy stores a retention policy and schedules its sweep.
func (e *Engine) AddRetentionPolicy(ctx context.Context, p types.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := e.catalog.GetHypertable(ctx, p.Hypertable); err != nil {
		return err
	}
	params, err := json.Marshal(retentionParams{
		DropAfter:           p.DropAfter,
		CascadeToAggregates: p.CascadeToAggregates,
	})
	if err != nil {
		return errors.NewInternalError("failed to encode policy params", err)
	}
	rec := catalog.PolicyRecord{
		Hypertable: p.Hypertable,
		Kind:       types.PolicyRetention,
		ParamsJSON: string(params),
		Interval:   p.Interval,
	}
	if err := e.catalog.PutPolicy(ctx, rec); err != nil {
		return err
	}
	e.registerPolicy(rec)
	return nil
}

// RemoveRetentionPolicy deletes a retention policy.
func (e *Engine) RemoveRetentionPolicy(ctx context.Context, hypertable string) error {
	if err := e.catalog.DeletePolicy(ctx, hypertable, types.PolicyRetention, ""); err != nil {
		return err
	}
	e.sched.Unregister(hypertable, types.PolicyRetention, "")
	return nil
}

// ListPolicies returns all stored policies.
func (e *Engine) ListPolicies(ctx context.Context) ([]catalog.PolicyRecord, error) {
	return e.catalog.ListPolicies(ctx)
}

// CreateContinuousAggregate registers a continuous aggregate and schedules
// its refresh.
func (e *Engine) CreateContinuousAggregate(ctx context.Context, cfg types.AggregateConfig) error {
	if err := e.aggs.Create(ctx, cfg); err != nil {
		return err
	}
	rec := catalog.PolicyRecord{
		Hypertable: cfg.Hypertable,
		Kind:       types.PolicyRefresh,
		Name:       cfg.Name,
		ParamsJSON: "{}",
		Interval:   cfg.RefreshInterval,
	}
	if err := e.catalog.PutPolicy(ctx, rec); err != nil {
		return err
	}
	e.registerPolicy(rec)
	log.Printf("engine: created continuous aggregate %s over %s (bucket %v, reducer %s)",
		cfg.Name, cfg.Hypertable, cfg.BucketWidth, cfg.Reducer)
	return nil
}

// DropContinuousAggregate removes a continuous aggregate and its refresh
// schedule.
func (e *Engine) DropContinuousAggregate(ctx context.Context, name string) error {
	rec, err := e.catalog.GetAggregate(ctx, name)
	if err != nil {
		return err
	}
	if err := e.aggs.Drop(ctx, name); err != nil {
		return err
	}
	if err := e.catalog.DeletePolicy(ctx, rec.Config.Hypertable, types.PolicyRefresh, name); err != nil {
		if errors.GetCode(err) != errors.CodeNotFound {
			return err
		}
	}
	e.sched.Unregister(rec.Config.Hypertable, types.PolicyRefresh, name)
	return nil
}

// RefreshContinuousAggregate refreshes an aggregate immediately.
func (e *Engine) RefreshContinuousAggregate(ctx context.Context, name string) error {
	rec, err := e.catalog.GetAggregate(ctx, name)
	if err != nil {
		return err
	}
	if err := e.aggs.Refresh(ctx, name); err != nil {
		return err
	}
	e.bus.Publish(events.Event{
		Kind: events.AggregateRefreshed, Hypertable: rec.Config.Hypertable, Aggregate: name,
	})
	return nil
}

// ReadAggregate returns the aggregate's buckets overlapping r.
func (e *Engine) ReadAggregate(ctx context.Context, name string, r types.TimeRange) ([]cagg.BucketValue, error) {
	return e.aggs.Read(ctx, name, r)
}

// ListAggregates returns all continuous aggregates.
func (e *Engine) ListAggregates(ctx context.Context) ([]*catalog.AggregateRecord, error) {
	return e.catalog.ListAggregates(ctx)
}

// RunPoliciesNow forces a scheduler cycle without waiting for the ticker.
func (e *Engine) RunPoliciesNow(ctx context.Context) {
	e.sched.RunDue(ctx)
}

// Events returns the lifecycle event bus.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Usage returns per-hypertable activity counters, busiest first. Tables idle
// beyond the tracking window are pruned before the snapshot is taken.
func (e *Engine) Usage() []observability.TableStats {
	e.usage.Prune()
	return e.usage.Snapshot()
}

// CollectGarbage deletes segment blobs no chunk references.
func (e *Engine) CollectGarbage(ctx context.Context) (retention.CollectResult, error) {
	return e.gc.Collect(ctx)
}

// CheckpointWAL discards log entries whose chunk is no longer active; their
// rows are durable in the catalog-tracked segments. Run after compression
// sweeps to keep replay time bounded.
func (e *Engine) CheckpointWAL(ctx context.Context) error {
	if e.wal == nil {
		return nil
	}

	hts, err := e.catalog.ListHypertables(ctx)
	if err != nil {
		return err
	}
	type span struct {
		rng    types.TimeRange
		active bool
	}
	index := make(map[string][]span, len(hts))
	for _, ht := range hts {
		infos, err := e.store.ChunkInfos(ht.Name)
		if err != nil {
			return err
		}
		spans := make([]span, len(infos))
		for i, info := range infos {
			spans[i] = span{rng: info.Range, active: info.State == types.ChunkActive}
		}
		index[ht.Name] = spans
	}

	return e.wal.Rewrite(func(entry wal.Entry) bool {
		spans, ok := index[entry.Hypertable]
		if !ok {
			return false
		}
		for _, s := range spans {
			if s.rng.Contains(entry.Time) {
				return s.active
			}
		}
		// No chunk owns the timestamp: the row never reached the store.
		return true
	})
}

// registerStoredPolicies loads the catalog's policies into the scheduler.
func (e *Engine) registerStoredPolicies(ctx context.Context) error {
	recs, err := e.catalog.ListPolicies(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		e.registerPolicy(rec)
	}
	if len(recs) > 0 {
		log.Printf("engine: registered %d stored policies", len(recs))
	}
	return nil
}

// registerPolicy binds one policy record to its scheduler job.
func (e *Engine) registerPolicy(rec catalog.PolicyRecord) {
	var fn scheduler.JobFunc
	switch rec.Kind {
	case types.PolicyCompression:
		var params compressionParams
		if err := json.Unmarshal([]byte(rec.ParamsJSON), &params); err != nil {
			log.Printf("engine: skipping compression policy on %s with bad params: %v", rec.Hypertable, err)
			return
		}
		policy := types.CompressionPolicy{
			Hypertable:    rec.Hypertable,
			CompressAfter: params.CompressAfter,
			Interval:      rec.Interval,
		}
		fn = func(ctx context.Context) error {
			_, err := e.compressor.Sweep(ctx, policy)
			if err != nil {
				return err
			}
			return e.CheckpointWAL(ctx)
		}
	case types.PolicyRetention:
		var params retentionParams
		if err := json.Unmarshal([]byte(rec.ParamsJSON), &params); err != nil {
			log.Printf("engine: skipping retention policy on %s with bad params: %v", rec.Hypertable, err)
			return
		}
		policy := types.RetentionPolicy{
			Hypertable:          rec.Hypertable,
			DropAfter:           params.DropAfter,
			Interval:            rec.Interval,
			CascadeToAggregates: params.CascadeToAggregates,
		}
		fn = func(ctx context.Context) error {
			res, err := e.retainer.Sweep(ctx, policy)
			if err != nil {
				return err
			}
			for _, chunkID := range res.DroppedChunks {
				e.bus.Publish(events.Event{
					Kind: events.ChunkDropped, Hypertable: policy.Hypertable, ChunkID: chunkID,
				})
			}
			if res.Dropped > 0 {
				// Reconcile blob storage in case a drop lost the race
				// between tombstoning and segment deletion.
				if _, err := e.gc.Collect(ctx); err != nil {
					log.Printf("engine: segment gc after retention sweep failed: %v", err)
				}
			}
			return nil
		}
	case types.PolicyRefresh:
		name := rec.Name
		hypertable := rec.Hypertable
		fn = func(ctx context.Context) error {
			if err := e.aggs.Refresh(ctx, name); err != nil {
				return err
			}
			e.bus.Publish(events.Event{
				Kind: events.AggregateRefreshed, Hypertable: hypertable, Aggregate: name,
			})
			return nil
		}
	default:
		log.Printf("engine: ignoring policy of unknown kind %q on %s", rec.Kind, rec.Hypertable)
		return
	}
	e.sched.Register(rec.Hypertable, rec.Kind, rec.Name, rec.Interval, rec.LastRun, fn)
}

// recordPolicyRun persists a completed policy run for the scheduler.
func (e *Engine) recordPolicyRun(ctx context.Context, hypertable string, kind types.PolicyKind, name string, lastRun time.Time) error {
	err := e.catalog.SetPolicyLastRun(ctx, hypertable, kind, name, lastRun)
	if errors.GetCode(err) == errors.CodeNotFound {
		// The policy was removed while its last run was in flight.
		return nil
	}
	return err
}
