package cagg

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/chunk"
	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/internal/storage"
	"github.com/chronotable/chronotable/pkg/types"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func at(hhmm string) int64 {
	ts, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return base.Add(time.Duration(ts.Hour())*time.Hour + time.Duration(ts.Minute())*time.Minute).UnixNano()
}

func newTestEngine(t *testing.T, clk clock.Clock) (*Engine, *chunk.Store, catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	blobs, err := storage.NewLocalStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	store := chunk.NewStore(cat, blobs)
	return NewEngine(cat, store, clk), store, cat
}

func setupAggregate(t *testing.T, eng *Engine, store *chunk.Store, cat catalog.Catalog, cfg types.AggregateConfig) {
	t.Helper()
	ht := types.Hypertable{
		Name: cfg.Hypertable, TimeColumn: "time",
		ChunkInterval: 4 * time.Hour, CreatedAt: time.Now(),
	}
	if err := cat.CreateHypertable(context.Background(), ht); err != nil {
		t.Fatalf("failed to create hypertable: %v", err)
	}
	store.Register(ht)
	if err := eng.Create(context.Background(), cfg); err != nil {
		t.Fatalf("failed to create aggregate: %v", err)
	}
}

func hourlyAvg(name string) types.AggregateConfig {
	return types.AggregateConfig{
		Name: name, Hypertable: "metrics",
		BucketWidth: time.Hour, Reducer: types.ReduceAvg, RefreshInterval: time.Minute,
	}
}

func TestRefreshRecomputesPartialBucket(t *testing.T) {
	clk := clock.NewManual(base.Add(30 * time.Minute))
	eng, store, cat := newTestEngine(t, clk)
	setupAggregate(t, eng, store, cat, hourlyAvg("hourly_avg"))
	ctx := context.Background()

	for _, w := range []struct {
		hhmm string
		v    float64
	}{{"00:05", 10}, {"00:10", 20}} {
		if _, _, err := store.Write(ctx, "metrics", at(w.hhmm), "host=a", w.v); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	got, err := eng.Read(ctx, "hourly_avg", types.TimeRange{Start: at("00:00"), End: at("01:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != 15 {
		t.Fatalf("expected avg 15, got %+v", got)
	}

	// A late row lands in the already-materialized bucket; the next refresh
	// recomputes the whole bucket, so the average stays exact.
	clk.Advance(15 * time.Minute)
	if _, _, err := store.Write(ctx, "metrics", at("00:40"), "host=a", 30); err != nil {
		t.Fatalf("late write failed: %v", err)
	}
	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	got, err = eng.Read(ctx, "hourly_avg", types.TimeRange{Start: at("00:00"), End: at("01:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != 20 {
		t.Fatalf("expected avg 20 after recompute, got %+v", got)
	}
	if got[0].RowCount != 3 {
		t.Errorf("expected 3 rows folded, got %d", got[0].RowCount)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	clk := clock.NewManual(base.Add(30 * time.Minute))
	eng, store, cat := newTestEngine(t, clk)
	setupAggregate(t, eng, store, cat, hourlyAvg("hourly_avg"))
	ctx := context.Background()

	if _, _, err := store.Write(ctx, "metrics", at("00:05"), "host=a", 10); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	// Same snapshot of now: the watermark has not moved, so this is a no-op.
	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("repeated refresh failed: %v", err)
	}

	rec, err := cat.GetAggregate(ctx, "hourly_avg")
	if err != nil {
		t.Fatalf("get aggregate failed: %v", err)
	}
	if rec.Watermark != clk.Now().UnixNano() {
		t.Errorf("watermark should equal the refresh snapshot, got %d", rec.Watermark)
	}

	got, err := eng.Read(ctx, "hourly_avg", types.TimeRange{Start: at("00:00"), End: at("01:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != 10 {
		t.Errorf("expected single bucket with value 10, got %+v", got)
	}
}

func TestRealtimeReadUnionsLiveTail(t *testing.T) {
	clk := clock.NewManual(base.Add(1 * time.Hour))
	eng, store, cat := newTestEngine(t, clk)
	setupAggregate(t, eng, store, cat, hourlyAvg("hourly_avg"))
	ctx := context.Background()

	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 10); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Rows past the watermark are only visible through the live tail.
	clk.Advance(30 * time.Minute)
	if _, _, err := store.Write(ctx, "metrics", at("01:10"), "host=a", 40); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := eng.Read(ctx, "hourly_avg", types.TimeRange{Start: at("00:00"), End: at("02:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 buckets, got %+v", got)
	}
	if got[0].BucketStart != at("00:00") || got[0].Value != 10 {
		t.Errorf("unexpected materialized bucket: %+v", got[0])
	}
	if got[1].BucketStart != at("01:00") || got[1].Value != 40 {
		t.Errorf("unexpected live bucket: %+v", got[1])
	}
}

func TestMaterializedOnlyReadIgnoresLiveRows(t *testing.T) {
	clk := clock.NewManual(base.Add(1 * time.Hour))
	eng, store, cat := newTestEngine(t, clk)
	cfg := hourlyAvg("hourly_avg")
	cfg.MaterializedOnly = true
	setupAggregate(t, eng, store, cat, cfg)
	ctx := context.Background()

	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 10); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	clk.Advance(30 * time.Minute)
	if _, _, err := store.Write(ctx, "metrics", at("01:10"), "host=a", 40); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := eng.Read(ctx, "hourly_avg", types.TimeRange{Start: at("00:00"), End: at("02:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].BucketStart != at("00:00") {
		t.Errorf("expected only the materialized bucket, got %+v", got)
	}
}

func TestRefreshReadsCompressedChunks(t *testing.T) {
	clk := clock.NewManual(base.Add(9 * time.Hour))
	eng, store, cat := newTestEngine(t, clk)
	setupAggregate(t, eng, store, cat, hourlyAvg("hourly_avg"))
	ctx := context.Background()

	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 10); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	infos, err := store.ChunkInfos("metrics")
	if err != nil || len(infos) != 1 {
		t.Fatalf("chunk infos: %v %v", infos, err)
	}
	if err := store.Compress(ctx, infos[0].ID); err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	if err := eng.Refresh(ctx, "hourly_avg"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	got, err := eng.Read(ctx, "hourly_avg", types.TimeRange{Start: at("00:00"), End: at("01:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != 10 {
		t.Errorf("expected compressed rows to be aggregated, got %+v", got)
	}
}

func TestFirstLastRespectInsertionOrderOnTies(t *testing.T) {
	clk := clock.NewManual(base.Add(30 * time.Minute))
	eng, store, cat := newTestEngine(t, clk)
	cfg := types.AggregateConfig{
		Name: "hourly_last", Hypertable: "metrics",
		BucketWidth: time.Hour, Reducer: types.ReduceLast, RefreshInterval: time.Minute,
	}
	setupAggregate(t, eng, store, cat, cfg)
	ctx := context.Background()

	// Two rows at the same timestamp; the sequence number breaks the tie.
	ts := at("00:10")
	if _, _, err := store.Write(ctx, "metrics", ts, "host=a", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, _, err := store.Write(ctx, "metrics", ts, "host=a", 2); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := eng.Refresh(ctx, "hourly_last"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	got, err := eng.Read(ctx, "hourly_last", types.TimeRange{Start: at("00:00"), End: at("01:00")})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Errorf("expected last=2, got %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	eng, store, cat := newTestEngine(t, clock.NewManual(base))
	ctx := context.Background()

	err := eng.Create(ctx, types.AggregateConfig{Name: "x"})
	if errors.GetCode(err) != errors.CodeInvalidConfiguration {
		t.Errorf("expected INVALID_CONFIGURATION, got %v", err)
	}

	err = eng.Create(ctx, types.AggregateConfig{
		Name: "x", Hypertable: "absent",
		BucketWidth: time.Hour, Reducer: types.ReduceSum, RefreshInterval: time.Minute,
	})
	if errors.GetCode(err) != errors.CodeNotFound {
		t.Errorf("expected NOT_FOUND for missing hypertable, got %v", err)
	}

	setupAggregate(t, eng, store, cat, hourlyAvg("hourly_avg"))
	err = eng.Create(ctx, hourlyAvg("hourly_avg"))
	if errors.GetCode(err) != errors.CodeAlreadyExists {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
}
