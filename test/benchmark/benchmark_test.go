package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronotable/chronotable/internal/cagg"
	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/chunk"
	"github.com/chronotable/chronotable/internal/clock"
	"github.com/chronotable/chronotable/internal/storage"
	"github.com/chronotable/chronotable/pkg/types"
)

var benchBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newBenchStore(b *testing.B, blobs storage.BlobStore) (*chunk.Store, catalog.Catalog) {
	b.Helper()
	cat, err := catalog.NewCatalog(filepath.Join(b.TempDir(), "catalog.db"))
	if err != nil {
		b.Fatalf("failed to create catalog: %v", err)
	}
	b.Cleanup(func() { cat.Close() })

	store := chunk.NewStore(cat, blobs)
	ht := types.Hypertable{
		Name: "metrics", TimeColumn: "time",
		ChunkInterval: time.Hour, CreatedAt: time.Now(),
	}
	if err := cat.CreateHypertable(context.Background(), ht); err != nil {
		b.Fatalf("failed to create hypertable: %v", err)
	}
	store.Register(ht)
	return store, cat
}

func fillChunk(b *testing.B, store *chunk.Store, rows int) {
	b.Helper()
	ctx := context.Background()
	for i := 0; i < rows; i++ {
		ts := benchBase.Add(time.Duration(i) * time.Millisecond).UnixNano()
		series := fmt.Sprintf("host=%d", i%16)
		if _, _, err := store.Write(ctx, "metrics", ts, series, float64(i)); err != nil {
			b.Fatalf("write failed: %v", err)
		}
	}
}

func BenchmarkWrite(b *testing.B) {
	blobs, cleanup := getBenchmarkStorage(b, "write")
	defer cleanup()
	store, _ := newBenchStore(b, blobs)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ts := benchBase.Add(time.Duration(i) * time.Millisecond).UnixNano()
		if _, _, err := store.Write(ctx, "metrics", ts, "host=a", float64(i)); err != nil {
			b.Fatalf("write failed: %v", err)
		}
	}
}

func BenchmarkQueryActive(b *testing.B) {
	blobs, cleanup := getBenchmarkStorage(b, "query-active")
	defer cleanup()
	store, _ := newBenchStore(b, blobs)
	fillChunk(b, store, 10000)

	r := types.TimeRange{
		Start: benchBase.UnixNano(),
		End:   benchBase.Add(time.Hour).UnixNano(),
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := store.ReadRange(ctx, "metrics", r)
		if err != nil {
			b.Fatalf("read failed: %v", err)
		}
		rows, err := it.Collect()
		if err != nil {
			b.Fatalf("collect failed: %v", err)
		}
		if len(rows) != 10000 {
			b.Fatalf("got %d rows, want 10000", len(rows))
		}
	}
}

func BenchmarkCompress(b *testing.B) {
	blobs, cleanup := getBenchmarkStorage(b, "compress")
	defer cleanup()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store, _ := newBenchStore(b, blobs)
		fillChunk(b, store, 10000)
		infos, err := store.ChunkInfos("metrics")
		if err != nil || len(infos) == 0 {
			b.Fatalf("chunk infos failed: %v", err)
		}
		b.StartTimer()

		if err := store.Compress(ctx, infos[0].ID); err != nil {
			b.Fatalf("compress failed: %v", err)
		}
	}
}

func BenchmarkQueryCompressed(b *testing.B) {
	blobs, cleanup := getBenchmarkStorage(b, "query-compressed")
	defer cleanup()
	store, _ := newBenchStore(b, blobs)
	fillChunk(b, store, 10000)
	ctx := context.Background()

	infos, err := store.ChunkInfos("metrics")
	if err != nil || len(infos) == 0 {
		b.Fatalf("chunk infos failed: %v", err)
	}
	if err := store.Compress(ctx, infos[0].ID); err != nil {
		b.Fatalf("compress failed: %v", err)
	}

	r := types.TimeRange{
		Start: benchBase.UnixNano(),
		End:   benchBase.Add(time.Hour).UnixNano(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := store.ReadSeries(ctx, "metrics", r, "host=3")
		if err != nil {
			b.Fatalf("read failed: %v", err)
		}
		if _, err := it.Collect(); err != nil {
			b.Fatalf("collect failed: %v", err)
		}
	}
}

func BenchmarkAggregateRefresh(b *testing.B) {
	blobs, cleanup := getBenchmarkStorage(b, "refresh")
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store, cat := newBenchStore(b, blobs)
		fillChunk(b, store, 10000)
		clk := clock.NewManual(benchBase.Add(2 * time.Hour))
		aggs := cagg.NewEngine(cat, store, clk)
		name := fmt.Sprintf("minutely_avg_%d", i)
		err := aggs.Create(ctx, types.AggregateConfig{
			Name: name, Hypertable: "metrics",
			BucketWidth: time.Minute, Reducer: types.ReduceAvg,
			RefreshInterval: time.Minute,
		})
		if err != nil {
			b.Fatalf("create aggregate failed: %v", err)
		}
		b.StartTimer()

		if err := aggs.Refresh(ctx, name); err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
	}
}
