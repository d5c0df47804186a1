package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/chunk"
	"github.com/chronotable/chronotable/internal/storage"
	"github.com/chronotable/chronotable/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *chunk.Store, catalog.Catalog, storage.BlobStore) {
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
	return NewCollector(cat, blobs), store, cat, blobs
}

func TestCollectDeletesOrphans(t *testing.T) {
	gc, store, cat, blobs := newTestCollector(t)
	registerHypertable(t, store, cat, "metrics")
	ctx := context.Background()

	// One live compressed segment.
	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	id := compressibleChunk(t, store, "metrics")
	if err := store.Compress(ctx, id); err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	// One orphan that no chunk record references.
	if err := blobs.Put(ctx, "segments/metrics/orphan.seg", []byte("stale")); err != nil {
		t.Fatalf("put orphan failed: %v", err)
	}

	res, err := gc.Collect(ctx)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if res.Scanned != 2 || res.Deleted != 1 || res.Failed != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	if exists, _ := blobs.Exists(ctx, "segments/metrics/orphan.seg"); exists {
		t.Error("orphan segment survived collection")
	}

	// The live segment must still be readable.
	rows, err := chunkRows(t, store, "metrics")
	if err != nil {
		t.Fatalf("read after gc failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row after gc, got %d", len(rows))
	}
}

func TestCollectKeepsLiveSegments(t *testing.T) {
	gc, store, cat, _ := newTestCollector(t)
	registerHypertable(t, store, cat, "metrics")
	ctx := context.Background()

	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	id := compressibleChunk(t, store, "metrics")
	if err := store.Compress(ctx, id); err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	res, err := gc.Collect(ctx)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if res.Deleted != 0 {
		t.Errorf("collector deleted live segments: %+v", res)
	}
}

func TestCollectEmptyStore(t *testing.T) {
	gc, _, _, _ := newTestCollector(t)

	res, err := gc.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if res.Scanned != 0 || res.Deleted != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func compressibleChunk(t *testing.T, store *chunk.Store, hypertable string) string {
	t.Helper()
	infos, err := store.ChunkInfos(hypertable)
	if err != nil {
		t.Fatalf("chunk infos failed: %v", err)
	}
	if len(infos) == 0 {
		t.Fatal("no chunks")
	}
	return infos[0].ID
}

func chunkRows(t *testing.T, store *chunk.Store, hypertable string) ([]types.Row, error) {
	t.Helper()
	it, err := store.ReadRange(context.Background(), hypertable, types.TimeRange{
		Start: base.UnixNano(),
		End:   base.Add(24 * time.Hour).UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return it.Collect()
}
