package wal

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

func newRecoveryFixture(t *testing.T) (*WAL, *chunk.Store, catalog.Catalog) {
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

	ht := types.Hypertable{Name: "metrics", TimeColumn: "time", ChunkInterval: time.Hour, CreatedAt: time.Now()}
	if err := cat.CreateHypertable(context.Background(), ht); err != nil {
		t.Fatalf("failed to create hypertable: %v", err)
	}
	store.Register(ht)

	w := newTestWAL(t, filepath.Join(dir, "wal"), 0)
	return w, store, cat
}

func TestRecoverReplaysLoggedWrites(t *testing.T) {
	w, store, _ := newRecoveryFixture(t)
	ctx := context.Background()

	hour := int64(time.Hour)
	for i := int64(0); i < 3; i++ {
		if _, err := w.Append(entry("metrics", i*hour/4, "host=a", float64(i))); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	n, err := NewRecovery(w, store).Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 recovered entries, got %d", n)
	}

	it, err := store.ReadRange(ctx, "metrics", types.TimeRange{Start: 0, End: hour})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows after replay, got %d", len(rows))
	}
}

func TestRecoverSkipsEntriesForCompressedChunks(t *testing.T) {
	w, store, _ := newRecoveryFixture(t)
	ctx := context.Background()

	// The row reached its chunk and was compressed before the crash, but the
	// WAL entry survived because no rewrite ran.
	if _, err := w.Append(entry("metrics", 100, "host=a", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, _, err := store.Write(ctx, "metrics", 100, "host=a", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	infos, err := store.ChunkInfos("metrics")
	if err != nil || len(infos) != 1 {
		t.Fatalf("chunk infos: %v %v", infos, err)
	}
	if err := store.Compress(ctx, infos[0].ID); err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	n, err := NewRecovery(w, store).Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 0 {
		t.Errorf("stale entry should be skipped, got %d recovered", n)
	}
}

func TestRecoverSkipsUnknownHypertable(t *testing.T) {
	w, store, _ := newRecoveryFixture(t)

	if _, err := w.Append(entry("vanished", 100, "host=a", 1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	n, err := NewRecovery(w, store).Recover(context.Background())
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 0 {
		t.Errorf("entry for unknown hypertable should be skipped, got %d", n)
	}
}
