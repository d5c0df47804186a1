package compress

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
	return NewEngine(store, clk), store, cat
}

func registerHypertable(t *testing.T, store *chunk.Store, cat catalog.Catalog, name string, interval time.Duration) {
	t.Helper()
	ht := types.Hypertable{Name: name, TimeColumn: "time", ChunkInterval: interval, CreatedAt: time.Now()}
	if err := cat.CreateHypertable(context.Background(), ht); err != nil {
		t.Fatalf("failed to create hypertable: %v", err)
	}
	store.Register(ht)
}

// base is 2026-03-01 00:00 UTC; at("hh:mm") offsets into that day.
var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func at(hhmm string) int64 {
	ts, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return base.Add(time.Duration(ts.Hour())*time.Hour + time.Duration(ts.Minute())*time.Minute).UnixNano()
}

func stateOf(t *testing.T, store *chunk.Store, hypertable string, start int64) types.ChunkState {
	t.Helper()
	infos, err := store.ChunkInfos(hypertable)
	if err != nil {
		t.Fatalf("chunk infos failed: %v", err)
	}
	for _, info := range infos {
		if info.Range.Start == start {
			return info.State
		}
	}
	t.Fatalf("no chunk starting at %d", start)
	return types.ChunkDropped
}

func TestSweepCompressesColdChunksOnly(t *testing.T) {
	clk := clock.NewManual(base.Add(3*time.Hour + 30*time.Minute))
	eng, store, cat := newTestEngine(t, clk)
	registerHypertable(t, store, cat, "metrics", time.Hour)
	ctx := context.Background()

	// Chunks at hours 0, 1, and 3. Hour 3 contains now.
	for _, hhmm := range []string{"00:10", "01:10", "03:10"} {
		if _, _, err := store.Write(ctx, "metrics", at(hhmm), "host=a", 1); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	res, err := eng.Sweep(ctx, types.CompressionPolicy{
		Hypertable:    "metrics",
		CompressAfter: time.Hour,
		Interval:      time.Minute,
	})
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Compressed != 2 {
		t.Errorf("expected 2 compressed, got %+v", res)
	}
	if got := stateOf(t, store, "metrics", at("00:00")); got != types.ChunkCompressed {
		t.Errorf("hour 0 chunk should be compressed, got %s", got)
	}
	if got := stateOf(t, store, "metrics", at("01:00")); got != types.ChunkCompressed {
		t.Errorf("hour 1 chunk should be compressed, got %s", got)
	}
	if got := stateOf(t, store, "metrics", at("03:00")); got != types.ChunkActive {
		t.Errorf("chunk containing now must stay active, got %s", got)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	clk := clock.NewManual(base.Add(12 * time.Hour))
	eng, store, cat := newTestEngine(t, clk)
	registerHypertable(t, store, cat, "metrics", time.Hour)
	ctx := context.Background()

	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	policy := types.CompressionPolicy{Hypertable: "metrics", CompressAfter: time.Hour, Interval: time.Minute}
	if res, err := eng.Sweep(ctx, policy); err != nil || res.Compressed != 1 {
		t.Fatalf("first sweep: res=%+v err=%v", res, err)
	}
	res, err := eng.Sweep(ctx, policy)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if res.Compressed != 0 || res.Failed != 0 {
		t.Errorf("second sweep should be a no-op, got %+v", res)
	}
}

func TestSweepSkipsLastWriteChunk(t *testing.T) {
	clk := clock.NewManual(base.Add(12 * time.Hour))
	eng, store, cat := newTestEngine(t, clk)
	registerHypertable(t, store, cat, "metrics", time.Hour)
	ctx := context.Background()

	// A late arrival makes an old chunk the most recent write target.
	if _, _, err := store.Write(ctx, "metrics", at("05:10"), "host=a", 1); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, _, err := store.Write(ctx, "metrics", at("00:10"), "host=a", 2); err != nil {
		t.Fatalf("late write failed: %v", err)
	}

	res, err := eng.Sweep(ctx, types.CompressionPolicy{
		Hypertable:    "metrics",
		CompressAfter: time.Hour,
		Interval:      time.Minute,
	})
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if res.Compressed != 1 || res.Skipped != 1 {
		t.Errorf("expected compressed=1 skipped=1, got %+v", res)
	}
	if got := stateOf(t, store, "metrics", at("00:00")); got != types.ChunkActive {
		t.Errorf("last write chunk must stay active, got %s", got)
	}
}

func TestSweepUnknownHypertable(t *testing.T) {
	eng, _, _ := newTestEngine(t, clock.NewManual(base))

	_, err := eng.Sweep(context.Background(), types.CompressionPolicy{
		Hypertable:    "absent",
		CompressAfter: time.Hour,
		Interval:      time.Minute,
	})
	if errors.GetCode(err) != errors.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestSweepRejectsInvalidPolicy(t *testing.T) {
	eng, _, _ := newTestEngine(t, clock.NewManual(base))

	_, err := eng.Sweep(context.Background(), types.CompressionPolicy{Hypertable: "metrics"})
	if errors.GetCode(err) != errors.CodeInvalidConfiguration {
		t.Errorf("expected INVALID_CONFIGURATION, got %v", err)
	}
}
