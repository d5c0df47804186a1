package cache

import (
	"context"
	"testing"

	"github.com/chronotable/chronotable/internal/storage"
)

func newTestCache(t *testing.T, maxBytes int64) (*SegmentCache, storage.BlobStore) {
	t.Helper()
	backing, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	c, err := NewSegmentCache(backing, t.TempDir()+"/cache", maxBytes)
	if err != nil {
		t.Fatalf("NewSegmentCache: %v", err)
	}
	return c, backing
}

func TestSegmentCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	c, backing := newTestCache(t, 1<<20)

	if err := backing.Put(ctx, "segments/metrics/a.seg", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(ctx, "segments/metrics/a.seg")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}

	// Second read must be served from the cache.
	if _, err := c.Get(ctx, "segments/metrics/a.seg"); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	hits, misses, _ := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1 and 1", hits, misses)
	}
}

func TestSegmentCacheWriteThrough(t *testing.T) {
	ctx := context.Background()
	c, backing := newTestCache(t, 1<<20)

	if err := c.Put(ctx, "segments/metrics/a.seg", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := backing.Get(ctx, "segments/metrics/a.seg")
	if err != nil {
		t.Fatalf("backing Get: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("backing holds %q, want %q", got, "data")
	}

	// A read should hit the cache without touching the backing store.
	if _, err := c.Get(ctx, "segments/metrics/a.seg"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	hits, _, _ := c.Stats()
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}

func TestSegmentCacheEvictsLRU(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	if err := c.Put(ctx, "a", []byte("aaaaa")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := c.Put(ctx, "b", []byte("bbbbb")); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	// Touch a so b is the eviction candidate.
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Fatalf("Get a: %v", err)
	}

	if err := c.Put(ctx, "c", []byte("ccccc")); err != nil {
		t.Fatalf("Put c: %v", err)
	}

	if _, _, evictions := c.Stats(); evictions == 0 {
		t.Fatal("expected at least one eviction")
	}
	if c.Size() > 10 {
		t.Fatalf("cache size %d exceeds budget 10", c.Size())
	}

	// Evicted keys are still readable through the backing store.
	got, err := c.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get b after eviction: %v", err)
	}
	if string(got) != "bbbbb" {
		t.Fatalf("got %q, want %q", got, "bbbbb")
	}
}

func TestSegmentCacheDeleteEvicts(t *testing.T) {
	ctx := context.Background()
	c, backing := newTestCache(t, 1<<20)

	if err := c.Put(ctx, "a", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := backing.Get(ctx, "a"); err == nil {
		t.Fatal("expected backing Get to fail after delete")
	}
	exists, err := c.Exists(ctx, "a")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("key still exists after delete")
	}
}
