// Package cache provides a local disk cache for compressed chunk segments
// fetched from remote blob storage.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chronotable/chronotable/internal/storage"
)

// Metrics holds cache counters.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
}

type entry struct {
	path       string
	sizeBytes  int64
	lastAccess int64 // monotonic access counter, not wall time
}

// SegmentCache is a read-through storage.BlobStore wrapper that keeps
// recently read segments on local disk. Segments are immutable, so cached
// copies never go stale; Delete evicts the local copy along with the
// backing blob. Cache contents do not survive restarts.
type SegmentCache struct {
	backing  storage.BlobStore
	dir      string
	maxBytes int64

	mu        sync.Mutex
	entries   map[string]*entry
	sizeBytes int64
	accessSeq int64

	metrics Metrics
}

// NewSegmentCache creates a segment cache in dir with the given byte budget.
// Any files left over from a previous process are removed.
func NewSegmentCache(backing storage.BlobStore, dir string, maxBytes int64) (*SegmentCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear cache dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	return &SegmentCache{
		backing:  backing,
		dir:      dir,
		maxBytes: maxBytes,
		entries:  make(map[string]*entry),
	}, nil
}

// Get returns the blob for key, serving from the local cache when possible.
func (c *SegmentCache) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := c.getCached(key); ok {
		c.metrics.Hits.Add(1)
		return data, nil
	}
	c.metrics.Misses.Add(1)

	data, err := c.backing.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.add(key, data)
	return data, nil
}

// Put writes the blob through to the backing store and caches it.
func (c *SegmentCache) Put(ctx context.Context, key string, data []byte) error {
	if err := c.backing.Put(ctx, key, data); err != nil {
		return err
	}
	c.add(key, data)
	return nil
}

// Delete removes the blob from the backing store and evicts the local copy.
func (c *SegmentCache) Delete(ctx context.Context, key string) error {
	c.evict(key)
	return c.backing.Delete(ctx, key)
}

// Exists reports whether the blob exists, consulting the cache first.
func (c *SegmentCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return true, nil
	}
	return c.backing.Exists(ctx, key)
}

// List delegates to the backing store; the cache holds a subset of keys.
func (c *SegmentCache) List(ctx context.Context, prefix string) ([]string, error) {
	return c.backing.List(ctx, prefix)
}

// Stats returns hit, miss, and eviction counts.
func (c *SegmentCache) Stats() (hits, misses, evictions int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load()
}

// Size returns the bytes currently held on disk.
func (c *SegmentCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeBytes
}

func (c *SegmentCache) getCached(key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.accessSeq++
		e.lastAccess = c.accessSeq
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(e.path)
	if err != nil {
		// Cached file disappeared underneath us; drop the entry.
		c.evict(key)
		return nil, false
	}
	return data, true
}

func (c *SegmentCache) add(key string, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}

	path := filepath.Join(c.dir, cacheFileName(key))
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Printf("cache: failed to write %s: %v", key, err)
		return
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.sizeBytes -= old.sizeBytes
	}
	c.accessSeq++
	c.entries[key] = &entry{
		path:       path,
		sizeBytes:  int64(len(data)),
		lastAccess: c.accessSeq,
	}
	c.sizeBytes += int64(len(data))
	victims := c.collectVictims()
	c.mu.Unlock()

	for _, v := range victims {
		os.Remove(v)
	}
}

// collectVictims removes least-recently-used entries from the index until
// the cache fits its budget, returning the file paths to unlink. Caller
// holds c.mu.
func (c *SegmentCache) collectVictims() []string {
	if c.sizeBytes <= c.maxBytes {
		return nil
	}

	type candidate struct {
		key        string
		lastAccess int64
	}
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, candidate{key: k, lastAccess: e.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	var paths []string
	for _, cand := range candidates {
		if c.sizeBytes <= c.maxBytes {
			break
		}
		e := c.entries[cand.key]
		c.sizeBytes -= e.sizeBytes
		delete(c.entries, cand.key)
		c.metrics.Evictions.Add(1)
		paths = append(paths, e.path)
	}
	return paths
}

func (c *SegmentCache) evict(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.sizeBytes -= e.sizeBytes
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if ok {
		os.Remove(e.path)
	}
}

// cacheFileName flattens a blob key into a single safe filename.
func cacheFileName(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("%016x.seg", h.Sum64())
}
