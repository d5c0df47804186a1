package retention

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/storage"
)

// Collector reconciles blob storage against the catalog, deleting segment
// blobs whose chunk is no longer live. Orphans appear when a Drop tombstones
// the catalog record but the segment delete fails, or when the process dies
// between the two steps.
type Collector struct {
	catalog catalog.Catalog
	blobs   storage.BlobStore
}

// NewCollector creates a segment garbage collector.
func NewCollector(cat catalog.Catalog, blobs storage.BlobStore) *Collector {
	return &Collector{catalog: cat, blobs: blobs}
}

// CollectResult holds the outcome of a collection run.
type CollectResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// Collect lists every stored segment and deletes those not referenced by a
// compressed chunk record. Individual delete failures are logged and
// counted; they do not abort the run.
func (gc *Collector) Collect(ctx context.Context) (CollectResult, error) {
	var res CollectResult

	live, err := gc.liveSegments(ctx)
	if err != nil {
		return res, err
	}

	keys, err := gc.blobs.List(ctx, "segments/")
	if err != nil {
		return res, fmt.Errorf("gc: failed to list segments: %w", err)
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		if live[key] {
			continue
		}
		if err := gc.blobs.Delete(ctx, key); err != nil {
			log.Printf("gc: failed to delete orphaned segment %s: %v", key, err)
			res.Failed++
			continue
		}
		log.Printf("gc: deleted orphaned segment %s", key)
		res.Deleted++
	}
	return res, nil
}

// liveSegments returns the object paths of every compressed chunk known to
// the catalog.
func (gc *Collector) liveSegments(ctx context.Context) (map[string]bool, error) {
	hts, err := gc.catalog.ListHypertables(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: failed to list hypertables: %w", err)
	}

	live := make(map[string]bool)
	for _, ht := range hts {
		chunks, err := gc.catalog.ListChunks(ctx, ht.Name)
		if err != nil {
			return nil, fmt.Errorf("gc: failed to list chunks of %s: %w", ht.Name, err)
		}
		for _, rec := range chunks {
			if p := strings.TrimSpace(rec.ObjectPath); p != "" {
				live[p] = true
			}
		}
	}
	return live, nil
}
