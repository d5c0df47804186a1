package wal

import (
	"context"
	"log"
	"time"

	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/pkg/types"
)

// Writer accepts replayed rows. The chunk store satisfies this.
type Writer interface {
	Write(ctx context.Context, hypertable string, ts int64, seriesKey string, value float64) (types.Row, types.ChunkInfo, error)
}

// Recovery replays logged writes into the chunk store after a restart.
type Recovery struct {
	wal    *WAL
	writer Writer
}

// NewRecovery creates a recovery instance.
func NewRecovery(w *WAL, writer Writer) *Recovery {
	return &Recovery{wal: w, writer: writer}
}

// Recover replays every retained entry in LSN order. Entries whose target
// chunk is already compressed or dropped are stale leftovers of an
// incomplete Rewrite and are skipped, as are entries for hypertables that no
// longer exist. Returns the count of replayed entries.
func (r *Recovery) Recover(ctx context.Context) (int, error) {
	startTime := time.Now()

	paths, err := SegmentFiles(r.wal.dir)
	if err != nil {
		return 0, err
	}

	var recovered, skipped int
	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			log.Printf("wal: failed to read segment %s during recovery: %v", path, err)
			continue
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return recovered, err
			}
			_, _, err := r.writer.Write(ctx, entry.Hypertable, entry.Time, entry.SeriesKey, entry.Value)
			if err != nil {
				switch errors.GetCode(err) {
				case errors.CodeImmutableChunk, errors.CodeChunkDropped, errors.CodeNotFound:
					skipped++
					continue
				}
				return recovered, err
			}
			recovered++
		}
	}

	if recovered > 0 || skipped > 0 {
		log.Printf("wal: recovered %d entries (%d stale) in %v", recovered, skipped, time.Since(startTime))
	}
	return recovered, nil
}
