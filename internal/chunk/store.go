package chunk

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chronotable/chronotable/internal/bloom"
	"github.com/chronotable/chronotable/internal/catalog"
	"github.com/chronotable/chronotable/internal/errors"
	"github.com/chronotable/chronotable/internal/partition"
	"github.com/chronotable/chronotable/internal/storage"
	"github.com/chronotable/chronotable/pkg/types"
)

// Store manages the chunks of all hypertables: in-memory row storage for
// active chunks, columnar segments in blob storage for compressed chunks, and
// the chunk index persisted in the catalog.
type Store struct {
	catalog catalog.Catalog
	blobs   storage.BlobStore
	router  partition.Router

	mu     sync.RWMutex
	tables map[string]*table
	byID   map[string]*Chunk

	seq atomic.Uint64
}

// table holds one hypertable's chunk index, ordered by chunk start time.
type table struct {
	ht types.Hypertable

	mu        sync.RWMutex
	chunks    []*Chunk
	lastWrite string // chunk ID of the most recent write target
}

// NewStore creates a chunk store backed by the given catalog and blob store.
func NewStore(cat catalog.Catalog, blobs storage.BlobStore) *Store {
	return &Store{
		catalog: cat,
		blobs:   blobs,
		tables:  make(map[string]*table),
		byID:    make(map[string]*Chunk),
	}
}

// Load rebuilds the in-memory chunk index from the catalog. Compressed
// chunks keep their segments in blob storage until first read; active chunks
// start empty and are refilled by WAL replay.
func (s *Store) Load(ctx context.Context) error {
	hts, err := s.catalog.ListHypertables(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ht := range hts {
		tbl := &table{ht: ht}
		recs, err := s.catalog.ListChunks(ctx, ht.Name)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			c := &Chunk{
				id:         rec.ID,
				hypertable: rec.Hypertable,
				rng:        rec.Range,
				state:      rec.State,
				objectPath: rec.ObjectPath,
			}
			if len(rec.Bloom) > 0 {
				f, err := bloom.Unmarshal(rec.Bloom)
				if err != nil {
					log.Printf("chunkstore: discarding corrupt bloom filter for chunk %s: %v", rec.ID, err)
				} else {
					c.filter = f
				}
			}
			tbl.chunks = append(tbl.chunks, c)
			s.byID[c.id] = c
		}
		// ListChunks orders by start time; keep the invariant anyway
		sort.Slice(tbl.chunks, func(i, j int) bool {
			return tbl.chunks[i].rng.Start < tbl.chunks[j].rng.Start
		})
		s.tables[ht.Name] = tbl
	}
	return nil
}

// Register adds a hypertable to the in-memory index. The caller has already
// persisted the definition in the catalog.
func (s *Store) Register(ht types.Hypertable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[ht.Name]; !ok {
		s.tables[ht.Name] = &table{ht: ht}
	}
}

// Unregister removes a hypertable's chunks from the index and deletes their
// segments from blob storage. Catalog cleanup is the caller's concern.
func (s *Store) Unregister(ctx context.Context, hypertable string) {
	s.mu.Lock()
	tbl, ok := s.tables[hypertable]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tables, hypertable)
	for _, c := range tbl.chunks {
		delete(s.byID, c.id)
	}
	s.mu.Unlock()

	for _, c := range tbl.chunks {
		c.mu.Lock()
		path := c.objectPath
		c.state = types.ChunkDropped
		c.rows = nil
		c.segment = nil
		c.mu.Unlock()
		if path != "" {
			if err := s.blobs.Delete(ctx, path); err != nil {
				log.Printf("chunkstore: failed to delete segment %s: %v", path, err)
			}
		}
	}
}

func (s *Store) lookupTable(hypertable string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tbl, ok := s.tables[hypertable]
	if !ok {
		return nil, errors.NewNotFound("hypertable", hypertable)
	}
	return tbl, nil
}

func (s *Store) lookupChunk(chunkID string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[chunkID]
	if !ok {
		return nil, errors.NewNotFound("chunk", chunkID)
	}
	return c, nil
}

// Write appends a sample to the chunk owning its timestamp, creating the
// chunk if necessary. Returns the stored row (with its assigned sequence
// number) and the target chunk's info. Writing into a compressed chunk's
// range fails with ImmutableChunk.
func (s *Store) Write(ctx context.Context, hypertable string, ts int64, seriesKey string, value float64) (types.Row, types.ChunkInfo, error) {
	tbl, err := s.lookupTable(hypertable)
	if err != nil {
		return types.Row{}, types.ChunkInfo{}, err
	}

	rng := s.router.RouteWrite(tbl.ht, ts)
	c, err := s.chunkForRange(ctx, tbl, rng)
	if err != nil {
		return types.Row{}, types.ChunkInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case types.ChunkCompressed:
		return types.Row{}, types.ChunkInfo{}, errors.NewImmutableChunk(c.id)
	case types.ChunkDropped:
		// The chunk raced with a retention sweep; the caller retries and
		// gets a fresh chunk.
		return types.Row{}, types.ChunkInfo{}, errors.New(errors.ErrCategoryChunk, errors.CodeChunkDropped,
			fmt.Sprintf("chunk %s was dropped concurrently", c.id))
	}

	row := types.Row{
		Time:      ts,
		Seq:       s.seq.Add(1),
		SeriesKey: seriesKey,
		Value:     value,
	}
	c.rows = append(c.rows, row)

	tbl.mu.Lock()
	tbl.lastWrite = c.id
	tbl.mu.Unlock()

	info := types.ChunkInfo{
		ID: c.id, Hypertable: hypertable, Range: c.rng,
		State: c.state, RowCount: int64(len(c.rows)),
	}
	return row, info, nil
}

// chunkForRange locates the chunk owning rng, creating and registering it if
// absent. Creation is guarded by the table lock so concurrent writers racing
// on a new range converge on exactly one chunk.
func (s *Store) chunkForRange(ctx context.Context, tbl *table, rng types.TimeRange) (*Chunk, error) {
	tbl.mu.RLock()
	c := tbl.findByStart(rng.Start)
	tbl.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	// Re-check under the write lock: another writer may have won the race.
	if c := tbl.findByStart(rng.Start); c != nil {
		return c, nil
	}

	c = &Chunk{
		id:         uuid.New().String(),
		hypertable: tbl.ht.Name,
		rng:        rng,
		state:      types.ChunkActive,
	}
	if err := s.catalog.RegisterChunk(ctx, types.ChunkInfo{
		ID: c.id, Hypertable: c.hypertable, Range: rng, State: types.ChunkActive,
	}); err != nil {
		return nil, err
	}

	idx := sort.Search(len(tbl.chunks), func(i int) bool {
		return tbl.chunks[i].rng.Start >= rng.Start
	})
	tbl.chunks = append(tbl.chunks, nil)
	copy(tbl.chunks[idx+1:], tbl.chunks[idx:])
	tbl.chunks[idx] = c

	s.mu.Lock()
	s.byID[c.id] = c
	s.mu.Unlock()

	return c, nil
}

// findByStart returns the chunk with the given start time, if any.
// Caller holds tbl.mu.
func (tbl *table) findByStart(start int64) *Chunk {
	idx := sort.Search(len(tbl.chunks), func(i int) bool {
		return tbl.chunks[i].rng.Start >= start
	})
	if idx < len(tbl.chunks) && tbl.chunks[idx].rng.Start == start {
		return tbl.chunks[idx]
	}
	return nil
}

// ChunkInfos returns a snapshot of the hypertable's chunk index, ordered by
// start time.
func (s *Store) ChunkInfos(hypertable string) ([]types.ChunkInfo, error) {
	tbl, err := s.lookupTable(hypertable)
	if err != nil {
		return nil, err
	}

	tbl.mu.RLock()
	chunks := make([]*Chunk, len(tbl.chunks))
	copy(chunks, tbl.chunks)
	tbl.mu.RUnlock()

	infos := make([]types.ChunkInfo, len(chunks))
	for i, c := range chunks {
		infos[i] = c.Info()
	}
	return infos, nil
}

// LastWriteChunk returns the ID of the chunk most recently targeted by a
// write, or "" if the hypertable has not been written. The compression
// engine uses it to avoid compressing the open write chunk.
func (s *Store) LastWriteChunk(hypertable string) string {
	tbl, err := s.lookupTable(hypertable)
	if err != nil {
		return ""
	}
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return tbl.lastWrite
}

// Compress rewrites an active chunk into a columnar segment sorted by
// (time, seq), uploads it to blob storage, and flips the chunk's state.
// Idempotent: compressing a compressed chunk is a no-op.
func (s *Store) Compress(ctx context.Context, chunkID string) error {
	c, err := s.lookupChunk(chunkID)
	if err != nil {
		return err
	}

	// Writes to this chunk block for the duration; the transition is atomic
	// from the perspective of readers and writers.
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case types.ChunkCompressed:
		return nil
	case types.ChunkDropped:
		return errors.NewNotFound("chunk", chunkID)
	}

	seg := NewSegment(c.rows)
	filter := bloom.New(len(seg.Dict), 0.01)
	for _, key := range seg.Dict {
		filter.Add(key)
	}

	objectPath := fmt.Sprintf("segments/%s/%s.seg", c.hypertable, c.id)
	if err := s.blobs.Put(ctx, objectPath, seg.Encode()); err != nil {
		return errors.NewStorageFailure(fmt.Sprintf("failed to upload segment for chunk %s", chunkID), err)
	}
	if err := s.catalog.SetChunkCompressed(ctx, c.id, objectPath, filter.Marshal(), int64(seg.Len())); err != nil {
		// Best effort: don't leave an orphan segment behind
		if delErr := s.blobs.Delete(ctx, objectPath); delErr != nil {
			log.Printf("chunkstore: failed to remove orphan segment %s: %v", objectPath, delErr)
		}
		return err
	}

	c.state = types.ChunkCompressed
	c.segment = seg
	c.objectPath = objectPath
	c.filter = filter
	c.rows = nil
	return nil
}

// Decompress restores a compressed chunk to active row storage so its range
// accepts writes again. The segment is removed from blob storage.
func (s *Store) Decompress(ctx context.Context, chunkID string) error {
	c, err := s.lookupChunk(chunkID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case types.ChunkActive:
		return nil
	case types.ChunkDropped:
		return errors.NewNotFound("chunk", chunkID)
	}

	if err := s.loadSegmentLocked(ctx, c); err != nil {
		return err
	}
	rows := c.segment.Rows()

	// Keep the sequence counter ahead of every restored row so the
	// (time, seq) order stays deterministic for rewrites of this chunk.
	var maxSeq uint64
	for _, r := range rows {
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}
	for {
		cur := s.seq.Load()
		if cur >= maxSeq || s.seq.CompareAndSwap(cur, maxSeq) {
			break
		}
	}

	if err := s.catalog.SetChunkActive(ctx, c.id, int64(len(rows))); err != nil {
		return err
	}

	path := c.objectPath
	c.state = types.ChunkActive
	c.rows = rows
	c.segment = nil
	c.objectPath = ""
	c.filter = nil

	if path != "" {
		if err := s.blobs.Delete(ctx, path); err != nil {
			log.Printf("chunkstore: failed to delete segment %s after decompress: %v", path, err)
		}
	}
	return nil
}

// DecompressAndWrite reopens the chunk owning ts (if compressed) and writes
// the sample. This is the explicit opt-in path for late arrivals into
// compressed ranges.
func (s *Store) DecompressAndWrite(ctx context.Context, hypertable string, ts int64, seriesKey string, value float64) (types.Row, types.ChunkInfo, error) {
	tbl, err := s.lookupTable(hypertable)
	if err != nil {
		return types.Row{}, types.ChunkInfo{}, err
	}

	rng := s.router.RouteWrite(tbl.ht, ts)
	tbl.mu.RLock()
	c := tbl.findByStart(rng.Start)
	tbl.mu.RUnlock()

	if c != nil && c.State() == types.ChunkCompressed {
		if err := s.Decompress(ctx, c.id); err != nil {
			return types.Row{}, types.ChunkInfo{}, err
		}
	}
	return s.Write(ctx, hypertable, ts, seriesKey, value)
}

// Drop removes a chunk irreversibly: tombstoned in the catalog, removed from
// the index, and its segment deleted from blob storage.
func (s *Store) Drop(ctx context.Context, chunkID string) error {
	c, err := s.lookupChunk(chunkID)
	if err != nil {
		return err
	}

	if err := s.catalog.MarkChunkDropped(ctx, chunkID); err != nil {
		return err
	}

	c.mu.Lock()
	path := c.objectPath
	c.state = types.ChunkDropped
	c.rows = nil
	c.segment = nil
	c.objectPath = ""
	c.filter = nil
	c.mu.Unlock()

	s.mu.Lock()
	delete(s.byID, chunkID)
	tbl := s.tables[c.hypertable]
	s.mu.Unlock()

	if tbl != nil {
		tbl.mu.Lock()
		for i, tc := range tbl.chunks {
			if tc.id == chunkID {
				tbl.chunks = append(tbl.chunks[:i], tbl.chunks[i+1:]...)
				break
			}
		}
		tbl.mu.Unlock()
	}

	if path != "" {
		if err := s.blobs.Delete(ctx, path); err != nil {
			log.Printf("chunkstore: failed to delete segment %s after drop: %v", path, err)
		}
	}
	return nil
}

// loadSegmentLocked fetches and decodes the chunk's segment from blob
// storage if it is not already in memory. Caller holds c.mu.
func (s *Store) loadSegmentLocked(ctx context.Context, c *Chunk) error {
	if c.segment != nil {
		return nil
	}
	data, err := s.blobs.Get(ctx, c.objectPath)
	if err != nil {
		return errors.NewStorageFailure(fmt.Sprintf("failed to fetch segment for chunk %s", c.id), err)
	}
	seg, err := DecodeSegment(data)
	if err != nil {
		return errors.NewStorageFailure(fmt.Sprintf("failed to decode segment for chunk %s", c.id), err)
	}
	c.segment = seg
	return nil
}

// chunkRows returns a copy of the chunk's rows restricted to r, optionally
// filtered by series key. Compressed chunks whose bloom filter rules out the
// series are skipped without touching blob storage.
func (s *Store) chunkRows(ctx context.Context, c *Chunk, r types.TimeRange, seriesKey string) ([]types.Row, error) {
	if seriesKey != "" {
		c.mu.RLock()
		skip := c.state == types.ChunkCompressed && !c.mayContainSeries(seriesKey)
		c.mu.RUnlock()
		if skip {
			return nil, nil
		}
	}

	// Reads share the chunk lock; only a lazy segment load takes it
	// exclusively, so concurrent readers of an active chunk never serialize.
	c.mu.RLock()
	if c.state == types.ChunkCompressed && c.segment == nil {
		c.mu.RUnlock()
		c.mu.Lock()
		var err error
		// Re-check: the chunk may have been decompressed or dropped while
		// the lock was released.
		if c.state == types.ChunkCompressed {
			err = s.loadSegmentLocked(ctx, c)
		}
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
	}
	defer c.mu.RUnlock()

	var src []types.Row
	switch c.state {
	case types.ChunkActive:
		src = c.rows
	case types.ChunkCompressed:
		if c.segment == nil {
			// The chunk flipped state between the load and the re-lock.
			return nil, nil
		}
		src = c.segment.Rows()
	case types.ChunkDropped:
		return nil, nil
	}

	var out []types.Row
	for _, row := range src {
		if !r.Contains(row.Time) {
			continue
		}
		if seriesKey != "" && row.SeriesKey != seriesKey {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// overlapping returns the chunks intersecting r in start order.
func (s *Store) overlapping(hypertable string, r types.TimeRange) ([]*Chunk, error) {
	tbl, err := s.lookupTable(hypertable)
	if err != nil {
		return nil, err
	}

	tbl.mu.RLock()
	defer tbl.mu.RUnlock()

	lo := sort.Search(len(tbl.chunks), func(i int) bool {
		return tbl.chunks[i].rng.End > r.Start
	})
	var out []*Chunk
	for _, c := range tbl.chunks[lo:] {
		if c.rng.Start >= r.End {
			break
		}
		out = append(out, c)
	}
	return out, nil
}
