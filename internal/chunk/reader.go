package chunk

import (
	"context"

	"github.com/chronotable/chronotable/pkg/types"
)

// Iterator lazily yields the rows of a time range, chunk by chunk in start
// order. Rows within an active chunk come back in insertion order; rows
// within a compressed chunk come back in (time, seq) order. The iterator is
// restartable via Reset and pulls each chunk's rows only when it reaches
// that chunk, so compressed segments are fetched at most once per pass and
// only if actually visited.
type Iterator struct {
	ctx       context.Context
	store     *Store
	rng       types.TimeRange
	seriesKey string
	chunks    []*Chunk

	chunkIdx int
	buf      []types.Row
	pos      int
	cur      types.Row
	err      error
}

// ReadRange returns an iterator over all rows of the hypertable whose time
// falls in r.
func (s *Store) ReadRange(ctx context.Context, hypertable string, r types.TimeRange) (*Iterator, error) {
	return s.ReadSeries(ctx, hypertable, r, "")
}

// ReadSeries returns an iterator restricted to a single series key.
// Compressed chunks whose bloom filter excludes the key are skipped without
// fetching their segments. An empty key matches every series.
func (s *Store) ReadSeries(ctx context.Context, hypertable string, r types.TimeRange, seriesKey string) (*Iterator, error) {
	chunks, err := s.overlapping(hypertable, r)
	if err != nil {
		return nil, err
	}
	return &Iterator{
		ctx:       ctx,
		store:     s,
		rng:       r,
		seriesKey: seriesKey,
		chunks:    chunks,
	}, nil
}

// Next advances to the next row. It returns false when the range is
// exhausted or an error occurred; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.pos < len(it.buf) {
			it.cur = it.buf[it.pos]
			it.pos++
			return true
		}
		if it.chunkIdx >= len(it.chunks) {
			return false
		}
		c := it.chunks[it.chunkIdx]
		it.chunkIdx++

		rows, err := it.store.chunkRows(it.ctx, c, it.rng, it.seriesKey)
		if err != nil {
			it.err = err
			return false
		}
		it.buf = rows
		it.pos = 0
	}
}

// Row returns the current row. Valid only after Next returned true.
func (it *Iterator) Row() types.Row {
	return it.cur
}

// Err returns the first error encountered while iterating.
func (it *Iterator) Err() error {
	return it.err
}

// Reset rewinds the iterator to the beginning of the range. The chunk set
// was fixed when the iterator was created.
func (it *Iterator) Reset() {
	it.chunkIdx = 0
	it.buf = nil
	it.pos = 0
	it.err = nil
}

// Collect drains the iterator into a slice.
func (it *Iterator) Collect() ([]types.Row, error) {
	var out []types.Row
	for it.Next() {
		out = append(out, it.Row())
	}
	return out, it.Err()
}
