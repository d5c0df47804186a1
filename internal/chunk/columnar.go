// Package chunk implements the chunk store: physical time partitions of a
// hypertable in either mutable row storage (active) or an immutable columnar
// segment (compressed).
package chunk

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/golang/snappy"

	"github.com/chronotable/chronotable/pkg/types"
)

// segmentMagic identifies a columnar segment blob.
const segmentMagic = "CTSEG1"

// Segment is the in-memory form of a compressed chunk: rows stored column by
// column, sorted by (time, seq). Series keys are dictionary-encoded since a
// chunk typically holds many rows across few series.
type Segment struct {
	Times  []int64
	Seqs   []uint64
	Keys   []uint32 // index into Dict
	Values []float64
	Dict   []string
}

// NewSegment builds a segment from rows. The input is copied and sorted by
// (time, seq); callers keep ownership of rows.
func NewSegment(rows []types.Row) *Segment {
	sorted := make([]types.Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	seg := &Segment{
		Times:  make([]int64, len(sorted)),
		Seqs:   make([]uint64, len(sorted)),
		Keys:   make([]uint32, len(sorted)),
		Values: make([]float64, len(sorted)),
	}
	dictIndex := make(map[string]uint32)
	for i, r := range sorted {
		idx, ok := dictIndex[r.SeriesKey]
		if !ok {
			idx = uint32(len(seg.Dict))
			dictIndex[r.SeriesKey] = idx
			seg.Dict = append(seg.Dict, r.SeriesKey)
		}
		seg.Times[i] = r.Time
		seg.Seqs[i] = r.Seq
		seg.Keys[i] = idx
		seg.Values[i] = r.Value
	}
	return seg
}

// Len returns the number of rows in the segment.
func (s *Segment) Len() int {
	return len(s.Times)
}

// Row materializes the i-th row.
func (s *Segment) Row(i int) types.Row {
	return types.Row{
		Time:      s.Times[i],
		Seq:       s.Seqs[i],
		SeriesKey: s.Dict[s.Keys[i]],
		Value:     s.Values[i],
	}
}

// Rows materializes all rows in (time, seq) order.
func (s *Segment) Rows() []types.Row {
	out := make([]types.Row, s.Len())
	for i := range out {
		out[i] = s.Row(i)
	}
	return out
}

// SeriesKeys returns the distinct series keys in the segment.
func (s *Segment) SeriesKeys() []string {
	return s.Dict
}

// Encode serializes the segment and compresses it with snappy.
// Layout (before compression, all little-endian):
//
//	magic | rowCount u32 | dictCount u32 |
//	dict entries (len u32 + bytes) |
//	times i64[] | seqs u64[] | keys u32[] | values f64[]
func (s *Segment) Encode() []byte {
	n := s.Len()
	size := len(segmentMagic) + 8
	for _, k := range s.Dict {
		size += 4 + len(k)
	}
	size += n * (8 + 8 + 4 + 8)

	buf := make([]byte, 0, size)
	buf = append(buf, segmentMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Dict)))
	for _, k := range s.Dict {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
	}
	for _, t := range s.Times {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t))
	}
	for _, q := range s.Seqs {
		buf = binary.LittleEndian.AppendUint64(buf, q)
	}
	for _, k := range s.Keys {
		buf = binary.LittleEndian.AppendUint32(buf, k)
	}
	for _, v := range s.Values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}

	return snappy.Encode(nil, buf)
}

// DecodeSegment decompresses and parses a segment blob produced by Encode.
func DecodeSegment(data []byte) (*Segment, error) {
	buf, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("chunk: segment snappy decode failed: %w", err)
	}
	if len(buf) < len(segmentMagic)+8 || string(buf[:len(segmentMagic)]) != segmentMagic {
		return nil, fmt.Errorf("chunk: bad segment header")
	}
	off := len(segmentMagic)
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	dictCount := int(binary.LittleEndian.Uint32(buf[off+4:]))
	off += 8

	seg := &Segment{
		Times:  make([]int64, n),
		Seqs:   make([]uint64, n),
		Keys:   make([]uint32, n),
		Values: make([]float64, n),
		Dict:   make([]string, 0, dictCount),
	}

	for i := 0; i < dictCount; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("chunk: truncated segment dictionary")
		}
		l := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+l > len(buf) {
			return nil, fmt.Errorf("chunk: truncated segment dictionary entry")
		}
		seg.Dict = append(seg.Dict, string(buf[off:off+l]))
		off += l
	}

	need := n * (8 + 8 + 4 + 8)
	if len(buf)-off != need {
		return nil, fmt.Errorf("chunk: segment body length %d, expected %d", len(buf)-off, need)
	}

	for i := 0; i < n; i++ {
		seg.Times[i] = int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	for i := 0; i < n; i++ {
		seg.Seqs[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	for i := 0; i < n; i++ {
		seg.Keys[i] = binary.LittleEndian.Uint32(buf[off:])
		if int(seg.Keys[i]) >= dictCount {
			return nil, fmt.Errorf("chunk: segment key index %d out of range", seg.Keys[i])
		}
		off += 4
	}
	for i := 0; i < n; i++ {
		seg.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}

	return seg, nil
}
