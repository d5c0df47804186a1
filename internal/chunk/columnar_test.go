package chunk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chronotable/chronotable/pkg/types"
)

func TestSegmentSortsByTimeThenSeq(t *testing.T) {
	rows := []types.Row{
		{Time: 30, Seq: 5, SeriesKey: "host=a", Value: 3},
		{Time: 10, Seq: 2, SeriesKey: "host=b", Value: 1},
		{Time: 10, Seq: 1, SeriesKey: "host=a", Value: 0},
		{Time: 20, Seq: 3, SeriesKey: "host=a", Value: 2},
	}

	seg := NewSegment(rows)
	got := seg.Rows()

	wantOrder := []uint64{1, 2, 3, 5}
	for i, seq := range wantOrder {
		if got[i].Seq != seq {
			t.Errorf("position %d: expected seq %d, got %d", i, seq, got[i].Seq)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Less(got[i-1]) {
			t.Errorf("rows out of (time, seq) order at %d", i)
		}
	}
}

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	rows := []types.Row{
		{Time: 100, Seq: 1, SeriesKey: "host=web-1", Value: 1.5},
		{Time: 200, Seq: 2, SeriesKey: "host=web-2", Value: -2.25},
		{Time: 200, Seq: 3, SeriesKey: "host=web-1", Value: 0},
		{Time: 300, Seq: 4, SeriesKey: "host=web-1", Value: 12345.678},
	}
	seg := NewSegment(rows)

	decoded, err := DecodeSegment(seg.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	a, b := seg.Rows(), decoded.Rows()
	if len(a) != len(b) {
		t.Fatalf("row count changed: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("row %d mismatch: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestSegmentEmptyRows(t *testing.T) {
	seg := NewSegment(nil)
	decoded, err := DecodeSegment(seg.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Len() != 0 {
		t.Errorf("expected empty segment, got %d rows", decoded.Len())
	}
}

func TestDecodeSegmentRejectsGarbage(t *testing.T) {
	if _, err := DecodeSegment([]byte("not a segment")); err == nil {
		t.Error("expected error for garbage input")
	}

	seg := NewSegment([]types.Row{{Time: 1, Seq: 1, SeriesKey: "k", Value: 1}})
	data := seg.Encode()
	if _, err := DecodeSegment(data[:len(data)/2]); err == nil {
		t.Error("expected error for truncated input")
	}
}

// Property: encode/decode preserves the exact rowset and, under the
// (time, seq) sort key, the exact row order.
func TestProperty_SegmentRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genRow := gopter.CombineGens(
		gen.Int64Range(0, 1<<40),
		gen.UInt64Range(1, 1<<30),
		gen.OneConstOf("host=a", "host=b", "host=c", "region=eu", ""),
		gen.Float64Range(-1e9, 1e9),
	).Map(func(vals []interface{}) types.Row {
		return types.Row{
			Time:      vals[0].(int64),
			Seq:       vals[1].(uint64),
			SeriesKey: vals[2].(string),
			Value:     vals[3].(float64),
		}
	})

	properties.Property("decode(encode(segment)) preserves rows and order", prop.ForAll(
		func(rows []types.Row) bool {
			seg := NewSegment(rows)
			decoded, err := DecodeSegment(seg.Encode())
			if err != nil {
				return false
			}
			a, b := seg.Rows(), decoded.Rows()
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRow),
	))

	properties.TestingRun(t)
}
