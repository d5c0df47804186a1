package cagg

import (
	"math"
	"sort"
	"time"

	"github.com/chronotable/chronotable/pkg/types"
)

// FillMode selects how GapFill populates buckets with no data.
type FillMode int

const (
	// FillNull emits NaN for empty buckets.
	FillNull FillMode = iota
	// FillLOCF carries the last observed value forward.
	FillLOCF
	// FillLinear interpolates between the surrounding observed buckets.
	FillLinear
)

// GapFill expands aggregate read results into a dense per-series grid: one
// BucketValue for every bucket whose start lies in r, per series present in
// values. Buckets with no data get RowCount 0 and a value chosen by mode.
// Leading gaps under FillLOCF and gaps without a following observation under
// FillLinear stay NaN.
func GapFill(values []BucketValue, r types.TimeRange, width time.Duration, mode FillMode) []BucketValue {
	if r.IsEmpty() || width <= 0 {
		return nil
	}

	bySeries := make(map[string]map[int64]BucketValue)
	for _, v := range values {
		m, ok := bySeries[v.SeriesKey]
		if !ok {
			m = make(map[int64]BucketValue)
			bySeries[v.SeriesKey] = m
		}
		m[v.BucketStart] = v
	}

	series := make([]string, 0, len(bySeries))
	for s := range bySeries {
		series = append(series, s)
	}
	sort.Strings(series)

	first := types.BucketStart(r.Start, width)
	if first < r.Start {
		first += int64(width)
	}

	var out []BucketValue
	for _, s := range series {
		observed := bySeries[s]
		var filled []BucketValue
		for b := first; b < r.End; b += int64(width) {
			if v, ok := observed[b]; ok {
				filled = append(filled, v)
				continue
			}
			filled = append(filled, BucketValue{
				BucketStart: b,
				SeriesKey:   s,
				Value:       math.NaN(),
			})
		}
		switch mode {
		case FillLOCF:
			fillLOCF(filled)
		case FillLinear:
			fillLinear(filled)
		}
		out = append(out, filled...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketStart != out[j].BucketStart {
			return out[i].BucketStart < out[j].BucketStart
		}
		return out[i].SeriesKey < out[j].SeriesKey
	})
	return out
}

func fillLOCF(buckets []BucketValue) {
	last := math.NaN()
	for i := range buckets {
		if buckets[i].RowCount > 0 {
			last = buckets[i].Value
			continue
		}
		buckets[i].Value = last
	}
}

func fillLinear(buckets []BucketValue) {
	for i := range buckets {
		if buckets[i].RowCount > 0 {
			continue
		}
		prev, next := -1, -1
		for j := i - 1; j >= 0; j-- {
			if buckets[j].RowCount > 0 {
				prev = j
				break
			}
		}
		for j := i + 1; j < len(buckets); j++ {
			if buckets[j].RowCount > 0 {
				next = j
				break
			}
		}
		if prev < 0 || next < 0 {
			continue
		}
		frac := float64(i-prev) / float64(next-prev)
		buckets[i].Value = buckets[prev].Value + frac*(buckets[next].Value-buckets[prev].Value)
	}
}
