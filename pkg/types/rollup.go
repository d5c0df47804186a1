package types

// BucketState is the partial aggregation state for one (bucket, series key)
// pair. It carries enough to derive any supported reducer's value, so avg is
// stored as sum+count rather than a running mean.
type BucketState struct {
	Count     int64   `json:"count"`
	Sum       float64 `json:"sum"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	First     float64 `json:"first"`
	FirstTime int64   `json:"first_time"`
	FirstSeq  uint64  `json:"first_seq"`
	Last      float64 `json:"last"`
	LastTime  int64   `json:"last_time"`
	LastSeq   uint64  `json:"last_seq"`
}

// Observe folds a single row into the state.
func (s *BucketState) Observe(r Row) {
	if s.Count == 0 {
		s.Min = r.Value
		s.Max = r.Value
		s.First = r.Value
		s.FirstTime = r.Time
		s.FirstSeq = r.Seq
		s.Last = r.Value
		s.LastTime = r.Time
		s.LastSeq = r.Seq
	} else {
		if r.Value < s.Min {
			s.Min = r.Value
		}
		if r.Value > s.Max {
			s.Max = r.Value
		}
		if r.Time < s.FirstTime || (r.Time == s.FirstTime && r.Seq < s.FirstSeq) {
			s.First = r.Value
			s.FirstTime = r.Time
			s.FirstSeq = r.Seq
		}
		if r.Time > s.LastTime || (r.Time == s.LastTime && r.Seq > s.LastSeq) {
			s.Last = r.Value
			s.LastTime = r.Time
			s.LastSeq = r.Seq
		}
	}
	s.Count++
	s.Sum += r.Value
}

// Value derives the reducer's final value from the partial state.
func (s BucketState) Value(kind ReducerKind) float64 {
	switch kind {
	case ReduceSum:
		return s.Sum
	case ReduceCount:
		return float64(s.Count)
	case ReduceMin:
		return s.Min
	case ReduceMax:
		return s.Max
	case ReduceAvg:
		if s.Count == 0 {
			return 0
		}
		return s.Sum / float64(s.Count)
	case ReduceFirst:
		return s.First
	case ReduceLast:
		return s.Last
	default:
		return 0
	}
}
