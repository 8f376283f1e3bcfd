// Package stats computes streaming, mergeable per-column statistics
// for both training-time tables and production prediction traffic.
// Accumulators merge associatively, so shards computed independently
// fold into the same result as a single pass; finalize is terminal and
// not itself mergeable.
package stats

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/frankmgb/tangram/internal/table"
)

// Settings configures the histogram cap and n-gram tracking.
type Settings struct {
	NumberHistogramMaxSize int
	NGramsMaxCount         int
	NGramTypes             map[NGramType]struct{}
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		NumberHistogramMaxSize: 100,
		NGramsMaxCount:         20000,
		NGramTypes:             map[NGramType]struct{}{Unigram: {}, Bigram: {}},
	}
}

// ColumnStats is the closed sum type over the four per-column stats
// variants. Exactly one of the pointer fields is non-nil.
type ColumnStats struct {
	ColumnName string
	Kind       table.ColumnKind
	Unknown    *UnknownColumnStats
	Number     *NumberColumnStats
	Enum       *EnumColumnStats
	Text       *TextColumnStats
}

// UnknownColumnStats tracks only the count for columns that failed type
// inference.
type UnknownColumnStats struct {
	Count        int
	InvalidCount int
}

// Compute computes per-column stats for every column of the view. Each
// column is independent, so callers may shard rows across goroutines
// and Merge the partial results.
func Compute(v table.View, settings Settings) []ColumnStats {
	out := make([]ColumnStats, v.NCols())
	for i := 0; i < v.NCols(); i++ {
		col := v.Column(i)
		out[i] = computeColumn(col, v, i, settings)
	}
	return out
}

func computeColumn(col *table.Column, v table.View, ci int, settings Settings) ColumnStats {
	switch col.Kind {
	case table.KindNumber:
		return ColumnStats{ColumnName: col.Name, Kind: col.Kind, Number: computeNumber(v, ci)}
	case table.KindEnum:
		return ColumnStats{ColumnName: col.Name, Kind: col.Kind, Enum: computeEnum(col, v, ci)}
	case table.KindText:
		return ColumnStats{ColumnName: col.Name, Kind: col.Kind, Text: computeText(col, v, ci, settings)}
	default:
		n := v.NRows()
		return ColumnStats{ColumnName: col.Name, Kind: col.Kind, Unknown: &UnknownColumnStats{Count: n, InvalidCount: n}}
	}
}

// Merge combines two stats vectors computed over disjoint row ranges of
// the same column layout. Associative: Merge(Merge(a,b),c) ==
// Merge(a,Merge(b,c)).
func Merge(a, b []ColumnStats) []ColumnStats {
	out := make([]ColumnStats, len(a))
	for i := range a {
		out[i] = mergeColumn(a[i], b[i])
	}
	return out
}

func mergeColumn(a, b ColumnStats) ColumnStats {
	switch a.Kind {
	case table.KindNumber:
		return ColumnStats{ColumnName: a.ColumnName, Kind: a.Kind, Number: a.Number.merge(b.Number)}
	case table.KindEnum:
		return ColumnStats{ColumnName: a.ColumnName, Kind: a.Kind, Enum: a.Enum.merge(b.Enum)}
	case table.KindText:
		return ColumnStats{ColumnName: a.ColumnName, Kind: a.Kind, Text: a.Text.merge(b.Text)}
	default:
		return ColumnStats{ColumnName: a.ColumnName, Kind: a.Kind, Unknown: &UnknownColumnStats{
			Count:        a.Unknown.Count + b.Unknown.Count,
			InvalidCount: a.Unknown.InvalidCount + b.Unknown.InvalidCount,
		}}
	}
}

// Output is the finalized, terminal form of ColumnStats. Finalize is not
// commutative with Merge: it must run exactly once, after all merges.
type Output struct {
	ColumnName string
	Kind       table.ColumnKind
	Unknown    *UnknownColumnStats
	Number     *NumberColumnStatsOutput
	Enum       *EnumColumnStatsOutput
	Text       *TextColumnStatsOutput
}

// Finalize runs finalization for every column.
func Finalize(cs []ColumnStats, settings Settings) []Output {
	out := make([]Output, len(cs))
	for i, c := range cs {
		out[i] = finalizeColumn(c, settings)
	}
	return out
}

func finalizeColumn(c ColumnStats, settings Settings) Output {
	switch c.Kind {
	case table.KindNumber:
		return Output{ColumnName: c.ColumnName, Kind: c.Kind, Number: c.Number.finalize(settings)}
	case table.KindEnum:
		return Output{ColumnName: c.ColumnName, Kind: c.Kind, Enum: c.Enum.finalize()}
	case table.KindText:
		return Output{ColumnName: c.ColumnName, Kind: c.Kind, Text: c.Text.finalize(settings)}
	default:
		return Output{ColumnName: c.ColumnName, Kind: c.Kind, Unknown: c.Unknown}
	}
}

// --- Number ---

// NumberColumnStats is a sparse, ordered histogram over observed finite
// values plus invalid/valid counts. The histogram is keyed by the
// float32 value itself; NaN is never inserted, so every key compares
// equal to itself.
type NumberColumnStats struct {
	Count        int
	ValidCount   int
	InvalidCount int
	Histogram    map[float32]int
}

func computeNumber(v table.View, ci int) *NumberColumnStats {
	s := &NumberColumnStats{Histogram: make(map[float32]int)}
	n := v.NRows()
	s.Count = n
	for r := 0; r < n; r++ {
		x := v.NumberAt(ci, r)
		if isFiniteFloat32(x) {
			s.Histogram[x]++
			s.ValidCount++
		} else {
			s.InvalidCount++
		}
	}
	return s
}

func isFiniteFloat32(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// MergeWith combines two number accumulators over disjoint rows; used
// directly by the production-stats bucket merge.
func (s *NumberColumnStats) MergeWith(other *NumberColumnStats) *NumberColumnStats { return s.merge(other) }

// numberColumnStatsJSON is the wire form of NumberColumnStats: the
// sparse histogram's float32 keys cannot be JSON map keys, so they
// serialize as an entry list.
type numberColumnStatsJSON struct {
	Count        int              `json:"count"`
	ValidCount   int              `json:"valid_count"`
	InvalidCount int              `json:"invalid_count"`
	Histogram    []HistogramEntry `json:"histogram"`
}

// MarshalJSON implements json.Marshaler for serialized production
// buckets.
func (s NumberColumnStats) MarshalJSON() ([]byte, error) {
	keys := make([]float32, 0, len(s.Histogram))
	for k := range s.Histogram {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	entries := make([]HistogramEntry, len(keys))
	for i, k := range keys {
		entries[i] = HistogramEntry{Value: k, Count: s.Histogram[k]}
	}
	return json.Marshal(numberColumnStatsJSON{
		Count: s.Count, ValidCount: s.ValidCount, InvalidCount: s.InvalidCount, Histogram: entries,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *NumberColumnStats) UnmarshalJSON(data []byte) error {
	var wire numberColumnStatsJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.Count = wire.Count
	s.ValidCount = wire.ValidCount
	s.InvalidCount = wire.InvalidCount
	s.Histogram = make(map[float32]int, len(wire.Histogram))
	for _, e := range wire.Histogram {
		s.Histogram[e.Value] = e.Count
	}
	return nil
}

func (s *NumberColumnStats) merge(other *NumberColumnStats) *NumberColumnStats {
	out := &NumberColumnStats{
		Count:        s.Count + other.Count,
		ValidCount:   s.ValidCount + other.ValidCount,
		InvalidCount: s.InvalidCount + other.InvalidCount,
		Histogram:    make(map[float32]int, len(s.Histogram)),
	}
	for k, v := range s.Histogram {
		out.Histogram[k] = v
	}
	for k, v := range other.Histogram {
		out.Histogram[k] += v
	}
	return out
}

// NumberColumnStatsOutput is the finalized form: summary statistics plus
// an optional full histogram.
type NumberColumnStatsOutput struct {
	Count        int
	InvalidCount int
	UniqueCount  int
	Histogram    []HistogramEntry // nil if UniqueCount > Settings.NumberHistogramMaxSize
	Min, Max      float32
	Mean          float32
	Variance      float32
	Std           float32
	P25, P50, P75 float32
}

// HistogramEntry is one (value, count) pair in a number column's sparse
// histogram.
type HistogramEntry struct {
	Value float32
	Count int
}

func (s *NumberColumnStats) finalize(settings Settings) *NumberColumnStatsOutput {
	keys := make([]float32, 0, len(s.Histogram))
	for k := range s.Histogram {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := &NumberColumnStatsOutput{
		Count:        s.Count,
		InvalidCount: s.InvalidCount,
		UniqueCount:  len(keys),
	}
	if len(keys) == 0 {
		return out
	}
	out.Min = keys[0]
	out.Max = keys[len(keys)-1]
	if len(keys) <= settings.NumberHistogramMaxSize {
		out.Histogram = make([]HistogramEntry, len(keys))
		for i, k := range keys {
			out.Histogram[i] = HistogramEntry{Value: k, Count: s.Histogram[k]}
		}
	}

	total := float64(s.ValidCount)
	quantiles := []float64{0.25, 0.50, 0.75}
	idx := make([]int, 3)
	fract := make([]float64, 3)
	for i, q := range quantiles {
		target := (total - 1.0) * q
		idx[i] = int(math.Trunc(target))
		fract[i] = target - math.Trunc(target)
	}
	results := make([]float32, 3)
	found := [3]bool{}

	var mean, m2 float64
	var current int
	for ki, k := range keys {
		count := s.Histogram[k]
		value := float64(k)
		mean, m2 = mergeMeanM2(int64(current), mean, m2, int64(count), value, 0)
		current += count
		for i := 0; i < 3; i++ {
			if found[i] {
				continue
			}
			switch {
			case current-1 == idx[i]:
				if fract[i] > 0 {
					var next float64
					if ki+1 < len(keys) {
						next = float64(keys[ki+1])
					} else {
						next = value
					}
					results[i] = float32(value*(1-fract[i]) + next*fract[i])
				} else {
					results[i] = float32(value)
				}
				found[i] = true
			case current-1 > idx[i]:
				results[i] = float32(value)
				found[i] = true
			}
		}
	}
	out.P25, out.P50, out.P75 = results[0], results[1], results[2]
	out.Mean = float32(mean)
	variance := 0.0
	if current > 0 {
		variance = m2 / float64(current)
	}
	out.Variance = float32(variance)
	out.Std = float32(math.Sqrt(variance))
	return out
}

// mergeMeanM2 combines two Welford accumulators, matching
// `tangram_metrics::merge_mean_m2`: (count_a, mean_a, m2_a) folded with
// (count_b, mean_b, m2_b).
func mergeMeanM2(countA int64, meanA, m2A float64, countB int64, meanB, m2B float64) (float64, float64) {
	if countA == 0 {
		return meanB, m2B
	}
	if countB == 0 {
		return meanA, m2A
	}
	total := countA + countB
	delta := meanB - meanA
	mean := meanA + delta*float64(countB)/float64(total)
	m2 := m2A + m2B + delta*delta*float64(countA)*float64(countB)/float64(total)
	return mean, m2
}

// --- Enum ---

// EnumColumnStats tracks a length-(V+1) histogram, index 0 = invalid.
type EnumColumnStats struct {
	Count     int
	Variants  []string
	Histogram []int
}

func computeEnum(col *table.Column, v table.View, ci int) *EnumColumnStats {
	s := &EnumColumnStats{Variants: col.Variants, Histogram: make([]int, len(col.Variants)+1)}
	n := v.NRows()
	s.Count = n
	for r := 0; r < n; r++ {
		idx := v.EnumAt(ci, r)
		s.Histogram[idx]++
	}
	return s
}

func (s *EnumColumnStats) merge(other *EnumColumnStats) *EnumColumnStats {
	out := &EnumColumnStats{Count: s.Count + other.Count, Variants: s.Variants, Histogram: make([]int, len(s.Histogram))}
	for i := range s.Histogram {
		out.Histogram[i] = s.Histogram[i] + other.Histogram[i]
	}
	return out
}

// EnumColumnStatsOutput is the finalized enum stats view.
type EnumColumnStatsOutput struct {
	Count        int
	InvalidCount int
	UniqueCount  int
	Histogram    []VariantCount // one entry per variant, invalid bucket excluded
}

// VariantCount pairs a variant name with its occurrence count.
type VariantCount struct {
	Variant string
	Count   int
}

func (s *EnumColumnStats) finalize() *EnumColumnStatsOutput {
	out := &EnumColumnStatsOutput{
		Count:        s.Count,
		InvalidCount: s.Histogram[0],
		UniqueCount:  len(s.Variants),
		Histogram:    make([]VariantCount, len(s.Variants)),
	}
	for i, variant := range s.Variants {
		out.Histogram[i] = VariantCount{Variant: variant, Count: s.Histogram[i+1]}
	}
	return out
}
