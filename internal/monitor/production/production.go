// Package production folds individual prediction events into
// time-bucketed, mergeable per-column statistics whose tracked
// vocabulary (enum variants, text n-grams) is dictated by the training
// model — off-vocabulary strings land in a per-column invalid histogram
// instead of growing the variant set.
package production

import (
	"strconv"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/predict"
	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
)

// ColumnStats is the closed sum over the production stats variants for
// one input column; exactly one pointer is non-nil.
type ColumnStats struct {
	ColumnName string
	Number     *NumberColumnStats
	Enum       *EnumColumnStats
	Text       *TextColumnStats
}

// NumberColumnStats tracks a production number column: parseable values
// accumulate into the same sparse histogram training stats use, the
// rest split between absent and invalid.
type NumberColumnStats struct {
	Count        int
	AbsentCount  int
	InvalidCount int
	Stats        stats.NumberColumnStats
}

// EnumColumnStats tracks a production enum column: known variants fill
// the V+1 histogram, unknown strings are tallied per-string in
// InvalidHistogram.
type EnumColumnStats struct {
	Count            int
	AbsentCount      int
	InvalidCount     int
	Variants         []string
	Histogram        []int // len V+1, index 0 = invalid
	InvalidHistogram map[string]int
}

// TextColumnStats tracks a production text column against the training
// model's tracked n-gram set.
type TextColumnStats struct {
	Count       int
	AbsentCount int
	Stats       stats.TextColumnStats
	tracked     map[stats.NGram]struct{}
	seenScratch map[stats.NGram]struct{}
}

// Stats is one bucket's worth of per-column production statistics for
// one model.
type Stats struct {
	ModelID string
	Count   int
	Columns []ColumnStats
}

// New builds an empty Stats whose column set and vocabularies come from
// the model's feature groups.
func New(modelID string, groups []features.Group, settings stats.Settings) *Stats {
	s := &Stats{ModelID: modelID}
	seen := map[string]struct{}{}
	add := func(name string, kind table.ColumnKind, variants []string, tracked []stats.NGram) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		cs := ColumnStats{ColumnName: name}
		switch kind {
		case table.KindNumber:
			cs.Number = &NumberColumnStats{Stats: stats.NumberColumnStats{Histogram: map[float32]int{}}}
		case table.KindEnum:
			cs.Enum = &EnumColumnStats{
				Variants:         variants,
				Histogram:        make([]int, len(variants)+1),
				InvalidHistogram: map[string]int{},
			}
		default:
			trackedSet := make(map[stats.NGram]struct{}, len(tracked))
			for _, ng := range tracked {
				trackedSet[ng] = struct{}{}
			}
			cs.Text = &TextColumnStats{
				Stats:       stats.TextColumnStats{NGramTypes: settings.NGramTypes, NGrams: map[stats.NGram]*stats.TextColumnStatsNGramEntry{}},
				tracked:     trackedSet,
				seenScratch: map[stats.NGram]struct{}{},
			}
		}
		s.Columns = append(s.Columns, cs)
	}
	for _, g := range groups {
		add(g.SourceColumn, g.SourceColumnKind, g.Variants, g.NGrams)
		if g.Kind == features.GroupBagOfWordsCosineSimilarity {
			add(g.SourceColumnB, table.KindText, nil, g.NGrams)
		}
	}
	return s
}

// Update folds one prediction event's input into the bucket.
func (s *Stats) Update(input predict.Input) {
	s.Count++
	for i := range s.Columns {
		c := &s.Columns[i]
		val, present := input[c.ColumnName]
		switch {
		case c.Number != nil:
			c.Number.update(val, present)
		case c.Enum != nil:
			c.Enum.update(val, present)
		case c.Text != nil:
			c.Text.update(val, present)
		}
	}
}

func (n *NumberColumnStats) update(val predict.Value, present bool) {
	n.Count++
	if !present {
		n.AbsentCount++
		return
	}
	var f float64
	if val.IsNumber {
		f = val.Number
	} else {
		parsed, err := strconv.ParseFloat(val.Text, 32)
		if err != nil {
			n.InvalidCount++
			return
		}
		f = parsed
	}
	x := float32(f)
	if x != x {
		n.InvalidCount++
		return
	}
	n.Stats.Histogram[x]++
	n.Stats.ValidCount++
	n.Stats.Count++
}

func (e *EnumColumnStats) update(val predict.Value, present bool) {
	e.Count++
	if !present {
		e.AbsentCount++
		e.Histogram[0]++
		return
	}
	text := val.Text
	if val.IsNumber {
		text = strconv.FormatFloat(val.Number, 'g', -1, 64)
	}
	for i, variant := range e.Variants {
		if variant == text {
			e.Histogram[i+1]++
			return
		}
	}
	e.InvalidCount++
	e.Histogram[0]++
	e.InvalidHistogram[text]++
}

func (t *TextColumnStats) update(val predict.Value, present bool) {
	t.Count++
	if !present {
		t.AbsentCount++
		return
	}
	t.Stats.RowCount++
	t.Stats.AccumulateRow(val.Text, t.seenScratch, t.tracked)
}

// Merge combines two buckets for the same model and interval,
// associatively.
func Merge(a, b *Stats) *Stats {
	out := &Stats{ModelID: a.ModelID, Count: a.Count + b.Count}
	out.Columns = make([]ColumnStats, len(a.Columns))
	for i := range a.Columns {
		out.Columns[i] = mergeColumn(a.Columns[i], b.Columns[i])
	}
	return out
}

func mergeColumn(a, b ColumnStats) ColumnStats {
	out := ColumnStats{ColumnName: a.ColumnName}
	switch {
	case a.Number != nil:
		out.Number = &NumberColumnStats{
			Count:        a.Number.Count + b.Number.Count,
			AbsentCount:  a.Number.AbsentCount + b.Number.AbsentCount,
			InvalidCount: a.Number.InvalidCount + b.Number.InvalidCount,
			Stats:        *a.Number.Stats.MergeWith(&b.Number.Stats),
		}
	case a.Enum != nil:
		hist := make([]int, len(a.Enum.Histogram))
		for i := range hist {
			hist[i] = a.Enum.Histogram[i] + b.Enum.Histogram[i]
		}
		invalid := make(map[string]int, len(a.Enum.InvalidHistogram))
		for k, v := range a.Enum.InvalidHistogram {
			invalid[k] = v
		}
		for k, v := range b.Enum.InvalidHistogram {
			invalid[k] += v
		}
		out.Enum = &EnumColumnStats{
			Count:            a.Enum.Count + b.Enum.Count,
			AbsentCount:      a.Enum.AbsentCount + b.Enum.AbsentCount,
			InvalidCount:     a.Enum.InvalidCount + b.Enum.InvalidCount,
			Variants:         a.Enum.Variants,
			Histogram:        hist,
			InvalidHistogram: invalid,
		}
	case a.Text != nil:
		out.Text = &TextColumnStats{
			Count:       a.Text.Count + b.Text.Count,
			AbsentCount: a.Text.AbsentCount + b.Text.AbsentCount,
			Stats:       *a.Text.Stats.MergeWith(&b.Text.Stats),
			tracked:     a.Text.tracked,
			seenScratch: map[stats.NGram]struct{}{},
		}
	}
	return out
}

// AlertKind classifies a per-column production-stats alert.
type AlertKind uint8

const (
	AlertHighInvalidCount AlertKind = iota
	AlertHighAbsentCount
	AlertHighInvalidAndAbsentCount
)

func (k AlertKind) String() string {
	switch k {
	case AlertHighInvalidCount:
		return "High Invalid Count"
	case AlertHighAbsentCount:
		return "High Absent Count"
	default:
		return "High Invalid and Absent Count"
	}
}

// ColumnAlert flags one column whose invalid or absent ratio crossed
// the alerting threshold.
type ColumnAlert struct {
	ColumnName string
	Kind       AlertKind
}

// alertRatioThreshold is the invalid/absent fraction above which a
// column is flagged.
const alertRatioThreshold = 0.1

// Alerts scans every column for high invalid/absent ratios.
func (s *Stats) Alerts() []ColumnAlert {
	var out []ColumnAlert
	for _, c := range s.Columns {
		var count, invalid, absent int
		switch {
		case c.Number != nil:
			count, invalid, absent = c.Number.Count, c.Number.InvalidCount, c.Number.AbsentCount
		case c.Enum != nil:
			count, invalid, absent = c.Enum.Count, c.Enum.InvalidCount, c.Enum.AbsentCount
		case c.Text != nil:
			count, absent = c.Text.Count, c.Text.AbsentCount
		}
		if count == 0 {
			continue
		}
		highInvalid := float64(invalid)/float64(count) > alertRatioThreshold
		highAbsent := float64(absent)/float64(count) > alertRatioThreshold
		switch {
		case highInvalid && highAbsent:
			out = append(out, ColumnAlert{ColumnName: c.ColumnName, Kind: AlertHighInvalidAndAbsentCount})
		case highInvalid:
			out = append(out, ColumnAlert{ColumnName: c.ColumnName, Kind: AlertHighInvalidCount})
		case highAbsent:
			out = append(out, ColumnAlert{ColumnName: c.ColumnName, Kind: AlertHighAbsentCount})
		}
	}
	return out
}
