package table

import (
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// InferOptions controls two-pass CSV type inference.
type InferOptions struct {
	EnumMaxUniqueValues int      // default 100
	InvalidValues       []string // sentinel strings treated as absent
}

// DefaultInvalidValues covers the usual not-a-value spellings.
var DefaultInvalidValues = []string{
	"", "NA", "N/A", "n/a", "NaN", "nan", "null", "NULL", "?",
	"Inf", "inf", "+Inf", "+inf", "-Inf", "-inf", "-NaN", "-nan",
}

// DefaultInferOptions returns the documented defaults.
func DefaultInferOptions() InferOptions {
	return InferOptions{EnumMaxUniqueValues: 100, InvalidValues: DefaultInvalidValues}
}

func (o InferOptions) sentinelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(o.InvalidValues))
	for _, v := range o.InvalidValues {
		set[v] = struct{}{}
	}
	return set
}

// FromCSVOptions bundles the per-column type overrides with inference
// options.
type FromCSVOptions struct {
	ColumnTypes   map[string]ColumnKind // columns not listed fall through to inference
	InferOptions  InferOptions
	ProgressEvent func(Event)
}

// Event is one of the four loader progress events, sharing a
// counter so multiple passes can report combined progress.
type Event struct {
	Kind    EventKind
	Current uint64
	Total   uint64
}

type EventKind uint8

const (
	EventInferStarted EventKind = iota
	EventInferDone
	EventLoadStarted
	EventLoadDone
)

func emit(cb func(Event), kind EventKind, cur, total uint64) {
	if cb != nil {
		cb(Event{Kind: kind, Current: cur, Total: total})
	}
}

// FromCSV loads a table from r. When a column's type is not given via
// ColumnTypes, a first pass classifies it; a second pass
// materializes all columns with pre-reserved capacity.
func FromCSV(r io.Reader, opts FromCSVOptions) (*Table, error) {
	if opts.InferOptions.EnumMaxUniqueValues == 0 {
		opts.InferOptions = DefaultInferOptions()
	}
	sentinels := opts.InferOptions.sentinelSet()

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "table: reading csv header")
	}
	nCols := len(header)

	type colPlan struct {
		fixedKind ColumnKind
		fixed     bool
		infer     *inferStats
	}
	plans := make([]colPlan, nCols)
	needsInfer := false
	for i, name := range header {
		if kind, ok := opts.ColumnTypes[name]; ok {
			plans[i] = colPlan{fixedKind: kind, fixed: true}
			continue
		}
		plans[i] = colPlan{infer: newInferStats(opts.InferOptions.EnumMaxUniqueValues)}
		needsInfer = true
	}

	var allRows [][]string
	if needsInfer {
		emit(opts.ProgressEvent, EventInferStarted, 0, 0)
		for {
			rec, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.Wrap(err, "table: reading csv row")
			}
			if len(rec) != nCols {
				return nil, errors.Wrapf(ErrInvalidInput, "row has %d fields, expected %d", len(rec), nCols)
			}
			allRows = append(allRows, rec)
			for i, v := range rec {
				if plans[i].fixed {
					continue
				}
				if _, isSentinel := sentinels[v]; isSentinel {
					continue
				}
				plans[i].infer.observe(v)
			}
		}
		emit(opts.ProgressEvent, EventInferDone, 0, 0)
	}

	kinds := make([]ColumnKind, nCols)
	variants := make([][]string, nCols)
	for i, p := range plans {
		if p.fixed {
			kinds[i] = p.fixedKind
			continue
		}
		kind, vs := p.infer.classify()
		kinds[i] = kind
		variants[i] = vs
	}

	reserve := len(allRows)
	columns := make([]Column, nCols)
	for i, name := range header {
		switch kinds[i] {
		case KindNumber:
			columns[i] = NewNumberColumn(name, reserve)
		case KindEnum:
			columns[i] = NewEnumColumn(name, variants[i], reserve)
		case KindText:
			columns[i] = NewTextColumn(name, reserve)
		default:
			columns[i] = NewUnknownColumn(name, 0)
		}
	}

	emit(opts.ProgressEvent, EventLoadStarted, 0, uint64(reserve))

	appendRow := func(rec []string) error {
		if len(rec) != nCols {
			return errors.Wrapf(ErrInvalidInput, "row has %d fields, expected %d", len(rec), nCols)
		}
		for i, v := range rec {
			_, isSentinel := sentinels[v]
			switch kinds[i] {
			case KindNumber:
				if isSentinel {
					columns[i].Numbers = append(columns[i].Numbers, float32NaN())
					continue
				}
				f, err := strconv.ParseFloat(v, 32)
				if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
					columns[i].Numbers = append(columns[i].Numbers, float32NaN())
					continue
				}
				columns[i].Numbers = append(columns[i].Numbers, float32(f))
			case KindEnum:
				if isSentinel {
					columns[i].EnumIdx = append(columns[i].EnumIdx, 0)
					continue
				}
				idx := variantIndex(variants[i], v)
				columns[i].EnumIdx = append(columns[i].EnumIdx, idx)
			case KindText:
				columns[i].Texts = append(columns[i].Texts, v)
			default:
				columns[i].Len++
			}
		}
		return nil
	}

	if needsInfer {
		for _, rec := range allRows {
			if err := appendRow(rec); err != nil {
				return nil, err
			}
		}
	} else {
		for {
			rec, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.Wrap(err, "table: reading csv row")
			}
			if err := appendRow(rec); err != nil {
				return nil, err
			}
		}
	}

	emit(opts.ProgressEvent, EventLoadDone, uint64(reserve), uint64(reserve))

	t := &Table{Columns: columns}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func variantIndex(variants []string, v string) uint32 {
	// variants are sorted; binary search keeps load O(n log v).
	i := sort.SearchStrings(variants, v)
	if i < len(variants) && variants[i] == v {
		return uint32(i + 1)
	}
	return 0
}

// inferStats accumulates the distinct non-sentinel values seen for one
// column during pass 1 for the three-rule classifier.
type inferStats struct {
	maxUnique  int
	uniques    map[string]struct{}
	order      []string
	allNumeric bool
	sawAny     bool
}

func newInferStats(maxUnique int) *inferStats {
	return &inferStats{maxUnique: maxUnique, uniques: make(map[string]struct{}), allNumeric: true}
}

func (s *inferStats) observe(v string) {
	s.sawAny = true
	if _, ok := s.uniques[v]; !ok {
		s.uniques[v] = struct{}{}
		s.order = append(s.order, v)
	}
	if s.allNumeric {
		if f, err := strconv.ParseFloat(v, 64); err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			s.allNumeric = false
		}
	}
}

func (s *inferStats) classify() (ColumnKind, []string) {
	if !s.sawAny {
		return KindText, nil
	}
	if s.allNumeric {
		if len(s.uniques) == 2 {
			_, has0 := s.uniques["0"]
			_, has1 := s.uniques["1"]
			if has0 && has1 {
				return KindEnum, []string{"0", "1"}
			}
		}
		return KindNumber, nil
	}
	if len(s.uniques) <= s.maxUnique {
		vs := make([]string, len(s.order))
		copy(vs, s.order)
		sort.Strings(vs)
		return KindEnum, vs
	}
	return KindText, nil
}

// Dump writes t back out as CSV. Used by the CSV round-trip property test;
// only faithful for tables without text columns or NaN values.
func Dump(t *Table, w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "table: writing csv header")
	}
	n := t.NRows()
	rec := make([]string, len(t.Columns))
	for r := 0; r < n; r++ {
		for i, c := range t.Columns {
			switch c.Kind {
			case KindNumber:
				rec[i] = strconv.FormatFloat(float64(c.Numbers[r]), 'g', -1, 32)
			case KindEnum:
				rec[i] = c.VariantName(c.EnumIdx[r])
			case KindText:
				rec[i] = c.Texts[r]
			default:
				rec[i] = ""
			}
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrap(err, "table: writing csv row")
		}
	}
	cw.Flush()
	return cw.Error()
}
