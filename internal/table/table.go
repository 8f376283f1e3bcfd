// Package table implements the typed, columnar in-memory dataset used
// by the rest of the core: CSV inference and loading, row-wise splits,
// and conversion into dense numeric matrices for the feature and tree
// stages. Columns are contiguous typed slices addressed by row index,
// not row-oriented structs.
package table

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// ColumnKind discriminates the four column variants. Tagged union instead
// of virtual dispatch, per the zero-reflection design note.
type ColumnKind uint8

const (
	KindUnknown ColumnKind = iota
	KindNumber
	KindEnum
	KindText
)

func (k ColumnKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindEnum:
		return "enum"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Column is one named, typed vector. Only one of the Numbers/EnumIdx/Texts
// slices is populated, per Kind.
type Column struct {
	Name     string
	Kind     ColumnKind
	Len      int       // valid for Kind == KindUnknown
	Numbers  []float32 // NaN marks an invalid cell
	Variants []string  // Kind == KindEnum: the ordered, fixed variant list
	EnumIdx  []uint32  // Kind == KindEnum: 0 = absent, else 1-based index into Variants
	Texts    []string  // Kind == KindText
}

func (c *Column) length() int {
	switch c.Kind {
	case KindNumber:
		return len(c.Numbers)
	case KindEnum:
		return len(c.EnumIdx)
	case KindText:
		return len(c.Texts)
	default:
		return c.Len
	}
}

// NewUnknownColumn builds a column that failed type inference.
func NewUnknownColumn(name string, n int) Column {
	return Column{Name: name, Kind: KindUnknown, Len: n}
}

// NewNumberColumn builds an empty, pre-reserved number column.
func NewNumberColumn(name string, capacity int) Column {
	return Column{Name: name, Kind: KindNumber, Numbers: make([]float32, 0, capacity)}
}

// NewEnumColumn builds an empty, pre-reserved enum column over the given
// ordered variants.
func NewEnumColumn(name string, variants []string, capacity int) Column {
	return Column{Name: name, Kind: KindEnum, Variants: variants, EnumIdx: make([]uint32, 0, capacity)}
}

// NewTextColumn builds an empty, pre-reserved text column.
func NewTextColumn(name string, capacity int) Column {
	return Column{Name: name, Kind: KindText, Texts: make([]string, 0, capacity)}
}

// VariantName returns the variant string for a 1-based enum index, or ""
// for 0 (absent).
func (c *Column) VariantName(idx uint32) string {
	if idx == 0 || int(idx) > len(c.Variants) {
		return ""
	}
	return c.Variants[idx-1]
}

// Table is an ordered list of equal-length, uniquely-named columns.
type Table struct {
	Columns []Column
}

// New builds an empty table with the given typed column shells.
func New(columns []Column) *Table {
	return &Table{Columns: columns}
}

// AppendRow parses one row of raw string values, one per column, with
// the same coercion the CSV loader applies: unparseable numbers become
// NaN, unknown enum strings become absent, text never fails.
func (t *Table) AppendRow(values []string) error {
	if len(values) != len(t.Columns) {
		return errors.Wrapf(ErrInvalidInput, "row has %d fields, expected %d", len(values), len(t.Columns))
	}
	for i, v := range values {
		c := &t.Columns[i]
		switch c.Kind {
		case KindNumber:
			f, err := strconv.ParseFloat(v, 32)
			if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				c.Numbers = append(c.Numbers, float32NaN())
			} else {
				c.Numbers = append(c.Numbers, float32(f))
			}
		case KindEnum:
			// Linear scan: caller-built enum columns need not keep their
			// variants sorted the way the CSV loader does.
			idx := uint32(0)
			for vi, variant := range c.Variants {
				if variant == v {
					idx = uint32(vi + 1)
					break
				}
			}
			c.EnumIdx = append(c.EnumIdx, idx)
		case KindText:
			c.Texts = append(c.Texts, v)
		default:
			c.Len++
		}
	}
	return nil
}

// NRows returns the shared row count, or 0 for an empty table.
func (t *Table) NRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].length()
}

// NCols returns the number of columns.
func (t *Table) NCols() int { return len(t.Columns) }

// ColumnByName finds a column by name, or nil.
func (t *Table) ColumnByName(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Validate checks the table invariants: equal column
// lengths, enum indices in range, and unique column names.
func (t *Table) Validate() error {
	seen := make(map[string]struct{}, len(t.Columns))
	n := t.NRows()
	for _, c := range t.Columns {
		if _, ok := seen[c.Name]; ok {
			return errors.Wrapf(ErrInvalidInput, "duplicate column name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.length() != n {
			return errors.Wrapf(ErrInvalidInput, "column %q has length %d, expected %d", c.Name, c.length(), n)
		}
		if c.Kind == KindEnum {
			for _, idx := range c.EnumIdx {
				if int(idx) > len(c.Variants) {
					return errors.Wrapf(ErrInvalidInput, "column %q: enum index %d out of range for %d variants", c.Name, idx, len(c.Variants))
				}
			}
		}
	}
	return nil
}

// ErrInvalidInput is the sentinel for unrecoverable caller mistakes.
var ErrInvalidInput = errors.New("table: invalid input")

// View is an immutable, borrowed slice of rows [start, end) over a table.
// It never copies column data.
type View struct {
	table      *Table
	start, end int
}

// ViewOf produces a view over the full table.
func ViewOf(t *Table) View {
	return View{table: t, start: 0, end: t.NRows()}
}

// NRows is the number of rows visible through this view.
func (v View) NRows() int { return v.end - v.start }

// NCols is the number of columns in the underlying table.
func (v View) NCols() int { return len(v.table.Columns) }

// ColumnNames returns the names of the columns in order.
func (v View) ColumnNames() []string {
	names := make([]string, len(v.table.Columns))
	for i, c := range v.table.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the i'th underlying column, unsliced: callers index it
// with Start()+row.
func (v View) Column(i int) *Column { return &v.table.Columns[i] }

// ColumnByName finds a column view by name.
func (v View) ColumnByName(name string) (*Column, bool) {
	c := v.table.ColumnByName(name)
	return c, c != nil
}

// Start is the first row index (inclusive) this view exposes into the
// underlying column slices.
func (v View) Start() int { return v.start }

// End is the last row index (exclusive).
func (v View) End() int { return v.end }

// Split partitions the view row-wise at index (0-based, relative to the
// view), returning [0,index) and [index,len).
func (v View) Split(index int) (View, View) {
	if index < 0 || index > v.NRows() {
		panic(fmt.Sprintf("table: split index %d out of range [0,%d]", index, v.NRows()))
	}
	mid := v.start + index
	return View{table: v.table, start: v.start, end: mid}, View{table: v.table, start: mid, end: v.end}
}

// NumberAt returns the number in column ci at view-relative row.
func (v View) NumberAt(ci, row int) float32 {
	return v.table.Columns[ci].Numbers[v.start+row]
}

// EnumAt returns the 1-based enum index (0 = absent) in column ci at
// view-relative row.
func (v View) EnumAt(ci, row int) uint32 {
	return v.table.Columns[ci].EnumIdx[v.start+row]
}

// TextAt returns the text in column ci at view-relative row.
func (v View) TextAt(ci, row int) string {
	return v.table.Columns[ci].Texts[v.start+row]
}

// ToNumberMatrix converts numeric/enum columns (enum indices cast to
// float32, absent -> NaN) into a dense row-major matrix, for callers that
// want the flat f32 feature-matrix path.
func (v View) ToNumberMatrix(columnIndices []int) [][]float32 {
	n := v.NRows()
	out := make([][]float32, n)
	for r := 0; r < n; r++ {
		row := make([]float32, len(columnIndices))
		for j, ci := range columnIndices {
			col := &v.table.Columns[ci]
			switch col.Kind {
			case KindNumber:
				row[j] = col.Numbers[v.start+r]
			case KindEnum:
				idx := col.EnumIdx[v.start+r]
				if idx == 0 {
					row[j] = float32NaN()
				} else {
					row[j] = float32(idx)
				}
			default:
				row[j] = float32NaN()
			}
		}
		out[r] = row
	}
	return out
}

func float32NaN() float32 {
	var f float32
	return f / f
}
