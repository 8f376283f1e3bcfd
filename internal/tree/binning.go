package tree

import (
	"sort"

	"github.com/frankmgb/tangram/internal/table"
)

// MaxValidBins is the largest number of value bins a continuous
// feature can have, so a bin index always fits in a uint8 alongside
// the reserved invalid bin.
const MaxValidBins = 255

// Layout selects how binned feature values are stored in memory. Both
// layouts accumulate per-(feature, bin) sums in the same example order,
// so they grow bit-identical trees.
type Layout uint8

const (
	// LayoutColumnMajor stores one contiguous bin slice per feature.
	// Preferred when n_features is small relative to n_examples: bin-stat
	// accumulation parallelizes per feature.
	LayoutColumnMajor Layout = iota
	// LayoutRowMajor stores all features of one example contiguously,
	// with each feature's bin pre-offset into the flat bin-stats array so
	// a single linear scan of a row touches one histogram slot per
	// feature. Preferred for wide, dense inputs.
	LayoutRowMajor
)

// BinningInstruction records how one feature column was discretized:
// sorted interior thresholds for a continuous column, or the variant
// count for a discrete (enum) column. Bin 0 is always reserved for
// invalid/missing values.
type BinningInstruction struct {
	Kind       table.ColumnKind
	Thresholds []float32 // Number columns: len+1 == n value bins (excluding invalid bin 0)
	NVariants  int       // Enum columns: bin i+1 == variant i, bin 0 == invalid
}

// NBins is the total bin count including the reserved invalid bin.
func (b BinningInstruction) NBins() int {
	switch b.Kind {
	case table.KindNumber:
		return len(b.Thresholds) + 2
	case table.KindEnum:
		return b.NVariants + 1
	default:
		return 1
	}
}

// Splittable reports whether the feature has more than one value bin.
// Single-bin features can never split and are dropped before training.
func (b BinningInstruction) Splittable() bool {
	switch b.Kind {
	case table.KindNumber:
		return len(b.Thresholds) > 0
	case table.KindEnum:
		return b.NVariants > 1
	default:
		return false
	}
}

// BinningOptions caps the bin count and the number of examples sampled
// when computing quantile thresholds.
type BinningOptions struct {
	MaxValidBinsForNumberFeatures        int
	MaxExamplesForComputingBinThresholds int // 0 = use every example
}

// ComputeBinningInstructions derives quantile-spaced thresholds for every
// numeric feature column and passes enum columns through as-is, the
// histogram-binning step that precedes bin-stats accumulation.
func ComputeBinningInstructions(v table.View, columnIndices []int, opts BinningOptions) []BinningInstruction {
	maxValidBins := opts.MaxValidBinsForNumberFeatures
	if maxValidBins <= 0 || maxValidBins > MaxValidBins {
		maxValidBins = MaxValidBins
	}
	out := make([]BinningInstruction, len(columnIndices))
	for i, ci := range columnIndices {
		col := v.Column(ci)
		switch col.Kind {
		case table.KindEnum:
			out[i] = BinningInstruction{Kind: table.KindEnum, NVariants: len(col.Variants)}
		default:
			out[i] = BinningInstruction{Kind: table.KindNumber, Thresholds: quantileThresholds(v, ci, maxValidBins, opts.MaxExamplesForComputingBinThresholds)}
		}
	}
	return out
}

// quantileThresholds picks up to maxBins-1 interior split points evenly
// spaced by index across the sorted distinct finite values of a
// deterministic prefix subsample of the column. When there are at most
// maxBins distinct values, the thresholds are the midpoints between
// neighbouring values instead.
func quantileThresholds(v table.View, ci int, maxBins, maxExamples int) []float32 {
	n := v.NRows()
	if maxExamples > 0 && n > maxExamples {
		n = maxExamples
	}
	vals := make([]float32, 0, n)
	for r := 0; r < n; r++ {
		x := v.NumberAt(ci, r)
		if x == x { // not NaN
			vals = append(vals, x)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	distinct := dedupeSorted(vals)
	if len(distinct) <= maxBins {
		thresholds := make([]float32, 0, len(distinct)-1)
		for i := 0; i+1 < len(distinct); i++ {
			thresholds = append(thresholds, midpoint(distinct[i], distinct[i+1]))
		}
		return thresholds
	}
	thresholds := make([]float32, 0, maxBins-1)
	for i := 1; i < maxBins; i++ {
		idx := i * (len(distinct) - 1) / maxBins
		thresholds = append(thresholds, distinct[idx])
	}
	return dedupeSorted(thresholds)
}

func dedupeSorted(vals []float32) []float32 {
	if len(vals) == 0 {
		return vals
	}
	out := vals[:1]
	for _, v := range vals[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func midpoint(a, b float32) float32 { return a + (b-a)/2 }

// BinForValue returns the bin index a raw value falls into given a
// column's binning instruction: 0 for invalid, 1..N by threshold
// bisection or variant index.
func BinForValue(instr BinningInstruction, col *table.Column, ci, row int, v table.View) uint16 {
	switch instr.Kind {
	case table.KindEnum:
		return uint16(v.EnumAt(ci, row))
	default:
		x := v.NumberAt(ci, row)
		if x != x {
			return 0
		}
		return binForNumber(instr.Thresholds, x)
	}
}

func binForNumber(thresholds []float32, x float32) uint16 {
	lo, hi := 0, len(thresholds)
	for lo < hi {
		mid := (lo + hi) / 2
		if x <= thresholds[mid] {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return uint16(lo + 1)
}

// BinnedFeatures holds the discretized feature matrix in one of the two
// layouts, plus the flat bin-stats offset table shared by both: feature
// fi's bins occupy Offsets[fi]..Offsets[fi+1] in a flat stats array.
type BinnedFeatures struct {
	Layout   Layout
	NRows    int
	NBins    []int      // bin count per feature, including the invalid bin
	Offsets  []uint32   // prefix sums of NBins; len == nFeatures+1
	Columns  [][]uint16 // LayoutColumnMajor: Columns[feature][row] = bin
	RowMajor []uint32   // LayoutRowMajor: RowMajor[row*stride+feature] = Offsets[feature]+bin
}

// TotalBins is the summed bin count across every feature.
func (bf *BinnedFeatures) TotalBins() int { return int(bf.Offsets[len(bf.Offsets)-1]) }

// NFeatures is the number of binned feature columns.
func (bf *BinnedFeatures) NFeatures() int { return len(bf.NBins) }

// BinAt returns the raw bin index of (feature, row) regardless of
// layout.
func (bf *BinnedFeatures) BinAt(fi, row int) uint16 {
	if bf.Layout == LayoutRowMajor {
		return uint16(bf.RowMajor[row*len(bf.NBins)+fi] - bf.Offsets[fi])
	}
	return bf.Columns[fi][row]
}

// Row fills dst with the raw bin index of every feature for one row.
func (bf *BinnedFeatures) Row(row int, dst []uint16) []uint16 {
	dst = dst[:0]
	for fi := 0; fi < len(bf.NBins); fi++ {
		dst = append(dst, bf.BinAt(fi, row))
	}
	return dst
}

// ComputeBinnedFeatures discretizes every used feature column for every
// row up front so that bin-stats accumulation during tree growth never
// touches raw values again.
func ComputeBinnedFeatures(v table.View, columnIndices []int, instructions []BinningInstruction, layout Layout) *BinnedFeatures {
	n := v.NRows()
	nFeatures := len(columnIndices)
	bf := &BinnedFeatures{Layout: layout, NRows: n, NBins: make([]int, nFeatures), Offsets: make([]uint32, nFeatures+1)}
	for fi := range columnIndices {
		bf.NBins[fi] = instructions[fi].NBins()
		bf.Offsets[fi+1] = bf.Offsets[fi] + uint32(bf.NBins[fi])
	}
	if layout == LayoutRowMajor {
		bf.RowMajor = make([]uint32, n*nFeatures)
		for fi, ci := range columnIndices {
			col := v.Column(ci)
			instr := instructions[fi]
			off := bf.Offsets[fi]
			for r := 0; r < n; r++ {
				bf.RowMajor[r*nFeatures+fi] = off + uint32(BinForValue(instr, col, ci, r, v))
			}
		}
		return bf
	}
	bf.Columns = make([][]uint16, nFeatures)
	for fi, ci := range columnIndices {
		col := v.Column(ci)
		instr := instructions[fi]
		binned := make([]uint16, n)
		for r := 0; r < n; r++ {
			binned[r] = BinForValue(instr, col, ci, r, v)
		}
		bf.Columns[fi] = binned
	}
	return bf
}
