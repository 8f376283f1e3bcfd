package stats

import (
	"strings"
	"testing"

	"github.com/frankmgb/tangram/internal/table"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, csv string) *table.Table {
	t.Helper()
	tbl, err := table.FromCSV(strings.NewReader(csv), table.FromCSVOptions{})
	require.NoError(t, err)
	return tbl
}

func TestMergeIsAssociativeNumber(t *testing.T) {
	tbl := load(t, "x\n1\n2\n3\n4\n5\n6\n7\n8\n")
	v := table.ViewOf(tbl)
	settings := DefaultSettings()

	whole := Compute(v, settings)

	a, b := v.Split(3)
	shard1 := Compute(a, settings)
	rest1, rest2 := b.Split(2)
	shard2 := Compute(rest1, settings)
	shard3 := Compute(rest2, settings)

	leftFirst := Merge(Merge(shard1, shard2), shard3)
	rightFirst := Merge(shard1, Merge(shard2, shard3))

	fWhole := Finalize(whole, settings)
	fLeft := Finalize(leftFirst, settings)
	fRight := Finalize(rightFirst, settings)

	require.Equal(t, fWhole[0].Number.Mean, fLeft[0].Number.Mean)
	require.Equal(t, fLeft[0].Number.Mean, fRight[0].Number.Mean)
	require.Equal(t, fWhole[0].Number.P50, fLeft[0].Number.P50)
}

func TestNumberColumnStatsQuantiles(t *testing.T) {
	tbl := load(t, "x\n1\n2\n3\n4\n5\n")
	v := table.ViewOf(tbl)
	settings := DefaultSettings()
	cs := Compute(v, settings)
	out := Finalize(cs, settings)[0].Number
	require.Equal(t, float32(3), out.P50)
	require.Equal(t, float32(1), out.Min)
	require.Equal(t, float32(5), out.Max)
}

func TestEnumColumnStatsHistogram(t *testing.T) {
	tbl := load(t, "c\nA\nB\nA\nC\nA\n")
	v := table.ViewOf(tbl)
	settings := DefaultSettings()
	cs := Compute(v, settings)
	out := Finalize(cs, settings)[0].Enum
	require.Equal(t, 0, out.InvalidCount)
	counts := map[string]int{}
	for _, vc := range out.Histogram {
		counts[vc.Variant] = vc.Count
	}
	require.Equal(t, 3, counts["A"])
	require.Equal(t, 1, counts["B"])
	require.Equal(t, 1, counts["C"])
}

func TestEnumColumnStatsInvalidAbsent(t *testing.T) {
	tbl := load(t, "c\nA\nNA\nA\n")
	v := table.ViewOf(tbl)
	settings := DefaultSettings()
	cs := Compute(v, settings)
	out := Finalize(cs, settings)[0].Enum
	require.Equal(t, 1, out.InvalidCount)
}

func TestTextColumnStatsTopNGramsAndIDF(t *testing.T) {
	tbl, err := table.FromCSV(strings.NewReader("t\nhello world\nhello there\nhello world again\n"),
		table.FromCSVOptions{ColumnTypes: map[string]table.ColumnKind{"t": table.KindText}})
	require.NoError(t, err)
	v := table.ViewOf(tbl)
	settings := DefaultSettings()
	cs := Compute(v, settings)
	out := Finalize(cs, settings)[0].Text
	require.Equal(t, 3, out.RowCount)
	var hello *TopNGramEntry
	for i := range out.TopNGrams {
		if out.TopNGrams[i].NGram == unigramKey("hello") {
			hello = &out.TopNGrams[i]
		}
	}
	require.NotNil(t, hello)
	require.Equal(t, 3, hello.RowCount)
	require.InDelta(t, 1.0, hello.IDF, 1e-6)
}

func TestShardedMergeMatchesSinglePassP50(t *testing.T) {
	// 10 000 rows split across 17 shards of uneven, LCG-chosen sizes:
	// the merged P50 must land within one distinct value of the
	// single-pass P50.
	var b strings.Builder
	b.WriteString("x\n")
	seed := uint32(7)
	for i := 0; i < 10000; i++ {
		seed = seed*1664525 + 1013904223
		b.WriteString(itoa(int(seed % 1000)))
		b.WriteByte('\n')
	}
	tbl := load(t, b.String())
	v := table.ViewOf(tbl)
	settings := DefaultSettings()

	whole := Finalize(Compute(v, settings), settings)[0].Number

	var merged []ColumnStats
	remaining := v
	for shard := 0; shard < 17; shard++ {
		seed = seed*1664525 + 1013904223
		size := int(seed%1000) + 1
		if shard == 16 || size > remaining.NRows() {
			size = remaining.NRows()
		}
		part, rest := remaining.Split(size)
		cs := Compute(part, settings)
		if merged == nil {
			merged = cs
		} else {
			merged = Merge(merged, cs)
		}
		remaining = rest
	}
	require.Zero(t, remaining.NRows())

	out := Finalize(merged, settings)[0].Number
	require.Equal(t, whole.Count, out.Count)
	require.InDelta(t, whole.P50, out.P50, 1.0)
	require.InDelta(t, whole.Mean, out.Mean, 1e-3)
	require.InDelta(t, whole.Variance, out.Variance, 1e-1)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestVarianceMatchesTwoPassFormula(t *testing.T) {
	tbl := load(t, "x\n2\n4\n4\n4\n5\n5\n7\n9\n")
	v := table.ViewOf(tbl)
	settings := DefaultSettings()
	out := Finalize(Compute(v, settings), settings)[0].Number
	require.InDelta(t, 5.0, out.Mean, 1e-6)
	require.InDelta(t, 4.0, out.Variance, 1e-6)
	require.InDelta(t, 2.0, out.Std, 1e-6)
}

func TestTokenizeLowercasesAndSplits(t *testing.T) {
	require.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
	require.Equal(t, []string{"a1", "b2"}, Tokenize("a1_b2"))
}
