package features

import (
	"strings"
	"testing"

	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/stretchr/testify/require"
)

func loadView(t *testing.T, csv string) table.View {
	t.Helper()
	tbl, err := table.FromCSV(strings.NewReader(csv), table.FromCSVOptions{})
	require.NoError(t, err)
	return table.ViewOf(tbl)
}

func TestIdentityGroupPassesNumberThrough(t *testing.T) {
	v := loadView(t, "x\n1\n2\n3\n")
	g := IdentityGroupForColumn(0, "x")
	m := Encode(v, []Group{g})
	require.Equal(t, []float32{1}, m[0])
	require.Equal(t, []float32{2}, m[1])
}

func TestNormalizedGroupCentersAndScales(t *testing.T) {
	v := loadView(t, "x\n1\n2\n3\n4\n5\n")
	settings := stats.DefaultSettings()
	cs := stats.Compute(v, settings)
	out := stats.Finalize(cs, settings)[0].Number
	g := NormalizedGroupForColumn(0, out, "x")
	m := Encode(v, []Group{g})
	require.InDelta(t, (3-out.Mean)/out.Std, m[2][0], 1e-4)
}

func TestOneHotGroupHasVPlusOneOutputsWithOOVAtZero(t *testing.T) {
	v := loadView(t, "c\nA\nB\nA\n")
	settings := stats.DefaultSettings()
	cs := stats.Compute(v, settings)
	out := stats.Finalize(cs, settings)[0].Enum
	g := OneHotGroupForColumn(0, out, "c")
	require.Equal(t, len(out.Histogram)+1, g.NOutputs())
	m := Encode(v, []Group{g})
	sum := 0
	for _, x := range m[0] {
		sum += int(x)
	}
	require.Equal(t, 1, sum)
}

func TestBagOfWordsCountStrategy(t *testing.T) {
	tbl, err := table.FromCSV(strings.NewReader("t\nhello hello world\n"),
		table.FromCSVOptions{ColumnTypes: map[string]table.ColumnKind{"t": table.KindText}})
	require.NoError(t, err)
	v := table.ViewOf(tbl)
	settings := stats.DefaultSettings()
	cs := stats.Compute(v, settings)
	out := stats.Finalize(cs, settings)[0].Text
	g := BagOfWordsGroupForColumn(0, out, "t", StrategyCount)
	m := Encode(v, []Group{g})
	idx, ok := g.NGramIndex[stats.NGram("hello")]
	require.True(t, ok)
	require.Equal(t, float32(2), m[0][idx])
}

func TestAutoSelectTreeFamilyUsesIdentity(t *testing.T) {
	v := loadView(t, "x,c\n1,A\n2,B\n")
	settings := stats.DefaultSettings()
	cs := stats.Compute(v, settings)
	outs := stats.Finalize(cs, settings)
	names := v.ColumnNames()
	groups := AutoSelect(names, outs, SelectOptions{Family: FamilyTree})
	require.Len(t, groups, 2)
	require.Equal(t, GroupIdentity, groups[0].Kind)
	require.Equal(t, GroupIdentity, groups[1].Kind)
}

func TestAutoSelectLinearFamilyUsesNormalizedAndOneHot(t *testing.T) {
	v := loadView(t, "x,c\n1,A\n2,B\n")
	settings := stats.DefaultSettings()
	cs := stats.Compute(v, settings)
	outs := stats.Finalize(cs, settings)
	names := v.ColumnNames()
	groups := AutoSelect(names, outs, SelectOptions{Family: FamilyLinear})
	require.Equal(t, GroupNormalized, groups[0].Kind)
	require.Equal(t, GroupOneHotEncoded, groups[1].Kind)
}

func TestEncodeValuesKeepsEnumColumnsDiscrete(t *testing.T) {
	v := loadView(t, "x,c\n1,A\n2,B\n3,A\n")
	settings := stats.DefaultSettings()
	outs := stats.Finalize(stats.Compute(v, settings), settings)
	groups := AutoSelect(v.ColumnNames(), outs, SelectOptions{Family: FamilyTree})

	encoded, cols := EncodeValues(v, groups)
	require.Len(t, cols, 2)
	require.Equal(t, table.KindNumber, encoded.Columns[0].Kind)
	require.Equal(t, table.KindEnum, encoded.Columns[1].Kind)
	require.Equal(t, []string{"A", "B"}, encoded.Columns[1].Variants)
	require.Equal(t, []uint32{1, 2, 1}, encoded.Columns[1].EnumIdx)
}

func TestEncodeValuesFlattensOneHotToNumbers(t *testing.T) {
	v := loadView(t, "c\nA\nB\n")
	settings := stats.DefaultSettings()
	outs := stats.Finalize(stats.Compute(v, settings), settings)
	g := OneHotGroupForColumn(0, outs[0].Enum, "c")
	encoded, cols := EncodeValues(v, []Group{g})
	require.Len(t, cols, 3) // OOV + A + B
	require.Equal(t, table.KindNumber, encoded.Columns[0].Kind)
	require.Equal(t, float32(1), encoded.Columns[1].Numbers[0]) // row 0 is A
	require.Equal(t, float32(1), encoded.Columns[2].Numbers[1]) // row 1 is B
}

func TestEntryNamesAreHumanReadable(t *testing.T) {
	v := loadView(t, "c\nA\nB\n")
	settings := stats.DefaultSettings()
	outs := stats.Finalize(stats.Compute(v, settings), settings)
	g := OneHotGroupForColumn(0, outs[0].Enum, "c")
	names := g.EntryNames()
	require.Len(t, names, 3)
	require.Contains(t, names[0], "out of vocabulary")
	require.Contains(t, names[1], `"A"`)
}

func TestAutoSelectExcludesColumns(t *testing.T) {
	v := loadView(t, "x,c\n1,A\n2,B\n")
	settings := stats.DefaultSettings()
	cs := stats.Compute(v, settings)
	outs := stats.Finalize(cs, settings)
	names := v.ColumnNames()
	groups := AutoSelect(names, outs, SelectOptions{Family: FamilyTree, ExcludeColumns: map[string]struct{}{"c": {}}})
	require.Len(t, groups, 1)
	require.Equal(t, "x", groups[0].SourceColumn)
}
