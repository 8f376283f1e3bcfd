package table

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromCSVInfersNumberEnumText(t *testing.T) {
	csv := "a,b,c\n1,red,hello world\n2,blue,goodbye moon\n3,red,hello again\n"
	tbl, err := FromCSV(strings.NewReader(csv), FromCSVOptions{
		InferOptions: InferOptions{EnumMaxUniqueValues: 2, InvalidValues: DefaultInvalidValues},
	})
	require.NoError(t, err)
	require.Equal(t, 3, tbl.NRows())

	a := tbl.ColumnByName("a")
	require.Equal(t, KindNumber, a.Kind)
	require.Equal(t, []float32{1, 2, 3}, a.Numbers)

	b := tbl.ColumnByName("b")
	require.Equal(t, KindEnum, b.Kind)
	require.Equal(t, []string{"blue", "red"}, b.Variants)
	require.Equal(t, b.VariantName(b.EnumIdx[0]), "red")

	c := tbl.ColumnByName("c")
	require.Equal(t, KindText, c.Kind)
}

func TestFromCSVPromotesZeroOneToEnum(t *testing.T) {
	csv := "flag\n0\n1\n0\n1\n"
	tbl, err := FromCSV(strings.NewReader(csv), FromCSVOptions{})
	require.NoError(t, err)
	flag := tbl.ColumnByName("flag")
	require.Equal(t, KindEnum, flag.Kind)
	require.Equal(t, []string{"0", "1"}, flag.Variants)
}

func TestFromCSVSentinelsBecomeAbsent(t *testing.T) {
	csv := "x\n1\nNA\n3\n"
	tbl, err := FromCSV(strings.NewReader(csv), FromCSVOptions{})
	require.NoError(t, err)
	x := tbl.ColumnByName("x")
	require.Equal(t, KindNumber, x.Kind)
	require.True(t, x.Numbers[1] != x.Numbers[1]) // NaN
}

func TestFromCSVWrongFieldCount(t *testing.T) {
	csv := "a,b\n1,2\n3\n"
	_, err := FromCSV(strings.NewReader(csv), FromCSVOptions{})
	require.Error(t, err)
}

func TestViewSplit(t *testing.T) {
	csv := "a\n1\n2\n3\n4\n"
	tbl, err := FromCSV(strings.NewReader(csv), FromCSVOptions{})
	require.NoError(t, err)
	v := ViewOf(tbl)
	left, right := v.Split(2)
	require.Equal(t, 2, left.NRows())
	require.Equal(t, 2, right.NRows())
	require.Equal(t, float32(1), left.NumberAt(0, 0))
	require.Equal(t, float32(3), right.NumberAt(0, 0))
}

func TestAppendRowCoercesLikeLoader(t *testing.T) {
	tbl := New([]Column{
		NewNumberColumn("x", 2),
		NewEnumColumn("c", []string{"red", "blue"}, 2),
		NewTextColumn("t", 2),
	})
	require.NoError(t, tbl.AppendRow([]string{"1.5", "blue", "hello"}))
	require.NoError(t, tbl.AppendRow([]string{"junk", "green", "world"}))
	require.Error(t, tbl.AppendRow([]string{"too", "few"}))

	require.Equal(t, 2, tbl.NRows())
	require.Equal(t, float32(1.5), tbl.Columns[0].Numbers[0])
	require.True(t, tbl.Columns[0].Numbers[1] != tbl.Columns[0].Numbers[1]) // NaN
	require.Equal(t, uint32(2), tbl.Columns[1].EnumIdx[0])
	require.Equal(t, uint32(0), tbl.Columns[1].EnumIdx[1]) // unknown variant -> absent
	require.NoError(t, tbl.Validate())
}

func TestCSVRoundTripNoTextNoNaN(t *testing.T) {
	csv := "a,b\n1,red\n2,blue\n3,red\n"
	tbl, err := FromCSV(strings.NewReader(csv), FromCSVOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Dump(tbl, &buf))

	tbl2, err := FromCSV(strings.NewReader(buf.String()), FromCSVOptions{})
	require.NoError(t, err)

	require.Equal(t, tbl.ColumnByName("a").Numbers, tbl2.ColumnByName("a").Numbers)
	require.Equal(t, tbl.ColumnByName("b").Variants, tbl2.ColumnByName("b").Variants)
	require.Equal(t, tbl.ColumnByName("b").EnumIdx, tbl2.ColumnByName("b").EnumIdx)
}
