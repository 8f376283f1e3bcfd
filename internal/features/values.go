package features

import (
	"fmt"

	"github.com/frankmgb/tangram/internal/table"
)

// EncodeValues applies every group to the view and materializes the
// result as a typed table: Identity over an enum column stays an enum
// column (so the trainer can make discrete splits over its variants),
// everything else becomes a number column. This is the preferred path
// for GBDT training; Encode's flat f32 matrix is the linear-model path.
func EncodeValues(v table.View, groups []Group) (*table.Table, []int) {
	n := v.NRows()
	var columns []table.Column
	for _, g := range groups {
		if g.Kind == GroupIdentity {
			src := v.Column(g.SourceIndex)
			if src.Kind == table.KindEnum {
				col := table.NewEnumColumn(g.SourceColumn, src.Variants, n)
				for r := 0; r < n; r++ {
					col.EnumIdx = append(col.EnumIdx, v.EnumAt(g.SourceIndex, r))
				}
				columns = append(columns, col)
				continue
			}
		}
		columns = append(columns, numberColumnsForGroup(v, g, n)...)
	}
	featureColumns := make([]int, len(columns))
	for i := range featureColumns {
		featureColumns[i] = i
	}
	return table.New(columns), featureColumns
}

func numberColumnsForGroup(v table.View, g Group, n int) []table.Column {
	names := g.EntryNames()
	cols := make([]table.Column, len(names))
	for i, name := range names {
		cols[i] = table.NewNumberColumn(name, n)
	}
	row := make([]float32, 0, len(names))
	for r := 0; r < n; r++ {
		row = appendGroupValues(row[:0], v, g, r)
		for i := range cols {
			cols[i].Numbers = append(cols[i].Numbers, row[i])
		}
	}
	return cols
}

// EntryNames returns one human-readable name per output feature of the
// group, used to key feature importances and to label prediction
// contributions.
func (g Group) EntryNames() []string {
	switch g.Kind {
	case GroupIdentity:
		return []string{g.SourceColumn}
	case GroupNormalized:
		return []string{fmt.Sprintf("%s normalized", g.SourceColumn)}
	case GroupOneHotEncoded:
		names := make([]string, 0, len(g.Variants)+1)
		names = append(names, fmt.Sprintf("%s is out of vocabulary", g.SourceColumn))
		for _, variant := range g.Variants {
			names = append(names, fmt.Sprintf("%s is %q", g.SourceColumn, variant))
		}
		return names
	case GroupBagOfWords:
		names := make([]string, len(g.NGrams))
		for i, ng := range g.NGrams {
			names[i] = fmt.Sprintf("%s contains %q", g.SourceColumn, ng.Text())
		}
		return names
	case GroupBagOfWordsCosineSimilarity:
		return []string{fmt.Sprintf("similarity of %s and %s", g.SourceColumn, g.SourceColumnB)}
	case GroupWordEmbedding:
		names := make([]string, g.EmbeddingDim)
		for i := range names {
			names[i] = fmt.Sprintf("%s embedding %d", g.SourceColumn, i)
		}
		return names
	default:
		return nil
	}
}

// EntryNamesForGroups flattens every group's entry names into one slice
// aligned with the encoded feature order.
func EntryNamesForGroups(groups []Group) []string {
	var names []string
	for _, g := range groups {
		names = append(names, g.EntryNames()...)
	}
	return names
}
