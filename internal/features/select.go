package features

import "github.com/frankmgb/tangram/internal/stats"

// ModelFamily distinguishes the two auto-selection policies of spec
// tree models keep raw/identity features, linear models need
// normalization and one-hot expansion.
type ModelFamily uint8

const (
	FamilyTree ModelFamily = iota
	FamilyLinear
)

// SelectOptions configures auto-selection and per-column overrides.
type SelectOptions struct {
	Family          ModelFamily
	ExcludeColumns  map[string]struct{}
	BagOfWordsStrat BagOfWordsStrategy // default strategy when auto-selecting text columns
}

// AutoSelect builds one feature group per eligible column, following the
// family's default encoding: tree models get Identity
// for number/enum columns, linear models get Normalized/OneHotEncoded;
// both families always encode text as BagOfWords. Columns named in
// ExcludeColumns, and columns whose type inference failed (Unknown), are
// skipped.
func AutoSelect(columnNames []string, outputs []stats.Output, opts SelectOptions) []Group {
	var groups []Group
	for i, out := range outputs {
		name := columnNames[i]
		if _, excluded := opts.ExcludeColumns[name]; excluded {
			continue
		}
		g, ok := autoSelectColumn(i, out, opts)
		if ok {
			groups = append(groups, g)
		}
	}
	return groups
}

func autoSelectColumn(ci int, out stats.Output, opts SelectOptions) (Group, bool) {
	switch {
	case out.Number != nil:
		if opts.Family == FamilyLinear {
			return NormalizedGroupForColumn(ci, out.Number, out.ColumnName), true
		}
		return IdentityGroupForColumn(ci, out.ColumnName), true
	case out.Enum != nil:
		if opts.Family == FamilyLinear {
			return OneHotGroupForColumn(ci, out.Enum, out.ColumnName), true
		}
		return IdentityGroupForEnumColumn(ci, out.Enum, out.ColumnName), true
	case out.Text != nil:
		return BagOfWordsGroupForColumn(ci, out.Text, out.ColumnName, opts.BagOfWordsStrat), true
	default:
		return Group{}, false
	}
}

// Spec is an explicit, config-authored feature-group request: a named
// source column plus a kind, used when config.features.include overrides
// auto-selection for specific columns.
type Spec struct {
	Kind          GroupKind
	SourceColumn  string
	SourceColumnB string // BagOfWordsCosineSimilarity only
	Strategy      BagOfWordsStrategy
}

// BuildFromSpecs resolves explicit config-driven feature-group requests
// against finalized column stats, by name.
func BuildFromSpecs(specs []Spec, columnNames []string, outputs []stats.Output) []Group {
	index := make(map[string]int, len(columnNames))
	for i, n := range columnNames {
		index[n] = i
	}
	var groups []Group
	for _, spec := range specs {
		ci, ok := index[spec.SourceColumn]
		if !ok {
			continue
		}
		out := outputs[ci]
		switch spec.Kind {
		case GroupIdentity:
			if out.Enum != nil {
				groups = append(groups, IdentityGroupForEnumColumn(ci, out.Enum, spec.SourceColumn))
			} else {
				groups = append(groups, IdentityGroupForColumn(ci, spec.SourceColumn))
			}
		case GroupNormalized:
			if out.Number != nil {
				groups = append(groups, NormalizedGroupForColumn(ci, out.Number, spec.SourceColumn))
			}
		case GroupOneHotEncoded:
			if out.Enum != nil {
				groups = append(groups, OneHotGroupForColumn(ci, out.Enum, spec.SourceColumn))
			}
		case GroupBagOfWords:
			if out.Text != nil {
				groups = append(groups, BagOfWordsGroupForColumn(ci, out.Text, spec.SourceColumn, spec.Strategy))
			}
		case GroupBagOfWordsCosineSimilarity:
			ciB, ok := index[spec.SourceColumnB]
			if !ok || outputs[ciB].Text == nil || out.Text == nil {
				continue
			}
			a := BagOfWordsGroupForColumn(ci, out.Text, spec.SourceColumn, StrategyTfIdf)
			b := BagOfWordsGroupForColumn(ciB, outputs[ciB].Text, spec.SourceColumnB, StrategyTfIdf)
			groups = append(groups, BagOfWordsCosineSimilarityGroup(ci, ciB, a, b))
		}
	}
	return groups
}
