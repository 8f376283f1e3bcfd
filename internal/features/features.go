// Package features translates typed table columns into numeric feature
// matrices, using finalized column stats to drive normalization,
// one-hot vocabularies, and bag-of-words dictionaries.
package features

import (
	"math"

	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
)

// GroupKind discriminates the six feature-group variants.
type GroupKind uint8

const (
	GroupIdentity GroupKind = iota
	GroupNormalized
	GroupOneHotEncoded
	GroupBagOfWords
	GroupBagOfWordsCosineSimilarity
	GroupWordEmbedding
)

// BagOfWordsStrategy selects how a tracked n-gram contributes a feature
// value.
type BagOfWordsStrategy uint8

const (
	StrategyPresent BagOfWordsStrategy = iota
	StrategyCount
	StrategyTfIdf
)

// Group is a closed sum type describing one feature-group specification,
// tagged by Kind; operations pattern-match on Kind rather than dispatch
// through an interface, per the design notes.
type Group struct {
	Kind GroupKind

	// Identity / Normalized
	SourceColumn     string
	SourceColumnKind table.ColumnKind
	SourceIndex      int
	Mean             float32 // Normalized only
	StdDev           float32 // Normalized only

	// OneHotEncoded, and Identity over an enum column (the variant
	// vocabulary travels with the group so a serialized model can map
	// raw strings back to indices)
	Variants []string // V entries; one-hot has V+1 output features (index 0 = OOV)

	// BagOfWords / BagOfWordsCosineSimilarity
	NGrams        []stats.NGram
	NGramIndex    map[stats.NGram]int
	IDF           []float32
	Strategy      BagOfWordsStrategy
	SourceColumnB string // cosine-similarity second column
	SourceIndexB  int

	// WordEmbedding
	EmbeddingDim int
	Embeddings   map[string][]float32
}

// NOutputs reports how many dense feature columns this group produces.
func (g Group) NOutputs() int {
	switch g.Kind {
	case GroupIdentity, GroupNormalized:
		return 1
	case GroupOneHotEncoded:
		return len(g.Variants) + 1
	case GroupBagOfWords:
		return len(g.NGrams)
	case GroupBagOfWordsCosineSimilarity:
		return 1
	case GroupWordEmbedding:
		return g.EmbeddingDim
	default:
		return 0
	}
}

// IdentityGroupForColumn builds a pass-through group for a numeric
// column.
func IdentityGroupForColumn(colIndex int, name string) Group {
	return Group{Kind: GroupIdentity, SourceColumn: name, SourceColumnKind: table.KindNumber, SourceIndex: colIndex}
}

// IdentityGroupForEnumColumn builds a pass-through group for an enum
// column, carrying the variant vocabulary.
func IdentityGroupForEnumColumn(colIndex int, out *stats.EnumColumnStatsOutput, name string) Group {
	variants := make([]string, len(out.Histogram))
	for i, vc := range out.Histogram {
		variants[i] = vc.Variant
	}
	return Group{Kind: GroupIdentity, SourceColumn: name, SourceColumnKind: table.KindEnum, SourceIndex: colIndex, Variants: variants}
}

// NormalizedGroupForColumn builds a (x-mean)/std group from finalized
// number stats.
func NormalizedGroupForColumn(colIndex int, out *stats.NumberColumnStatsOutput, name string) Group {
	std := out.Std
	if std == 0 {
		std = 1
	}
	return Group{Kind: GroupNormalized, SourceColumn: name, SourceColumnKind: table.KindNumber, SourceIndex: colIndex, Mean: out.Mean, StdDev: std}
}

// OneHotGroupForColumn builds a V+1-wide one-hot group from finalized
// enum stats.
func OneHotGroupForColumn(colIndex int, out *stats.EnumColumnStatsOutput, name string) Group {
	variants := make([]string, len(out.Histogram))
	for i, vc := range out.Histogram {
		variants[i] = vc.Variant
	}
	return Group{Kind: GroupOneHotEncoded, SourceColumn: name, SourceColumnKind: table.KindEnum, SourceIndex: colIndex, Variants: variants}
}

// BagOfWordsGroupForColumn builds a tracked-ngram group from finalized
// text stats.
func BagOfWordsGroupForColumn(colIndex int, out *stats.TextColumnStatsOutput, name string, strategy BagOfWordsStrategy) Group {
	g := Group{Kind: GroupBagOfWords, SourceColumn: name, SourceColumnKind: table.KindText, SourceIndex: colIndex, Strategy: strategy}
	g.NGrams = make([]stats.NGram, len(out.TopNGrams))
	g.NGramIndex = make(map[stats.NGram]int, len(out.TopNGrams))
	g.IDF = make([]float32, len(out.TopNGrams))
	for i, e := range out.TopNGrams {
		g.NGrams[i] = e.NGram
		g.NGramIndex[e.NGram] = i
		g.IDF[i] = e.IDF
	}
	return g
}

// BagOfWordsCosineSimilarityGroup builds the single-feature cosine
// similarity group between two text columns' tf-idf vectors.
func BagOfWordsCosineSimilarityGroup(colA, colB int, a, b Group) Group {
	return Group{
		Kind:             GroupBagOfWordsCosineSimilarity,
		SourceColumn:     a.SourceColumn,
		SourceColumnKind: table.KindText,
		SourceIndex:      colA,
		SourceColumnB: b.SourceColumn,
		SourceIndexB:  colB,
		NGrams:        a.NGrams,
		NGramIndex:    a.NGramIndex,
		IDF:           a.IDF,
	}
}

// Encode applies every group in groups to the view and returns a dense,
// row-major f32 matrix (the path for linear models).
func Encode(v table.View, groups []Group) [][]float32 {
	n := v.NRows()
	width := 0
	for _, g := range groups {
		width += g.NOutputs()
	}
	out := make([][]float32, n)
	for r := 0; r < n; r++ {
		row := make([]float32, 0, width)
		for _, g := range groups {
			row = appendGroupValues(row, v, g, r)
		}
		out[r] = row
	}
	return out
}

func appendGroupValues(row []float32, v table.View, g Group, r int) []float32 {
	switch g.Kind {
	case GroupIdentity:
		row = append(row, identityValue(v, g.SourceIndex, r))
	case GroupNormalized:
		x := identityValue(v, g.SourceIndex, r)
		if isNaN32(x) {
			row = append(row, 0)
		} else {
			row = append(row, (x-g.Mean)/g.StdDev)
		}
	case GroupOneHotEncoded:
		idx := v.EnumAt(g.SourceIndex, r)
		for i := 0; i <= len(g.Variants); i++ {
			if int(idx) == i {
				row = append(row, 1)
			} else {
				row = append(row, 0)
			}
		}
	case GroupBagOfWords:
		counts := ngramCountsForRow(v.TextAt(g.SourceIndex, r), g.NGramIndex)
		for i := range g.NGrams {
			row = append(row, bagOfWordsValue(g.Strategy, counts[i], g.IDF[i]))
		}
	case GroupBagOfWordsCosineSimilarity:
		va := tfidfVector(v.TextAt(g.SourceIndex, r), g.NGramIndex, g.IDF)
		vb := tfidfVector(v.TextAt(g.SourceIndexB, r), g.NGramIndex, g.IDF)
		row = append(row, cosineSimilarity(va, vb))
	case GroupWordEmbedding:
		row = append(row, averageEmbedding(v.TextAt(g.SourceIndex, r), g.Embeddings, g.EmbeddingDim)...)
	}
	return row
}

func identityValue(v table.View, ci, r int) float32 {
	col := v.Column(ci)
	switch col.Kind {
	case table.KindNumber:
		return v.NumberAt(ci, r)
	case table.KindEnum:
		idx := v.EnumAt(ci, r)
		if idx == 0 {
			return float32(math.NaN())
		}
		return float32(idx)
	default:
		return float32(math.NaN())
	}
}

func isNaN32(f float32) bool { return f != f }

func ngramCountsForRow(text string, index map[stats.NGram]int) []int {
	counts := make([]int, len(index))
	forEachRowNGram(text, func(ng stats.NGram) {
		if i, ok := index[ng]; ok {
			counts[i]++
		}
	})
	return counts
}

func forEachRowNGram(text string, emit func(stats.NGram)) {
	tokens := stats.Tokenize(text)
	for _, t := range tokens {
		emit(stats.NGram(t))
	}
	for i := 0; i+1 < len(tokens); i++ {
		emit(stats.NGram(tokens[i] + "\x00" + tokens[i+1]))
	}
}

func bagOfWordsValue(strategy BagOfWordsStrategy, count int, idf float32) float32 {
	switch strategy {
	case StrategyPresent:
		if count > 0 {
			return 1
		}
		return 0
	case StrategyCount:
		return float32(count)
	case StrategyTfIdf:
		return float32(count) * idf
	default:
		return 0
	}
}

func tfidfVector(text string, index map[stats.NGram]int, idf []float32) []float32 {
	counts := ngramCountsForRow(text, index)
	vec := make([]float32, len(counts))
	for i, c := range counts {
		vec[i] = float32(c) * idf[i]
	}
	return vec
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func averageEmbedding(text string, table map[string][]float32, dim int) []float32 {
	sum := make([]float32, dim)
	n := 0
	for _, tok := range stats.Tokenize(text) {
		if vec, ok := table[tok]; ok {
			for i, x := range vec {
				sum[i] += x
			}
			n++
		}
	}
	if n == 0 {
		return sum
	}
	for i := range sum {
		sum[i] /= float32(n)
	}
	return sum
}
