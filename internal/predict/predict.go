// Package predict loads a serialized model and serves single-row
// predictions over raw, untyped input values — the surface the language
// bindings speak: a column-name→value map in, a tagged
// regression/binary/multiclass output back, optionally with per-feature
// contributions.
package predict

import (
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/model"
	"github.com/frankmgb/tangram/internal/table"
)

// Value is one raw input cell: a number or a string, mirroring the
// bindings' `Number(float) | String` union.
type Value struct {
	Number   float64
	Text     string
	IsNumber bool
}

// NumberValue wraps a float input cell.
func NumberValue(f float64) Value { return Value{Number: f, IsNumber: true} }

// TextValue wraps a string input cell.
func TextValue(s string) Value { return Value{Text: s} }

// Input maps column names to raw values. Missing columns become
// invalid/absent during encoding.
type Input map[string]Value

// Options tunes one prediction call.
type Options struct {
	Threshold                   float32 // binary classification cutoff; 0 means 0.5
	ComputeFeatureContributions bool
}

// Contribution attributes part of one prediction to a feature-group
// entry, named by a human-readable predicate rather than a raw index.
type Contribution struct {
	Entry string
	Value float64
}

// RegressionOutput is the regressor's prediction.
type RegressionOutput struct {
	Value                float32
	Baseline             float64
	FeatureContributions []Contribution
}

// BinaryClassificationOutput is the binary classifier's prediction.
type BinaryClassificationOutput struct {
	ClassName            string
	Probability          float32
	Baseline             float64
	FeatureContributions []Contribution
}

// MulticlassClassificationOutput is the multiclass classifier's
// prediction.
type MulticlassClassificationOutput struct {
	ClassName            string
	Probability          float32
	Probabilities        map[string]float32
	Baseline             float64
	FeatureContributions []Contribution
}

// Output is the closed sum over the three prediction variants; exactly
// one pointer is non-nil.
type Output struct {
	Regression               *RegressionOutput
	BinaryClassification     *BinaryClassificationOutput
	MulticlassClassification *MulticlassClassificationOutput
}

// Predictor is a loaded model handle: the zero-copy view plus the
// decoded feature groups needed to encode raw input.
type Predictor struct {
	view       *model.View
	groups     []features.Group
	metadata   model.Metadata
	entryNames []string
	// sourceColumns maps each group's source column(s) into the one-row
	// scratch table the encoder runs over.
	sourceColumns []scratchColumn
}

type scratchColumn struct {
	name     string
	kind     table.ColumnKind
	variants []string
}

// Load parses a marshaled model blob into a ready predictor.
func Load(raw []byte) (*Predictor, error) {
	v, err := model.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	groups := v.Groups()
	p := &Predictor{view: v, groups: groups, metadata: v.Metadata()}

	index := map[string]int{}
	addColumn := func(name string, kind table.ColumnKind, variants []string) int {
		if i, ok := index[name]; ok {
			return i
		}
		i := len(p.sourceColumns)
		index[name] = i
		p.sourceColumns = append(p.sourceColumns, scratchColumn{name: name, kind: kind, variants: variants})
		return i
	}
	for gi := range groups {
		g := &groups[gi]
		g.SourceIndex = addColumn(g.SourceColumn, g.SourceColumnKind, g.Variants)
		if g.Kind == features.GroupBagOfWordsCosineSimilarity {
			g.SourceIndexB = addColumn(g.SourceColumnB, table.KindText, nil)
		}
	}
	p.entryNames = features.EntryNamesForGroups(groups)
	return p, nil
}

// ModelID returns the model's string-encoded identifier.
func (p *Predictor) ModelID() string { return p.view.ID().String() }

// Metadata returns the embedded training-run summary.
func (p *Predictor) Metadata() model.Metadata { return p.metadata }

// Predict encodes one raw input row and walks every tree over the raw
// feature values.
func (p *Predictor) Predict(in Input, opts Options) (Output, error) {
	encoded, featureColumns := p.encode(in)
	slots := p.view.FeatureColumnIndex()
	outputs := p.rawPredict(encoded, featureColumns, slots)

	var contributions []Contribution
	baseline := p.view.Biases()[0]
	if opts.ComputeFeatureContributions {
		contributions = p.featureContributions(encoded, featureColumns, slots, 0)
	}

	switch p.view.Kind() {
	case model.KindRegressor:
		return Output{Regression: &RegressionOutput{
			Value: float32(outputs[0]), Baseline: baseline, FeatureContributions: contributions,
		}}, nil
	case model.KindBinaryClassifier:
		threshold := opts.Threshold
		if threshold == 0 {
			threshold = 0.5
		}
		prob := sigmoid(outputs[0])
		names := p.metadata.TargetVariants
		if len(names) < 2 {
			return Output{}, errors.New("predict: binary model is missing target variants")
		}
		className := names[0]
		if float32(prob) >= threshold {
			className = names[1]
		}
		return Output{BinaryClassification: &BinaryClassificationOutput{
			ClassName: className, Probability: float32(prob), Baseline: baseline, FeatureContributions: contributions,
		}}, nil
	default:
		probs := softmax(outputs)
		names := p.metadata.TargetVariants
		if len(names) != len(probs) {
			return Output{}, errors.New("predict: multiclass model variant count mismatch")
		}
		best := 0
		byName := make(map[string]float32, len(probs))
		for i, pr := range probs {
			byName[names[i]] = float32(pr)
			if pr > probs[best] {
				best = i
			}
		}
		if opts.ComputeFeatureContributions {
			// Contributions explain the winning class's logit.
			contributions = p.featureContributions(encoded, featureColumns, slots, best)
			baseline = p.view.Biases()[best]
		}
		return Output{MulticlassClassification: &MulticlassClassificationOutput{
			ClassName: names[best], Probability: float32(probs[best]), Probabilities: byName,
			Baseline: baseline, FeatureContributions: contributions,
		}}, nil
	}
}

// encode builds a one-row table from the raw input, runs the feature
// groups over it, and returns the typed encoded columns.
func (p *Predictor) encode(in Input) (*table.Table, []int) {
	columns := make([]table.Column, len(p.sourceColumns))
	for i, sc := range p.sourceColumns {
		val, present := in[sc.name]
		switch sc.kind {
		case table.KindNumber:
			col := table.NewNumberColumn(sc.name, 1)
			col.Numbers = append(col.Numbers, coerceNumber(val, present))
			columns[i] = col
		case table.KindEnum:
			col := table.NewEnumColumn(sc.name, sc.variants, 1)
			col.EnumIdx = append(col.EnumIdx, coerceEnum(val, present, sc.variants))
			columns[i] = col
		default:
			col := table.NewTextColumn(sc.name, 1)
			text := ""
			if present {
				text = coerceText(val)
			}
			col.Texts = append(col.Texts, text)
			columns[i] = col
		}
	}
	scratch := table.New(columns)
	return features.EncodeValues(table.ViewOf(scratch), p.groups)
}

func coerceNumber(v Value, present bool) float32 {
	if !present {
		return float32(math.NaN())
	}
	if v.IsNumber {
		return float32(v.Number)
	}
	f, err := strconv.ParseFloat(v.Text, 32)
	if err != nil {
		return float32(math.NaN())
	}
	return float32(f)
}

func coerceEnum(v Value, present bool, variants []string) uint32 {
	if !present {
		return 0
	}
	text := coerceText(v)
	for i, variant := range variants {
		if variant == text {
			return uint32(i + 1)
		}
	}
	return 0
}

func coerceText(v Value) string {
	if v.IsNumber {
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	}
	return v.Text
}

// rawPredict sums every tree's output on top of the biases, walking
// each tree over raw feature values: continuous branches compare the
// number against the serialized split value, discrete branches index
// the directions bitset with the enum value.
func (p *Predictor) rawPredict(encoded *table.Table, featureColumns, slots []int) []float64 {
	out := p.view.Biases()
	perRound := p.view.NTreesPerRound()
	for t := 0; t < p.view.NTrees(); t++ {
		classIndex := t % perRound
		out[classIndex] += p.walkTree(t, encoded, featureColumns, slots)
	}
	return out
}

func (p *Predictor) walkTree(treeIndex int, encoded *table.Table, featureColumns, slots []int) float64 {
	idx := 0
	for {
		n := p.view.Node(treeIndex, idx)
		if n.Kind == 0 {
			return n.Value
		}
		if p.goesLeft(n, encoded, featureColumns, slots) {
			idx = n.LeftChild
		} else {
			idx = n.RightChild
		}
	}
}

func (p *Predictor) goesLeft(n model.NodeRecord, encoded *table.Table, featureColumns, slots []int) bool {
	col := &encoded.Columns[featureColumns[slots[n.FeatureIndex]]]
	if n.Kind == 1 {
		x := col.Numbers[0]
		if x != x {
			return !n.InvalidGoesRight
		}
		return x <= n.SplitValue
	}
	bin := int32(col.EnumIdx[0])
	return p.view.DirectionGoesLeft(n.DirectionsOffset, bin)
}

// featureContributions decomposes the class's output into a baseline
// plus per-entry contributions: along each tree's decision path, the
// change in the expected subtree value is attributed to the feature
// split on.
func (p *Predictor) featureContributions(encoded *table.Table, featureColumns, slots []int, classIndex int) []Contribution {
	totals := make(map[int]float64)
	perRound := p.view.NTreesPerRound()
	for t := 0; t < p.view.NTrees(); t++ {
		if t%perRound != classIndex {
			continue
		}
		p.walkContribution(t, encoded, featureColumns, slots, totals)
	}
	out := make([]Contribution, 0, len(totals))
	for slot, v := range totals {
		name := "feature"
		entry := slots[slot]
		if entry < len(p.entryNames) {
			name = p.entryNames[entry]
		}
		out = append(out, Contribution{Entry: name, Value: v})
	}
	return out
}

func (p *Predictor) walkContribution(treeIndex int, encoded *table.Table, featureColumns, slots []int, totals map[int]float64) {
	idx := 0
	prev := p.expectedValue(treeIndex, 0)
	for {
		n := p.view.Node(treeIndex, idx)
		if n.Kind == 0 {
			return
		}
		var next int
		if p.goesLeft(n, encoded, featureColumns, slots) {
			next = n.LeftChild
		} else {
			next = n.RightChild
		}
		nextValue := p.expectedValue(treeIndex, next)
		totals[n.FeatureIndex] += nextValue - prev
		prev = nextValue
		idx = next
	}
}

// expectedValue is the examples-fraction-weighted mean of the subtree's
// leaf values.
func (p *Predictor) expectedValue(treeIndex, nodeIndex int) float64 {
	n := p.view.Node(treeIndex, nodeIndex)
	if n.Kind == 0 {
		return n.Value
	}
	left := p.view.Node(treeIndex, n.LeftChild)
	right := p.view.Node(treeIndex, n.RightChild)
	total := float64(left.ExamplesFraction) + float64(right.ExamplesFraction)
	if total == 0 {
		return (p.expectedValue(treeIndex, n.LeftChild) + p.expectedValue(treeIndex, n.RightChild)) / 2
	}
	wl := float64(left.ExamplesFraction) / total
	wr := float64(right.ExamplesFraction) / total
	return wl*p.expectedValue(treeIndex, n.LeftChild) + wr*p.expectedValue(treeIndex, n.RightChild)
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
