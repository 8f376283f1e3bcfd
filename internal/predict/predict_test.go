package predict

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/model"
	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/frankmgb/tangram/internal/tree"
)

// trainAndMarshal runs the full pipeline over a CSV and returns the
// serialized model blob.
func trainAndMarshal(t *testing.T, csv, target, task string) []byte {
	t.Helper()
	tbl, err := table.FromCSV(strings.NewReader(csv), table.FromCSVOptions{})
	require.NoError(t, err)
	v := table.ViewOf(tbl)
	settings := stats.DefaultSettings()
	columnStats := stats.Finalize(stats.Compute(v, settings), settings)
	names := v.ColumnNames()

	targetIndex := -1
	for i, n := range names {
		if n == target {
			targetIndex = i
		}
	}
	require.GreaterOrEqual(t, targetIndex, 0)

	exclude := map[string]struct{}{target: {}}
	groups := features.AutoSelect(names, columnStats, features.SelectOptions{Family: features.FamilyTree, ExcludeColumns: exclude})
	featureTable, featureColumns := features.EncodeValues(v, groups)
	featureView := table.ViewOf(featureTable)

	opts := tree.TrainOptions{Tree: tree.DefaultOptions()}
	opts.Tree.MaxRounds = 20
	opts.Tree.MinExamplesPerNode = 5

	var labels tree.Labels
	var treeTask tree.Task
	var kind model.Kind
	md := model.Metadata{TargetColumn: target}
	switch task {
	case "regression":
		treeTask = tree.TaskRegression
		kind = model.KindRegressor
		md.Metric = model.MetricMSE
		labels.Numbers = append([]float32(nil), v.Column(targetIndex).Numbers...)
		labels.NClasses = 1
	default:
		treeTask = tree.TaskBinaryClassification
		kind = model.KindBinaryClassifier
		md.Metric = model.MetricAccuracy
		labels.Enums = append([]uint32(nil), v.Column(targetIndex).EnumIdx...)
		labels.NClasses = 2
		for _, vc := range columnStats[targetIndex].Enum.Histogram {
			md.TargetVariants = append(md.TargetVariants, vc.Variant)
		}
	}

	m := tree.Train(treeTask, featureView, featureColumns, labels, opts)
	return model.Marshal(model.EncodeInput{Kind: kind, ID: uuid.New(), Model: m, Groups: groups, Metadata: md})
}

func regressionCSV() string {
	var b strings.Builder
	b.WriteString("x,color,y\n")
	for i := 0; i < 300; i++ {
		switch i % 3 {
		case 0:
			b.WriteString("1,red,10\n")
		case 1:
			b.WriteString("2,green,20\n")
		default:
			b.WriteString("3,blue,30\n")
		}
	}
	return b.String()
}

func TestRegressionPredictionFollowsSignal(t *testing.T) {
	blob := trainAndMarshal(t, regressionCSV(), "y", "regression")
	p, err := Load(blob)
	require.NoError(t, err)

	low, err := p.Predict(Input{"x": NumberValue(1), "color": TextValue("red")}, Options{})
	require.NoError(t, err)
	high, err := p.Predict(Input{"x": NumberValue(3), "color": TextValue("blue")}, Options{})
	require.NoError(t, err)
	require.NotNil(t, low.Regression)
	require.NotNil(t, high.Regression)
	require.Less(t, low.Regression.Value, high.Regression.Value)
	require.InDelta(t, 10.0, float64(low.Regression.Value), 3.0)
	require.InDelta(t, 30.0, float64(high.Regression.Value), 3.0)
}

func TestPredictionIsDeterministic(t *testing.T) {
	blob := trainAndMarshal(t, regressionCSV(), "y", "regression")
	p, err := Load(blob)
	require.NoError(t, err)
	in := Input{"x": NumberValue(2), "color": TextValue("green")}
	a, err := p.Predict(in, Options{})
	require.NoError(t, err)
	b, err := p.Predict(in, Options{})
	require.NoError(t, err)
	require.Equal(t, a.Regression.Value, b.Regression.Value)
}

func TestMissingInputColumnRoutesThroughInvalidDirection(t *testing.T) {
	blob := trainAndMarshal(t, regressionCSV(), "y", "regression")
	p, err := Load(blob)
	require.NoError(t, err)
	out, err := p.Predict(Input{"color": TextValue("red")}, Options{})
	require.NoError(t, err)
	require.NotNil(t, out.Regression)
	// A missing x still yields a finite prediction.
	require.False(t, out.Regression.Value != out.Regression.Value)
}

func binaryCSV() string {
	var b strings.Builder
	b.WriteString("age,diagnosis\n")
	for i := 0; i < 400; i++ {
		if i%2 == 0 {
			b.WriteString("30,no\n")
		} else {
			b.WriteString("70,yes\n")
		}
	}
	return b.String()
}

func TestBinaryClassificationNamesClasses(t *testing.T) {
	blob := trainAndMarshal(t, binaryCSV(), "diagnosis", "binary")
	p, err := Load(blob)
	require.NoError(t, err)

	young, err := p.Predict(Input{"age": NumberValue(30)}, Options{})
	require.NoError(t, err)
	old, err := p.Predict(Input{"age": NumberValue(70)}, Options{})
	require.NoError(t, err)

	require.Equal(t, "no", young.BinaryClassification.ClassName)
	require.Equal(t, "yes", old.BinaryClassification.ClassName)
	require.Greater(t, old.BinaryClassification.Probability, young.BinaryClassification.Probability)
}

func TestFeatureContributionsNamePredicates(t *testing.T) {
	blob := trainAndMarshal(t, regressionCSV(), "y", "regression")
	p, err := Load(blob)
	require.NoError(t, err)
	out, err := p.Predict(Input{"x": NumberValue(1), "color": TextValue("red")}, Options{ComputeFeatureContributions: true})
	require.NoError(t, err)
	require.NotEmpty(t, out.Regression.FeatureContributions)
	for _, c := range out.Regression.FeatureContributions {
		require.NotEmpty(t, c.Entry)
		require.NotContains(t, c.Entry, "%!")
	}
}

func TestLoadRejectsCorruptBlob(t *testing.T) {
	blob := trainAndMarshal(t, regressionCSV(), "y", "regression")
	blob[3] = 'x'
	_, err := Load(blob)
	require.Error(t, err)
}
