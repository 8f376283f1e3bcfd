package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/frankmgb/tangram/internal/tree"
)

func singleSplitModel() *tree.Model {
	t := &tree.Tree{Nodes: []tree.Node{
		{IsLeaf: false, LeftChild: 1, RightChild: 2, Split: tree.Split{Continuous: true, FeatureIndex: 0, BinIndex: 1, SplitValue: 1.5}},
		{IsLeaf: true, Value: -1.0},
		{IsLeaf: true, Value: 1.0},
	}}
	return &tree.Model{
		Task: tree.TaskRegression, Biases: []float64{0.5}, NTreesPerRound: 1,
		Trees: []*tree.Tree{t}, FeatureColumnIndex: []int{0},
	}
}

func marshalSimple(kind Kind, m *tree.Model) []byte {
	return Marshal(EncodeInput{
		Kind: kind, ID: uuid.MustParse("b2cd8b9e-2c5f-4f30-9a52-8b54cfc1b0a1"), Model: m,
		Metadata: Metadata{TrainRowCount: 100, Metric: MetricMSE, MetricValue: 0.5, TargetColumn: "y"},
	})
}

func TestMarshalUnmarshalRoundTripsHeader(t *testing.T) {
	m := singleSplitModel()
	blob := marshalSimple(KindRegressor, m)
	v, err := Unmarshal(blob)
	require.NoError(t, err)
	require.Equal(t, KindRegressor, v.Kind())
	require.Equal(t, 1, v.NTrees())
	require.Equal(t, []float64{0.5}, v.Biases())
	require.Equal(t, []int{0}, v.FeatureColumnIndex())
	require.Equal(t, "b2cd8b9e-2c5f-4f30-9a52-8b54cfc1b0a1", v.ID().String())
}

func TestMetadataRoundTrips(t *testing.T) {
	blob := Marshal(EncodeInput{
		Kind: KindBinaryClassifier, ID: uuid.New(), Model: singleSplitModel(),
		Metadata: Metadata{
			TrainRowCount: 900, TestRowCount: 100,
			Metric: MetricAccuracy, MetricValue: 0.93,
			Losses:       []float32{0.7, 0.5, 0.4},
			TargetColumn: "diagnosis", TargetVariants: []string{"negative", "positive"},
		},
	})
	v, err := Unmarshal(blob)
	require.NoError(t, err)
	md := v.Metadata()
	require.Equal(t, uint32(900), md.TrainRowCount)
	require.Equal(t, uint32(100), md.TestRowCount)
	require.Equal(t, MetricAccuracy, md.Metric)
	require.InDelta(t, 0.93, md.MetricValue, 1e-6)
	require.Equal(t, []float32{0.7, 0.5, 0.4}, md.Losses)
	require.Equal(t, "diagnosis", md.TargetColumn)
	require.Equal(t, []string{"negative", "positive"}, md.TargetVariants)
}

func TestGroupsRoundTrip(t *testing.T) {
	groups := []features.Group{
		{Kind: features.GroupIdentity, SourceColumn: "age", SourceColumnKind: table.KindNumber},
		{Kind: features.GroupIdentity, SourceColumn: "chest_pain", SourceColumnKind: table.KindEnum, Variants: []string{"A", "B", "C"}},
		{Kind: features.GroupNormalized, SourceColumn: "chol", SourceColumnKind: table.KindNumber, Mean: 200, StdDev: 25},
		{Kind: features.GroupOneHotEncoded, SourceColumn: "thal", SourceColumnKind: table.KindEnum, Variants: []string{"fixed", "normal"}},
	}
	blob := Marshal(EncodeInput{Kind: KindRegressor, ID: uuid.New(), Model: singleSplitModel(), Groups: groups})
	v, err := Unmarshal(blob)
	require.NoError(t, err)
	got := v.Groups()
	require.Len(t, got, 4)
	require.Equal(t, features.GroupIdentity, got[0].Kind)
	require.Equal(t, "age", got[0].SourceColumn)
	require.Equal(t, table.KindEnum, got[1].SourceColumnKind)
	require.Equal(t, []string{"A", "B", "C"}, got[1].Variants)
	require.InDelta(t, 200.0, got[2].Mean, 1e-6)
	require.InDelta(t, 25.0, got[2].StdDev, 1e-6)
	require.Equal(t, []string{"fixed", "normal"}, got[3].Variants)
}

func TestViewPredictMatchesTreeWalk(t *testing.T) {
	m := singleSplitModel()
	blob := marshalSimple(KindRegressor, m)
	v, err := Unmarshal(blob)
	require.NoError(t, err)

	leftRow := []uint16{1} // bin 1 <= BinIndex 1 -> left
	rightRow := []uint16{2}

	require.Equal(t, -1.0, v.Predict(0, leftRow))
	require.Equal(t, 1.0, v.Predict(0, rightRow))

	pLeft := v.PredictAll(leftRow)
	require.InDelta(t, 0.5-1.0, pLeft[0], 1e-9)
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	blob := marshalSimple(KindRegressor, singleSplitModel())
	blob[0] = 'X'
	_, err := Unmarshal(blob)
	require.Error(t, err)
}

func TestUnmarshalRejectsTruncatedBlob(t *testing.T) {
	blob := marshalSimple(KindRegressor, singleSplitModel())
	_, err := Unmarshal(blob[:10])
	require.Error(t, err)
}

func TestDiscreteSplitDirectionsRoundTrip(t *testing.T) {
	tr := &tree.Tree{Nodes: []tree.Node{
		{IsLeaf: false, LeftChild: 1, RightChild: 2, Split: tree.Split{Continuous: false, FeatureIndex: 0, Directions: []tree.SplitDirection{tree.DirectionRight, tree.DirectionLeft, tree.DirectionRight}}},
		{IsLeaf: true, Value: -2.0},
		{IsLeaf: true, Value: 2.0},
	}}
	m := &tree.Model{Task: tree.TaskRegression, Biases: []float64{0}, NTreesPerRound: 1, Trees: []*tree.Tree{tr}, FeatureColumnIndex: []int{0}}
	blob := marshalSimple(KindRegressor, m)
	v, err := Unmarshal(blob)
	require.NoError(t, err)

	require.Equal(t, -2.0, v.Predict(0, []uint16{1}))
	require.Equal(t, 2.0, v.Predict(0, []uint16{0}))
	require.Equal(t, 2.0, v.Predict(0, []uint16{2}))
}
