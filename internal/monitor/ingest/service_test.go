package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/model"
	"github.com/frankmgb/tangram/internal/monitor/alert"
	"github.com/frankmgb/tangram/internal/monitor/metrics"
	"github.com/frankmgb/tangram/internal/monitor/production"
	"github.com/frankmgb/tangram/internal/monitor/store"
	"github.com/frankmgb/tangram/internal/predict"
	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/frankmgb/tangram/internal/tree"
)

// memStore is an in-memory EventStore for tests.
type memStore struct {
	events  []store.Event
	buckets map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{buckets: map[string][]byte{}}
}

func bucketID(modelID string, kind store.BucketKind, start time.Time) string {
	return modelID + "/" + string(kind) + "/" + start.UTC().Format(time.RFC3339)
}

func (m *memStore) LogPrediction(ctx context.Context, modelID, identifier string, date time.Time, predictedValue string, probability *float64) error {
	v := predictedValue
	m.events = append(m.events, store.Event{
		ID: int64(len(m.events) + 1), ModelID: modelID, Identifier: identifier, Date: date,
		PredictedValue: &v, PredictedProbability: probability,
	})
	return nil
}

func (m *memStore) LogTrueValue(ctx context.Context, modelID, identifier string, date time.Time, trueValue string) (*store.Event, error) {
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := &m.events[i]
		if ev.ModelID == modelID && ev.Identifier == identifier && ev.PredictedValue != nil {
			tv := trueValue
			ev.TrueValue = &tv
			copied := *ev
			return &copied, nil
		}
	}
	tv := trueValue
	m.events = append(m.events, store.Event{ModelID: modelID, Identifier: identifier, Date: date, TrueValue: &tv})
	return nil, nil
}

func (m *memStore) ReadBucket(ctx context.Context, modelID string, kind store.BucketKind, start time.Time) ([]byte, error) {
	return m.buckets[bucketID(modelID, kind, start)], nil
}

func (m *memStore) WriteBucket(ctx context.Context, modelID string, kind store.BucketKind, start time.Time, blob []byte) error {
	m.buckets[bucketID(modelID, kind, start)] = blob
	return nil
}

func (m *memStore) ReadBucketsBetween(ctx context.Context, modelID string, kind store.BucketKind, from, to time.Time) ([]time.Time, [][]byte, error) {
	var starts []time.Time
	var blobs [][]byte
	prefix := modelID + "/" + string(kind) + "/"
	for key, blob := range m.buckets {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		start, err := time.Parse(time.RFC3339, strings.TrimPrefix(key, prefix))
		if err != nil {
			return nil, nil, err
		}
		if !start.Before(from) && start.Before(to) {
			starts = append(starts, start)
			blobs = append(blobs, blob)
		}
	}
	return starts, blobs, nil
}

// testModelView trains a tiny binary classifier and returns its view.
func testModelView(t *testing.T) *model.View {
	t.Helper()
	var b strings.Builder
	b.WriteString("age,diagnosis\n")
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			b.WriteString("30,no\n")
		} else {
			b.WriteString("70,yes\n")
		}
	}
	tbl, err := table.FromCSV(strings.NewReader(b.String()), table.FromCSVOptions{})
	require.NoError(t, err)
	v := table.ViewOf(tbl)
	settings := stats.DefaultSettings()
	columnStats := stats.Finalize(stats.Compute(v, settings), settings)
	groups := features.AutoSelect(v.ColumnNames(), columnStats, features.SelectOptions{
		Family: features.FamilyTree, ExcludeColumns: map[string]struct{}{"diagnosis": {}},
	})
	featureTable, featureColumns := features.EncodeValues(v, groups)
	labels := tree.Labels{Enums: append([]uint32(nil), v.Column(1).EnumIdx...), NClasses: 2}
	opts := tree.TrainOptions{Tree: tree.DefaultOptions()}
	opts.Tree.MaxRounds = 5
	opts.Tree.MinExamplesPerNode = 5
	m := tree.Train(tree.TaskBinaryClassification, table.ViewOf(featureTable), featureColumns, labels, opts)
	blob := model.Marshal(model.EncodeInput{
		Kind: model.KindBinaryClassifier, ID: uuid.New(), Model: m, Groups: groups,
		Metadata: model.Metadata{
			Metric: model.MetricAccuracy, MetricValue: 0.95,
			TargetColumn: "diagnosis", TargetVariants: []string{"no", "yes"},
		},
	})
	view, err := model.Unmarshal(blob)
	require.NoError(t, err)
	return view
}

func binaryOutput(class string, prob float32) predict.Output {
	return predict.Output{BinaryClassification: &predict.BinaryClassificationOutput{ClassName: class, Probability: prob}}
}

func TestLogPredictionFoldsIntoStatsBucket(t *testing.T) {
	st := newMemStore()
	svc := NewService(st)
	view := testModelView(t)
	modelID := view.ID().String()
	svc.RegisterModel(modelID, view, alert.CadenceTesting)

	ts := time.Date(2026, 7, 31, 10, 0, 2, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := svc.LogPrediction(context.Background(), PredictionEvent{
			Identifier: "id" + string(rune('a'+i)), ModelID: modelID, Timestamp: ts,
			Input:  predict.Input{"age": predict.NumberValue(42)},
			Output: binaryOutput("no", 0.2),
		})
		require.NoError(t, err)
	}
	require.Len(t, st.events, 4)

	require.NoError(t, svc.Flush(context.Background()))
	start := alert.CadenceTesting.BucketStart(ts)
	blob, err := st.ReadBucket(context.Background(), modelID, store.BucketStats, start)
	require.NoError(t, err)
	require.NotNil(t, blob)
	var bucket production.Stats
	require.NoError(t, json.Unmarshal(blob, &bucket))
	require.Equal(t, 4, bucket.Count)
}

func TestTrueValueUpdatesMetricsAndProductionMetric(t *testing.T) {
	st := newMemStore()
	svc := NewService(st)
	view := testModelView(t)
	modelID := view.ID().String()
	svc.RegisterModel(modelID, view, alert.CadenceTesting)

	ts := time.Now().UTC()
	for i := 0; i < 10; i++ {
		id := "p" + pad2(i)
		require.NoError(t, svc.LogPrediction(context.Background(), PredictionEvent{
			Identifier: id, ModelID: modelID, Timestamp: ts,
			Input:  predict.Input{"age": predict.NumberValue(70)},
			Output: binaryOutput("yes", 0.9),
		}))
		trueClass := "yes"
		if i >= 8 {
			trueClass = "no" // two mistakes
		}
		require.NoError(t, svc.LogTrueValue(context.Background(), TrueValueEvent{
			Identifier: id, ModelID: modelID, Timestamp: ts,
			TrueValue: predict.TextValue(trueClass),
		}))
	}

	value, count, err := svc.ProductionMetric(context.Background(), modelID)
	require.NoError(t, err)
	require.Equal(t, 10, count)
	require.InDelta(t, 0.8, value, 1e-9)
}

func TestUnmatchedTrueValueDoesNotUpdateMetrics(t *testing.T) {
	st := newMemStore()
	svc := NewService(st)
	view := testModelView(t)
	modelID := view.ID().String()
	svc.RegisterModel(modelID, view, alert.CadenceTesting)

	require.NoError(t, svc.LogTrueValue(context.Background(), TrueValueEvent{
		Identifier: "nobody", ModelID: modelID, Timestamp: time.Now().UTC(),
		TrueValue: predict.TextValue("yes"),
	}))
	_, count, err := svc.ProductionMetric(context.Background(), modelID)
	require.NoError(t, err)
	require.Zero(t, count)
	// The event itself is still stored.
	require.Len(t, st.events, 1)
}

func TestFlushMergesWithPersistedBucket(t *testing.T) {
	st := newMemStore()
	svc := NewService(st)
	view := testModelView(t)
	modelID := view.ID().String()
	svc.RegisterModel(modelID, view, alert.CadenceTesting)

	ts := time.Date(2026, 7, 31, 10, 0, 1, 0, time.UTC)
	log := func(n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, svc.LogPrediction(context.Background(), PredictionEvent{
				Identifier: "x", ModelID: modelID, Timestamp: ts,
				Input:  predict.Input{"age": predict.NumberValue(55)},
				Output: binaryOutput("no", 0.3),
			}))
		}
	}
	log(3)
	require.NoError(t, svc.Flush(context.Background()))
	log(2)
	require.NoError(t, svc.Flush(context.Background()))

	start := alert.CadenceTesting.BucketStart(ts)
	blob, err := st.ReadBucket(context.Background(), modelID, store.BucketStats, start)
	require.NoError(t, err)
	var bucket production.Stats
	require.NoError(t, json.Unmarshal(blob, &bucket))
	require.Equal(t, 5, bucket.Count)
}

func TestQueryWindowMergesIntervalsAndFlagsAlerts(t *testing.T) {
	st := newMemStore()
	svc := NewService(st)
	view := testModelView(t)
	modelID := view.ID().String()
	svc.RegisterModel(modelID, view, alert.CadenceTesting)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	// Two separate 5-second intervals, every event missing the age
	// column so the absent ratio trips the column alert.
	for _, offset := range []time.Duration{0, 6 * time.Second} {
		for i := 0; i < 3; i++ {
			require.NoError(t, svc.LogPrediction(context.Background(), PredictionEvent{
				Identifier: "q", ModelID: modelID, Timestamp: base.Add(offset),
				Input:  predict.Input{},
				Output: binaryOutput("no", 0.1),
			}))
		}
	}
	require.NoError(t, svc.Flush(context.Background()))

	w, err := svc.QueryWindow(context.Background(), modelID, base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, w.Intervals, 2)
	require.Equal(t, 6, w.Overall.Count)
	require.NotEmpty(t, w.Alerts)
}

func TestMetricsBucketSerializationRoundTrips(t *testing.T) {
	b := &metrics.Bucket{Binary: &metrics.Binary{}}
	b.Binary.Update(0.9, 0.5, true)
	blob, err := json.Marshal(b)
	require.NoError(t, err)
	var got metrics.Bucket
	require.NoError(t, json.Unmarshal(blob, &got))
	require.Equal(t, 1, got.EventCount())
	require.InDelta(t, 1.0, got.Value(), 1e-12)
}

func pad2(i int) string {
	return string(rune('0' + i/10)) + string(rune('0'+i%10))
}
