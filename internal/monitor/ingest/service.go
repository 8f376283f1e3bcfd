package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/frankmgb/tangram/internal/features"
	"github.com/frankmgb/tangram/internal/model"
	"github.com/frankmgb/tangram/internal/monitor/alert"
	"github.com/frankmgb/tangram/internal/monitor/metrics"
	"github.com/frankmgb/tangram/internal/monitor/production"
	"github.com/frankmgb/tangram/internal/monitor/store"
	"github.com/frankmgb/tangram/internal/predict"
	"github.com/frankmgb/tangram/internal/stats"
)

// PredictionEvent is one logged model prediction.
type PredictionEvent struct {
	Identifier string
	ModelID    string
	Timestamp  time.Time
	Input      predict.Input
	Output     predict.Output
	Options    predict.Options
}

// TrueValueEvent is one later-arriving ground-truth observation for a
// previously logged prediction.
type TrueValueEvent struct {
	Identifier string
	ModelID    string
	Timestamp  time.Time
	TrueValue  predict.Value
}

var (
	eventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tangram_events_ingested_total",
		Help: "Prediction and true-value events accepted by the ingest service.",
	}, []string{"kind"})
	bucketMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tangram_bucket_merges_total",
		Help: "Merges of in-memory buckets into the persisted blobs.",
	})
)

// registeredModel is everything the service needs to fold events for
// one model.
type registeredModel struct {
	kind           model.Kind
	groups         []features.Group
	targetVariants []string
	trainingMetric float64
	cadence        alert.Cadence
	settings       stats.Settings
}

type bucketKey struct {
	modelID string
	start   time.Time
}

// EventStore is the slice of the store the service needs; satisfied by
// *store.Store, and by in-memory fakes in tests.
type EventStore interface {
	LogPrediction(ctx context.Context, modelID, identifier string, date time.Time, predictedValue string, probability *float64) error
	LogTrueValue(ctx context.Context, modelID, identifier string, date time.Time, trueValue string) (*store.Event, error)
	ReadBucket(ctx context.Context, modelID string, kind store.BucketKind, start time.Time) ([]byte, error)
	WriteBucket(ctx context.Context, modelID string, kind store.BucketKind, start time.Time, blob []byte) error
	ReadBucketsBetween(ctx context.Context, modelID string, kind store.BucketKind, from, to time.Time) ([]time.Time, [][]byte, error)
}

// Service accepts prediction and true-value events, folds them into
// per-(model, interval) stats and metrics buckets, and persists the
// buckets through the store. Event producers may call it concurrently;
// serialization happens only at the bucket-merge boundary.
type Service struct {
	store EventStore

	mu            sync.Mutex
	models        map[string]registeredModel
	statsBuckets  map[bucketKey]*production.Stats
	metricBuckets map[bucketKey]*metrics.Bucket
}

// NewService builds an ingest service over the given store.
func NewService(st EventStore) *Service {
	return &Service{
		store:         st,
		models:        map[string]registeredModel{},
		statsBuckets:  map[bucketKey]*production.Stats{},
		metricBuckets: map[bucketKey]*metrics.Bucket{},
	}
}

// RegisterModel makes a model known to the service: its feature
// vocabulary (for production stats), its training metric (the alert
// baseline), and its bucketing cadence.
func (s *Service) RegisterModel(modelID string, v *model.View, cadence alert.Cadence) {
	md := v.Metadata()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[modelID] = registeredModel{
		kind:           v.Kind(),
		groups:         v.Groups(),
		targetVariants: md.TargetVariants,
		trainingMetric: float64(md.MetricValue),
		cadence:        cadence,
		settings:       stats.DefaultSettings(),
	}
}

// LogPrediction persists one prediction event and folds its input into
// the current production-stats bucket.
func (s *Service) LogPrediction(ctx context.Context, ev PredictionEvent) error {
	value, probability := outputValue(ev.Output)
	if err := s.store.LogPrediction(ctx, ev.ModelID, ev.Identifier, ev.Timestamp, value, probability); err != nil {
		return err
	}
	eventsIngestedTotal.WithLabelValues("prediction").Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[ev.ModelID]
	if !ok {
		return errors.Errorf("ingest: unknown model %q", ev.ModelID)
	}
	key := bucketKey{modelID: ev.ModelID, start: m.cadence.BucketStart(ev.Timestamp)}
	bucket, ok := s.statsBuckets[key]
	if !ok {
		bucket = production.New(ev.ModelID, m.groups, m.settings)
		s.statsBuckets[key] = bucket
	}
	bucket.Update(ev.Input)
	return nil
}

// LogTrueValue persists one true-value event; when a matching
// prediction exists in the store, the pair is folded into the metrics
// bucket, otherwise the event is stored without updating metrics.
func (s *Service) LogTrueValue(ctx context.Context, ev TrueValueEvent) error {
	trueText := valueText(ev.TrueValue)
	matched, err := s.store.LogTrueValue(ctx, ev.ModelID, ev.Identifier, ev.Timestamp, trueText)
	if err != nil {
		return err
	}
	eventsIngestedTotal.WithLabelValues("true_value").Inc()
	if matched == nil || matched.PredictedValue == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[ev.ModelID]
	if !ok {
		return errors.Errorf("ingest: unknown model %q", ev.ModelID)
	}
	key := bucketKey{modelID: ev.ModelID, start: m.cadence.BucketStart(ev.Timestamp)}
	bucket, ok := s.metricBuckets[key]
	if !ok {
		bucket = newMetricsBucket(m)
		s.metricBuckets[key] = bucket
	}
	updateMetrics(bucket, m, *matched.PredictedValue, matched.PredictedProbability, trueText)
	return nil
}

func newMetricsBucket(m registeredModel) *metrics.Bucket {
	switch m.kind {
	case model.KindRegressor:
		return &metrics.Bucket{Regression: &metrics.Regression{}}
	case model.KindBinaryClassifier:
		return &metrics.Bucket{Binary: &metrics.Binary{}}
	default:
		return &metrics.Bucket{Multiclass: metrics.NewMulticlass(len(m.targetVariants))}
	}
}

func updateMetrics(bucket *metrics.Bucket, m registeredModel, predicted string, probability *float64, trueValue string) {
	switch {
	case bucket.Regression != nil:
		p, err1 := strconv.ParseFloat(predicted, 64)
		t, err2 := strconv.ParseFloat(trueValue, 64)
		if err1 != nil || err2 != nil {
			return
		}
		bucket.Regression.Update(p, t)
	case bucket.Binary != nil:
		if len(m.targetVariants) < 2 {
			return
		}
		positive := m.targetVariants[1]
		prob := 0.0
		if probability != nil {
			prob = *probability
		} else if predicted == positive {
			prob = 1.0
		}
		bucket.Binary.Update(prob, 0.5, trueValue == positive)
	case bucket.Multiclass != nil:
		trueIdx, ok1 := variantIndex(m.targetVariants, trueValue)
		predIdx, ok2 := variantIndex(m.targetVariants, predicted)
		if !ok1 || !ok2 {
			return
		}
		bucket.Multiclass.Update(trueIdx, predIdx)
	}
}

func variantIndex(variants []string, v string) (int, bool) {
	for i, variant := range variants {
		if variant == v {
			return i, true
		}
	}
	return 0, false
}

func outputValue(out predict.Output) (string, *float64) {
	switch {
	case out.Regression != nil:
		return strconv.FormatFloat(float64(out.Regression.Value), 'g', -1, 32), nil
	case out.BinaryClassification != nil:
		p := float64(out.BinaryClassification.Probability)
		return out.BinaryClassification.ClassName, &p
	case out.MulticlassClassification != nil:
		p := float64(out.MulticlassClassification.Probability)
		return out.MulticlassClassification.ClassName, &p
	default:
		return "", nil
	}
}

func valueText(v predict.Value) string {
	if v.IsNumber {
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	}
	return v.Text
}

// Flush merges every in-memory bucket into its persisted blob and
// clears the in-memory state. Called periodically and on shutdown. The
// service lock covers only the swap of the in-memory maps; the
// read-merge-write against the store runs after it is released.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	statsBuckets := s.statsBuckets
	metricBuckets := s.metricBuckets
	s.statsBuckets = map[bucketKey]*production.Stats{}
	s.metricBuckets = map[bucketKey]*metrics.Bucket{}
	s.mu.Unlock()

	for key, bucket := range statsBuckets {
		if err := s.flushStats(ctx, key, bucket); err != nil {
			log.Error().Err(err).Str("model", key.modelID).Time("bucket", key.start).Msg("ingest: stats flush failed")
		}
	}
	for key, bucket := range metricBuckets {
		if err := s.flushMetrics(ctx, key, bucket); err != nil {
			log.Error().Err(err).Str("model", key.modelID).Time("bucket", key.start).Msg("ingest: metrics flush failed")
		}
	}
	return nil
}

func (s *Service) flushStats(ctx context.Context, key bucketKey, bucket *production.Stats) error {
	existing, err := s.store.ReadBucket(ctx, key.modelID, store.BucketStats, key.start)
	if err != nil {
		return err
	}
	if existing != nil {
		var prev production.Stats
		if err := json.Unmarshal(existing, &prev); err != nil {
			return errors.Wrap(err, "ingest: decode stats bucket")
		}
		bucket = production.Merge(&prev, bucket)
		bucketMergesTotal.Inc()
	}
	blob, err := json.Marshal(bucket)
	if err != nil {
		return errors.Wrap(err, "ingest: encode stats bucket")
	}
	return s.store.WriteBucket(ctx, key.modelID, store.BucketStats, key.start, blob)
}

func (s *Service) flushMetrics(ctx context.Context, key bucketKey, bucket *metrics.Bucket) error {
	existing, err := s.store.ReadBucket(ctx, key.modelID, store.BucketMetrics, key.start)
	if err != nil {
		return err
	}
	if existing != nil {
		var prev metrics.Bucket
		if err := json.Unmarshal(existing, &prev); err != nil {
			return errors.Wrap(err, "ingest: decode metrics bucket")
		}
		prev.Merge(bucket)
		bucket = &prev
		bucketMergesTotal.Inc()
	}
	blob, err := json.Marshal(bucket)
	if err != nil {
		return errors.Wrap(err, "ingest: encode metrics bucket")
	}
	return s.store.WriteBucket(ctx, key.modelID, store.BucketMetrics, key.start, blob)
}

// Window is the result of a time-range production-stats query: one
// entry per persisted interval plus the overall merge across the
// window and its per-column alerts.
type Window struct {
	ModelID   string
	Intervals []IntervalStats
	Overall   *production.Stats
	Alerts    []production.ColumnAlert
}

// IntervalStats pairs one bucket with its interval start.
type IntervalStats struct {
	Start time.Time
	Stats *production.Stats
}

// QueryWindow loads every production-stats bucket for a model within
// [from, to) and merges them into the window-wide aggregate.
func (s *Service) QueryWindow(ctx context.Context, modelID string, from, to time.Time) (*Window, error) {
	starts, blobs, err := s.store.ReadBucketsBetween(ctx, modelID, store.BucketStats, from, to)
	if err != nil {
		return nil, err
	}
	w := &Window{ModelID: modelID}
	for i, blob := range blobs {
		bucket := &production.Stats{}
		if err := json.Unmarshal(blob, bucket); err != nil {
			return nil, errors.Wrap(err, "ingest: decode stats bucket")
		}
		w.Intervals = append(w.Intervals, IntervalStats{Start: starts[i], Stats: bucket})
		if w.Overall == nil {
			w.Overall = bucket
		} else {
			w.Overall = production.Merge(w.Overall, bucket)
		}
	}
	if w.Overall != nil {
		w.Alerts = w.Overall.Alerts()
	}
	return w, nil
}

// TrainingMetric implements alert.MetricSource using the metric
// embedded in the registered model's file.
func (s *Service) TrainingMetric(ctx context.Context, modelID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelID]
	if !ok {
		return 0, errors.Errorf("ingest: unknown model %q", modelID)
	}
	return m.trainingMetric, nil
}

// ProductionMetric implements alert.MetricSource: the headline metric
// of the most recent persisted bucket merged with any still-unflushed
// in-memory bucket.
func (s *Service) ProductionMetric(ctx context.Context, modelID string) (float64, int, error) {
	s.mu.Lock()
	m, ok := s.models[modelID]
	if !ok {
		s.mu.Unlock()
		return 0, 0, errors.Errorf("ingest: unknown model %q", modelID)
	}
	cadence := m.cadence
	var inMemory *metrics.Bucket
	var newest time.Time
	for key, bucket := range s.metricBuckets {
		if key.modelID == modelID && (inMemory == nil || key.start.After(newest)) {
			inMemory, newest = bucket, key.start
		}
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	from := now.Add(-2 * cadence.Duration())
	_, blobs, err := s.store.ReadBucketsBetween(ctx, modelID, store.BucketMetrics, from, now.Add(cadence.Duration()))
	if err != nil {
		return 0, 0, err
	}
	var latest *metrics.Bucket
	if len(blobs) > 0 {
		latest = &metrics.Bucket{}
		if err := json.Unmarshal(blobs[len(blobs)-1], latest); err != nil {
			return 0, 0, errors.Wrap(err, "ingest: decode metrics bucket")
		}
	}
	switch {
	case latest != nil && inMemory != nil:
		latest.Merge(inMemory)
	case latest == nil && inMemory != nil:
		latest = inMemory
	case latest == nil:
		return 0, 0, nil
	}
	return latest.Value(), latest.EventCount(), nil
}
