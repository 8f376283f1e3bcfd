// Package ingest turns a stream of prediction/true-value events into
// time-bucketed, mergeable production statistics comparable against the
// training-time stats computed by internal/stats.
package ingest

import (
	"time"

	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
)

// BucketDuration is the production-stats window granularity. Buckets
// align to the Unix epoch so two processes ingesting the same time
// range always produce identical bucket boundaries.
const BucketDuration = time.Hour

// BucketStart floors a timestamp to its bucket boundary.
func BucketStart(t time.Time) time.Time {
	return t.Truncate(BucketDuration)
}

// Bucket holds merged column stats for every input feature plus the
// prediction output column, for one time window.
type Bucket struct {
	Start       time.Time
	Features    []stats.ColumnStats
	Predictions stats.ColumnStats
	TrueValues  stats.ColumnStats
	Count       int
}

// NewBucket computes a bucket's stats from a batch of rows observed in
// that window, using the same table/stats machinery as training so
// production and training distributions are directly comparable.
func NewBucket(start time.Time, features table.View, predictions, trueValues table.View, settings stats.Settings) Bucket {
	fcs := stats.Compute(features, settings)
	pcs := stats.Compute(predictions, settings)[0]
	tcs := stats.Compute(trueValues, settings)[0]
	return Bucket{Start: start, Features: fcs, Predictions: pcs, TrueValues: tcs, Count: features.NRows()}
}

// Merge combines two buckets covering the same Start, associatively —
// the same associativity internal/stats.Merge guarantees, carried
// through to the bucket level.
func Merge(a, b Bucket) Bucket {
	return Bucket{
		Start:       a.Start,
		Features:    stats.Merge(a.Features, b.Features),
		Predictions: mergeOne(a.Predictions, b.Predictions),
		TrueValues:  mergeOne(a.TrueValues, b.TrueValues),
		Count:       a.Count + b.Count,
	}
}

func mergeOne(a, b stats.ColumnStats) stats.ColumnStats {
	return stats.Merge([]stats.ColumnStats{a}, []stats.ColumnStats{b})[0]
}

// Finalize produces the terminal, comparable form of every stats series
// in the bucket.
func (b Bucket) Finalize(settings stats.Settings) FinalizedBucket {
	return FinalizedBucket{
		Start:       b.Start,
		Features:    stats.Finalize(b.Features, settings),
		Predictions: stats.Finalize([]stats.ColumnStats{b.Predictions}, settings)[0],
		TrueValues:  stats.Finalize([]stats.ColumnStats{b.TrueValues}, settings)[0],
		Count:       b.Count,
	}
}

// FinalizedBucket is a Bucket after Finalize, ready for drift
// comparison against training stats.
type FinalizedBucket struct {
	Start       time.Time
	Features    []stats.Output
	Predictions stats.Output
	TrueValues  stats.Output
	Count       int
}

// DriftKind classifies how a production column's distribution diverges
// from its training counterpart.
type DriftKind uint8

const (
	DriftNone DriftKind = iota
	DriftMeanShift
	DriftVarianceShift
	DriftNewEnumVariant
	DriftInvalidRateIncrease
)

// Drift reports one column's divergence between training and
// production.
type Drift struct {
	ColumnName string
	Kind       DriftKind
	Detail     string
}

// CompareToTraining diffs a finalized production bucket against the
// training-time stats for the same columns, flagging mean shifts for
// numbers, novel variants for enums, and invalid-rate increases for
// number and enum columns. Variances are not compared, so no
// DriftVarianceShift is reported, and text columns are skipped.
func CompareToTraining(trainingStats, productionStats []stats.Output, meanShiftThresholdStds float32) []Drift {
	index := make(map[string]stats.Output, len(trainingStats))
	for _, o := range trainingStats {
		index[o.ColumnName] = o
	}
	var drifts []Drift
	for _, prod := range productionStats {
		train, ok := index[prod.ColumnName]
		if !ok {
			continue
		}
		drifts = append(drifts, compareColumn(train, prod, meanShiftThresholdStds)...)
	}
	return drifts
}

func compareColumn(train, prod stats.Output, meanShiftThresholdStds float32) []Drift {
	var out []Drift
	switch {
	case train.Number != nil && prod.Number != nil:
		if train.Number.Std > 0 {
			shift := (prod.Number.Mean - train.Number.Mean) / train.Number.Std
			if shift > meanShiftThresholdStds || shift < -meanShiftThresholdStds {
				out = append(out, Drift{ColumnName: train.ColumnName, Kind: DriftMeanShift, Detail: "mean shifted beyond threshold standard deviations"})
			}
		}
		if invalidRateIncreased(train.Number.Count, train.Number.InvalidCount, prod.Number.Count, prod.Number.InvalidCount) {
			out = append(out, Drift{ColumnName: train.ColumnName, Kind: DriftInvalidRateIncrease})
		}
	case train.Enum != nil && prod.Enum != nil:
		known := make(map[string]struct{}, len(train.Enum.Histogram))
		for _, vc := range train.Enum.Histogram {
			known[vc.Variant] = struct{}{}
		}
		for _, vc := range prod.Enum.Histogram {
			if vc.Count == 0 {
				continue
			}
			if _, ok := known[vc.Variant]; !ok {
				out = append(out, Drift{ColumnName: train.ColumnName, Kind: DriftNewEnumVariant, Detail: vc.Variant})
			}
		}
		if invalidRateIncreased(train.Enum.Count, train.Enum.InvalidCount, prod.Enum.Count, prod.Enum.InvalidCount) {
			out = append(out, Drift{ColumnName: train.ColumnName, Kind: DriftInvalidRateIncrease})
		}
	}
	return out
}

func invalidRateIncreased(trainCount, trainInvalid, prodCount, prodInvalid int) bool {
	if trainCount == 0 || prodCount == 0 {
		return false
	}
	trainRate := float64(trainInvalid) / float64(trainCount)
	prodRate := float64(prodInvalid) / float64(prodCount)
	return prodRate > trainRate*2 && prodRate-trainRate > 0.01
}
