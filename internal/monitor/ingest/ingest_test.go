package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/frankmgb/tangram/internal/stats"
	"github.com/frankmgb/tangram/internal/table"
	"github.com/stretchr/testify/require"
)

func loadView(t *testing.T, csv string) table.View {
	t.Helper()
	tbl, err := table.FromCSV(strings.NewReader(csv), table.FromCSVOptions{})
	require.NoError(t, err)
	return table.ViewOf(tbl)
}

func TestBucketStartTruncatesToHour(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 37, 9, 0, time.UTC)
	require.Equal(t, time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC), BucketStart(ts))
}

func TestMergeBucketsMatchesWholeBatch(t *testing.T) {
	settings := stats.DefaultSettings()
	features := loadView(t, "x\n1\n2\n3\n4\n")
	predictions := loadView(t, "p\n1\n2\n3\n4\n")
	trueValues := loadView(t, "y\n1\n2\n3\n4\n")

	whole := NewBucket(time.Time{}, features, predictions, trueValues, settings)

	fa, fb := features.Split(2)
	pa, pb := predictions.Split(2)
	ta, tb := trueValues.Split(2)
	b1 := NewBucket(time.Time{}, fa, pa, ta, settings)
	b2 := NewBucket(time.Time{}, fb, pb, tb, settings)
	merged := Merge(b1, b2)

	require.Equal(t, whole.Count, merged.Count)
	fWhole := whole.Finalize(settings)
	fMerged := merged.Finalize(settings)
	require.Equal(t, fWhole.Features[0].Number.Mean, fMerged.Features[0].Number.Mean)
	require.Equal(t, fWhole.Predictions.Number.Mean, fMerged.Predictions.Number.Mean)
}

func TestCompareToTrainingFlagsMeanShift(t *testing.T) {
	settings := stats.DefaultSettings()
	trainView := loadView(t, "x\n1\n2\n3\n4\n5\n")
	trainStats := stats.Finalize(stats.Compute(trainView, settings), settings)

	prodView := loadView(t, "x\n100\n101\n102\n103\n104\n")
	prodStats := stats.Finalize(stats.Compute(prodView, settings), settings)

	drifts := CompareToTraining(trainStats, prodStats, 2.0)
	require.Len(t, drifts, 1)
	require.Equal(t, DriftMeanShift, drifts[0].Kind)
}

func TestCompareToTrainingFlagsNewEnumVariant(t *testing.T) {
	settings := stats.DefaultSettings()
	trainView := loadView(t, "c\na\nb\na\nb\n")
	trainStats := stats.Finalize(stats.Compute(trainView, settings), settings)

	prodView := loadView(t, "c\na\nb\nc\n")
	prodStats := stats.Finalize(stats.Compute(prodView, settings), settings)

	drifts := CompareToTraining(trainStats, prodStats, 2.0)
	require.Len(t, drifts, 1)
	require.Equal(t, DriftNewEnumVariant, drifts[0].Kind)
	require.Equal(t, "c", drifts[0].Detail)
}

func TestCompareToTrainingNoDriftOnIdenticalDistribution(t *testing.T) {
	settings := stats.DefaultSettings()
	v := loadView(t, "x\n1\n2\n3\n4\n5\n")
	s := stats.Finalize(stats.Compute(v, settings), settings)
	require.Empty(t, CompareToTraining(s, s, 2.0))
}
