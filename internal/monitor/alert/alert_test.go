package alert

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestIsOverdueFixedDurationCadences(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	require.True(t, IsOverdue(CadenceHourly, time.Time{}, now))
	require.False(t, IsOverdue(CadenceHourly, now.Add(-30*time.Minute), now))
	require.True(t, IsOverdue(CadenceHourly, now.Add(-61*time.Minute), now))
	require.False(t, IsOverdue(CadenceDaily, now.Add(-23*time.Hour), now))
	require.True(t, IsOverdue(CadenceDaily, now.Add(-25*time.Hour), now))
}

func TestIsOverdueMonthlyIsCalendarAligned(t *testing.T) {
	lastRun := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	sameMonthLater := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	nextMonth := time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC)
	require.False(t, IsOverdue(CadenceMonthly, lastRun, sameMonthLater))
	require.True(t, IsOverdue(CadenceMonthly, lastRun, nextMonth))
}

func TestBucketStartAlignments(t *testing.T) {
	ts := time.Date(2026, 7, 29, 14, 37, 9, 0, time.UTC) // a Wednesday
	require.Equal(t, time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC), CadenceHourly.BucketStart(ts))
	require.Equal(t, time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC), CadenceDaily.BucketStart(ts))
	require.Equal(t, time.Date(2026, 7, 27, 0, 0, 0, 0, time.UTC), CadenceWeekly.BucketStart(ts)) // Monday
	require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), CadenceMonthly.BucketStart(ts))
	require.Equal(t, time.Date(2026, 7, 29, 14, 37, 5, 0, time.UTC), CadenceTesting.BucketStart(ts))
}

func TestEvaluateAbsoluteIsTrainingMinusProduction(t *testing.T) {
	c := Evaluate(ModeAbsolute, 10.0, 13.0)
	require.Equal(t, -3.0, c.Value)
	lower := -2.0
	require.True(t, c.Exceeds(Threshold{Lower: &lower}))
	upper := 5.0
	require.False(t, c.Exceeds(Threshold{Upper: &upper}))
}

func TestEvaluatePercentageDegenerateOnZeroTraining(t *testing.T) {
	c := Evaluate(ModePercentage, 0.0, 5.0)
	require.True(t, c.Degenerate)
	upper := 0.0
	require.False(t, c.Exceeds(Threshold{Upper: &upper}))
}

func TestEvaluatePercentage(t *testing.T) {
	c := Evaluate(ModePercentage, 100.0, 90.0)
	require.InDelta(t, 0.10, c.Value, 1e-9)
	upper := 0.05
	require.True(t, c.Exceeds(Threshold{Upper: &upper}))
	upper2 := 0.2
	require.False(t, c.Exceeds(Threshold{Upper: &upper2}))
}

type fakeStorage struct {
	monitors []Monitor
	records  []Record
}

func (f *fakeStorage) ListMonitors(ctx context.Context) ([]Monitor, error) {
	return f.monitors, nil
}

func (f *fakeStorage) UpdateMonitorLastRun(ctx context.Context, id uuid.UUID, lastRun time.Time) error {
	for i := range f.monitors {
		if f.monitors[i].ID == id {
			f.monitors[i].LastRun = lastRun
		}
	}
	return nil
}

func (f *fakeStorage) LatestRecord(ctx context.Context, monitorID uuid.UUID) (*Record, error) {
	var latest *Record
	for i := range f.records {
		r := &f.records[i]
		if r.MonitorID != monitorID {
			continue
		}
		if latest == nil || r.Date.After(latest.Date) {
			latest = r
		}
	}
	return latest, nil
}

func (f *fakeStorage) InsertRecord(ctx context.Context, r Record) error {
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStorage) UpdateRecordDelivery(ctx context.Context, id uuid.UUID, status DeliveryStatus) error {
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].Delivery = status
		}
	}
	return nil
}

func (f *fakeStorage) ListUndeliveredRecords(ctx context.Context) ([]Record, error) {
	var out []Record
	for _, r := range f.records {
		if r.Delivery == DeliveryPending || r.Delivery == DeliveryFailed {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeMetrics struct {
	training   float64
	production float64
	events     int
}

func (f fakeMetrics) TrainingMetric(ctx context.Context, modelID string) (float64, error) {
	return f.training, nil
}

func (f fakeMetrics) ProductionMetric(ctx context.Context, modelID string) (float64, int, error) {
	return f.production, f.events, nil
}

type countingTransport struct {
	calls *int32
}

func (c countingTransport) Send(ctx context.Context, n Notification) error {
	atomic.AddInt32(c.calls, 1)
	return nil
}

func testMonitor(calls *int32, lower float64) Monitor {
	return Monitor{
		ID: uuid.New(), ModelID: "m1", Title: "accuracy drift", Cadence: CadenceTesting,
		Threshold: Threshold{Metric: "accuracy", Mode: ModeAbsolute, Lower: &lower},
		Methods:   []Transport{countingTransport{calls}},
	}
}

func TestManagerSkipsWhenTooFewProductionEvents(t *testing.T) {
	var calls int32
	storage := &fakeStorage{monitors: []Monitor{testMonitor(&calls, -0.01)}}
	m := NewManager(storage, fakeMetrics{training: 0.9, production: 0.5, events: 3}, time.Second, time.Minute)
	m.Tick(context.Background(), time.Now().UTC())
	require.EqualValues(t, 0, atomic.LoadInt32(&calls))
	require.Empty(t, storage.records)
}

func TestManagerFiresWhenThresholdExceededAndRecords(t *testing.T) {
	var calls int32
	// training 0.9, production 0.5: variance = +0.4, upper bound 0.1.
	upper := 0.1
	mon := Monitor{
		ID: uuid.New(), ModelID: "m1", Title: "accuracy drift", Cadence: CadenceTesting,
		Threshold: Threshold{Metric: "accuracy", Mode: ModeAbsolute, Upper: &upper},
		Methods:   []Transport{countingTransport{&calls}},
	}
	storage := &fakeStorage{monitors: []Monitor{mon}}
	m := NewManager(storage, fakeMetrics{training: 0.9, production: 0.5, events: 100}, time.Second, time.Minute)
	now := time.Now().UTC()
	m.Tick(context.Background(), now)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Len(t, storage.records, 1)
	require.True(t, storage.records[0].Exceeded)
	require.InDelta(t, 0.4, storage.records[0].ObservedVariance, 1e-9)
	require.InDelta(t, 0.5, storage.records[0].ObservedValue, 1e-9)
	require.Equal(t, DeliveryDelivered, storage.records[0].Delivery)
}

func TestManagerCollisionGuardSuppressesSecondRun(t *testing.T) {
	var calls int32
	upper := 0.1
	mon := Monitor{
		ID: uuid.New(), ModelID: "m1", Title: "accuracy drift", Cadence: CadenceTesting,
		Threshold: Threshold{Metric: "accuracy", Mode: ModeAbsolute, Upper: &upper},
		Methods:   []Transport{countingTransport{&calls}},
	}
	storage := &fakeStorage{monitors: []Monitor{mon}}
	m := NewManager(storage, fakeMetrics{training: 0.9, production: 0.5, events: 100}, time.Second, time.Minute)
	now := time.Now().UTC()
	m.Tick(context.Background(), now)
	// The monitor is overdue again (testing cadence), but the 10-minute
	// collision guard must suppress the re-run.
	m.Tick(context.Background(), now.Add(30*time.Second))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	require.Len(t, storage.records, 1)
}

func TestManagerRecordsNonExceedingRuns(t *testing.T) {
	var calls int32
	upper := 10.0
	mon := Monitor{
		ID: uuid.New(), ModelID: "m1", Title: "accuracy drift", Cadence: CadenceTesting,
		Threshold: Threshold{Metric: "accuracy", Mode: ModeAbsolute, Upper: &upper},
		Methods:   []Transport{countingTransport{&calls}},
	}
	storage := &fakeStorage{monitors: []Monitor{mon}}
	m := NewManager(storage, fakeMetrics{training: 0.9, production: 0.89, events: 100}, time.Second, time.Minute)
	m.Tick(context.Background(), time.Now().UTC())
	require.EqualValues(t, 0, atomic.LoadInt32(&calls))
	require.Len(t, storage.records, 1)
	require.False(t, storage.records[0].Exceeded)
	require.Equal(t, DeliveryNone, storage.records[0].Delivery)
}

type failingTransport struct {
	failures *int32 // fails while > 0, decrementing per attempt
	calls    *int32
}

func (f failingTransport) Send(ctx context.Context, n Notification) error {
	atomic.AddInt32(f.calls, 1)
	if atomic.AddInt32(f.failures, -1) >= 0 {
		return errors.New("transport down")
	}
	return nil
}

func TestManagerRecordsDeliveryFailed(t *testing.T) {
	var calls int32
	failures := int32(1000) // never recovers within the retry window
	upper := 0.1
	mon := Monitor{
		ID: uuid.New(), ModelID: "m1", Title: "accuracy drift", Cadence: CadenceTesting,
		Threshold: Threshold{Metric: "accuracy", Mode: ModeAbsolute, Upper: &upper},
		Methods:   []Transport{failingTransport{failures: &failures, calls: &calls}},
	}
	storage := &fakeStorage{monitors: []Monitor{mon}}
	m := NewManager(storage, fakeMetrics{training: 0.9, production: 0.5, events: 100}, 10*time.Millisecond, time.Minute)
	m.Tick(context.Background(), time.Now().UTC())

	require.Len(t, storage.records, 1)
	require.True(t, storage.records[0].Exceeded)
	require.Equal(t, DeliveryFailed, storage.records[0].Delivery)
	require.Greater(t, atomic.LoadInt32(&calls), int32(0))
}

func TestManagerResumesFailedDeliveryOnNextTick(t *testing.T) {
	var calls int32
	failures := int32(1000)
	upper := 0.1
	mon := Monitor{
		ID: uuid.New(), ModelID: "m1", Title: "accuracy drift", Cadence: CadenceTesting,
		Threshold: Threshold{Metric: "accuracy", Mode: ModeAbsolute, Upper: &upper},
		Methods:   []Transport{failingTransport{failures: &failures, calls: &calls}},
	}
	storage := &fakeStorage{monitors: []Monitor{mon}}
	m := NewManager(storage, fakeMetrics{training: 0.9, production: 0.5, events: 100}, 10*time.Millisecond, time.Minute)

	now := time.Now().UTC()
	m.Tick(context.Background(), now)
	require.Equal(t, DeliveryFailed, storage.records[0].Delivery)

	// The transport recovers; the next tick resumes the failed record
	// even though the collision guard blocks a fresh evaluation.
	atomic.StoreInt32(&failures, 0)
	m.Tick(context.Background(), now.Add(30*time.Second))
	require.Len(t, storage.records, 1)
	require.Equal(t, DeliveryDelivered, storage.records[0].Delivery)
}

func TestEmailTransportUsesNopTransportInTests(t *testing.T) {
	e := EmailTransport{SMTPAddr: "localhost:25", From: "a@example.com", To: "b@example.com", Client: NopTransport{}}
	err := e.Send(context.Background(), Notification{MonitorTitle: "r1", Metric: "mse", FiredAt: time.Now()})
	require.NoError(t, err)
}
