package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Monitor is one configured drift check: which model it watches, how
// often it runs, the threshold its metric variance is tested against,
// and how a firing alert is delivered.
type Monitor struct {
	ID        uuid.UUID
	ModelID   string
	Title     string
	Cadence   Cadence
	Threshold Threshold
	Methods   []Transport
	LastRun   time.Time
}

// DeliveryStatus tracks where a record's notification delivery stands.
// Pending is written before the first attempt, so a crash mid-send
// leaves a row the next tick can resume.
type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = "none" // run did not fire, nothing to deliver
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "delivery_failed"
)

// Record is one completed monitor run appended to the alert history.
type Record struct {
	ID               uuid.UUID
	MonitorID        uuid.UUID
	Date             time.Time
	ObservedValue    float64
	ObservedVariance float64
	Exceeded         bool
	Delivery         DeliveryStatus
}

// Storage persists monitors and their run history.
type Storage interface {
	ListMonitors(ctx context.Context) ([]Monitor, error)
	UpdateMonitorLastRun(ctx context.Context, id uuid.UUID, lastRun time.Time) error
	LatestRecord(ctx context.Context, monitorID uuid.UUID) (*Record, error)
	InsertRecord(ctx context.Context, r Record) error
	UpdateRecordDelivery(ctx context.Context, id uuid.UUID, status DeliveryStatus) error
	// ListUndeliveredRecords returns records whose delivery is pending
	// or failed, so restarts can resume in-flight notifications.
	ListUndeliveredRecords(ctx context.Context) ([]Record, error)
}

// MetricSource resolves a monitor's training baseline and most recent
// production metric.
type MetricSource interface {
	TrainingMetric(ctx context.Context, modelID string) (float64, error)
	ProductionMetric(ctx context.Context, modelID string) (value float64, eventCount int, err error)
}

// minimumProductionMetricsThreshold is how many true-value events must
// exist before a monitor run is meaningful.
const minimumProductionMetricsThreshold = 8

// collisionGuard is the window within which a second run for the same
// monitor is suppressed, serializing alert emission per monitor even
// when two manager processes race.
const collisionGuard = 10 * time.Minute

var (
	monitorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tangram_monitor_runs_total",
		Help: "Completed scheduled monitor evaluations.",
	})
	alertsFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tangram_alerts_fired_total",
		Help: "Monitor evaluations whose threshold was exceeded.",
	})
)

// Manager drives the scheduled monitor loop.
type Manager struct {
	storage      Storage
	metrics      MetricSource
	retryElapsed time.Duration
	tick         time.Duration
}

// NewManager builds a Manager over the given storage and metric source.
// tick is how often the loop wakes to look for overdue monitors.
func NewManager(storage Storage, metrics MetricSource, retryElapsed, tick time.Duration) *Manager {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Manager{storage: storage, metrics: metrics, retryElapsed: retryElapsed, tick: tick}
}

// Run loops until the context is cancelled, evaluating overdue monitors
// at every tick. Cancellation is cooperative at tick boundaries.
func (m *Manager) Run(ctx context.Context) error {
	timer := time.NewTicker(m.tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-timer.C:
			m.Tick(ctx, now.UTC())
		}
	}
}

// Tick resumes any undelivered notifications, then scans every monitor
// and evaluates the overdue ones.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	monitors, err := m.storage.ListMonitors(ctx)
	if err != nil {
		log.Error().Err(err).Msg("alert: listing monitors failed")
		return
	}
	m.resumeUndelivered(ctx, monitors)
	for _, mon := range monitors {
		if !IsOverdue(mon.Cadence, mon.LastRun, now) {
			continue
		}
		m.evaluate(ctx, mon, now)
	}
}

// resumeUndelivered retries delivery for records written as pending or
// failed — typically after a crash or a transport outage — and records
// the new status per attempt.
func (m *Manager) resumeUndelivered(ctx context.Context, monitors []Monitor) {
	records, err := m.storage.ListUndeliveredRecords(ctx)
	if err != nil {
		log.Error().Err(err).Msg("alert: listing undelivered records failed")
		return
	}
	if len(records) == 0 {
		return
	}
	byID := make(map[uuid.UUID]Monitor, len(monitors))
	for _, mon := range monitors {
		byID[mon.ID] = mon
	}
	for _, rec := range records {
		mon, ok := byID[rec.MonitorID]
		if !ok {
			// The monitor was deleted; nothing left to deliver to.
			continue
		}
		n := Notification{
			MonitorTitle: mon.Title,
			ModelID:      mon.ModelID,
			Metric:       mon.Threshold.Metric,
			Comparison:   Comparison{Mode: mon.Threshold.Mode, Value: rec.ObservedVariance},
			FiredAt:      rec.Date,
		}
		status := DeliveryDelivered
		if !m.deliver(ctx, mon, n) {
			status = DeliveryFailed
		}
		if err := m.storage.UpdateRecordDelivery(ctx, rec.ID, status); err != nil {
			log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: updating delivery status failed")
		}
	}
}

// deliver sends the notification through every configured method and
// reports whether all of them succeeded.
func (m *Manager) deliver(ctx context.Context, mon Monitor, n Notification) bool {
	ok := true
	for _, t := range mon.Methods {
		if err := SendWithRetry(ctx, t, n, m.retryElapsed); err != nil {
			log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: delivery failed")
			ok = false
		}
	}
	return ok
}

func (m *Manager) evaluate(ctx context.Context, mon Monitor, now time.Time) {
	production, eventCount, err := m.metrics.ProductionMetric(ctx, mon.ModelID)
	if err != nil {
		log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: production metric lookup failed")
		return
	}
	if eventCount < minimumProductionMetricsThreshold {
		log.Debug().Str("monitor", mon.Title).Int("events", eventCount).Msg("alert: too few production events, skipping")
		return
	}

	last, err := m.storage.LatestRecord(ctx, mon.ID)
	if err != nil {
		log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: record lookup failed")
		return
	}
	if last != nil && now.Sub(last.Date) < collisionGuard {
		return
	}

	training, err := m.metrics.TrainingMetric(ctx, mon.ModelID)
	if err != nil {
		log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: training metric lookup failed")
		return
	}

	cmp := Evaluate(mon.Threshold.Mode, training, production)
	if cmp.Degenerate {
		log.Warn().Str("monitor", mon.Title).Msg("alert: training metric is zero, percentage comparison skipped")
		return
	}
	exceeded := cmp.Exceeds(mon.Threshold)

	rec := Record{
		ID: uuid.New(), MonitorID: mon.ID, Date: now,
		ObservedValue: production, ObservedVariance: cmp.Value, Exceeded: exceeded,
		Delivery: DeliveryNone,
	}
	if exceeded {
		rec.Delivery = DeliveryPending
	}
	// The record is written before any delivery attempt: a crash
	// mid-send leaves a pending row the next tick resumes.
	if err := m.storage.InsertRecord(ctx, rec); err != nil {
		log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: appending record failed")
		return
	}

	if exceeded {
		alertsFiredTotal.Inc()
		n := Notification{
			MonitorTitle: mon.Title,
			ModelID:      mon.ModelID,
			Metric:       mon.Threshold.Metric,
			Comparison:   cmp,
			FiredAt:      now,
		}
		status := DeliveryDelivered
		if !m.deliver(ctx, mon, n) {
			status = DeliveryFailed
		}
		if err := m.storage.UpdateRecordDelivery(ctx, rec.ID, status); err != nil {
			log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: updating delivery status failed")
		}
	}

	if err := m.storage.UpdateMonitorLastRun(ctx, mon.ID, now); err != nil {
		log.Error().Err(err).Str("monitor", mon.Title).Msg("alert: updating last run failed")
	}
	monitorRunsTotal.Inc()
}
