// Package store persists prediction/true-value events, production
// buckets, monitors, and alert history to Postgres via sqlx, the same
// relational-store choice corroborated across the retrieval pack's
// other services, generalized here into the production-monitoring event
// log.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/frankmgb/tangram/internal/monitor/alert"
)

// Event is one row of the prediction event log: either a model
// prediction (PredictedValue set) or a later-arriving true value
// (TrueValue set) for the same Identifier.
type Event struct {
	ID                   int64     `db:"id"`
	ModelID              string    `db:"model_id"`
	Identifier           string    `db:"identifier"`
	Date                 time.Time `db:"date"`
	PredictedValue       *string   `db:"predicted_value"`
	PredictedProbability *float64  `db:"predicted_probability"`
	TrueValue            *string   `db:"true_value"`
}

// BucketKind discriminates the two serialized bucket tables.
type BucketKind string

const (
	BucketStats   BucketKind = "stats"
	BucketMetrics BucketKind = "metrics"
)

// Store wraps a *sqlx.DB with the monitoring schema's queries. Bucket
// blobs are zstd-compressed on write; events stay row-shaped for
// time-range queries.
type Store struct {
	db *sqlx.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	// TransportBuilder resolves a persisted delivery-method string into
	// a live transport. The default understands "stdout" and
	// "webhook:<url>"; any other method string, "email:<addr>"
	// included, is skipped.
	TransportBuilder func(method string) (alert.Transport, bool)
}

// Open connects to Postgres and verifies the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "store: connect")
	}
	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sqlx.DB) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: zstd decoder")
	}
	s := &Store{db: db, enc: enc, dec: dec, TransportBuilder: defaultTransportBuilder}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultTransportBuilder(method string) (alert.Transport, bool) {
	switch {
	case method == "stdout":
		return alert.StdoutTransport{}, true
	case strings.HasPrefix(method, "webhook:"):
		return alert.NewWebhookTransport(strings.TrimPrefix(method, "webhook:")), true
	default:
		return nil, false
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS prediction_events (
	id SERIAL PRIMARY KEY,
	model_id TEXT NOT NULL,
	identifier TEXT NOT NULL,
	date TIMESTAMPTZ NOT NULL,
	predicted_value TEXT,
	predicted_probability DOUBLE PRECISION,
	true_value TEXT
);
CREATE INDEX IF NOT EXISTS prediction_events_model_date_idx ON prediction_events (model_id, date);
CREATE INDEX IF NOT EXISTS prediction_events_identifier_idx ON prediction_events (model_id, identifier);

CREATE TABLE IF NOT EXISTS production_buckets (
	model_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	blob BYTEA NOT NULL,
	PRIMARY KEY (model_id, kind, bucket_start)
);

CREATE TABLE IF NOT EXISTS monitors (
	id UUID PRIMARY KEY,
	model_id TEXT NOT NULL,
	title TEXT NOT NULL,
	cadence TEXT NOT NULL,
	metric TEXT NOT NULL,
	mode TEXT NOT NULL,
	lower_bound DOUBLE PRECISION,
	upper_bound DOUBLE PRECISION,
	methods TEXT NOT NULL,
	last_run TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS alert_records (
	id UUID PRIMARY KEY,
	monitor_id UUID NOT NULL,
	date TIMESTAMPTZ NOT NULL,
	observed_value DOUBLE PRECISION NOT NULL,
	observed_variance DOUBLE PRECISION NOT NULL,
	exceeded BOOLEAN NOT NULL,
	delivery TEXT NOT NULL DEFAULT 'none'
);
CREATE INDEX IF NOT EXISTS alert_records_monitor_date_idx ON alert_records (monitor_id, date);
CREATE INDEX IF NOT EXISTS alert_records_delivery_idx ON alert_records (delivery) WHERE delivery IN ('pending', 'delivery_failed');
`
	_, err := s.db.ExecContext(ctx, ddl)
	return errors.Wrap(err, "store: ensure schema")
}

// LogPrediction records a new prediction event.
func (s *Store) LogPrediction(ctx context.Context, modelID, identifier string, date time.Time, predictedValue string, probability *float64) error {
	const q = `INSERT INTO prediction_events (model_id, identifier, date, predicted_value, predicted_probability) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, q, modelID, identifier, date, predictedValue, probability)
	return errors.Wrap(err, "store: log prediction")
}

// LogTrueValue attaches the eventually-observed true value to the most
// recent prediction event sharing modelID and identifier, returning the
// matched prediction so the caller can fold it into metrics. A nil
// result means no prediction matched within the store; the true value
// is still recorded as its own event.
func (s *Store) LogTrueValue(ctx context.Context, modelID, identifier string, date time.Time, trueValue string) (*Event, error) {
	const q = `
UPDATE prediction_events SET true_value = $3
WHERE id = (
	SELECT id FROM prediction_events
	WHERE model_id = $1 AND identifier = $2 AND predicted_value IS NOT NULL
	ORDER BY date DESC LIMIT 1
)
RETURNING id, model_id, identifier, date, predicted_value, predicted_probability, true_value`
	var ev Event
	err := s.db.GetContext(ctx, &ev, q, modelID, identifier, trueValue)
	if err == sql.ErrNoRows {
		const insert = `INSERT INTO prediction_events (model_id, identifier, date, true_value) VALUES ($1, $2, $3, $4)`
		if _, err := s.db.ExecContext(ctx, insert, modelID, identifier, date, trueValue); err != nil {
			return nil, errors.Wrap(err, "store: log unmatched true value")
		}
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: log true value")
	}
	return &ev, nil
}

// EventsBetween returns every event for a model within [from, to), used
// to recompute time-bucketed production stats.
func (s *Store) EventsBetween(ctx context.Context, modelID string, from, to time.Time) ([]Event, error) {
	const q = `SELECT id, model_id, identifier, date, predicted_value, predicted_probability, true_value FROM prediction_events WHERE model_id = $1 AND date >= $2 AND date < $3 ORDER BY date`
	var events []Event
	err := s.db.SelectContext(ctx, &events, q, modelID, from, to)
	return events, errors.Wrap(err, "store: query events")
}

// WriteBucket upserts one serialized production bucket, compressing the
// blob. The upsert replaces any stored blob; all merging happens above
// this layer.
func (s *Store) WriteBucket(ctx context.Context, modelID string, kind BucketKind, start time.Time, blob []byte) error {
	compressed := s.enc.EncodeAll(blob, nil)
	const q = `
INSERT INTO production_buckets (model_id, kind, bucket_start, blob) VALUES ($1, $2, $3, $4)
ON CONFLICT (model_id, kind, bucket_start) DO UPDATE SET blob = EXCLUDED.blob`
	_, err := s.db.ExecContext(ctx, q, modelID, string(kind), start, compressed)
	return errors.Wrap(err, "store: write bucket")
}

// ReadBucket loads and decompresses one bucket blob; a nil blob with no
// error means the bucket does not exist yet.
func (s *Store) ReadBucket(ctx context.Context, modelID string, kind BucketKind, start time.Time) ([]byte, error) {
	const q = `SELECT blob FROM production_buckets WHERE model_id = $1 AND kind = $2 AND bucket_start = $3`
	var compressed []byte
	err := s.db.GetContext(ctx, &compressed, q, modelID, string(kind), start)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: read bucket")
	}
	blob, err := s.dec.DecodeAll(compressed, nil)
	return blob, errors.Wrap(err, "store: decompress bucket")
}

// ReadBucketsBetween loads every bucket of one kind for a model within
// [from, to), ordered by start.
func (s *Store) ReadBucketsBetween(ctx context.Context, modelID string, kind BucketKind, from, to time.Time) (starts []time.Time, blobs [][]byte, err error) {
	const q = `SELECT bucket_start, blob FROM production_buckets WHERE model_id = $1 AND kind = $2 AND bucket_start >= $3 AND bucket_start < $4 ORDER BY bucket_start`
	rows, err := s.db.QueryxContext(ctx, q, modelID, string(kind), from, to)
	if err != nil {
		return nil, nil, errors.Wrap(err, "store: query buckets")
	}
	defer rows.Close()
	for rows.Next() {
		var start time.Time
		var compressed []byte
		if err := rows.Scan(&start, &compressed); err != nil {
			return nil, nil, errors.Wrap(err, "store: scan bucket")
		}
		blob, err := s.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, nil, errors.Wrap(err, "store: decompress bucket")
		}
		starts = append(starts, start)
		blobs = append(blobs, blob)
	}
	return starts, blobs, errors.Wrap(rows.Err(), "store: iterate buckets")
}

type monitorRow struct {
	ID      uuid.UUID       `db:"id"`
	ModelID string          `db:"model_id"`
	Title   string          `db:"title"`
	Cadence string          `db:"cadence"`
	Metric  string          `db:"metric"`
	Mode    string          `db:"mode"`
	Lower   sql.NullFloat64 `db:"lower_bound"`
	Upper   sql.NullFloat64 `db:"upper_bound"`
	Methods string          `db:"methods"`
	LastRun sql.NullTime    `db:"last_run"`
}

// SaveMonitor inserts or replaces one monitor configuration. Methods
// are persisted as a comma-joined list of method strings.
func (s *Store) SaveMonitor(ctx context.Context, m alert.Monitor, methods []string) error {
	var lower, upper sql.NullFloat64
	if m.Threshold.Lower != nil {
		lower = sql.NullFloat64{Float64: *m.Threshold.Lower, Valid: true}
	}
	if m.Threshold.Upper != nil {
		upper = sql.NullFloat64{Float64: *m.Threshold.Upper, Valid: true}
	}
	var lastRun sql.NullTime
	if !m.LastRun.IsZero() {
		lastRun = sql.NullTime{Time: m.LastRun, Valid: true}
	}
	mode := "absolute"
	if m.Threshold.Mode == alert.ModePercentage {
		mode = "percentage"
	}
	const q = `
INSERT INTO monitors (id, model_id, title, cadence, metric, mode, lower_bound, upper_bound, methods, last_run)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	model_id = EXCLUDED.model_id, title = EXCLUDED.title, cadence = EXCLUDED.cadence,
	metric = EXCLUDED.metric, mode = EXCLUDED.mode, lower_bound = EXCLUDED.lower_bound,
	upper_bound = EXCLUDED.upper_bound, methods = EXCLUDED.methods`
	_, err := s.db.ExecContext(ctx, q, m.ID, m.ModelID, m.Title, m.Cadence.String(), m.Threshold.Metric, mode, lower, upper, strings.Join(methods, ","), lastRun)
	return errors.Wrap(err, "store: save monitor")
}

// ListMonitors implements alert.Storage.
func (s *Store) ListMonitors(ctx context.Context) ([]alert.Monitor, error) {
	const q = `SELECT id, model_id, title, cadence, metric, mode, lower_bound, upper_bound, methods, last_run FROM monitors`
	var rows []monitorRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "store: list monitors")
	}
	monitors := make([]alert.Monitor, 0, len(rows))
	for _, r := range rows {
		cadence, ok := alert.ParseCadence(r.Cadence)
		if !ok {
			return nil, errors.Errorf("store: monitor %s has unknown cadence %q", r.ID, r.Cadence)
		}
		mode, ok := alert.ParseMode(r.Mode)
		if !ok {
			return nil, errors.Errorf("store: monitor %s has unknown mode %q", r.ID, r.Mode)
		}
		m := alert.Monitor{
			ID: r.ID, ModelID: r.ModelID, Title: r.Title, Cadence: cadence,
			Threshold: alert.Threshold{Metric: r.Metric, Mode: mode},
		}
		if r.Lower.Valid {
			v := r.Lower.Float64
			m.Threshold.Lower = &v
		}
		if r.Upper.Valid {
			v := r.Upper.Float64
			m.Threshold.Upper = &v
		}
		if r.LastRun.Valid {
			m.LastRun = r.LastRun.Time
		}
		for _, method := range strings.Split(r.Methods, ",") {
			method = strings.TrimSpace(method)
			if method == "" {
				continue
			}
			if t, ok := s.TransportBuilder(method); ok {
				m.Methods = append(m.Methods, t)
			}
		}
		monitors = append(monitors, m)
	}
	return monitors, nil
}

// UpdateMonitorLastRun implements alert.Storage.
func (s *Store) UpdateMonitorLastRun(ctx context.Context, id uuid.UUID, lastRun time.Time) error {
	const q = `UPDATE monitors SET last_run = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, lastRun)
	return errors.Wrap(err, "store: update monitor last run")
}

type recordRow struct {
	ID               uuid.UUID `db:"id"`
	MonitorID        uuid.UUID `db:"monitor_id"`
	Date             time.Time `db:"date"`
	ObservedValue    float64   `db:"observed_value"`
	ObservedVariance float64   `db:"observed_variance"`
	Exceeded         bool      `db:"exceeded"`
	Delivery         string    `db:"delivery"`
}

func (r recordRow) record() alert.Record {
	return alert.Record{
		ID: r.ID, MonitorID: r.MonitorID, Date: r.Date,
		ObservedValue: r.ObservedValue, ObservedVariance: r.ObservedVariance,
		Exceeded: r.Exceeded, Delivery: alert.DeliveryStatus(r.Delivery),
	}
}

// LatestRecord implements alert.Storage.
func (s *Store) LatestRecord(ctx context.Context, monitorID uuid.UUID) (*alert.Record, error) {
	const q = `SELECT id, monitor_id, date, observed_value, observed_variance, exceeded, delivery FROM alert_records WHERE monitor_id = $1 ORDER BY date DESC LIMIT 1`
	var r recordRow
	err := s.db.GetContext(ctx, &r, q, monitorID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: latest record")
	}
	rec := r.record()
	return &rec, nil
}

// InsertRecord implements alert.Storage.
func (s *Store) InsertRecord(ctx context.Context, r alert.Record) error {
	const q = `INSERT INTO alert_records (id, monitor_id, date, observed_value, observed_variance, exceeded, delivery) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q, r.ID, r.MonitorID, r.Date, r.ObservedValue, r.ObservedVariance, r.Exceeded, string(r.Delivery))
	return errors.Wrap(err, "store: insert record")
}

// UpdateRecordDelivery implements alert.Storage: every delivery attempt
// lands its outcome back on the record.
func (s *Store) UpdateRecordDelivery(ctx context.Context, id uuid.UUID, status alert.DeliveryStatus) error {
	const q = `UPDATE alert_records SET delivery = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, string(status))
	return errors.Wrap(err, "store: update record delivery")
}

// ListUndeliveredRecords implements alert.Storage: records whose
// notification never went out, surfaced so a restarted manager can
// resume them.
func (s *Store) ListUndeliveredRecords(ctx context.Context) ([]alert.Record, error) {
	const q = `SELECT id, monitor_id, date, observed_value, observed_variance, exceeded, delivery FROM alert_records WHERE delivery IN ('pending', 'delivery_failed') ORDER BY date`
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "store: list undelivered records")
	}
	records := make([]alert.Record, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
