// Package store persists consolidated traffic events to SQLite and serves
// the read queries behind the HTTP API and the broadcaster. The persister is
// the single writer; readers run concurrently under WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/units"
)

// weatherBucket is the deduplication interval for weather rows: detections
// within the same 5 minute bucket share one weather_conditions row per source.
const weatherBucket = 300

// Correlation strength by sensor proximity. The roadside sensor reflects
// conditions at the detection point; the airport station is kilometers away.
const (
	strengthLocal  = 1.0
	strengthRemote = 0.8
)

// Store wraps the SQLite handle. Embedding *sql.DB keeps ad-hoc queries
// available to tests and the maintenance vacuum.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the store at path, applies the
// connection pragmas, and runs any pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a private in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Detection is one persisted detection joined across tables.
type Detection struct {
	RowID         int64   `json:"row_id"`
	ID            string  `json:"consolidation_id"`
	CorrelationID string  `json:"correlation_id"`
	Timestamp     float64 `json:"timestamp"`
	TriggerSource string  `json:"trigger_source"`

	SpeedMPH   *float64 `json:"speed_mph,omitempty"`
	AlertLevel *string  `json:"alert_level,omitempty"`
	Direction  *string  `json:"direction,omitempty"`

	VehicleCount        *int64   `json:"vehicle_count,omitempty"`
	PrimaryVehicleType  *string  `json:"primary_vehicle_type,omitempty"`
	DetectionConfidence *float64 `json:"detection_confidence,omitempty"`
}

// InsertDetectionBatch writes a batch of consolidated events inside one
// transaction. Events whose anchor row already exists are skipped, which
// makes durable-queue replay idempotent.
func (s *Store) InsertDetectionBatch(ctx context.Context, batch []events.ConsolidatedEvent) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range batch {
		if err := insertDetection(ctx, tx, ev); err != nil {
			return fmt.Errorf("insert %s: %w", ev.ConsolidationID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func insertDetection(ctx context.Context, tx *sql.Tx, ev events.ConsolidatedEvent) error {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO traffic_detections (id, correlation_id, timestamp, trigger_source)
		VALUES (?, ?, ?, ?)`,
		ev.ConsolidationID, ev.CorrelationID, ev.Timestamp, ev.TriggerSource)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		// replayed event, anchor already committed
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO radar_detections (detection_id, speed_mph, speed_mps, confidence, alert_level, direction)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ConsolidationID, ev.Radar.SpeedMPH, ev.Radar.SpeedMPH*units.MPHToMPS,
		ev.Radar.Magnitude, ev.Radar.AlertLevel, ev.Radar.Direction); err != nil {
		return err
	}

	if ev.Camera != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO camera_detections (detection_id, vehicle_count, detection_confidence, vehicle_types, inference_time_ms)
			VALUES (?, ?, ?, ?, ?)`,
			ev.ConsolidationID, ev.Camera.VehicleCount, ev.Camera.Confidence,
			ev.Camera.PrimaryVehicleType, ev.Camera.InferenceTimeMs); err != nil {
			return err
		}
	}

	if ev.Weather != nil {
		if ev.Weather.Local != nil {
			l := ev.Weather.Local
			if err := linkWeather(ctx, tx, ev.ConsolidationID, "dht22", l.Timestamp,
				l.TemperatureC, l.HumidityPct, "", nil, strengthLocal); err != nil {
				return err
			}
		}
		if ev.Weather.Remote != nil {
			r := ev.Weather.Remote
			if err := linkWeather(ctx, tx, ev.ConsolidationID, "airport", r.Timestamp,
				r.TemperatureC, r.HumidityPct, r.Description, r.WindSpeed, strengthRemote); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkWeather upserts the bucketed weather row for a source and joins the
// detection to it.
func linkWeather(ctx context.Context, tx *sql.Tx, detectionID, source string, ts float64,
	temperature, humidity *float64, conditions string, windSpeed *float64, strength float64) error {

	bucket := int64(ts) - int64(ts)%weatherBucket
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO weather_conditions (source, time_bucket, temperature, humidity, conditions, wind_speed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, time_bucket) DO UPDATE SET
			temperature = excluded.temperature,
			humidity    = excluded.humidity,
			conditions  = excluded.conditions,
			wind_speed  = excluded.wind_speed`,
		source, bucket, temperature, humidity, nullIfEmpty(conditions), windSpeed); err != nil {
		return err
	}

	var weatherID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM weather_conditions WHERE source = ? AND time_bucket = ?`,
		source, bucket).Scan(&weatherID); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO traffic_weather_correlation (detection_id, weather_id, correlation_strength)
		VALUES (?, ?, ?)`,
		detectionID, weatherID, strength)
	return err
}

const detectionColumns = `
	t.rowid, t.id, t.correlation_id, t.timestamp, t.trigger_source,
	r.speed_mph, r.alert_level, r.direction,
	c.vehicle_count, c.vehicle_types, c.detection_confidence`

const detectionJoins = `
	FROM traffic_detections t
	LEFT JOIN radar_detections r ON r.detection_id = t.id
	LEFT JOIN camera_detections c ON c.detection_id = t.id`

func scanDetection(rows *sql.Rows) (Detection, error) {
	var d Detection
	err := rows.Scan(&d.RowID, &d.ID, &d.CorrelationID, &d.Timestamp, &d.TriggerSource,
		&d.SpeedMPH, &d.AlertLevel, &d.Direction,
		&d.VehicleCount, &d.PrimaryVehicleType, &d.DetectionConfidence)
	return d, err
}

func collectDetections(rows *sql.Rows) ([]Detection, error) {
	defer rows.Close()
	var out []Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentDetections returns the newest detections inside the window, newest
// first. The window boundary is inclusive.
func (s *Store) RecentDetections(ctx context.Context, hours, limit int) ([]Detection, error) {
	cutoff := float64(time.Now().UnixNano())/1e9 - float64(hours)*3600
	rows, err := s.QueryContext(ctx, `SELECT`+detectionColumns+detectionJoins+`
		WHERE t.timestamp >= ?
		ORDER BY t.timestamp DESC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectDetections(rows)
}

// DetectionsAfter returns detections with rowid greater than after, oldest
// first. The broadcaster tails the table with this.
func (s *Store) DetectionsAfter(ctx context.Context, after int64, limit int) ([]Detection, error) {
	rows, err := s.QueryContext(ctx, `SELECT`+detectionColumns+detectionJoins+`
		WHERE t.rowid > ?
		ORDER BY t.rowid ASC
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	return collectDetections(rows)
}

// SearchCriteria filters SearchDetections. At least one of the optional
// fields must be set; the API layer validates that.
type SearchCriteria struct {
	StartDate   *time.Time
	EndDate     *time.Time
	MinSpeed    *float64
	MaxSpeed    *float64
	VehicleType string
	Limit       int
}

// SearchDetections runs a filtered query, newest first.
func (s *Store) SearchDetections(ctx context.Context, c SearchCriteria) ([]Detection, error) {
	var conds []string
	var args []any

	if c.StartDate != nil {
		conds = append(conds, "t.timestamp >= ?")
		args = append(args, float64(c.StartDate.Unix()))
	}
	if c.EndDate != nil {
		conds = append(conds, "t.timestamp <= ?")
		args = append(args, float64(c.EndDate.Unix()))
	}
	if c.MinSpeed != nil {
		conds = append(conds, "r.speed_mph >= ?")
		args = append(args, *c.MinSpeed)
	}
	if c.MaxSpeed != nil {
		conds = append(conds, "r.speed_mph <= ?")
		args = append(args, *c.MaxSpeed)
	}
	if c.VehicleType != "" {
		conds = append(conds, "c.vehicle_types = ?")
		args = append(args, c.VehicleType)
	}

	query := `SELECT` + detectionColumns + detectionJoins
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY t.timestamp DESC LIMIT ?"
	limit := c.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectDetections(rows)
}

// DailySummaryRow is one day's rollup.
type DailySummaryRow struct {
	Day            string   `json:"day"`
	DetectionCount int64    `json:"detection_count"`
	AvgSpeedMPH    *float64 `json:"avg_speed_mph,omitempty"`
	MaxSpeedMPH    *float64 `json:"max_speed_mph,omitempty"`
	AlertLowCount  int64    `json:"alert_low_count"`
	AlertHighCount int64    `json:"alert_high_count"`
}

// DailySummary computes per-day rollups for the last days days, newest first.
func (s *Store) DailySummary(ctx context.Context, days int) ([]DailySummaryRow, error) {
	cutoff := float64(time.Now().UnixNano())/1e9 - float64(days)*86400
	rows, err := s.QueryContext(ctx, `
		SELECT date(t.timestamp, 'unixepoch') AS day,
		       COUNT(*),
		       AVG(r.speed_mph),
		       MAX(r.speed_mph),
		       SUM(CASE WHEN r.alert_level = 'low' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.alert_level = 'high' THEN 1 ELSE 0 END)
		FROM traffic_detections t
		LEFT JOIN radar_detections r ON r.detection_id = t.id
		WHERE t.timestamp >= ?
		GROUP BY day
		ORDER BY day DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailySummaryRow
	for rows.Next() {
		var r DailySummaryRow
		if err := rows.Scan(&r.Day, &r.DetectionCount, &r.AvgSpeedMPH, &r.MaxSpeedMPH,
			&r.AlertLowCount, &r.AlertHighCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RefreshDailySummary materializes the rollups into daily_summary. Run by
// maintenance alongside compaction so summary reads stay cheap.
func (s *Store) RefreshDailySummary(ctx context.Context) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO daily_summary (day, detection_count, avg_speed_mph, max_speed_mph, alert_low_count, alert_high_count, updated_at)
		SELECT date(t.timestamp, 'unixepoch'),
		       COUNT(*),
		       AVG(r.speed_mph),
		       MAX(r.speed_mph),
		       SUM(CASE WHEN r.alert_level = 'low' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.alert_level = 'high' THEN 1 ELSE 0 END),
		       CURRENT_TIMESTAMP
		FROM traffic_detections t
		LEFT JOIN radar_detections r ON r.detection_id = t.id
		GROUP BY date(t.timestamp, 'unixepoch')
		ON CONFLICT(day) DO UPDATE SET
			detection_count  = excluded.detection_count,
			avg_speed_mph    = excluded.avg_speed_mph,
			max_speed_mph    = excluded.max_speed_mph,
			alert_low_count  = excluded.alert_low_count,
			alert_high_count = excluded.alert_high_count,
			updated_at       = excluded.updated_at`)
	return err
}

// LastPersistTime returns the timestamp of the newest detection, or zero
// when the store is empty.
func (s *Store) LastPersistTime(ctx context.Context) (float64, error) {
	var ts sql.NullFloat64
	err := s.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM traffic_detections`).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Float64, nil
}

// Compact reclaims space and refreshes the query planner statistics.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
