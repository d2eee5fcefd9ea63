// Package events defines the closed set of record types carried on broker
// channels, together with the channel names and broker key layout shared by
// every pipeline component. Each channel carries exactly one payload type;
// subscribers decode statically rather than inspecting tags at runtime.
package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Broker pub/sub channels. This set is closed: adding a channel means adding
// a payload type here and a producer/consumer pair in the pipeline.
const (
	ChannelRadar        = "traffic:radar"
	ChannelCamera       = "traffic:camera"
	ChannelConsolidated = "traffic:consolidated"
	ChannelPersisted    = "traffic:persisted"
	ChannelAlert        = "traffic:alert"
)

// Broker keys owned by individual components. Exactly one component writes
// each prefix; everything else takes snapshot reads.
const (
	KeyRadarLatest          = "radar:latest"
	KeyRadarHistoryPrefix   = "radar:history:" // + YYYYMMDD
	KeyCameraLatest         = "camera:latest"
	KeyLocalWeather         = "weather:dht22:latest"
	KeyRemoteWeather        = "weather:airport:latest"
	KeyWeatherTimeseries    = "weather:airport:timeseries"
	KeyWeatherCorrelation   = "weather:correlation:local_remote"
	KeyConsolidationSeen    = "consolidation:seen:" // + correlation_id
	KeyConsolidationLatest  = "consolidation:latest"
	KeyConsolidationHistory = "consolidation:history"
	KeyBroadcastLastID      = "broadcast:lastid"
	KeyPersisterStats       = "stats:persister"
	KeyMaintenanceStats     = "stats:maintenance"
)

// Alert levels derived from vehicle speed.
const (
	AlertNormal = "normal"
	AlertLow    = "low"
	AlertHigh   = "high"
)

// Directions of travel relative to the radar.
const (
	DirectionApproaching = "approaching"
	DirectionReceding    = "receding"
	DirectionStationary  = "stationary"
)

// TriggerRadar is the only trigger source in this pipeline; camera-triggered
// consolidation would add a second constant here.
const TriggerRadar = "radar"

// VehicleTypes is the closed classification taxonomy accepted from the
// camera inference feed.
var VehicleTypes = []string{"car", "truck", "motorcycle", "bus", "unknown"}

// NewCorrelationID returns a short opaque identifier assigned at first
// ingestion and propagated verbatim through the pipeline.
func NewCorrelationID() string {
	return uuid.NewString()[:8]
}

// NewConsolidationID returns a unique identifier for a consolidated event,
// used as the primary key of the persisted anchor row.
func NewConsolidationID() string {
	return uuid.NewString()
}

// AlertLevel derives the alert classification from an absolute speed in mph.
// It is a pure function: equal speeds always produce equal levels, and both
// thresholds are inclusive.
func AlertLevel(absSpeedMPH, lowThreshold, highThreshold float64) string {
	switch {
	case absSpeedMPH >= highThreshold:
		return AlertHigh
	case absSpeedMPH >= lowThreshold:
		return AlertLow
	default:
		return AlertNormal
	}
}

// Direction classifies the sign of a raw speed reading. Approaching targets
// report positive speeds on the OPS-series radar.
func Direction(speed, motionThresholdMPH float64) string {
	switch {
	case math.Abs(speed) < motionThresholdMPH:
		return DirectionStationary
	case speed > 0:
		return DirectionApproaching
	default:
		return DirectionReceding
	}
}

// RadarSample is one parsed speed report from the radar serial stream.
type RadarSample struct {
	CorrelationID  string  `json:"correlation_id"`
	Timestamp      float64 `json:"timestamp"`       // unix seconds, wall clock
	MonotonicNanos int64   `json:"monotonic_nanos"` // for intra-process ordering
	Speed          float64 `json:"speed"`           // signed, native units
	Unit           string  `json:"unit"`
	SpeedMPH       float64 `json:"speed_mph"` // converted, always >= 0
	Magnitude      float64 `json:"magnitude,omitempty"`
	Direction      string  `json:"direction"`
	AlertLevel     string  `json:"alert_level"`
}

// Detection is a single classified object from the camera inference feed.
type Detection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // x1,y1,x2,y2 in pixel space
}

// CameraClassification summarizes the detections surviving ROI and class
// filtering for one inference batch.
type CameraClassification struct {
	Timestamp          float64     `json:"timestamp"`
	VehicleCount       int         `json:"vehicle_count"`
	PrimaryVehicleType string      `json:"primary_vehicle_type"`
	Confidence         float64     `json:"detection_confidence"`
	BoundingBoxes      []Detection `json:"bounding_boxes,omitempty"`
	InferenceTimeMs    int64       `json:"inference_time_ms,omitempty"`
}

// LocalWeatherReading is one sample from the on-board hygrometer.
type LocalWeatherReading struct {
	Timestamp    float64  `json:"timestamp"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	TemperatureF *float64 `json:"temperature_f,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
}

// RemoteWeatherReading is one observation polled from the upstream station.
type RemoteWeatherReading struct {
	Timestamp    float64  `json:"timestamp"`
	Description  string   `json:"text_description,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
	WindSpeed    *float64 `json:"wind_speed,omitempty"`
	Visibility   *float64 `json:"visibility,omitempty"`
	StationID    string   `json:"station_id,omitempty"`
}

// WeatherSnapshot bundles whichever weather sources were fresh at
// consolidation time.
type WeatherSnapshot struct {
	Local  *LocalWeatherReading  `json:"local,omitempty"`
	Remote *RemoteWeatherReading `json:"remote,omitempty"`
}

// ProcessingMetadata records provenance for a consolidated event.
type ProcessingMetadata struct {
	ProducerVersion string   `json:"producer_version"`
	DataSources     []string `json:"data_sources"`
}

// ConsolidatedEvent joins one radar motion event with the freshest camera and
// weather snapshots available inside their staleness bounds.
type ConsolidatedEvent struct {
	ConsolidationID string                `json:"consolidation_id"`
	CorrelationID   string                `json:"correlation_id"`
	TriggerSource   string                `json:"trigger_source"`
	Timestamp       float64               `json:"timestamp"`
	Radar           RadarSample           `json:"radar"`
	Camera          *CameraClassification `json:"camera,omitempty"`
	Weather         *WeatherSnapshot      `json:"weather,omitempty"`
	Metadata        ProcessingMetadata    `json:"metadata"`
}

// PersistedSummary is the compact record re-published after a detection row
// has been committed, consumed by dashboard WebSocket clients.
type PersistedSummary struct {
	RowID              int64    `json:"row_id"`
	ConsolidationID    string   `json:"consolidation_id"`
	CorrelationID      string   `json:"correlation_id"`
	Timestamp          float64  `json:"timestamp"`
	SpeedMPH           *float64 `json:"radar_speed,omitempty"`
	PrimaryVehicleType string   `json:"primary_vehicle_type,omitempty"`
	AlertLevel         string   `json:"alert_level,omitempty"`
}

// AlertMessage is published on traffic:alert for high-speed passes and
// operational conditions such as disk pressure.
type AlertMessage struct {
	Timestamp     float64 `json:"timestamp"`
	Source        string  `json:"source"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Kind          string  `json:"kind"`
	Message       string  `json:"message"`
	SpeedMPH      float64 `json:"speed_mph,omitempty"`
}

// Encode marshals a channel payload. Encoding failures indicate a programming
// error in the closed type set, so the error is wrapped rather than dropped.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// Decode unmarshals a channel payload into the subscriber's statically known
// type.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// HistoryKey returns the dated radar history key for the given time.
func HistoryKey(t time.Time) string {
	return KeyRadarHistoryPrefix + t.UTC().Format("20060102")
}

// CToF converts Celsius to Fahrenheit.
func CToF(c float64) float64 {
	return c*9.0/5.0 + 32.0
}
