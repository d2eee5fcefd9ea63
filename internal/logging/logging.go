// Package logging builds the structured loggers used by every pipeline
// component. Each component gets its own named logger writing JSON lines to
// stdout (for the service supervisor) and to a per-component rotating file.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field names shared across the pipeline so log lines stay machine-parseable.
const (
	FieldService       = "service"
	FieldCorrelationID = "correlation_id"
	FieldBusinessEvent = "business_event"
)

// Business event tags attached to log lines that mark pipeline milestones.
const (
	EventRadarSample     = "radar_sample"
	EventCameraBatch     = "camera_batch"
	EventWeatherPoll     = "weather_poll"
	EventConsolidated    = "event_consolidated"
	EventPersisted       = "event_persisted"
	EventBroadcast       = "event_broadcast"
	EventDurableQueued   = "event_durable_queued"
	EventQueueDrained    = "durable_queue_drained"
	EventTTLEnforced     = "ttl_enforced"
	EventFilesPruned     = "files_pruned"
	EventStoreCompacted  = "store_compacted"
	EventDiskPressure    = "disk_pressure"
	EventShutdown        = "shutdown"
)

// Options controls logger construction.
type Options struct {
	// Level is the minimum level emitted ("debug", "info", "warn", "error").
	Level string
	// Dir is the directory for rotating log files. Empty disables file output.
	Dir string
	// MaxSizeMB and MaxBackups bound each component's log file.
	MaxSizeMB  int
	MaxBackups int
}

// Manager hands out per-component loggers sharing one configuration.
type Manager struct {
	opts  Options
	level zapcore.Level
}

// NewManager parses the configured level and prepares the log directory.
func NewManager(opts Options) (*Manager, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Manager{opts: opts, level: level}, nil
}

// Component returns a logger named for one pipeline component. Lines carry
// ISO-8601 UTC timestamps and a service field; components never share a file.
func (m *Manager) Component(name string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.MessageKey = "message"
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), m.level),
	}
	if m.opts.Dir != "" {
		rotating := &lumberjack.Logger{
			Filename:   filepath.Join(m.opts.Dir, name+".log"),
			MaxSize:    m.opts.MaxSizeMB,
			MaxBackups: m.opts.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotating), m.level))
	}

	return zap.New(zapcore.NewTee(cores...)).With(zap.String(FieldService, name))
}

// Nop returns a disabled logger for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// WithCorrelation attaches a correlation id to every line logged while
// handling one pipeline event.
func WithCorrelation(logger *zap.Logger, correlationID string) *zap.Logger {
	return logger.With(zap.String(FieldCorrelationID, correlationID))
}

// BusinessEvent builds the machine-consumption tag field.
func BusinessEvent(tag string) zap.Field {
	return zap.String(FieldBusinessEvent, tag)
}
