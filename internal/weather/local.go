// Package weather samples the on-board hygrometer and polls the upstream
// observation station, maintaining the weather snapshots the consolidator
// reads.
package weather

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/fsutil"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

// Sysfs attribute files exposed by the kernel IIO driver for the DHT22.
// Values are millidegrees Celsius and milli-percent respectively.
const (
	tempAttr     = "in_temp_input"
	humidityAttr = "in_humidityrelative_input"
)

const localLatestTTL = 0 // maintenance applies the TTL policy for this key

// LocalReader samples the DHT22 through the kernel IIO driver on a fixed
// interval and keeps weather:dht22:latest current.
type LocalReader struct {
	cfg     *config.Config
	broker  broker.Broker
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewLocal creates a local weather reader over the given filesystem.
func NewLocal(cfg *config.Config, b broker.Broker, fs fsutil.FileSystem, clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *LocalReader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LocalReader{cfg: cfg, broker: b, fs: fs, clock: clock, log: log, metrics: m}
}

// Run samples immediately, then on every interval tick until ctx is canceled.
func (r *LocalReader) Run(ctx context.Context) error {
	r.Sample(ctx)

	ticker := r.clock.NewTicker(r.cfg.LocalWeatherInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Sample(ctx)
		}
	}
}

// Sample reads the sensor once and updates the latest snapshot. A sensor
// where only one attribute reads cleanly still yields a partial snapshot;
// the absent field stays absent.
func (r *LocalReader) Sample(ctx context.Context) {
	reading := events.LocalWeatherReading{
		Timestamp: float64(r.clock.Now().UnixNano()) / 1e9,
	}

	if c, err := r.readMilli(tempAttr); err == nil {
		f := events.CToF(c)
		reading.TemperatureC = &c
		reading.TemperatureF = &f
	} else {
		r.metrics.WeatherPollErrors.WithLabelValues("dht22").Inc()
		r.log.Warn("temperature read failed", zap.Error(err))
	}

	if h, err := r.readMilli(humidityAttr); err == nil {
		reading.HumidityPct = &h
	} else {
		r.metrics.WeatherPollErrors.WithLabelValues("dht22").Inc()
		r.log.Warn("humidity read failed", zap.Error(err))
	}

	if reading.TemperatureC == nil && reading.HumidityPct == nil {
		r.metrics.DegradedSources.WithLabelValues("dht22").Set(1)
		return
	}
	r.metrics.DegradedSources.WithLabelValues("dht22").Set(0)

	fields := map[string]string{
		"timestamp": strconv.FormatFloat(reading.Timestamp, 'f', -1, 64),
	}
	if reading.TemperatureC != nil {
		fields["temperature_c"] = strconv.FormatFloat(*reading.TemperatureC, 'f', 1, 64)
		fields["temperature_f"] = strconv.FormatFloat(*reading.TemperatureF, 'f', 1, 64)
	}
	if reading.HumidityPct != nil {
		fields["humidity_pct"] = strconv.FormatFloat(*reading.HumidityPct, 'f', 1, 64)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BrokerOpTimeout)
	defer cancel()
	if err := r.broker.HSet(opCtx, events.KeyLocalWeather, fields, localLatestTTL); err != nil {
		r.log.Warn("update local weather failed", zap.Error(err))
		return
	}

	r.log.Info("local weather sampled",
		logging.BusinessEvent(logging.EventWeatherPoll),
		zap.Float64p("temperature_c", reading.TemperatureC),
		zap.Float64p("humidity_pct", reading.HumidityPct))
}

// readMilli reads a sysfs attribute holding a milli-scaled integer.
func (r *LocalReader) readMilli(attr string) (float64, error) {
	raw, err := r.fs.ReadFile(filepath.Join(r.cfg.LocalWeatherDevice, attr))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, err
	}
	return v / 1000.0, nil
}
