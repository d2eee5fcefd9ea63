package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

const (
	remoteTimeout    = 10 * time.Second
	timeseriesWindow = 24 * time.Hour
)

// observation mirrors the station API's observation document. Measurement
// values are SI and may be null when a sensor is offline.
type observation struct {
	Properties struct {
		StationID        string  `json:"stationId"`
		TextDescription  string  `json:"textDescription"`
		Temperature      siValue `json:"temperature"`
		RelativeHumidity siValue `json:"relativeHumidity"`
		WindSpeed        siValue `json:"windSpeed"`
		Visibility       siValue `json:"visibility"`
	} `json:"properties"`
}

type siValue struct {
	Value *float64 `json:"value"`
}

// RemoteReader polls the upstream observation API on a fixed interval. The
// call runs behind a circuit breaker so a flapping upstream degrades to
// fast-failing polls instead of piling up 10 s timeouts.
type RemoteReader struct {
	cfg     *config.Config
	broker  broker.Broker
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewRemote creates a remote weather reader. client may be nil for the
// default with the standard poll timeout.
func NewRemote(cfg *config.Config, b broker.Broker, client *http.Client, clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *RemoteReader {
	if client == nil {
		client = &http.Client{Timeout: remoteTimeout}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "remote-weather",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("weather breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &RemoteReader{cfg: cfg, broker: b, client: client, breaker: breaker, clock: clock, log: log, metrics: m}
}

// Run polls immediately, then on every interval tick until ctx is canceled.
// A missing URL disables the reader.
func (r *RemoteReader) Run(ctx context.Context) error {
	if r.cfg.RemoteWeatherURL == "" {
		r.log.Info("remote weather disabled: no URL configured")
		<-ctx.Done()
		return ctx.Err()
	}

	r.Poll(ctx)

	ticker := r.clock.NewTicker(r.cfg.RemoteWeatherInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Poll(ctx)
		}
	}
}

// Poll fetches one observation and updates the latest snapshot, the bounded
// time-series, and the local/remote correlation snapshot.
func (r *RemoteReader) Poll(ctx context.Context) {
	result, err := r.breaker.Execute(func() (any, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		r.metrics.WeatherPollErrors.WithLabelValues("airport").Inc()
		r.metrics.DegradedSources.WithLabelValues("airport").Set(1)
		r.log.Warn("remote weather poll failed", zap.Error(err))
		return
	}
	r.metrics.DegradedSources.WithLabelValues("airport").Set(0)

	reading := result.(events.RemoteWeatherReading)
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BrokerOpTimeout)
	defer cancel()

	r.writeLatest(opCtx, reading)
	r.appendTimeseries(opCtx, reading)
	r.writeCorrelation(opCtx, reading)

	r.log.Info("remote weather polled",
		logging.BusinessEvent(logging.EventWeatherPoll),
		zap.String("station_id", reading.StationID),
		zap.Float64p("temperature_c", reading.TemperatureC))
}

func (r *RemoteReader) fetch(ctx context.Context) (events.RemoteWeatherReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.RemoteWeatherURL, nil)
	if err != nil {
		return events.RemoteWeatherReading{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return events.RemoteWeatherReading{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return events.RemoteWeatherReading{}, fmt.Errorf("observation API returned %s", resp.Status)
	}

	var obs observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return events.RemoteWeatherReading{}, fmt.Errorf("decode observation: %w", err)
	}

	return events.RemoteWeatherReading{
		Timestamp:    float64(r.clock.Now().UnixNano()) / 1e9,
		Description:  obs.Properties.TextDescription,
		TemperatureC: obs.Properties.Temperature.Value,
		HumidityPct:  obs.Properties.RelativeHumidity.Value,
		WindSpeed:    obs.Properties.WindSpeed.Value,
		Visibility:   obs.Properties.Visibility.Value,
		StationID:    obs.Properties.StationID,
	}, nil
}

func (r *RemoteReader) writeLatest(ctx context.Context, reading events.RemoteWeatherReading) {
	fields := map[string]string{
		"timestamp": strconv.FormatFloat(reading.Timestamp, 'f', -1, 64),
	}
	if reading.StationID != "" {
		fields["station_id"] = reading.StationID
	}
	if reading.Description != "" {
		fields["text_description"] = reading.Description
	}
	setFloat(fields, "temperature_c", reading.TemperatureC)
	setFloat(fields, "humidity_pct", reading.HumidityPct)
	setFloat(fields, "wind_speed", reading.WindSpeed)
	setFloat(fields, "visibility", reading.Visibility)
	if reading.TemperatureC != nil {
		fields["temperature_f"] = strconv.FormatFloat(events.CToF(*reading.TemperatureC), 'f', 1, 64)
	}

	if err := r.broker.HSet(ctx, events.KeyRemoteWeather, fields, 0); err != nil {
		r.log.Warn("update remote weather failed", zap.Error(err))
	}
}

func (r *RemoteReader) appendTimeseries(ctx context.Context, reading events.RemoteWeatherReading) {
	payload, err := events.Encode(reading)
	if err != nil {
		r.log.Error("encode observation", zap.Error(err))
		return
	}
	if err := r.broker.ZAdd(ctx, events.KeyWeatherTimeseries, reading.Timestamp, string(payload)); err != nil {
		r.log.Warn("append weather timeseries failed", zap.Error(err))
		return
	}
	cutoff := reading.Timestamp - timeseriesWindow.Seconds()
	if _, err := r.broker.ZRemRangeByScore(ctx, events.KeyWeatherTimeseries, 0, cutoff); err != nil {
		r.log.Warn("trim weather timeseries failed", zap.Error(err))
	}
}

// writeCorrelation pairs this observation with the local sensor when the
// local reading is fresh enough to be meaningful.
func (r *RemoteReader) writeCorrelation(ctx context.Context, remote events.RemoteWeatherReading) {
	local, err := r.broker.HGetAll(ctx, events.KeyLocalWeather)
	if err != nil || len(local) == 0 {
		return
	}
	localTS, err := strconv.ParseFloat(local["timestamp"], 64)
	if err != nil {
		return
	}
	if remote.Timestamp-localTS >= 2*r.cfg.LocalWeatherInterval.Seconds() {
		return
	}

	fields := map[string]string{
		"timestamp":       strconv.FormatFloat(remote.Timestamp, 'f', -1, 64),
		"local_timestamp": local["timestamp"],
	}
	if v, ok := local["temperature_c"]; ok {
		fields["local_temperature_c"] = v
	}
	if v, ok := local["humidity_pct"]; ok {
		fields["local_humidity_pct"] = v
	}
	setFloat(fields, "remote_temperature_c", remote.TemperatureC)
	setFloat(fields, "remote_humidity_pct", remote.HumidityPct)

	if localT, ok := local["temperature_c"]; ok && remote.TemperatureC != nil {
		if lt, err := strconv.ParseFloat(localT, 64); err == nil {
			fields["temperature_delta_c"] = strconv.FormatFloat(lt-*remote.TemperatureC, 'f', 1, 64)
		}
	}

	if err := r.broker.HSet(ctx, events.KeyWeatherCorrelation, fields, 0); err != nil {
		r.log.Warn("update weather correlation failed", zap.Error(err))
	}
}

func setFloat(fields map[string]string, key string, v *float64) {
	if v != nil {
		fields[key] = strconv.FormatFloat(*v, 'f', 1, 64)
	}
}
