// Package consolidator joins each radar motion event with the freshest
// camera and weather snapshots available within their staleness bounds.
package consolidator

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/version"
)

const (
	seenTTL    = 60 * time.Second
	latestTTL  = time.Hour
	historyTTL = 48 * time.Hour
)

// Consolidator subscribes to radar samples and emits consolidated events.
// Samples are handled in arrival order but independently: assembly reads only
// broker snapshots, so concurrent samples never contend.
type Consolidator struct {
	cfg     *config.Config
	broker  broker.Broker
	log     *zap.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// New creates a consolidator.
func New(cfg *config.Config, b broker.Broker, log *zap.Logger, m *metrics.Metrics) *Consolidator {
	return &Consolidator{cfg: cfg, broker: b, log: log, metrics: m}
}

// Run consumes traffic:radar until ctx is canceled, then waits for in-flight
// assemblies to finish.
func (c *Consolidator) Run(ctx context.Context) error {
	sub, err := c.broker.Subscribe(ctx, events.ChannelRadar)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()

		case msg, ok := <-sub.Messages():
			if !ok {
				c.wg.Wait()
				return nil
			}
			sample, err := events.Decode[events.RadarSample](msg.Payload)
			if err != nil {
				c.log.Warn("malformed radar sample", zap.Error(err))
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.Handle(ctx, sample)
			}()
		}
	}
}

// Handle consolidates one radar sample. Duplicate correlation IDs within the
// idempotency window are dropped.
func (c *Consolidator) Handle(ctx context.Context, sample events.RadarSample) {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerOpTimeout)
	defer cancel()

	log := logging.WithCorrelation(c.log, sample.CorrelationID)

	fresh, err := c.broker.SetNX(opCtx, events.KeyConsolidationSeen+sample.CorrelationID, "1", seenTTL)
	if err != nil {
		log.Warn("idempotency check failed", zap.Error(err))
		return
	}
	if !fresh {
		log.Debug("duplicate radar sample dropped")
		return
	}

	event := events.ConsolidatedEvent{
		ConsolidationID: events.NewConsolidationID(),
		CorrelationID:   sample.CorrelationID,
		TriggerSource:   events.TriggerRadar,
		Timestamp:       sample.Timestamp,
		Radar:           sample,
		Metadata: events.ProcessingMetadata{
			ProducerVersion: version.Version,
			DataSources:     []string{"radar"},
		},
	}

	if camera := c.cameraSnapshot(opCtx, sample.Timestamp); camera != nil {
		event.Camera = camera
		event.Metadata.DataSources = append(event.Metadata.DataSources, "camera")
	}

	weather := events.WeatherSnapshot{}
	if local := c.localWeatherSnapshot(opCtx, sample.Timestamp); local != nil {
		weather.Local = local
	}
	if remote := c.remoteWeatherSnapshot(opCtx, sample.Timestamp); remote != nil {
		weather.Remote = remote
	}
	// One "weather" tag regardless of which sensor supplied it; the snapshot
	// itself records local versus remote.
	if weather.Local != nil || weather.Remote != nil {
		event.Weather = &weather
		event.Metadata.DataSources = append(event.Metadata.DataSources, "weather")
	}

	c.emit(opCtx, log, event)
}

func (c *Consolidator) emit(ctx context.Context, log *zap.Logger, event events.ConsolidatedEvent) {
	payload, err := events.Encode(event)
	if err != nil {
		log.Error("encode consolidated event", zap.Error(err))
		return
	}

	if err := c.broker.Publish(ctx, events.ChannelConsolidated, payload); err != nil {
		log.Warn("publish consolidated event failed", zap.Error(err))
	}
	if err := c.broker.Set(ctx, events.KeyConsolidationLatest, string(payload), latestTTL); err != nil {
		log.Warn("update consolidation:latest failed", zap.Error(err))
	}
	if err := c.broker.ZAdd(ctx, events.KeyConsolidationHistory, event.Timestamp, string(payload)); err != nil {
		log.Warn("append consolidation history failed", zap.Error(err))
	} else if err := c.broker.Expire(ctx, events.KeyConsolidationHistory, historyTTL); err != nil && err != broker.ErrNotFound {
		log.Warn("expire consolidation history failed", zap.Error(err))
	}

	c.metrics.EventsConsolidated.Inc()
	log.Info("event consolidated",
		logging.BusinessEvent(logging.EventConsolidated),
		zap.String("consolidation_id", event.ConsolidationID),
		zap.Strings("data_sources", event.Metadata.DataSources))
}

// cameraSnapshot returns the latest classification when it is inside the
// camera staleness bound relative to the radar timestamp.
func (c *Consolidator) cameraSnapshot(ctx context.Context, radarTS float64) *events.CameraClassification {
	fields, err := c.broker.HGetAll(ctx, events.KeyCameraLatest)
	if err != nil || len(fields) == 0 {
		return nil
	}
	ts, ok := freshTimestamp(fields, radarTS, c.cfg.CameraStaleness)
	if !ok {
		return nil
	}

	snap := &events.CameraClassification{
		Timestamp:          ts,
		PrimaryVehicleType: fields["primary_vehicle_type"],
	}
	snap.VehicleCount, _ = strconv.Atoi(fields["vehicle_count"])
	snap.Confidence, _ = strconv.ParseFloat(fields["detection_confidence"], 64)
	if boxes := fields["bounding_boxes"]; boxes != "" {
		if err := json.Unmarshal([]byte(boxes), &snap.BoundingBoxes); err != nil {
			c.log.Debug("malformed bounding boxes in snapshot", zap.Error(err))
		}
	}
	return snap
}

func (c *Consolidator) localWeatherSnapshot(ctx context.Context, radarTS float64) *events.LocalWeatherReading {
	fields, err := c.broker.HGetAll(ctx, events.KeyLocalWeather)
	if err != nil || len(fields) == 0 {
		return nil
	}
	ts, ok := freshTimestamp(fields, radarTS, c.cfg.LocalWeatherStaleness)
	if !ok {
		return nil
	}

	snap := &events.LocalWeatherReading{Timestamp: ts}
	snap.TemperatureC = parseFloatField(fields, "temperature_c")
	snap.TemperatureF = parseFloatField(fields, "temperature_f")
	snap.HumidityPct = parseFloatField(fields, "humidity_pct")
	return snap
}

func (c *Consolidator) remoteWeatherSnapshot(ctx context.Context, radarTS float64) *events.RemoteWeatherReading {
	fields, err := c.broker.HGetAll(ctx, events.KeyRemoteWeather)
	if err != nil || len(fields) == 0 {
		return nil
	}
	ts, ok := freshTimestamp(fields, radarTS, c.cfg.RemoteWeatherStaleness)
	if !ok {
		return nil
	}

	snap := &events.RemoteWeatherReading{
		Timestamp:   ts,
		Description: fields["text_description"],
		StationID:   fields["station_id"],
	}
	snap.TemperatureC = parseFloatField(fields, "temperature_c")
	snap.HumidityPct = parseFloatField(fields, "humidity_pct")
	snap.WindSpeed = parseFloatField(fields, "wind_speed")
	snap.Visibility = parseFloatField(fields, "visibility")
	return snap
}

// freshTimestamp extracts the snapshot timestamp and checks it against the
// staleness bound. Snapshots without a parseable timestamp are never fresh.
func freshTimestamp(fields map[string]string, radarTS float64, bound time.Duration) (float64, bool) {
	ts, err := strconv.ParseFloat(fields["timestamp"], 64)
	if err != nil {
		return 0, false
	}
	if math.Abs(radarTS-ts) > bound.Seconds() {
		return 0, false
	}
	return ts, true
}

func parseFloatField(fields map[string]string, key string) *float64 {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
