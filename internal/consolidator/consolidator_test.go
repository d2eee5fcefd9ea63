package consolidator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

const radarTS = 1724500000.0

func newTestConsolidator(t *testing.T) (*Consolidator, *broker.Memory) {
	t.Helper()
	cfg, err := config.Load(func(string) string { return "" })
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	clock := timeutil.NewMockClock(time.Unix(int64(radarTS), 0))
	b := broker.NewMemory(clock)
	t.Cleanup(func() { b.Close() })
	return New(cfg, b, logging.Nop(), metrics.NewForTest()), b
}

func radarSample(correlationID string) events.RadarSample {
	return events.RadarSample{
		CorrelationID: correlationID,
		Timestamp:     radarTS,
		Speed:         25.0,
		Unit:          "mph",
		SpeedMPH:      25.0,
		Direction:     events.DirectionApproaching,
		AlertLevel:    events.AlertLow,
	}
}

func subscribeConsolidated(t *testing.T, b *broker.Memory) broker.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), events.ChannelConsolidated)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func receiveEvent(t *testing.T, sub broker.Subscription) events.ConsolidatedEvent {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		ev, err := events.Decode[events.ConsolidatedEvent](msg.Payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no consolidated event")
		return events.ConsolidatedEvent{}
	}
}

func setSnapshot(t *testing.T, b *broker.Memory, key string, ts float64, extra map[string]string) {
	t.Helper()
	fields := map[string]string{"timestamp": strconv.FormatFloat(ts, 'f', -1, 64)}
	for k, v := range extra {
		fields[k] = v
	}
	if err := b.HSet(context.Background(), key, fields, 0); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
}

func TestHandleRadarOnly(t *testing.T) {
	c, b := newTestConsolidator(t)
	sub := subscribeConsolidated(t, b)

	c.Handle(context.Background(), radarSample("aaaa0001"))

	ev := receiveEvent(t, sub)
	if ev.CorrelationID != "aaaa0001" {
		t.Errorf("CorrelationID = %q", ev.CorrelationID)
	}
	if ev.TriggerSource != events.TriggerRadar {
		t.Errorf("TriggerSource = %q", ev.TriggerSource)
	}
	if ev.Radar.SpeedMPH != 25.0 {
		t.Errorf("radar sample not embedded verbatim: %+v", ev.Radar)
	}
	if ev.Camera != nil || ev.Weather != nil {
		t.Error("no snapshots were written, event should carry none")
	}
	if len(ev.Metadata.DataSources) != 1 || ev.Metadata.DataSources[0] != "radar" {
		t.Errorf("DataSources = %v", ev.Metadata.DataSources)
	}
	if ev.ConsolidationID == "" || ev.ConsolidationID == ev.CorrelationID {
		t.Errorf("ConsolidationID = %q", ev.ConsolidationID)
	}
}

func TestHandleEmbedsFreshSnapshots(t *testing.T) {
	c, b := newTestConsolidator(t)
	sub := subscribeConsolidated(t, b)
	ctx := context.Background()

	setSnapshot(t, b, events.KeyCameraLatest, radarTS-1, map[string]string{
		"vehicle_count":        "2",
		"primary_vehicle_type": "truck",
		"detection_confidence": "0.92",
	})
	setSnapshot(t, b, events.KeyLocalWeather, radarTS-60, map[string]string{
		"temperature_c": "22.8",
		"humidity_pct":  "54.5",
	})
	setSnapshot(t, b, events.KeyRemoteWeather, radarTS-1800, map[string]string{
		"temperature_c": "21.1",
		"station_id":    "KPDX",
	})

	c.Handle(ctx, radarSample("aaaa0002"))

	ev := receiveEvent(t, sub)
	if ev.Camera == nil || ev.Camera.VehicleCount != 2 || ev.Camera.PrimaryVehicleType != "truck" {
		t.Errorf("Camera = %+v", ev.Camera)
	}
	if ev.Weather == nil || ev.Weather.Local == nil || *ev.Weather.Local.TemperatureC != 22.8 {
		t.Errorf("Weather.Local = %+v", ev.Weather)
	}
	if ev.Weather.Remote == nil || ev.Weather.Remote.StationID != "KPDX" {
		t.Errorf("Weather.Remote = %+v", ev.Weather)
	}

	want := []string{"radar", "camera", "weather"}
	if len(ev.Metadata.DataSources) != len(want) {
		t.Fatalf("DataSources = %v, expected %v", ev.Metadata.DataSources, want)
	}
	for i := range want {
		if ev.Metadata.DataSources[i] != want[i] {
			t.Errorf("DataSources[%d] = %q, expected %q", i, ev.Metadata.DataSources[i], want[i])
		}
	}

	// latest and history side effects
	if _, err := b.Get(ctx, events.KeyConsolidationLatest); err != nil {
		t.Errorf("consolidation:latest missing: %v", err)
	}
	members, err := b.ZRangeByScore(ctx, events.KeyConsolidationHistory, 0, 2e9)
	if err != nil || len(members) != 1 {
		t.Errorf("history = %v, %v", members, err)
	}
}

func TestWeatherTaggedOnceWithSingleSource(t *testing.T) {
	c, b := newTestConsolidator(t)
	sub := subscribeConsolidated(t, b)

	setSnapshot(t, b, events.KeyLocalWeather, radarTS-60, map[string]string{
		"temperature_c": "22.8",
	})

	c.Handle(context.Background(), radarSample("aaaa0006"))

	ev := receiveEvent(t, sub)
	if ev.Weather == nil || ev.Weather.Local == nil || ev.Weather.Remote != nil {
		t.Fatalf("Weather = %+v, expected local-only snapshot", ev.Weather)
	}
	want := []string{"radar", "weather"}
	if len(ev.Metadata.DataSources) != len(want) {
		t.Fatalf("DataSources = %v, expected %v", ev.Metadata.DataSources, want)
	}
	for i := range want {
		if ev.Metadata.DataSources[i] != want[i] {
			t.Errorf("DataSources[%d] = %q, expected %q", i, ev.Metadata.DataSources[i], want[i])
		}
	}
}

func TestHandleExcludesStaleSnapshots(t *testing.T) {
	c, b := newTestConsolidator(t)
	sub := subscribeConsolidated(t, b)

	// camera bound is 2 s, local weather 15 min, remote 60 min
	setSnapshot(t, b, events.KeyCameraLatest, radarTS-5, map[string]string{"vehicle_count": "1"})
	setSnapshot(t, b, events.KeyLocalWeather, radarTS-16*60, map[string]string{"temperature_c": "22.8"})
	setSnapshot(t, b, events.KeyRemoteWeather, radarTS-61*60, map[string]string{"temperature_c": "21.1"})

	c.Handle(context.Background(), radarSample("aaaa0003"))

	ev := receiveEvent(t, sub)
	if ev.Camera != nil {
		t.Errorf("stale camera snapshot included: %+v", ev.Camera)
	}
	if ev.Weather != nil {
		t.Errorf("stale weather snapshots included: %+v", ev.Weather)
	}
}

func TestHandleIdempotencyWindow(t *testing.T) {
	c, b := newTestConsolidator(t)
	sub := subscribeConsolidated(t, b)
	ctx := context.Background()

	c.Handle(ctx, radarSample("aaaa0004"))
	receiveEvent(t, sub)

	// same correlation id again within 60 s: dropped
	c.Handle(ctx, radarSample("aaaa0004"))
	select {
	case msg := <-sub.Messages():
		t.Errorf("duplicate consolidated: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunConsolidatesSubscribedSamples(t *testing.T) {
	c, b := newTestConsolidator(t)
	sub := subscribeConsolidated(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// give Run a moment to subscribe before publishing
	time.Sleep(20 * time.Millisecond)
	payload, _ := events.Encode(radarSample("aaaa0005"))
	if err := b.Publish(ctx, events.ChannelRadar, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev := receiveEvent(t, sub)
	if ev.CorrelationID != "aaaa0005" {
		t.Errorf("CorrelationID = %q", ev.CorrelationID)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
}
