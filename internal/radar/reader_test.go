package radar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/serialmux"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(func(string) string { return "" })
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	return cfg
}

func newTestReader(t *testing.T, open serialmux.Opener) (*Reader, *broker.Memory, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1724500000, 0))
	b := broker.NewMemory(clock)
	t.Cleanup(func() { b.Close() })
	r := New(testConfig(t), b, open, clock, logging.Nop(), metrics.NewForTest())
	return r, b, clock
}

func TestHandleLinePublishesMotionSample(t *testing.T) {
	r, b, _ := newTestReader(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.ChannelRadar)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	r.handleLine(ctx, `{"speed":25.0,"unit":"mph","magnitude":88.0}`)

	select {
	case msg := <-sub.Messages():
		sample, err := events.Decode[events.RadarSample](msg.Payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if sample.SpeedMPH != 25.0 {
			t.Errorf("SpeedMPH = %v", sample.SpeedMPH)
		}
		if sample.Direction != events.DirectionApproaching {
			t.Errorf("Direction = %q", sample.Direction)
		}
		if sample.AlertLevel != events.AlertLow {
			t.Errorf("AlertLevel = %q, expected low at 25 mph", sample.AlertLevel)
		}
		if len(sample.CorrelationID) != 8 {
			t.Errorf("CorrelationID = %q, expected 8 characters", sample.CorrelationID)
		}
		if sample.Magnitude != 88.0 {
			t.Errorf("Magnitude = %v", sample.Magnitude)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample published")
	}

	if _, err := b.Get(ctx, events.KeyRadarLatest); err != nil {
		t.Errorf("radar:latest not written: %v", err)
	}

	historyKey := events.HistoryKey(time.Unix(1724500000, 0))
	members, err := b.ZRangeByScore(ctx, historyKey, 0, 2e9)
	if err != nil || len(members) != 1 {
		t.Errorf("history = %v, %v, expected one member", members, err)
	}
	ttl, err := b.TTL(ctx, historyKey)
	if err != nil || ttl <= 0 || ttl > 24*time.Hour {
		t.Errorf("history TTL = %v, %v", ttl, err)
	}
}

func TestMotionGateSuppressesPublish(t *testing.T) {
	r, b, _ := newTestReader(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.ChannelRadar)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	r.handleLine(ctx, `{"speed":0.8,"unit":"mph"}`)

	// latest snapshot still updated
	if _, err := b.Get(ctx, events.KeyRadarLatest); err != nil {
		t.Errorf("radar:latest not written for gated sample: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("gated sample was published: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHighSpeedPublishesAlert(t *testing.T) {
	r, b, _ := newTestReader(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.ChannelAlert)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	r.handleLine(ctx, `{"speed":50.0,"unit":"mph"}`)

	select {
	case msg := <-sub.Messages():
		alert, err := events.Decode[events.AlertMessage](msg.Payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if alert.Kind != "high_speed" || alert.SpeedMPH != 50.0 {
			t.Errorf("alert = %+v", alert)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert published")
	}
}

func TestAlertBoundariesInclusive(t *testing.T) {
	tests := []struct {
		line     string
		expected string
	}{
		{`{"speed":14.99,"unit":"mph"}`, events.AlertNormal},
		{`{"speed":15.0,"unit":"mph"}`, events.AlertLow},
		{`{"speed":44.99,"unit":"mph"}`, events.AlertLow},
		{`{"speed":45.0,"unit":"mph"}`, events.AlertHigh},
		{`{"speed":-45.0,"unit":"mph"}`, events.AlertHigh}, // classification on |speed|
	}

	for _, tt := range tests {
		r, b, _ := newTestReader(t, nil)
		ctx := context.Background()
		sub, err := b.Subscribe(ctx, events.ChannelRadar)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		r.handleLine(ctx, tt.line)

		select {
		case msg := <-sub.Messages():
			sample, err := events.Decode[events.RadarSample](msg.Payload)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if sample.AlertLevel != tt.expected {
				t.Errorf("%s: AlertLevel = %q, expected %q", tt.line, sample.AlertLevel, tt.expected)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: no sample published", tt.line)
		}
		sub.Close()
	}
}

func TestUnitlessFrameUsesDefaultUnit(t *testing.T) {
	r, b, _ := newTestReader(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.ChannelRadar)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	r.handleLine(ctx, "30.0")

	select {
	case msg := <-sub.Messages():
		sample, err := events.Decode[events.RadarSample](msg.Payload)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if sample.Unit != "mph" || sample.SpeedMPH != 30.0 {
			t.Errorf("sample = %+v, expected default mph unit", sample)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no sample published")
	}
}

func TestUnparseableLineIncrementsCounterOnly(t *testing.T) {
	r, b, _ := newTestReader(t, nil)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.ChannelRadar)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	r.handleLine(ctx, "!!noise!!")

	select {
	case msg := <-sub.Messages():
		t.Errorf("noise published: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := b.Get(ctx, events.KeyRadarLatest); err != broker.ErrNotFound {
		t.Errorf("radar:latest written for noise: %v", err)
	}
}

func TestSendCommandsGatedByAllowList(t *testing.T) {
	r, _, _ := newTestReader(t, nil)
	port := serialmux.NewScriptedPort()
	mux := serialmux.New[serialmux.Porter](port)
	defer mux.Close()

	r.sendCommands(mux, []string{"XX", "OJ"})

	written := string(port.Written())
	if strings.Contains(written, "XX") {
		t.Errorf("unlisted command reached the port: %q", written)
	}
	if !strings.Contains(written, "OJ") {
		t.Errorf("allowed command not sent: %q", written)
	}
}

func TestReaderReconnectsAfterPortFailure(t *testing.T) {
	port1 := serialmux.NewScriptedPort()
	port2 := serialmux.NewScriptedPort()
	r, _, _ := newTestReader(t, serialmux.ScriptedOpener(port1, port2))
	r.stateCh = make(chan State, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitState(t, r.stateCh, StateReading)

	// Kill the first port: reader must back off and reopen.
	port1.Close()
	waitState(t, r.stateCh, StateBackoff)
	waitState(t, r.stateCh, StateReading)

	// Init commands were sent to both ports.
	if len(port2.Written()) == 0 {
		t.Error("no init commands sent to reopened port")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
}

func waitState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}
