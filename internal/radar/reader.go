// Package radar reads the doppler radar's serial stream, parses speed frames,
// and feeds motion events into the pipeline.
package radar

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/serialmux"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
	"github.com/kerbside-data/trafficwatch/internal/units"
)

// State is the reader's connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReading
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

const (
	latestTTL      = 5 * time.Minute
	historyTTL     = 24 * time.Hour
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Reader owns the serial port and survives every transient failure: open
// errors and read errors put it into Backoff and it reconnects with doubling
// delay. It exits only on context cancellation.
type Reader struct {
	cfg     *config.Config
	broker  broker.Broker
	open    serialmux.Opener
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	stateCh chan State // nil outside tests
}

// New creates a radar reader. open is serialmux.OpenReal in production.
func New(cfg *config.Config, b broker.Broker, open serialmux.Opener, clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reader{cfg: cfg, broker: b, open: open, clock: clock, log: log, metrics: m}
}

// Run drives the connection state machine until ctx is canceled.
func (r *Reader) Run(ctx context.Context) error {
	delay := initialBackoff
	for {
		r.setState(StateConnecting)
		port, err := r.open(r.cfg.SerialPort, serialmux.PortOptions{BaudRate: r.cfg.SerialBaud})
		if err != nil {
			r.log.Warn("serial open failed", zap.String("port", r.cfg.SerialPort), zap.Error(err))
			if !r.waitBackoff(ctx, &delay) {
				return ctx.Err()
			}
			continue
		}

		mux := serialmux.New[serialmux.Porter](port)
		r.configureDevice(mux)

		delay = initialBackoff
		if err := r.read(ctx, mux); err != nil {
			return err
		}
		if !r.waitBackoff(ctx, &delay) {
			return ctx.Err()
		}
	}
}

// read consumes lines until the port fails or ctx is canceled. A nil return
// means the connection dropped and the caller should reconnect; a non-nil
// return is context cancellation.
func (r *Reader) read(ctx context.Context, mux *serialmux.Mux[serialmux.Porter]) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	monErr := make(chan error, 1)
	go func() { monErr <- mux.Monitor(ctx) }()

	r.setState(StateReading)
	r.log.Info("radar connected", zap.String("port", r.cfg.SerialPort), zap.Int("baud", r.cfg.SerialBaud))

	for {
		select {
		case <-ctx.Done():
			mux.Close()
			<-monErr
			return ctx.Err()

		case err := <-monErr:
			mux.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("serial stream ended", zap.Error(err))
			return nil

		case line, ok := <-lines:
			if !ok {
				continue
			}
			r.handleLine(ctx, line)
		}
	}
}

// configureDevice pushes the startup command sequence. Failures are logged
// and ignored: the device may be mid-boot and the parser tolerates whatever
// output mode it lands in.
func (r *Reader) configureDevice(mux *serialmux.Mux[serialmux.Porter]) {
	r.sendCommands(mux, initCommands(r.cfg.LowThreshold, r.cfg.HighThreshold))
}

// sendCommands is the single path to the device's command surface. Every
// command, startup or operator-issued, passes the allow-list before it
// reaches the port.
func (r *Reader) sendCommands(mux *serialmux.Mux[serialmux.Porter], cmds []string) {
	for _, cmd := range cmds {
		if !IsAllowedCommand(cmd) {
			r.log.Warn("device command rejected", zap.String("command", cmd))
			continue
		}
		if err := mux.SendCommand(cmd); err != nil {
			r.log.Warn("device command failed", zap.String("command", cmd), zap.Error(err))
		}
	}
}

func (r *Reader) handleLine(ctx context.Context, line string) {
	frame, err := ParseFrame(line)
	if err == ErrNotSpeed {
		r.log.Debug("non-speed frame", zap.String("line", line))
		return
	}
	if err != nil {
		r.metrics.RadarParseErrors.Inc()
		r.log.Debug("unparseable frame", zap.String("line", line))
		return
	}
	r.metrics.RadarFramesParsed.Inc()

	unit := frame.Unit
	if unit == "" {
		unit = r.cfg.DefaultUnit
	}

	now := r.clock.Now()
	signedMPH := units.ToMPH(frame.Speed, unit)
	absMPH := math.Abs(signedMPH)

	sample := events.RadarSample{
		CorrelationID:  events.NewCorrelationID(),
		Timestamp:      float64(now.UnixNano()) / 1e9,
		MonotonicNanos: now.UnixNano(),
		Speed:          frame.Speed,
		Unit:           unit,
		SpeedMPH:       absMPH,
		Magnitude:      frame.Magnitude,
		Direction:      events.Direction(signedMPH, r.cfg.MotionThreshold),
		AlertLevel:     events.AlertLevel(absMPH, r.cfg.LowThreshold, r.cfg.HighThreshold),
	}

	payload, err := events.Encode(sample)
	if err != nil {
		r.log.Error("encode sample", zap.Error(err))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BrokerOpTimeout)
	defer cancel()

	if err := r.broker.Set(opCtx, events.KeyRadarLatest, string(payload), latestTTL); err != nil {
		r.log.Warn("update radar:latest failed", zap.Error(err))
	}

	// Motion gate: stationary clutter stays visible in radar:latest but does
	// not enter the pipeline.
	if absMPH < r.cfg.MotionThreshold {
		r.metrics.RadarSamplesGated.Inc()
		return
	}

	log := logging.WithCorrelation(r.log, sample.CorrelationID)
	if err := r.broker.Publish(opCtx, events.ChannelRadar, payload); err != nil {
		log.Warn("publish radar sample failed", zap.Error(err))
	}

	historyKey := events.HistoryKey(now)
	if err := r.broker.ZAdd(opCtx, historyKey, sample.Timestamp, string(payload)); err != nil {
		log.Warn("append radar history failed", zap.Error(err))
	} else if err := r.broker.Expire(opCtx, historyKey, historyTTL); err != nil && err != broker.ErrNotFound {
		log.Warn("expire radar history failed", zap.Error(err))
	}

	log.Info("radar sample",
		logging.BusinessEvent(logging.EventRadarSample),
		zap.Float64("speed_mph", absMPH),
		zap.String("direction", sample.Direction),
		zap.String("alert_level", sample.AlertLevel))

	if sample.AlertLevel == events.AlertHigh {
		r.publishAlert(opCtx, sample)
	}
}

func (r *Reader) publishAlert(ctx context.Context, sample events.RadarSample) {
	alert := events.AlertMessage{
		Timestamp:     sample.Timestamp,
		Source:        "radar",
		CorrelationID: sample.CorrelationID,
		Kind:          "high_speed",
		Message:       "vehicle over high speed threshold",
		SpeedMPH:      sample.SpeedMPH,
	}
	payload, err := events.Encode(alert)
	if err != nil {
		r.log.Error("encode alert", zap.Error(err))
		return
	}
	if err := r.broker.Publish(ctx, events.ChannelAlert, payload); err != nil {
		r.log.Warn("publish alert failed", zap.Error(err))
	}
}

func (r *Reader) setState(s State) {
	if r.stateCh != nil {
		select {
		case r.stateCh <- s:
		default:
		}
	}
}

// waitBackoff sleeps the current delay and doubles it up to the cap. Returns
// false when ctx was canceled during the wait.
func (r *Reader) waitBackoff(ctx context.Context, delay *time.Duration) bool {
	r.setState(StateBackoff)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*delay):
	}
	if *delay *= 2; *delay > maxBackoff {
		*delay = maxBackoff
	}
	return true
}
