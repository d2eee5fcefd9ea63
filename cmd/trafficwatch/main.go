// Command trafficwatch runs the full monitoring pipeline: sensor readers,
// consolidation, persistence, the query API, and maintenance, wired through
// one broker instance.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/api"
	"github.com/kerbside-data/trafficwatch/internal/broadcaster"
	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/camera"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/consolidator"
	"github.com/kerbside-data/trafficwatch/internal/fsutil"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/maintenance"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/persister"
	"github.com/kerbside-data/trafficwatch/internal/radar"
	"github.com/kerbside-data/trafficwatch/internal/serialmux"
	"github.com/kerbside-data/trafficwatch/internal/store"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
	"github.com/kerbside-data/trafficwatch/internal/version"
	"github.com/kerbside-data/trafficwatch/internal/weather"
)

const brokerConnectAttempts = 5

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trafficwatch: %v\n", err)
		return 1
	}

	logMgr, err := logging.NewManager(logging.Options{
		Level: cfg.LogLevel,
		Dir:   cfg.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "trafficwatch: logging: %v\n", err)
		return 1
	}
	log := logMgr.Component("main")
	log.Info("starting",
		zap.String("version", version.Version),
		zap.String("git_sha", version.GitSHA),
		zap.String("listen", cfg.Listen))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	b, code := connectBroker(cfg, log, m)
	if code != 0 {
		return code
	}
	defer b.Close()

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Error("store open", zap.Error(err))
		return 2
	}
	defer s.Close()

	clock := timeutil.RealClock{}
	fs := fsutil.OSFileSystem{}
	disk := fsutil.OSDiskUsage{}

	p := persister.New(cfg, b, s, fs, clock, logMgr.Component("persister"), m)

	components := []struct {
		name string
		run  func(context.Context) error
	}{
		{"radar", radar.New(cfg, b, serialmux.OpenReal, clock, logMgr.Component("radar"), m).Run},
		{"camera", camera.New(cfg, b, fs, clock, logMgr.Component("camera"), m).Run},
		{"weather_local", weather.NewLocal(cfg, b, fs, clock, logMgr.Component("weather_local"), m).Run},
		{"weather_remote", weather.NewRemote(cfg, b, &http.Client{}, clock, logMgr.Component("weather_remote"), m).Run},
		{"consolidator", consolidator.New(cfg, b, logMgr.Component("consolidator"), m).Run},
		{"persister", p.Run},
		{"broadcaster", broadcaster.New(cfg, b, s, clock, logMgr.Component("broadcaster"), m).Run},
		{"api", api.New(cfg, b, s, logMgr.Component("api"), m, reg).Run},
		{"maintenance", maintenance.New(cfg, b, s, fs, disk, clock, logMgr.Component("maintenance"), m).Run},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range components {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("component exited", zap.String("component", name), zap.Error(err))
			}
		}(c.name, c.run)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("signal received, draining", zap.String("signal", sig.String()))
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("drained cleanly")
	case <-time.After(cfg.DrainDeadline):
		log.Warn("drain deadline exceeded, exiting anyway")
	}

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

// connectBroker selects redis when an address is configured, falling back to
// the in-process broker for development. A configured but unreachable redis
// is fatal: running silently without the shared fabric would strand every
// other process using it.
func connectBroker(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (broker.Broker, int) {
	if cfg.BrokerAddr == "" {
		log.Warn("no broker address configured, using in-process broker")
		return broker.NewMemory(nil), 0
	}

	r := broker.NewRedis(cfg.BrokerAddr, func() { m.BrokerPublishRetries.Inc() })
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.BrokerOpTimeout)
		err := r.Ping(pingCtx)
		cancel()
		if err == nil {
			log.Info("broker connected", zap.String("addr", cfg.BrokerAddr))
			return r, 0
		}
		if attempt >= brokerConnectAttempts {
			log.Error("broker unreachable", zap.String("addr", cfg.BrokerAddr), zap.Error(err))
			r.Close()
			return nil, 2
		}
		log.Warn("broker ping failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Second)
	}
}
