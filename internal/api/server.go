// Package api exposes the read-side HTTP and WebSocket surface: health,
// recent detections, rollups, analytics, search, and the live event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/store"
)

// Server serves the query API. All endpoints are read-only; the pipeline
// components write through the broker and the store directly.
type Server struct {
	cfg      *config.Config
	broker   broker.Broker
	store    *store.Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// New creates the API server.
func New(cfg *config.Config, b broker.Broker, s *store.Store, log *zap.Logger,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	return &Server{cfg: cfg, broker: b, store: s, log: log, metrics: m, gatherer: gatherer}
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/traffic/recent", s.handleRecent)
	mux.HandleFunc("/traffic/summary", s.handleSummary)
	mux.HandleFunc("/traffic/analytics", s.handleAnalytics)
	mux.HandleFunc("/traffic/search", s.handleSearch)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	var h http.Handler = mux
	h = s.logRequests(h)
	h = withRequestID(h)

	corsOpts := []handlers.CORSOption{
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-Id"}),
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		corsOpts = append(corsOpts, handlers.AllowedOrigins(s.cfg.AllowedOrigins))
	}
	return handlers.CORS(corsOpts...)(h)
}

// Run serves until ctx is canceled, then shuts down gracefully within the
// drain deadline.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainDeadline)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
