// Package metrics defines the prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector so components receive one handle instead of
// reaching for package globals.
type Metrics struct {
	RadarFramesParsed    prometheus.Counter
	RadarParseErrors     prometheus.Counter
	RadarSamplesGated    prometheus.Counter
	CameraBatches        prometheus.Counter
	WeatherPollErrors    *prometheus.CounterVec
	DegradedSources      *prometheus.GaugeVec
	EventsConsolidated   prometheus.Counter
	PersistBatches       prometheus.Counter
	PersistedTotal       prometheus.Counter
	DurableQueueDepth    prometheus.Gauge
	BroadcastTotal       prometheus.Counter
	WebsocketClients     prometheus.Gauge
	WebsocketDropped     prometheus.Counter
	MaintenancePruned    prometheus.Counter
	BrokerPublishRetries prometheus.Counter
}

// New registers all collectors on the given registry. Pass a fresh registry
// in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RadarFramesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_radar_frames_parsed_total",
			Help: "Radar frames successfully parsed into samples.",
		}),
		RadarParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_radar_parse_errors_total",
			Help: "Radar frames that matched no supported format.",
		}),
		RadarSamplesGated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_radar_samples_gated_total",
			Help: "Samples below the motion threshold, recorded but not published.",
		}),
		CameraBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_camera_batches_total",
			Help: "Camera detection batches ingested.",
		}),
		WeatherPollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trafficwatch_weather_poll_errors_total",
			Help: "Weather poll failures by source.",
		}, []string{"source"}),
		DegradedSources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficwatch_degraded_source",
			Help: "1 when a non-critical enrichment source is currently absent.",
		}, []string{"source"}),
		EventsConsolidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_events_consolidated_total",
			Help: "Consolidated events emitted.",
		}),
		PersistBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_persist_batches_total",
			Help: "Batches committed to the store.",
		}),
		PersistedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_persisted_events_total",
			Help: "Consolidated events durably persisted.",
		}),
		DurableQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficwatch_durable_queue_depth",
			Help: "Events waiting in the durable queue for store recovery.",
		}),
		BroadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_broadcast_events_total",
			Help: "Persisted summaries re-published for dashboards.",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficwatch_websocket_clients",
			Help: "Currently connected event stream clients.",
		}),
		WebsocketDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_websocket_dropped_frames_total",
			Help: "Frames dropped by the backpressure policy.",
		}),
		MaintenancePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_maintenance_pruned_files_total",
			Help: "Files removed by the maintenance pruner.",
		}),
		BrokerPublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trafficwatch_broker_publish_retries_total",
			Help: "Publish attempts retried against the broker.",
		}),
	}

	reg.MustRegister(
		m.RadarFramesParsed, m.RadarParseErrors, m.RadarSamplesGated,
		m.CameraBatches, m.WeatherPollErrors, m.DegradedSources,
		m.EventsConsolidated, m.PersistBatches, m.PersistedTotal,
		m.DurableQueueDepth, m.BroadcastTotal, m.WebsocketClients,
		m.WebsocketDropped, m.MaintenancePruned, m.BrokerPublishRetries,
	)
	return m
}

// NewForTest returns metrics on a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
