// Package broadcaster tails newly committed detections out of the store and
// re-publishes compact summaries on traffic:persisted for dashboard clients.
// Publishing from the committed rows rather than the in-flight pipeline means
// a summary is only ever announced for data that is durably on disk.
package broadcaster

import (
	"container/list"
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/store"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

const (
	pollInterval = time.Second
	pollLimit    = 50
	dedupeSize   = 512
)

// Broadcaster polls the store for rows past its high-water mark and publishes
// one PersistedSummary per new detection.
type Broadcaster struct {
	cfg     *config.Config
	broker  broker.Broker
	store   *store.Store
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	lastRowID int64
	seen      *dedupe
}

// New creates a broadcaster.
func New(cfg *config.Config, b broker.Broker, s *store.Store,
	clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		cfg: cfg, broker: b, store: s, clock: clock, log: log, metrics: m,
		seen: newDedupe(dedupeSize),
	}
}

// Run polls until ctx is canceled. The high-water mark survives restarts in
// the broker, so a restart resumes where the previous process stopped
// instead of re-announcing old rows.
func (br *Broadcaster) Run(ctx context.Context) error {
	br.loadMark(ctx)

	ticker := br.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			br.Poll(ctx)
		}
	}
}

// Poll publishes summaries for every row past the high-water mark.
func (br *Broadcaster) Poll(ctx context.Context) {
	rows, err := br.store.DetectionsAfter(ctx, br.lastRowID, pollLimit)
	if err != nil {
		br.log.Warn("detection tail query", zap.Error(err))
		return
	}

	for _, d := range rows {
		br.lastRowID = d.RowID
		if br.seen.contains(d.ID) {
			continue
		}
		if err := br.publish(ctx, d); err != nil {
			br.log.Warn("persisted summary publish", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		br.seen.add(d.ID)
		br.metrics.BroadcastTotal.Inc()
	}
	if len(rows) > 0 {
		br.saveMark(ctx)
	}
}

func (br *Broadcaster) publish(ctx context.Context, d store.Detection) error {
	summary := events.PersistedSummary{
		RowID:           d.RowID,
		ConsolidationID: d.ID,
		CorrelationID:   d.CorrelationID,
		Timestamp:       d.Timestamp,
		SpeedMPH:        d.SpeedMPH,
	}
	if d.PrimaryVehicleType != nil {
		summary.PrimaryVehicleType = *d.PrimaryVehicleType
	}
	if d.AlertLevel != nil {
		summary.AlertLevel = *d.AlertLevel
	}

	payload, err := events.Encode(summary)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, br.cfg.BrokerOpTimeout)
	defer cancel()
	return br.broker.Publish(opCtx, events.ChannelPersisted, payload)
}

func (br *Broadcaster) loadMark(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, br.cfg.BrokerOpTimeout)
	defer cancel()
	val, err := br.broker.Get(opCtx, events.KeyBroadcastLastID)
	if err != nil {
		return // fresh start, tail from zero
	}
	if id, err := strconv.ParseInt(val, 10, 64); err == nil {
		br.lastRowID = id
	}
}

func (br *Broadcaster) saveMark(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, br.cfg.BrokerOpTimeout)
	defer cancel()
	err := br.broker.Set(opCtx, events.KeyBroadcastLastID, strconv.FormatInt(br.lastRowID, 10), 0)
	if err != nil {
		br.log.Warn("broadcast mark write", zap.Error(err))
	}
}

// dedupe is a fixed-capacity recency set. It guards against re-announcing a
// detection when the high-water mark is rolled back, such as after a broker
// flush losing broadcast:lastid.
type dedupe struct {
	cap   int
	order *list.List
	index map[string]*list.Element
}

func newDedupe(capacity int) *dedupe {
	return &dedupe{
		cap:   capacity,
		order: list.New(),
		index: make(map[string]*list.Element, capacity),
	}
}

func (d *dedupe) contains(id string) bool {
	_, ok := d.index[id]
	return ok
}

func (d *dedupe) add(id string) {
	if _, ok := d.index[id]; ok {
		return
	}
	d.index[id] = d.order.PushBack(id)
	if d.order.Len() > d.cap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
}
