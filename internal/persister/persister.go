// Package persister drains traffic:consolidated into the SQLite store in
// batches. When the store is unavailable it falls back to an on-disk queue
// so events survive process restarts and are replayed once the store
// recovers.
package persister

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/fsutil"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/store"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

// flushTimeout bounds the store transaction for one batch.
const flushTimeout = 5 * time.Second

// Persister buffers consolidated events and commits them in batches, either
// when the buffer reaches the configured size or on the batch interval tick.
type Persister struct {
	cfg     *config.Config
	broker  broker.Broker
	store   *store.Store
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	buf            []events.ConsolidatedEvent
	totalPersisted int64
}

// New creates a persister.
func New(cfg *config.Config, b broker.Broker, s *store.Store, fs fsutil.FileSystem,
	clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *Persister {
	return &Persister{
		cfg: cfg, broker: b, store: s, fs: fs,
		clock: clock, log: log, metrics: m,
	}
}

// Run consumes traffic:consolidated until ctx is canceled. The final buffer
// is flushed on the way out so shutdown loses nothing that was delivered.
func (p *Persister) Run(ctx context.Context) error {
	sub, err := p.broker.Subscribe(ctx, events.ChannelConsolidated)
	if err != nil {
		return err
	}
	defer sub.Close()

	p.metrics.DurableQueueDepth.Set(float64(p.queueDepth()))

	ticker := p.clock.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Flush(context.Background())
			return ctx.Err()

		case msg, ok := <-sub.Messages():
			if !ok {
				p.Flush(context.Background())
				return nil
			}
			ev, err := events.Decode[events.ConsolidatedEvent](msg.Payload)
			if err != nil {
				p.log.Warn("malformed consolidated event", zap.Error(err))
				continue
			}
			p.buf = append(p.buf, ev)
			if len(p.buf) >= p.cfg.BatchSize {
				p.Flush(ctx)
			}

		case <-ticker.C():
			p.Flush(ctx)
			p.DrainQueue(ctx)
		}
	}
}

// Flush commits the buffered events. On a failed commit the batch is retried
// once and then spilled to the durable queue; the buffer is cleared either
// way so the persister never wedges behind a broken store.
func (p *Persister) Flush(ctx context.Context) {
	if len(p.buf) == 0 {
		return
	}
	batch := p.buf
	p.buf = nil

	if err := p.insert(ctx, batch); err != nil {
		p.log.Warn("batch insert failed, retrying", zap.Int("events", len(batch)), zap.Error(err))
		if err := p.insert(ctx, batch); err != nil {
			p.log.Error("batch insert failed twice, spilling to durable queue",
				zap.Int("events", len(batch)), zap.Error(err))
			p.spill(batch)
			p.writeStats(ctx)
			return
		}
	}

	p.totalPersisted += int64(len(batch))
	p.metrics.PersistBatches.Inc()
	p.metrics.PersistedTotal.Add(float64(len(batch)))
	p.log.Info("batch persisted",
		logging.BusinessEvent("persist"),
		zap.Int("events", len(batch)),
		zap.Int64("total", p.totalPersisted))
	p.writeStats(ctx)
}

func (p *Persister) insert(ctx context.Context, batch []events.ConsolidatedEvent) error {
	txCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return p.store.InsertDetectionBatch(txCtx, batch)
}

// spill appends the batch to the durable queue, one JSON document per line.
func (p *Persister) spill(batch []events.ConsolidatedEvent) {
	var buf bytes.Buffer
	if existing, err := p.fs.ReadFile(p.cfg.DurableQueuePath); err == nil {
		buf.Write(existing)
	}
	enc := json.NewEncoder(&buf)
	written := 0
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			p.log.Error("durable queue encode", zap.String("id", ev.ConsolidationID), zap.Error(err))
			continue
		}
		written++
	}
	if err := p.fs.WriteFile(p.cfg.DurableQueuePath, buf.Bytes(), 0o644); err != nil {
		p.log.Error("durable queue write", zap.Error(err))
		return
	}
	p.metrics.DurableQueueDepth.Set(float64(p.queueDepth()))
	p.log.Warn("events spilled to durable queue", zap.Int("events", written))
}

// DrainQueue replays the durable queue into the store. Replayed events that
// were already committed are skipped by the store's anchor-row guard, so a
// crash between insert and truncate cannot create duplicates.
func (p *Persister) DrainQueue(ctx context.Context) {
	data, err := p.fs.ReadFile(p.cfg.DurableQueuePath)
	if err != nil || len(data) == 0 {
		return
	}

	var batch []events.ConsolidatedEvent
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev events.ConsolidatedEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			p.log.Warn("dropping malformed durable queue line", zap.Error(err))
			continue
		}
		batch = append(batch, ev)
	}
	if len(batch) == 0 {
		p.truncateQueue()
		return
	}

	if err := p.insert(ctx, batch); err != nil {
		p.log.Warn("durable queue replay failed, will retry", zap.Int("events", len(batch)), zap.Error(err))
		return
	}

	p.totalPersisted += int64(len(batch))
	p.metrics.PersistBatches.Inc()
	p.metrics.PersistedTotal.Add(float64(len(batch)))
	p.truncateQueue()
	p.log.Info("durable queue drained",
		logging.BusinessEvent("persist_recovery"),
		zap.Int("events", len(batch)))
	p.writeStats(ctx)
}

func (p *Persister) truncateQueue() {
	if err := p.fs.Remove(p.cfg.DurableQueuePath); err != nil && !os.IsNotExist(err) {
		p.log.Error("durable queue truncate", zap.Error(err))
	}
	p.metrics.DurableQueueDepth.Set(0)
}

// queueDepth counts events waiting in the durable queue.
func (p *Persister) queueDepth() int {
	data, err := p.fs.ReadFile(p.cfg.DurableQueuePath)
	if err != nil {
		return 0
	}
	depth := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			depth++
		}
	}
	return depth
}

func (p *Persister) writeStats(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.BrokerOpTimeout)
	defer cancel()
	err := p.broker.HSet(opCtx, events.KeyPersisterStats, map[string]string{
		"batch_size":          strconv.Itoa(p.cfg.BatchSize),
		"total_persisted":     strconv.FormatInt(p.totalPersisted, 10),
		"last_flush_at":       fmt.Sprintf("%.3f", float64(p.clock.Now().UnixNano())/1e9),
		"durable_queue_depth": strconv.Itoa(p.queueDepth()),
	}, 0)
	if err != nil {
		p.log.Warn("persister stats write", zap.Error(err))
	}
}
