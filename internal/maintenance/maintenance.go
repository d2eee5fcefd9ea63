// Package maintenance runs the periodic housekeeping loops: broker TTL
// policy enforcement, capture-directory pruning under age and disk-pressure
// rules, and weekly store compaction.
package maintenance

import (
	"context"
	"path"
	"path/filepath"
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

const (
	hourlyInterval = time.Hour
	weeklyInterval = 7 * 24 * time.Hour
)

// ttlPolicy binds a key glob to the TTL maintenance applies when a matching
// key carries none, or one beyond the cap.
type ttlPolicy struct {
	pattern string
	ttl     time.Duration
}

// ttlPolicies is the fixed policy table. Writers set their own TTLs on the
// hot path; this walk is the backstop for keys written before a policy
// change or left behind by a crashed writer.
var ttlPolicies = []ttlPolicy{
	{"radar:latest", 10 * time.Minute},
	{"radar:history:*", 24 * time.Hour},
	{"camera:latest", time.Minute},
	{"weather:dht22:*", time.Hour},
	{"weather:airport:latest", time.Hour},
	{"weather:correlation:*", time.Hour},
	{"consolidation:latest", time.Hour},
	{"consolidation:history", 48 * time.Hour},
	{"consolidation:seen:*", time.Minute},
}

// Runner drives the maintenance loops.
type Runner struct {
	cfg     *config.Config
	broker  broker.Broker
	store   *store.Store
	fs      fsutil.FileSystem
	disk    fsutil.DiskUsage
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	prunedTotal int64
}

// New creates a maintenance runner.
func New(cfg *config.Config, b broker.Broker, s *store.Store, fs fsutil.FileSystem,
	disk fsutil.DiskUsage, clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		cfg: cfg, broker: b, store: s, fs: fs, disk: disk,
		clock: clock, log: log, metrics: m,
	}
}

// Run executes the hourly loop (TTL policies + pruning) and the weekly loop
// (compaction + summary refresh) until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	hourly := r.clock.NewTicker(hourlyInterval)
	defer hourly.Stop()
	weekly := r.clock.NewTicker(weeklyInterval)
	defer weekly.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hourly.C():
			r.EnforceTTLPolicies(ctx)
			r.PruneCaptures(ctx)
			r.writeStats(ctx)
		case <-weekly.C():
			r.CompactStore(ctx)
			r.writeStats(ctx)
		}
	}
}

// EnforceTTLPolicies walks the policy table and applies TTLs to keys
// carrying none, or one longer than the policy allows.
func (r *Runner) EnforceTTLPolicies(ctx context.Context) {
	applied := 0
	for _, policy := range ttlPolicies {
		keys, err := r.broker.Keys(ctx, policy.pattern)
		if err != nil {
			r.log.Warn("ttl policy key scan", zap.String("pattern", policy.pattern), zap.Error(err))
			continue
		}
		for _, key := range keys {
			ttl, err := r.broker.TTL(ctx, key)
			if err != nil {
				continue
			}
			// The key can expire between the scan and this check.
			if ttl == broker.TTLMissing {
				continue
			}
			// No-expiry keys and TTLs above the policy cap both get the cap.
			if ttl >= 0 && ttl <= policy.ttl {
				continue
			}
			if err := r.broker.Expire(ctx, key, policy.ttl); err != nil {
				r.log.Warn("ttl apply", zap.String("key", key), zap.Error(err))
				continue
			}
			applied++
		}
	}
	if applied > 0 {
		r.log.Info("ttl policies applied",
			logging.BusinessEvent("maintenance_ttl"),
			zap.Int("keys", applied))
	}
}

// PruneCaptures removes capture files older than the configured age. Under
// disk pressure a second pass runs with the age halved.
func (r *Runner) PruneCaptures(ctx context.Context) {
	removed := r.pruneOlderThan(r.cfg.PruneAge)

	if free, total, err := r.disk.Usage(r.cfg.CaptureDir); err == nil && total > 0 {
		freePct := float64(free) / float64(total) * 100
		if freePct < r.cfg.DiskFreePct {
			r.log.Warn("disk pressure, emergency prune",
				logging.BusinessEvent("maintenance_disk_pressure"),
				zap.Float64("free_pct", freePct))
			removed += r.pruneOlderThan(r.cfg.PruneAge / 2)
			r.publishDiskAlert(ctx, freePct)
		}
	}

	if removed > 0 {
		r.prunedTotal += int64(removed)
		r.metrics.MaintenancePruned.Add(float64(removed))
		r.log.Info("captures pruned",
			logging.BusinessEvent("maintenance_prune"),
			zap.Int("files", removed))
	}
}

func (r *Runner) pruneOlderThan(age time.Duration) int {
	entries, err := r.fs.ReadDir(r.cfg.CaptureDir)
	if err != nil {
		return 0
	}
	cutoff := r.clock.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		name := filepath.Join(r.cfg.CaptureDir, entry.Name())
		if err := r.fs.Remove(name); err != nil {
			r.log.Warn("prune remove", zap.String("file", name), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func (r *Runner) publishDiskAlert(ctx context.Context, freePct float64) {
	payload, err := events.Encode(events.AlertMessage{
		Timestamp: float64(r.clock.Now().UnixNano()) / 1e9,
		Source:    "maintenance",
		Kind:      "disk_pressure",
		Message:   "free disk below threshold, emergency prune ran",
	})
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BrokerOpTimeout)
	defer cancel()
	if err := r.broker.Publish(opCtx, events.ChannelAlert, payload); err != nil {
		r.log.Warn("disk alert publish", zap.Float64("free_pct", freePct), zap.Error(err))
	}
}

// CompactStore vacuums the store and refreshes the daily_summary rollups.
func (r *Runner) CompactStore(ctx context.Context) {
	if err := r.store.Compact(ctx); err != nil {
		r.log.Error("store compaction", zap.Error(err))
		return
	}
	if err := r.store.RefreshDailySummary(ctx); err != nil {
		r.log.Error("daily summary refresh", zap.Error(err))
		return
	}
	r.log.Info("store compacted", logging.BusinessEvent("maintenance_compact"))
}

func (r *Runner) writeStats(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BrokerOpTimeout)
	defer cancel()
	err := r.broker.HSet(opCtx, events.KeyMaintenanceStats, map[string]string{
		"last_run_at":  strconv.FormatInt(r.clock.Now().Unix(), 10),
		"pruned_total": strconv.FormatInt(r.prunedTotal, 10),
	}, 0)
	if err != nil {
		r.log.Warn("maintenance stats write", zap.Error(err))
	}
}

// matchesPolicy is used by tests to assert the policy table covers a key.
func matchesPolicy(key string) bool {
	for _, policy := range ttlPolicies {
		if ok, _ := path.Match(policy.pattern, key); ok {
			return true
		}
	}
	return false
}
