// Package camera ingests detection batches dropped by the on-device
// inference process, applies region-of-interest and class filtering, and
// publishes classification summaries.
package camera

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kerbside-data/trafficwatch/internal/broker"
	"github.com/kerbside-data/trafficwatch/internal/config"
	"github.com/kerbside-data/trafficwatch/internal/events"
	"github.com/kerbside-data/trafficwatch/internal/fsutil"
	"github.com/kerbside-data/trafficwatch/internal/logging"
	"github.com/kerbside-data/trafficwatch/internal/metrics"
	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

const latestTTL = 10 * time.Second

// classWhitelist is the vehicle taxonomy accepted from the inference feed;
// pedestrians, bicycles, and misdetections are dropped.
var classWhitelist = map[string]bool{
	"car":        true,
	"truck":      true,
	"motorcycle": true,
	"bus":        true,
}

// batchFile is the JSON document the inference process drops per frame.
// When image dimensions are present, bounding boxes are pixel coordinates;
// otherwise they are already fractional.
type batchFile struct {
	Timestamp       float64            `json:"timestamp"`
	ImageWidth      float64            `json:"image_width,omitempty"`
	ImageHeight     float64            `json:"image_height,omitempty"`
	InferenceTimeMs int64              `json:"inference_time_ms,omitempty"`
	Detections      []events.Detection `json:"detections"`
}

// Reader watches the drop directory and ingests each detection batch file.
type Reader struct {
	cfg     *config.Config
	broker  broker.Broker
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates a camera reader over the given filesystem.
func New(cfg *config.Config, b broker.Broker, fs fsutil.FileSystem, clock timeutil.Clock, log *zap.Logger, m *metrics.Metrics) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reader{cfg: cfg, broker: b, fs: fs, clock: clock, log: log, metrics: m}
}

// Run watches the drop directory until ctx is canceled. Files already
// present at startup are ingested first so a restart loses nothing.
func (r *Reader) Run(ctx context.Context) error {
	if err := r.fs.MkdirAll(r.cfg.CameraDropDir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(r.cfg.CameraDropDir); err != nil {
		return err
	}

	r.IngestExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.HasSuffix(ev.Name, ".json") {
				r.IngestFile(ctx, ev.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("drop directory watch error", zap.Error(err))
		}
	}
}

// IngestExisting processes every batch file already in the drop directory.
func (r *Reader) IngestExisting(ctx context.Context) {
	entries, err := r.fs.ReadDir(r.cfg.CameraDropDir)
	if err != nil {
		r.log.Warn("list drop directory failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r.IngestFile(ctx, filepath.Join(r.cfg.CameraDropDir, e.Name()))
	}
}

// IngestFile reads, filters, and publishes one batch, then removes the file.
// Undecodable files are removed as well so a corrupt drop cannot wedge the
// directory.
func (r *Reader) IngestFile(ctx context.Context, path string) {
	data, err := r.fs.ReadFile(path)
	if err != nil {
		r.log.Warn("read batch file failed", zap.String("file", path), zap.Error(err))
		return
	}

	var batch batchFile
	if err := json.Unmarshal(data, &batch); err != nil {
		r.log.Warn("malformed batch file", zap.String("file", path), zap.Error(err))
		r.remove(path)
		return
	}

	r.Ingest(ctx, batch)
	r.remove(path)
}

// Ingest applies ROI and class filters to a batch and publishes the result.
func (r *Reader) Ingest(ctx context.Context, batch batchFile) {
	kept := make([]events.Detection, 0, len(batch.Detections))
	for _, d := range batch.Detections {
		if !classWhitelist[strings.ToLower(d.Class)] {
			continue
		}
		cx, cy := bboxCenter(d.BBox, batch.ImageWidth, batch.ImageHeight)
		if !r.cfg.CameraROI.Contains(cx, cy) {
			continue
		}
		kept = append(kept, d)
	}

	ts := batch.Timestamp
	if ts == 0 {
		ts = float64(r.clock.Now().UnixNano()) / 1e9
	}

	summary := events.CameraClassification{
		Timestamp:          ts,
		VehicleCount:       len(kept),
		PrimaryVehicleType: "unknown",
		BoundingBoxes:      kept,
		InferenceTimeMs:    batch.InferenceTimeMs,
	}
	for _, d := range kept {
		if d.Confidence > summary.Confidence {
			summary.Confidence = d.Confidence
			summary.PrimaryVehicleType = strings.ToLower(d.Class)
		}
	}

	r.metrics.CameraBatches.Inc()
	r.publish(ctx, summary)
}

func (r *Reader) publish(ctx context.Context, summary events.CameraClassification) {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.BrokerOpTimeout)
	defer cancel()

	boxes, err := json.Marshal(summary.BoundingBoxes)
	if err != nil {
		r.log.Error("encode bounding boxes", zap.Error(err))
		return
	}
	fields := map[string]string{
		"timestamp":            strconv.FormatFloat(summary.Timestamp, 'f', -1, 64),
		"vehicle_count":        strconv.Itoa(summary.VehicleCount),
		"primary_vehicle_type": summary.PrimaryVehicleType,
		"detection_confidence": strconv.FormatFloat(summary.Confidence, 'f', -1, 64),
		"bounding_boxes":       string(boxes),
	}
	if err := r.broker.HSet(opCtx, events.KeyCameraLatest, fields, latestTTL); err != nil {
		r.log.Warn("update camera:latest failed", zap.Error(err))
	}

	payload, err := events.Encode(summary)
	if err != nil {
		r.log.Error("encode classification", zap.Error(err))
		return
	}
	if err := r.broker.Publish(opCtx, events.ChannelCamera, payload); err != nil {
		r.log.Warn("publish classification failed", zap.Error(err))
	}

	r.log.Info("camera batch",
		logging.BusinessEvent(logging.EventCameraBatch),
		zap.Int("vehicle_count", summary.VehicleCount),
		zap.String("primary_vehicle_type", summary.PrimaryVehicleType))
}

func (r *Reader) remove(path string) {
	if err := r.fs.Remove(path); err != nil {
		r.log.Warn("remove batch file failed", zap.String("file", path), zap.Error(err))
	}
}

// bboxCenter returns the fractional center of a box. Pixel-space boxes are
// normalized by the image dimensions; dimensionless batches pass through.
func bboxCenter(bbox [4]float64, width, height float64) (float64, float64) {
	cx := (bbox[0] + bbox[2]) / 2
	cy := (bbox[1] + bbox[3]) / 2
	if width > 0 {
		cx /= width
	}
	if height > 0 {
		cy /= height
	}
	return cx, cy
}
