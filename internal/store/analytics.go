package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Analytics windows by period name.
var periodWindows = map[string]time.Duration{
	"day":   24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
}

// AnalyticsReport aggregates the detections inside one period window.
type AnalyticsReport struct {
	Period         string  `json:"period"`
	Count          int64   `json:"count"`
	MeanSpeedMPH   float64 `json:"mean_speed_mph"`
	MinSpeedMPH    float64 `json:"min_speed_mph"`
	MaxSpeedMPH    float64 `json:"max_speed_mph"`
	P50SpeedMPH    float64 `json:"p50_speed_mph"`
	P85SpeedMPH    float64 `json:"p85_speed_mph"`
	P98SpeedMPH    float64 `json:"p98_speed_mph"`
	OverLimitCount int64   `json:"over_limit_count"`
	SpeedLimitMPH  float64 `json:"speed_limit_mph"`

	HourlyDistribution  map[string]int64 `json:"hourly_distribution"`
	VehicleDistribution map[string]int64 `json:"vehicle_distribution"`
}

// Analytics computes aggregate statistics over the period ("day", "week",
// "month"). The p85 is the figure traffic engineers size interventions by.
func (s *Store) Analytics(ctx context.Context, period string, speedLimitMPH float64) (*AnalyticsReport, error) {
	window, ok := periodWindows[period]
	if !ok {
		return nil, fmt.Errorf("unknown analytics period %q", period)
	}
	cutoff := float64(time.Now().UnixNano())/1e9 - window.Seconds()

	report := &AnalyticsReport{
		Period:              period,
		SpeedLimitMPH:       speedLimitMPH,
		HourlyDistribution:  make(map[string]int64),
		VehicleDistribution: make(map[string]int64),
	}

	speeds, err := s.speedsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.Count = int64(len(speeds))
	if len(speeds) > 0 {
		sort.Float64s(speeds)
		report.MeanSpeedMPH = stat.Mean(speeds, nil)
		report.MinSpeedMPH = floats.Min(speeds)
		report.MaxSpeedMPH = floats.Max(speeds)
		report.P50SpeedMPH = stat.Quantile(0.50, stat.Empirical, speeds, nil)
		report.P85SpeedMPH = stat.Quantile(0.85, stat.Empirical, speeds, nil)
		report.P98SpeedMPH = stat.Quantile(0.98, stat.Empirical, speeds, nil)
		for _, v := range speeds {
			if v > speedLimitMPH {
				report.OverLimitCount++
			}
		}
	}

	if err := s.fillHourly(ctx, cutoff, report.HourlyDistribution); err != nil {
		return nil, err
	}
	if err := s.fillVehicles(ctx, cutoff, report.VehicleDistribution); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Store) speedsSince(ctx context.Context, cutoff float64) ([]float64, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT r.speed_mph
		FROM traffic_detections t
		JOIN radar_detections r ON r.detection_id = t.id
		WHERE t.timestamp >= ? AND r.speed_mph IS NOT NULL`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var speeds []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		speeds = append(speeds, v)
	}
	return speeds, rows.Err()
}

func (s *Store) fillHourly(ctx context.Context, cutoff float64, dist map[string]int64) error {
	rows, err := s.QueryContext(ctx, `
		SELECT strftime('%H', timestamp, 'unixepoch'), COUNT(*)
		FROM traffic_detections
		WHERE timestamp >= ?
		GROUP BY 1`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var hour string
		var n int64
		if err := rows.Scan(&hour, &n); err != nil {
			return err
		}
		dist[hour] = n
	}
	return rows.Err()
}

func (s *Store) fillVehicles(ctx context.Context, cutoff float64, dist map[string]int64) error {
	rows, err := s.QueryContext(ctx, `
		SELECT c.vehicle_types, COUNT(*)
		FROM traffic_detections t
		JOIN camera_detections c ON c.detection_id = t.id
		WHERE t.timestamp >= ? AND c.vehicle_types IS NOT NULL
		GROUP BY c.vehicle_types`, cutoff)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var vt string
		var n int64
		if err := rows.Scan(&vt, &n); err != nil {
			return err
		}
		dist[vt] = n
	}
	return rows.Err()
}
