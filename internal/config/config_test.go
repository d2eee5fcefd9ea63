package config

import (
	"strings"
	"testing"
	"time"
)

func env(pairs map[string]string) Getenv {
	return func(key string) string { return pairs[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(env(nil))
	if err != nil {
		t.Fatalf("Load with empty environment failed: %v", err)
	}

	if cfg.SerialBaud != 19200 {
		t.Errorf("SerialBaud = %d, expected 19200", cfg.SerialBaud)
	}
	if cfg.MotionThreshold != 2.0 {
		t.Errorf("MotionThreshold = %v, expected 2.0", cfg.MotionThreshold)
	}
	if cfg.LowThreshold != 15.0 || cfg.HighThreshold != 45.0 {
		t.Errorf("thresholds = %v/%v, expected 15/45", cfg.LowThreshold, cfg.HighThreshold)
	}
	if cfg.BatchSize != 100 || cfg.BatchInterval != 5*time.Second {
		t.Errorf("batch = %d/%v, expected 100/5s", cfg.BatchSize, cfg.BatchInterval)
	}
	if cfg.DurableQueuePath != cfg.StorePath+".queue" {
		t.Errorf("DurableQueuePath = %q", cfg.DurableQueuePath)
	}
	if cfg.PruneAge != 24*time.Hour {
		t.Errorf("PruneAge = %v", cfg.PruneAge)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(env(map[string]string{
		"TW_SERIAL_BAUD":     "9600",
		"TW_SPEED_LOW_MPH":   "20",
		"TW_SPEED_HIGH_MPH":  "55",
		"TW_ALLOWED_ORIGINS": "https://dash.example.com, https://ops.example.com",
		"TW_ROI":             "0,1,0,1",
	}))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SerialBaud != 9600 {
		t.Errorf("SerialBaud = %d", cfg.SerialBaud)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://ops.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.CameraROI.Contains(0.01, 0.99) {
		t.Error("full-frame ROI should contain corner points")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantErr string
	}{
		{"bad baud", map[string]string{"TW_SERIAL_BAUD": "1200"}, "TW_SERIAL_BAUD"},
		{"unparseable baud", map[string]string{"TW_SERIAL_BAUD": "fast"}, "TW_SERIAL_BAUD"},
		{"inverted thresholds", map[string]string{"TW_SPEED_LOW_MPH": "50", "TW_SPEED_HIGH_MPH": "40"}, "thresholds"},
		{"negative motion gate", map[string]string{"TW_MOTION_THRESHOLD_MPH": "-1"}, "TW_MOTION_THRESHOLD_MPH"},
		{"roi too few parts", map[string]string{"TW_ROI": "0.1,0.9"}, "TW_ROI"},
		{"roi out of range", map[string]string{"TW_ROI": "0.1,1.4,0.2,0.9"}, "TW_ROI"},
		{"roi inverted", map[string]string{"TW_ROI": "0.9,0.1,0.2,0.9"}, "TW_ROI"},
		{"zero interval", map[string]string{"TW_WEATHER_INTERVAL_S": "0"}, "TW_WEATHER_INTERVAL_S"},
		{"bad disk pct", map[string]string{"TW_DISK_FREE_PCT": "250"}, "TW_DISK_FREE_PCT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(env(tt.vars))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestROIContains(t *testing.T) {
	roi := ROI{XStart: 0.1, XEnd: 0.9, YStart: 0.2, YEnd: 0.8}

	tests := []struct {
		x, y     float64
		expected bool
	}{
		{0.5, 0.5, true},
		{0.1, 0.2, true}, // boundary inclusive
		{0.9, 0.8, true},
		{0.05, 0.5, false},
		{0.5, 0.9, false},
	}

	for _, tt := range tests {
		if got := roi.Contains(tt.x, tt.y); got != tt.expected {
			t.Errorf("Contains(%v, %v) = %v, expected %v", tt.x, tt.y, got, tt.expected)
		}
	}
}
