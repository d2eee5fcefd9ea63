package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNewManagerRejectsBadLevel(t *testing.T) {
	if _, err := NewManager(Options{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestComponentWritesStructuredLines(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{Level: "info", Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	logger := WithCorrelation(m.Component("radar"), "ab12cd34")
	logger.Info("sample published", BusinessEvent(EventRadarSample))
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "radar.log"))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(data, &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, data)
	}
	for key, want := range map[string]string{
		FieldService:       "radar",
		FieldCorrelationID: "ab12cd34",
		FieldBusinessEvent: EventRadarSample,
		"message":          "sample published",
	} {
		if line[key] != want {
			t.Errorf("line[%q] = %v, expected %q", key, line[key], want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

func TestComponentLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{Level: "warn", Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	logger := m.Component("camera")
	logger.Debug("dropped frame detail")
	logger.Info("batch processed")
	_ = logger.Sync()

	if _, err := os.Stat(filepath.Join(dir, "camera.log")); err == nil {
		data, _ := os.ReadFile(filepath.Join(dir, "camera.log"))
		if len(data) != 0 {
			t.Errorf("expected no output below warn level, got %q", data)
		}
	}
}
