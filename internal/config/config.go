// Package config loads the pipeline configuration from environment
// variables. Invalid values are a fatal startup condition: the process must
// exit with code 1 rather than run with a half-applied configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Getenv matches os.Getenv so tests can inject an environment.
type Getenv func(string) string

// ROI is the camera region of interest as fractions of the frame.
type ROI struct {
	XStart, XEnd, YStart, YEnd float64
}

// Contains reports whether the fractional point (x, y) falls inside the ROI.
func (r ROI) Contains(x, y float64) bool {
	return x >= r.XStart && x <= r.XEnd && y >= r.YStart && y <= r.YEnd
}

// Config is the typed pipeline configuration. All durations are parsed from
// seconds unless the variable name says otherwise.
type Config struct {
	// Broker
	BrokerAddr      string        // TW_BROKER_ADDR, host:port; empty selects the in-process broker
	BrokerOpTimeout time.Duration // fixed, 5s

	// Store
	StorePath        string // TW_STORE_PATH
	DurableQueuePath string // TW_DURABLE_QUEUE_PATH, defaults next to the store

	// Radar serial
	SerialPort      string  // TW_SERIAL_PORT
	SerialBaud      int     // TW_SERIAL_BAUD, 19200 or 9600 depending on device variant
	DefaultUnit     string  // TW_RADAR_UNIT, unit assumed for unit-less frames
	MotionThreshold float64 // TW_MOTION_THRESHOLD_MPH
	LowThreshold    float64 // TW_SPEED_LOW_MPH
	HighThreshold   float64 // TW_SPEED_HIGH_MPH

	// Camera
	CameraDropDir   string // TW_CAMERA_DROP_DIR
	CameraROI       ROI    // TW_ROI (x_start,x_end,y_start,y_end)
	CameraStaleness time.Duration

	// Weather
	LocalWeatherDevice     string        // TW_DHT22_DEVICE, sysfs IIO device directory
	LocalWeatherInterval   time.Duration // TW_DHT22_INTERVAL_S
	RemoteWeatherURL       string        // TW_WEATHER_URL
	RemoteWeatherInterval  time.Duration // TW_WEATHER_INTERVAL_S
	LocalWeatherStaleness  time.Duration
	RemoteWeatherStaleness time.Duration

	// API
	Listen         string   // TW_LISTEN, bind address
	AllowedOrigins []string // TW_ALLOWED_ORIGINS, comma separated

	// Maintenance
	CaptureDir  string        // TW_CAPTURE_DIR
	PruneAge    time.Duration // TW_PRUNE_AGE_H
	DiskFreePct float64       // TW_DISK_FREE_PCT, emergency threshold
	LogDir      string        // TW_LOG_DIR
	LogLevel    string        // TW_LOG_LEVEL

	// Persister
	BatchSize     int           // TW_BATCH_SIZE
	BatchInterval time.Duration // TW_BATCH_INTERVAL_S

	// Shutdown
	DrainDeadline time.Duration
}

// Load reads the environment and applies defaults, then validates.
func Load(getenv Getenv) (*Config, error) {
	cfg := &Config{
		BrokerAddr:      getenv("TW_BROKER_ADDR"),
		BrokerOpTimeout: 5 * time.Second,

		StorePath:        stringOr(getenv, "TW_STORE_PATH", "/mnt/storage/data/trafficwatch.db"),
		DurableQueuePath: getenv("TW_DURABLE_QUEUE_PATH"),

		SerialPort:  stringOr(getenv, "TW_SERIAL_PORT", "/dev/ttyACM0"),
		DefaultUnit: stringOr(getenv, "TW_RADAR_UNIT", "mph"),

		CameraDropDir:   stringOr(getenv, "TW_CAMERA_DROP_DIR", "/mnt/storage/camera/detections"),
		CameraStaleness: 2 * time.Second,

		LocalWeatherDevice: stringOr(getenv, "TW_DHT22_DEVICE", "/sys/bus/iio/devices/iio:device0"),
		RemoteWeatherURL:   getenv("TW_WEATHER_URL"),

		LocalWeatherStaleness:  15 * time.Minute,
		RemoteWeatherStaleness: 60 * time.Minute,

		Listen: stringOr(getenv, "TW_LISTEN", ":8080"),

		CaptureDir:  stringOr(getenv, "TW_CAPTURE_DIR", "/mnt/storage/camera/captures"),
		LogDir:      stringOr(getenv, "TW_LOG_DIR", "/mnt/storage/logs"),
		LogLevel:    stringOr(getenv, "TW_LOG_LEVEL", "info"),

		DrainDeadline: 10 * time.Second,
	}

	var err error
	if cfg.SerialBaud, err = intOr(getenv, "TW_SERIAL_BAUD", 19200); err != nil {
		return nil, err
	}
	if cfg.MotionThreshold, err = floatOr(getenv, "TW_MOTION_THRESHOLD_MPH", 2.0); err != nil {
		return nil, err
	}
	if cfg.LowThreshold, err = floatOr(getenv, "TW_SPEED_LOW_MPH", 15.0); err != nil {
		return nil, err
	}
	if cfg.HighThreshold, err = floatOr(getenv, "TW_SPEED_HIGH_MPH", 45.0); err != nil {
		return nil, err
	}
	if cfg.LocalWeatherInterval, err = secondsOr(getenv, "TW_DHT22_INTERVAL_S", 300); err != nil {
		return nil, err
	}
	if cfg.RemoteWeatherInterval, err = secondsOr(getenv, "TW_WEATHER_INTERVAL_S", 300); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = intOr(getenv, "TW_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.BatchInterval, err = secondsOr(getenv, "TW_BATCH_INTERVAL_S", 5); err != nil {
		return nil, err
	}
	pruneHours, err := intOr(getenv, "TW_PRUNE_AGE_H", 24)
	if err != nil {
		return nil, err
	}
	cfg.PruneAge = time.Duration(pruneHours) * time.Hour
	if cfg.DiskFreePct, err = floatOr(getenv, "TW_DISK_FREE_PCT", 10.0); err != nil {
		return nil, err
	}

	if cfg.CameraROI, err = parseROI(stringOr(getenv, "TW_ROI", "0.1,0.9,0.2,0.9")); err != nil {
		return nil, err
	}

	if origins := getenv("TW_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.DurableQueuePath == "" {
		cfg.DurableQueuePath = cfg.StorePath + ".queue"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SerialBaud != 19200 && c.SerialBaud != 9600 {
		return fmt.Errorf("config: TW_SERIAL_BAUD must be 19200 or 9600, got %d", c.SerialBaud)
	}
	if c.LowThreshold <= 0 || c.HighThreshold <= c.LowThreshold {
		return fmt.Errorf("config: speed thresholds must satisfy 0 < low < high, got low=%v high=%v",
			c.LowThreshold, c.HighThreshold)
	}
	if c.MotionThreshold < 0 {
		return fmt.Errorf("config: TW_MOTION_THRESHOLD_MPH must not be negative")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: TW_BATCH_SIZE must be at least 1")
	}
	if c.DiskFreePct <= 0 || c.DiskFreePct >= 100 {
		return fmt.Errorf("config: TW_DISK_FREE_PCT must be between 0 and 100 exclusive")
	}
	if c.Listen == "" {
		return fmt.Errorf("config: TW_LISTEN must not be empty")
	}
	return nil
}

func parseROI(s string) (ROI, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return ROI{}, fmt.Errorf("config: TW_ROI needs 4 comma-separated fractions, got %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return ROI{}, fmt.Errorf("config: TW_ROI component %d: %w", i, err)
		}
		if v < 0 || v > 1 {
			return ROI{}, fmt.Errorf("config: TW_ROI fractions must be within [0,1], got %v", v)
		}
		vals[i] = v
	}
	roi := ROI{XStart: vals[0], XEnd: vals[1], YStart: vals[2], YEnd: vals[3]}
	if roi.XStart >= roi.XEnd || roi.YStart >= roi.YEnd {
		return ROI{}, fmt.Errorf("config: TW_ROI start fractions must be below end fractions")
	}
	return roi, nil
}

func stringOr(getenv Getenv, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(getenv Getenv, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func floatOr(getenv Getenv, key string, fallback float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func secondsOr(getenv Getenv, key string, fallback int) (time.Duration, error) {
	n, err := intOr(getenv, key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive number of seconds", key)
	}
	return time.Duration(n) * time.Second, nil
}
