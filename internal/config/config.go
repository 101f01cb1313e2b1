package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/beacon-radar/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Throne    ThroneConfig    `yaml:"throne"`
	Proximity ProximityConfig `yaml:"proximity"`
	Ranging   RangingConfig   `yaml:"ranging"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ThroneConfig holds the fast-connect target settings.
type ThroneConfig struct {
	ScanServiceUUID   string        `yaml:"scan_service_uuid"`
	ServiceUUID       string        `yaml:"service_uuid"`
	DeviceID          string        `yaml:"device_id"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ProximityConfig holds the proximity engine settings.
type ProximityConfig struct {
	RegionUUID     string        `yaml:"region_uuid"` // empty means all beacons
	MaxDistance    float64       `yaml:"max_distance"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	NotifyInterval time.Duration `yaml:"notify_interval"` // 0 disables rate limiting
	LaunchCommand  []string      `yaml:"launch_command"`  // run before each alert, optional
}

// RangingConfig holds the scan cycle timings.
type RangingConfig struct {
	ScanPeriod                  time.Duration `yaml:"scan_period"`
	BetweenScanPeriod           time.Duration `yaml:"between_scan_period"`
	BackgroundScanPeriod        time.Duration `yaml:"background_scan_period"`
	BackgroundBetweenScanPeriod time.Duration `yaml:"background_between_scan_period"`
	ExitPeriod                  time.Duration `yaml:"exit_period"`
}

// StoreConfig holds the settings database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig holds the optional event bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retries     int    `yaml:"retries"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9102", empty disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "beacon-radar")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "beacon-radar", "settings.db")

	return &Config{
		LogLevel: "info",
		Throne: ThroneConfig{
			ScanServiceUUID:   ble.ThroneScanServiceUUID,
			ServiceUUID:       ble.ThroneServiceUUID,
			DeviceID:          ble.ThroneDeviceID,
			ScanTimeout:       5 * time.Second,
			ConnectionTimeout: 10 * time.Second,
		},
		Proximity: ProximityConfig{
			MaxDistance:    4.0,
			StaleAfter:     10 * time.Second,
			NotifyInterval: 30 * time.Second,
		},
		Ranging: RangingConfig{
			ScanPeriod:                  1100 * time.Millisecond,
			BetweenScanPeriod:           0,
			BackgroundScanPeriod:        1100 * time.Millisecond,
			BackgroundBetweenScanPeriod: 0,
			ExitPeriod:                  10 * time.Second,
		},
		Store: StoreConfig{
			Path: storePath,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "beacon-radar",
			TopicPrefix: "beaconradar",
			QoS:         0,
			Retries:     5,

			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Throne.ScanServiceUUID == "" || c.Throne.ServiceUUID == "" {
		return errors.New("throne.scan_service_uuid and throne.service_uuid must not be empty")
	}
	if c.Throne.ScanTimeout <= 0 {
		return errors.New("throne.scan_timeout must be > 0")
	}
	if c.Throne.ConnectionTimeout <= 0 {
		return errors.New("throne.connection_timeout must be > 0")
	}

	if c.Proximity.MaxDistance <= 0 {
		return fmt.Errorf("proximity.max_distance must be > 0, got %g", c.Proximity.MaxDistance)
	}
	if c.Proximity.StaleAfter <= 0 {
		return errors.New("proximity.stale_after must be > 0")
	}
	if c.Proximity.NotifyInterval < 0 {
		return errors.New("proximity.notify_interval must be >= 0")
	}

	if c.Ranging.ScanPeriod <= 0 || c.Ranging.BackgroundScanPeriod <= 0 {
		return errors.New("ranging.scan_period and ranging.background_scan_period must be > 0")
	}
	if c.Ranging.BetweenScanPeriod < 0 || c.Ranging.BackgroundBetweenScanPeriod < 0 {
		return errors.New("ranging between-scan periods must be >= 0")
	}
	if c.Ranging.ExitPeriod <= 0 {
		return errors.New("ranging.exit_period must be > 0")
	}

	if c.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt.enabled is true")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// default to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# beacon-radar configuration
# Durations use Go syntax (1100ms, 10s, 1m).
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
