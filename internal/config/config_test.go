package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/beacon-radar/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Throne.ScanServiceUUID != ble.ThroneScanServiceUUID {
		t.Errorf("Throne.ScanServiceUUID = %q, want %q", cfg.Throne.ScanServiceUUID, ble.ThroneScanServiceUUID)
	}
	if cfg.Throne.ScanTimeout != 5*time.Second {
		t.Errorf("Throne.ScanTimeout = %v, want 5s", cfg.Throne.ScanTimeout)
	}
	if cfg.Throne.ConnectionTimeout != 10*time.Second {
		t.Errorf("Throne.ConnectionTimeout = %v, want 10s", cfg.Throne.ConnectionTimeout)
	}
	if cfg.Proximity.MaxDistance != 4.0 {
		t.Errorf("Proximity.MaxDistance = %v, want 4", cfg.Proximity.MaxDistance)
	}
	if cfg.Proximity.StaleAfter != 10*time.Second {
		t.Errorf("Proximity.StaleAfter = %v, want 10s", cfg.Proximity.StaleAfter)
	}
	if cfg.Ranging.ScanPeriod != 1100*time.Millisecond {
		t.Errorf("Ranging.ScanPeriod = %v, want 1.1s", cfg.Ranging.ScanPeriod)
	}
	if cfg.Ranging.BetweenScanPeriod != 0 {
		t.Errorf("Ranging.BetweenScanPeriod = %v, want 0", cfg.Ranging.BetweenScanPeriod)
	}
	if !strings.HasSuffix(cfg.Store.Path, filepath.Join("beacon-radar", "settings.db")) {
		t.Errorf("Store.Path = %q, want .../beacon-radar/settings.db", cfg.Store.Path)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("Metrics.Listen = %q, want empty", cfg.Metrics.Listen)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
throne:
  scan_timeout: 3s
  connection_timeout: 8s
proximity:
  region_uuid: E2C56DB5-DFFB-48D2-B060-D0F5A71096E0
  max_distance: 2.5
  notify_interval: 1m
  launch_command: ["open", "-a", "Throne"]
ranging:
  scan_period: 500ms
  between_scan_period: 2s
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 1
metrics:
  listen: ":9102"
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Throne.ScanTimeout != 3*time.Second {
		t.Errorf("Throne.ScanTimeout = %v, want 3s", cfg.Throne.ScanTimeout)
	}
	if cfg.Throne.ServiceUUID != ble.ThroneServiceUUID {
		t.Errorf("Throne.ServiceUUID = %q, want default %q", cfg.Throne.ServiceUUID, ble.ThroneServiceUUID)
	}
	if cfg.Proximity.MaxDistance != 2.5 {
		t.Errorf("Proximity.MaxDistance = %v, want 2.5", cfg.Proximity.MaxDistance)
	}
	if cfg.Proximity.NotifyInterval != time.Minute {
		t.Errorf("Proximity.NotifyInterval = %v, want 1m", cfg.Proximity.NotifyInterval)
	}
	if len(cfg.Proximity.LaunchCommand) != 3 || cfg.Proximity.LaunchCommand[2] != "Throne" {
		t.Errorf("Proximity.LaunchCommand = %v, want [open -a Throne]", cfg.Proximity.LaunchCommand)
	}
	if cfg.Proximity.StaleAfter != 10*time.Second {
		t.Errorf("Proximity.StaleAfter = %v, want default 10s", cfg.Proximity.StaleAfter)
	}
	if cfg.Ranging.ScanPeriod != 500*time.Millisecond {
		t.Errorf("Ranging.ScanPeriod = %v, want 500ms", cfg.Ranging.ScanPeriod)
	}
	if cfg.Ranging.BetweenScanPeriod != 2*time.Second {
		t.Errorf("Ranging.BetweenScanPeriod = %v, want 2s", cfg.Ranging.BetweenScanPeriod)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v, want enabled tcp://broker:1883 qos 1", cfg.MQTT)
	}
	if cfg.MQTT.TopicPrefix != "beaconradar" {
		t.Errorf("MQTT.TopicPrefix = %q, want default", cfg.MQTT.TopicPrefix)
	}
	if cfg.Metrics.Listen != ":9102" {
		t.Errorf("Metrics.Listen = %q, want %q", cfg.Metrics.Listen, ":9102")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
store:
  path: ~/radar/settings.db
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "radar/settings.db")
	if cfg.Store.Path != expected {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("throne:\n  scan_timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail for an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "empty service uuid",
			modify:  func(c *Config) { c.Throne.ServiceUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Throne.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero connection timeout",
			modify:  func(c *Config) { c.Throne.ConnectionTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero max distance",
			modify:  func(c *Config) { c.Proximity.MaxDistance = 0 },
			wantErr: true,
		},
		{
			name:    "zero stale after",
			modify:  func(c *Config) { c.Proximity.StaleAfter = 0 },
			wantErr: true,
		},
		{
			name:    "zero notify interval disables rate limiting",
			modify:  func(c *Config) { c.Proximity.NotifyInterval = 0 },
			wantErr: false,
		},
		{
			name:    "negative notify interval",
			modify:  func(c *Config) { c.Proximity.NotifyInterval = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero scan period",
			modify:  func(c *Config) { c.Ranging.ScanPeriod = 0 },
			wantErr: true,
		},
		{
			name:    "negative between scan period",
			modify:  func(c *Config) { c.Ranging.BackgroundBetweenScanPeriod = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero exit period",
			modify:  func(c *Config) { c.Ranging.ExitPeriod = 0 },
			wantErr: true,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "mqtt enabled without broker",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" },
			wantErr: true,
		},
		{
			name:    "mqtt bad qos",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "mqtt disabled ignores broker",
			modify:  func(c *Config) { c.MQTT.Broker = "" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "beacon-radar", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# beacon-radar") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	if cfg.Proximity.MaxDistance != 4.0 {
		t.Errorf("written config Proximity.MaxDistance = %v, want 4", cfg.Proximity.MaxDistance)
	}
	if cfg.Ranging.ScanPeriod != 1100*time.Millisecond {
		t.Errorf("written config Ranging.ScanPeriod = %v, want 1.1s", cfg.Ranging.ScanPeriod)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "beacon-radar")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
