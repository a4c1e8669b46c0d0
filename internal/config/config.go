// Package config loads and saves arcnetd's TOML configuration:
// DefaultConfig/LoadConfig/SaveConfig, an env-var home-directory
// override, and defaults resolved at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all arcnetd configuration.
type Config struct {
	Node          NodeConfig          `toml:"node"`
	Transport     TransportConfig     `toml:"transport"`
	RegionalState RegionalStateConfig `toml:"regional_state"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Bridge        BridgeConfig        `toml:"bridge"`
	Aggregator    AggregatorConfig    `toml:"aggregator"`
	Logging       LoggingConfig       `toml:"logging"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
}

// NodeConfig identifies this control-plane process.
type NodeConfig struct {
	ID      string `toml:"id"`
	Geozone string `toml:"geozone"`
}

// TransportConfig points at the log bus.
type TransportConfig struct {
	RedisAddr string `toml:"redis_addr"`
}

// RegionalStateConfig controls the bitemporal store.
type RegionalStateConfig struct {
	DataDir string `toml:"data_dir"`
}

// SchedulerConfig controls scheduling policy — ranking weights are
// surfaced as configuration rather than hardcoded, since the right mix
// is an operational tuning question, not a constant.
type SchedulerConfig struct {
	MinBattery         float64 `toml:"min_battery"`
	MaxReserveAttempts int     `toml:"max_reserve_attempts"`
	ReservationTTLSecs int     `toml:"reservation_ttl_secs"`
	GeozoneWeight      float64 `toml:"geozone_weight"`
	EnergySourceWeight float64 `toml:"energy_source_weight"`
	GPUUtilWeight      float64 `toml:"gpu_utilization_weight"`
	BatteryWeight      float64 `toml:"battery_level_weight"`
}

// BridgeConfig controls the HPC/federated training bridge: job
// classification and the ORNL transfer API client.
type BridgeConfig struct {
	DestEndpoint       string `toml:"dest_endpoint"`
	ExtendedClassifier bool   `toml:"extended_classifier"`
	TransferAPIBaseURL string `toml:"transfer_api_base_url"`
	TokenURL           string `toml:"token_url"`
	ClientID           string `toml:"client_id"`
	ClientSecret       string `toml:"client_secret"`
}

// AggregatorConfig controls the regional-summary aggregator's tick
// interval.
type AggregatorConfig struct {
	IntervalSecs int `toml:"interval_secs"`
}

// LoggingConfig controls zap's verbosity.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// DefaultConfig returns sensible defaults for a single-node deployment.
func DefaultConfig() Config {
	homeDir := ArcNetHome()
	return Config{
		Node: NodeConfig{Geozone: "auto"},
		Transport: TransportConfig{
			RedisAddr: "127.0.0.1:6379",
		},
		RegionalState: RegionalStateConfig{
			DataDir: filepath.Join(homeDir, "regionalstate"),
		},
		Scheduler: SchedulerConfig{
			MinBattery:         0.15,
			MaxReserveAttempts: 10,
			ReservationTTLSecs: 120,
			GeozoneWeight:      0.55,
			EnergySourceWeight: 0.20,
			GPUUtilWeight:      0.15,
			BatteryWeight:      0.10,
		},
		Bridge: BridgeConfig{
			DestEndpoint:       "ornl-dtn://ingest",
			ExtendedClassifier: false,
			TransferAPIBaseURL: "https://transfer.ornl.example",
			TokenURL:           "https://auth.ornl.example/oauth2/token",
		},
		Aggregator: AggregatorConfig{IntervalSecs: 10},
		Logging:    LoggingConfig{Level: "info"},
		Telemetry:  TelemetryConfig{Enabled: true, Port: 9090},
	}
}

// LoadConfig reads config from $ARCNET_HOME/config.toml, falling back to
// defaults when no file exists yet.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(ArcNetHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to $ARCNET_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(ArcNetHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ArcNetHome returns the data directory, honoring the ARCNET_HOME
// override.
func ArcNetHome() string {
	if env := os.Getenv("ARCNET_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".arcnet")
}
