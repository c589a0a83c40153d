// Package config loads daemon and relay configuration from YAML with
// environment overrides. Unset fields keep their defaults; the merge is
// field-by-field so a partial file never zeroes the rest.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the veild daemon configuration.
type Config struct {
	DataDir string      `yaml:"dataDir"`
	Log     LogConfig   `yaml:"log"`
	Relay   RelayConfig `yaml:"relay"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// RelayConfig controls the relay client and its background traffic.
type RelayConfig struct {
	BaseURL       string        `yaml:"baseUrl"`
	Retries       int           `yaml:"retries"`
	FetchInterval time.Duration `yaml:"fetchInterval"`
	ChaffInterval time.Duration `yaml:"chaffInterval"`
	DecoyFetches  *bool         `yaml:"decoyFetches"`
}

// ServerConfig is the veil-relayd configuration.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	StorePath     string        `yaml:"storePath"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	RateRPS       float64       `yaml:"rateRps"`
	RateBurst     int           `yaml:"rateBurst"`
	Log           LogConfig     `yaml:"log"`
}

// Default returns the daemon defaults.
func Default() Config {
	return Config{
		DataDir: "data",
		Log:     LogConfig{Level: "info"},
		Relay: RelayConfig{
			BaseURL:       "http://127.0.0.1:8980",
			Retries:       3,
			FetchInterval: time.Minute,
			ChaffInterval: 15 * time.Minute,
		},
	}
}

// DefaultServer returns the relay server defaults.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Listen:        "127.0.0.1:8980",
		StorePath:     "relay-queue.db",
		SweepInterval: time.Hour,
		RateRPS:       5,
		RateBurst:     20,
		Log:           LogConfig{Level: "info"},
	}
}

// Load reads the daemon config. With an empty path the usual candidate
// locations are tried; a missing or unreadable file falls back to
// defaults plus environment overrides.
func Load(path string) Config {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"configs/veild.yaml", "veild.yaml"}
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}
	applyEnvOverrides(&cfg)
	return cfg
}

// LoadServer reads the relay server config with the same fallback rules.
func LoadServer(path string) ServerConfig {
	cfg := DefaultServer()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"configs/veil-relayd.yaml", "veil-relayd.yaml"}
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed ServerConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		mergeServer(&cfg, parsed)
		break
	}
	applyServerEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Relay.BaseURL != "" {
		dst.Relay.BaseURL = src.Relay.BaseURL
	}
	if src.Relay.Retries != 0 {
		dst.Relay.Retries = src.Relay.Retries
	}
	if src.Relay.FetchInterval != 0 {
		dst.Relay.FetchInterval = src.Relay.FetchInterval
	}
	if src.Relay.ChaffInterval != 0 {
		dst.Relay.ChaffInterval = src.Relay.ChaffInterval
	}
	if src.Relay.DecoyFetches != nil {
		dst.Relay.DecoyFetches = src.Relay.DecoyFetches
	}
}

func mergeServer(dst *ServerConfig, src ServerConfig) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.StorePath != "" {
		dst.StorePath = src.StorePath
	}
	if src.SweepInterval != 0 {
		dst.SweepInterval = src.SweepInterval
	}
	if src.RateRPS != 0 {
		dst.RateRPS = src.RateRPS
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("VEIL_RELAY_URL")); v != "" {
		cfg.Relay.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VEIL_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("VEIL_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if raw := strings.TrimSpace(os.Getenv("VEIL_DECOY_FETCHES")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Relay.DecoyFetches = &v
		}
	}
}

func applyServerEnvOverrides(cfg *ServerConfig) {
	if v := strings.TrimSpace(os.Getenv("VEIL_RELAY_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("VEIL_RELAY_STORE")); v != "" {
		cfg.StorePath = v
	}
	if v := strings.TrimSpace(os.Getenv("VEIL_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

// DecoysEnabled resolves the tri-state decoy flag; decoys default on.
func (c RelayConfig) DecoysEnabled() bool {
	if c.DecoyFetches == nil {
		return true
	}
	return *c.DecoyFetches
}
