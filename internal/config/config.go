// ABOUTME: YAML configuration for the chorale server
// ABOUTME: A missing file yields defaults; a broken file is an error
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Transcode  TranscodeConfig  `yaml:"transcode"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
}

// ServerConfig holds identity and discovery settings.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	Discovery bool   `yaml:"discovery"`
	LogFile   string `yaml:"log_file,omitempty"`
}

// PlaybackConfig shapes the flow stream.
type PlaybackConfig struct {
	CrossfadeMs      int    `yaml:"crossfade_ms"`
	GainCurve        string `yaml:"gain_curve"` // linear or equal_power
	MaxSkips         int    `yaml:"max_skips"`
	DriftThresholdMs int    `yaml:"drift_threshold_ms"`
}

// Crossfade returns the crossfade window as a duration.
func (p PlaybackConfig) Crossfade() time.Duration {
	return time.Duration(p.CrossfadeMs) * time.Millisecond
}

// DriftThreshold returns the group drift bound as a duration.
func (p PlaybackConfig) DriftThreshold() time.Duration {
	return time.Duration(p.DriftThresholdMs) * time.Millisecond
}

// ReconnectConfig shapes the link supervisor's retry schedule.
type ReconnectConfig struct {
	BaseMs     int     `yaml:"base_ms"`
	Multiplier float64 `yaml:"multiplier"`
	CapMs      int     `yaml:"cap_ms"`
	Jitter     float64 `yaml:"jitter"`
}

// EnrichmentConfig sizes the metadata queue.
type EnrichmentConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// TranscodeConfig bounds the decode pipelines.
type TranscodeConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// SnapshotConfig locates queue persistence.
type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:      "Chorale",
			Port:      8927,
			Discovery: true,
		},
		Playback: PlaybackConfig{
			CrossfadeMs:      0,
			GainCurve:        "equal_power",
			MaxSkips:         3,
			DriftThresholdMs: 100,
		},
		Reconnect: ReconnectConfig{
			BaseMs:     1000,
			Multiplier: 2,
			CapMs:      60000,
			Jitter:     0.2,
		},
		Enrichment: EnrichmentConfig{
			QueueSize: 256,
			Workers:   2,
		},
		Transcode: TranscodeConfig{
			MaxConcurrent: 4,
		},
		Snapshot: SnapshotConfig{
			Path: "chorale.db",
		},
	}
}

// LoadConfig reads configuration from path. A missing file falls back
// to defaults so a fresh install runs without any setup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes configuration to path.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Playback.GainCurve != "linear" && c.Playback.GainCurve != "equal_power" {
		return fmt.Errorf("invalid gain_curve %q", c.Playback.GainCurve)
	}
	if c.Playback.CrossfadeMs < 0 {
		return fmt.Errorf("crossfade_ms must not be negative")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be at least 1")
	}
	if c.Enrichment.QueueSize <= 0 || c.Enrichment.Workers <= 0 {
		return fmt.Errorf("enrichment queue_size and workers must be positive")
	}
	return nil
}
