// Package config holds the typed configuration of the extraction engine.
package config

import (
	"fmt"
	"os"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/constants"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Log     logger.Config `mapstructure:"log" yaml:"log"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Limits  LimitsConfig  `mapstructure:"limits" yaml:"limits"`
	VNC     VNCConfig     `mapstructure:"vnc" yaml:"vnc"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	// IntelFile is an optional YAML file with JA3 and certificate labels.
	IntelFile   string `mapstructure:"intel_file" yaml:"intel_file"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// CaptureConfig controls the capture engine.
type CaptureConfig struct {
	SessionCapacity int `mapstructure:"session_capacity" yaml:"session_capacity"`
	MaxPendingBytes int `mapstructure:"max_pending_bytes" yaml:"max_pending_bytes"`
}

// LimitsConfig bounds handler state.
type LimitsConfig struct {
	HandlerStateCapacity int   `mapstructure:"handler_state_capacity" yaml:"handler_state_capacity"`
	AssemblerCapacity    int   `mapstructure:"assembler_capacity" yaml:"assembler_capacity"`
	RequestCacheCapacity int   `mapstructure:"request_cache_capacity" yaml:"request_cache_capacity"`
	MaxArtifactSize      int64 `mapstructure:"max_artifact_size" yaml:"max_artifact_size"`
	MaxCredentials       int   `mapstructure:"max_credentials" yaml:"max_credentials"`
}

// VNCConfig controls screenshot rendering.
type VNCConfig struct {
	MaxFPS         float64 `mapstructure:"max_fps" yaml:"max_fps"`
	PixelThreshold int     `mapstructure:"pixel_threshold" yaml:"pixel_threshold"`
}

// OutputConfig controls the artifact writer.
type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Events    bool   `mapstructure:"events" yaml:"events"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: logger.Config{Level: "info", Format: "json"},
		Capture: CaptureConfig{
			SessionCapacity: constants.DefaultSessionCapacity,
			MaxPendingBytes: constants.DefaultMaxPendingBytes,
		},
		Limits: LimitsConfig{
			HandlerStateCapacity: constants.DefaultHandlerStateCapacity,
			AssemblerCapacity:    constants.DefaultAssemblerCapacity,
			RequestCacheCapacity: constants.DefaultRequestCacheCapacity,
			MaxArtifactSize:      constants.DefaultMaxArtifactSize,
			MaxCredentials:       100000,
		},
		VNC: VNCConfig{
			MaxFPS:         constants.DefaultVNCMaxFPS,
			PixelThreshold: constants.MinVNCPixelThreshold,
		},
		Output: OutputConfig{Events: true},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Capture.SessionCapacity < 1 {
		return fmt.Errorf("capture.session_capacity must be positive, got %d", c.Capture.SessionCapacity)
	}
	if c.Capture.MaxPendingBytes < 1024 {
		return fmt.Errorf("capture.max_pending_bytes must be at least 1024, got %d", c.Capture.MaxPendingBytes)
	}
	if c.Limits.HandlerStateCapacity < 1 || c.Limits.AssemblerCapacity < 1 || c.Limits.RequestCacheCapacity < 1 {
		return fmt.Errorf("limits capacities must be positive")
	}
	if c.Limits.MaxArtifactSize < 1 {
		return fmt.Errorf("limits.max_artifact_size must be positive, got %d", c.Limits.MaxArtifactSize)
	}
	if c.VNC.MaxFPS <= 0 {
		return fmt.Errorf("vnc.max_fps must be positive, got %v", c.VNC.MaxFPS)
	}
	return nil
}

// VNCPixelThreshold returns the configured threshold clamped to the
// supported range.
func (c *Config) VNCPixelThreshold() int {
	t := c.VNC.PixelThreshold
	if t < constants.MinVNCPixelThreshold {
		return constants.MinVNCPixelThreshold
	}
	if t > constants.MaxVNCPixelThreshold {
		return constants.MaxVNCPixelThreshold
	}
	return t
}
