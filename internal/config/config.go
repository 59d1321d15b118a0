// Package config provides configuration management for remux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultProbeSize        = 4
	defaultScanSize         = 4 * 1024 * 1024 // 4MB
	defaultProbePackets     = 256
	defaultFragmentDuration = 2 * time.Second
	defaultBatchConcurrency = 2
)

// Write policies for packets the output muxer rejects.
const (
	WritePolicyContinue = "continue"
	WritePolicyFail     = "fail"
)

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Remux   RemuxConfig   `mapstructure:"remux" yaml:"remux"`
	Formats FormatsConfig `mapstructure:"formats" yaml:"formats"`
	Batch   BatchConfig   `mapstructure:"batch" yaml:"batch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// RemuxConfig holds settings for a single remux session.
type RemuxConfig struct {
	WritePolicy string `mapstructure:"write_policy" yaml:"write_policy"` // continue, fail
	// ProbeSize is the number of bytes the input pre-flight check must read.
	ProbeSize int `mapstructure:"probe_size" yaml:"probe_size"`
	// OutputFormat forces the output format (empty = guess from extension).
	OutputFormat string `mapstructure:"output_format" yaml:"output_format"`
}

// FormatsConfig holds per-container backend settings.
type FormatsConfig struct {
	MPEGTS MPEGTSConfig `mapstructure:"mpegts" yaml:"mpegts"`
	FMP4   FMP4Config   `mapstructure:"fmp4" yaml:"fmp4"`
}

// MPEGTSConfig holds MPEG-TS demuxer settings.
type MPEGTSConfig struct {
	// ScanSize bounds the PSI/SI metadata scan.
	// Supports human-readable values like "4MB" or raw byte counts.
	ScanSize     ByteSize `mapstructure:"scan_size" yaml:"scan_size"`
	ProbePackets int      `mapstructure:"probe_packets" yaml:"probe_packets"`
}

// FMP4Config holds fragmented MP4 muxer settings.
type FMP4Config struct {
	FragmentDuration time.Duration `mapstructure:"fragment_duration" yaml:"fragment_duration"`
}

// BatchConfig holds batch runner settings.
type BatchConfig struct {
	Concurrency int  `mapstructure:"concurrency" yaml:"concurrency"`
	FailFast    bool `mapstructure:"fail_fast" yaml:"fail_fast"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REMUX_ and use underscores for nesting.
// Example: REMUX_REMUX_WRITE_POLICY=fail.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/remux")
		v.AddConfigPath("/etc/remux")
	}

	// Environment variable settings
	v.SetEnvPrefix("REMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHook lets ByteSize parse "4MB" style strings and durations parse "2s".
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Remux defaults
	v.SetDefault("remux.write_policy", WritePolicyContinue)
	v.SetDefault("remux.probe_size", defaultProbeSize)
	v.SetDefault("remux.output_format", "")

	// Format defaults
	v.SetDefault("formats.mpegts.scan_size", defaultScanSize)
	v.SetDefault("formats.mpegts.probe_packets", defaultProbePackets)
	v.SetDefault("formats.fmp4.fragment_duration", defaultFragmentDuration)

	// Batch defaults
	v.SetDefault("batch.concurrency", defaultBatchConcurrency)
	v.SetDefault("batch.fail_fast", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Remux validation
	if c.Remux.WritePolicy != WritePolicyContinue && c.Remux.WritePolicy != WritePolicyFail {
		return fmt.Errorf("remux.write_policy must be one of: %s, %s", WritePolicyContinue, WritePolicyFail)
	}
	if c.Remux.ProbeSize < 1 {
		return fmt.Errorf("remux.probe_size must be at least 1")
	}

	// Format validation
	if c.Formats.MPEGTS.ScanSize < 0 {
		return fmt.Errorf("formats.mpegts.scan_size must not be negative")
	}
	if c.Formats.MPEGTS.ProbePackets < 1 {
		return fmt.Errorf("formats.mpegts.probe_packets must be at least 1")
	}
	if c.Formats.FMP4.FragmentDuration <= 0 {
		return fmt.Errorf("formats.fmp4.fragment_duration must be positive")
	}

	// Batch validation
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1")
	}

	return nil
}

// FailFast reports whether a rejected packet write aborts the session.
func (c *RemuxConfig) FailFast() bool {
	return c.WritePolicy == WritePolicyFail
}
