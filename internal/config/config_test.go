package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Remux: RemuxConfig{
			WritePolicy: WritePolicyContinue,
			ProbeSize:   4,
		},
		Formats: FormatsConfig{
			MPEGTS: MPEGTSConfig{ScanSize: 1024, ProbePackets: 16},
			FMP4:   FMP4Config{FragmentDuration: time.Second},
		},
		Batch: BatchConfig{Concurrency: 1},
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	// Load without config file should use defaults
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.False(t, cfg.Logging.AddSource)

	// Remux defaults
	assert.Equal(t, WritePolicyContinue, cfg.Remux.WritePolicy)
	assert.False(t, cfg.Remux.FailFast())
	assert.Equal(t, 4, cfg.Remux.ProbeSize)
	assert.Empty(t, cfg.Remux.OutputFormat)

	// Format defaults
	assert.Equal(t, ByteSize(4*1024*1024), cfg.Formats.MPEGTS.ScanSize)
	assert.Equal(t, 256, cfg.Formats.MPEGTS.ProbePackets)
	assert.Equal(t, 2*time.Second, cfg.Formats.FMP4.FragmentDuration)

	// Batch defaults
	assert.Equal(t, 2, cfg.Batch.Concurrency)
	assert.False(t, cfg.Batch.FailFast)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: debug
  format: json
remux:
  write_policy: fail
  output_format: mpegts
formats:
  mpegts:
    scan_size: 8MiB
    probe_packets: 64
  fmp4:
    fragment_duration: 500ms
batch:
  concurrency: 4
  fail_fast: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Remux.FailFast())
	assert.Equal(t, "mpegts", cfg.Remux.OutputFormat)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Formats.MPEGTS.ScanSize)
	assert.Equal(t, 64, cfg.Formats.MPEGTS.ProbePackets)
	assert.Equal(t, 500*time.Millisecond, cfg.Formats.FMP4.FragmentDuration)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.True(t, cfg.Batch.FailFast)

	// Unset values keep their defaults
	assert.Equal(t, 4, cfg.Remux.ProbeSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REMUX_LOGGING_LEVEL", "trace")
	t.Setenv("REMUX_REMUX_WRITE_POLICY", "fail")
	t.Setenv("REMUX_FORMATS_MPEGTS_SCAN_SIZE", "1MiB")
	t.Setenv("REMUX_BATCH_CONCURRENCY", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, WritePolicyFail, cfg.Remux.WritePolicy)
	assert.Equal(t, ByteSize(1024*1024), cfg.Formats.MPEGTS.ScanSize)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
batch:
  concurrency: 3
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("REMUX_BATCH_CONCURRENCY", "6")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Batch.Concurrency)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
logging:
  level: [invalid
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("remux:\n  write_policy: ignore\n"), 0o600))

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remux.write_policy")
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"invalid write policy", func(c *Config) { c.Remux.WritePolicy = "retry" }, "remux.write_policy"},
		{"zero probe size", func(c *Config) { c.Remux.ProbeSize = 0 }, "remux.probe_size"},
		{"negative scan size", func(c *Config) { c.Formats.MPEGTS.ScanSize = -1 }, "formats.mpegts.scan_size"},
		{"zero probe packets", func(c *Config) { c.Formats.MPEGTS.ProbePackets = 0 }, "formats.mpegts.probe_packets"},
		{"zero fragment duration", func(c *Config) { c.Formats.FMP4.FragmentDuration = 0 }, "formats.fmp4.fragment_duration"},
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }, "batch.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_TraceLevel(t *testing.T) {
	cfg := validTestConfig()
	cfg.Logging.Level = "trace"
	assert.NoError(t, cfg.Validate())
}
