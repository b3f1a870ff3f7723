package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumafs/shadowtick/internal/bytesize"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadowtick.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, uint32(DefaultTickLen), cfg.SWMR.TickLen)
	assert.Equal(t, uint64(DefaultMaxLag), cfg.SWMR.MaxLag)
	assert.Equal(t, DefaultPageSize, cfg.SWMR.PageSize)
	assert.Equal(t, time.Second, cfg.SWMR.TickDuration())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
swmr:
  md_file_path: /tmp/data.h5.shadow
  tick_len: 5
  max_lag: 7
  md_pages_reserved: 4
  page_size: "8Ki"
  writer: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "/tmp/data.h5.shadow", cfg.SWMR.MDFilePath)
	assert.Equal(t, uint32(5), cfg.SWMR.TickLen)
	assert.Equal(t, uint64(7), cfg.SWMR.MaxLag)
	assert.Equal(t, uint32(4), cfg.SWMR.MDPagesReserved)
	assert.Equal(t, 8*bytesize.KiB, cfg.SWMR.PageSize)
	assert.True(t, cfg.SWMR.Writer)
	assert.Equal(t, 500*time.Millisecond, cfg.SWMR.TickDuration())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroTickLen", func(c *Config) { c.SWMR.TickLen = 0 }},
		{"ZeroMaxLag", func(c *Config) { c.SWMR.MaxLag = 0 }},
		{"TooFewReservedPages", func(c *Config) { c.SWMR.MDPagesReserved = 1 }},
		{"PageSmallerThanHeader", func(c *Config) { c.SWMR.PageSize = 16 }},
		{"EmptyMDFilePath", func(c *Config) { c.SWMR.MDFilePath = "" }},
		{"BadLogLevel", func(c *Config) { c.Logging.Level = "LOUD" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestEnvOverride(t *testing.T) {
	path := writeConfigFile(t, `
swmr:
  md_file_path: /tmp/data.h5.shadow
  tick_len: 5
`)
	t.Setenv("SHADOWTICK_SWMR_TICK_LEN", "20")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), cfg.SWMR.TickLen)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "shadowtick.yaml")

	cfg := GetDefaultConfig()
	cfg.SWMR.MDFilePath = "/tmp/rt.shadow"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.SWMR.MDFilePath, loaded.SWMR.MDFilePath)
	assert.Equal(t, cfg.SWMR.TickLen, loaded.SWMR.TickLen)
}
