// Package config loads and validates shadowtick configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SHADOWTICK_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Environment variables override only keys that the configuration file sets;
// when no configuration file is found, the defaults are used and the
// environment is not consulted.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lumafs/shadowtick/internal/bytesize"
	"github.com/lumafs/shadowtick/internal/logger"
	"github.com/lumafs/shadowtick/internal/telemetry"
	"github.com/lumafs/shadowtick/pkg/shadow"
)

// Limits on the SWMR configuration, matching what the publication protocol
// can represent on disk.
const (
	// MaxTickLen is the largest tick length in tenths of a second (1 hour).
	MaxTickLen = 36000

	// MaxLagBound is the largest permitted max_lag in ticks.
	MaxLagBound = 1 << 20

	// MinMDPagesReserved is the smallest shadow file that can hold a header
	// page plus an empty index.
	MinMDPagesReserved = 2
)

// Config represents the shadowtick configuration.
//
// The SWMR section mirrors the coordination parameters shared by writer and
// readers; the remaining sections configure the ambient stack.
type Config struct {
	// Logging controls log output behavior
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// Profiling controls Pyroscope continuous profiling
	Profiling telemetry.ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// SWMR contains the single-writer/multiple-reader coordination parameters
	SWMR SWMRConfig `mapstructure:"swmr" yaml:"swmr"`
}

// SWMRConfig holds the coordination parameters for one SWMR file.
//
// The writer and all readers of a file must agree on PageSize. The shadow
// header publishes only the page size, tick and index location; each reader
// uses its own TickLen for its polling deadline and its own MDPagesReserved
// to size its initial index.
type SWMRConfig struct {
	// MDFilePath is the path of the shadow (metadata) file through which the
	// writer publishes its index.
	MDFilePath string `mapstructure:"md_file_path" yaml:"md_file_path"`

	// TickLen is the tick length in tenths of a second. The soft deadline
	// between consecutive end-of-tick operations.
	TickLen uint32 `mapstructure:"tick_len" yaml:"tick_len"`

	// MaxLag is the number of ticks that bounds reader staleness and
	// shadow-storage reuse.
	MaxLag uint64 `mapstructure:"max_lag" yaml:"max_lag"`

	// MDPagesReserved is the initial size of the shadow file in pages.
	// Page 0 holds the header; the rest hold the initial index region.
	MDPagesReserved uint32 `mapstructure:"md_pages_reserved" yaml:"md_pages_reserved"`

	// PageSize is the page size shared by the primary and shadow files.
	// Accepts human-readable values like "4Ki".
	PageSize bytesize.ByteSize `mapstructure:"page_size" yaml:"page_size"`

	// Writer selects the writer role; false selects the reader role.
	Writer bool `mapstructure:"writer" yaml:"writer"`

	// FlushRawData controls whether raw-data caches are flushed at each
	// writer end of tick.
	FlushRawData bool `mapstructure:"flush_raw_data" yaml:"flush_raw_data"`

	// SyncOnPublish issues fdatasync after the header write of each
	// publication. Off by default: readers on the same host observe the
	// page cache, so durability is a crash-recovery nicety only.
	SyncOnPublish bool `mapstructure:"sync_on_publish" yaml:"sync_on_publish"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled controls whether the metrics registry is initialized
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the address the metrics HTTP endpoint binds to
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// TickDuration returns the tick length as a time.Duration.
func (c *SWMRConfig) TickDuration() time.Duration {
	return time.Duration(c.TickLen) * 100 * time.Millisecond
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string searches for
//     ./shadowtick.yaml and uses defaults only when it is absent)
//
// Returns the loaded and validated configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for consistency.
//
// The SWMR parameters are rejected here rather than at open time so that a
// bad deployment fails before any shadow file is touched.
func Validate(cfg *Config) error {
	var errs []error

	s := &cfg.SWMR

	if s.MDFilePath == "" {
		errs = append(errs, errors.New("swmr.md_file_path must be set"))
	}
	if s.TickLen == 0 {
		errs = append(errs, errors.New("swmr.tick_len must be positive"))
	}
	if s.TickLen > MaxTickLen {
		errs = append(errs, fmt.Errorf("swmr.tick_len %d exceeds maximum %d", s.TickLen, MaxTickLen))
	}
	if s.MaxLag == 0 {
		errs = append(errs, errors.New("swmr.max_lag must be positive"))
	}
	if s.MaxLag > MaxLagBound {
		errs = append(errs, fmt.Errorf("swmr.max_lag %d exceeds maximum %d", s.MaxLag, MaxLagBound))
	}
	if s.MDPagesReserved < MinMDPagesReserved {
		errs = append(errs, fmt.Errorf("swmr.md_pages_reserved must be at least %d", MinMDPagesReserved))
	}
	if s.PageSize < shadow.HeaderSize {
		errs = append(errs, fmt.Errorf("swmr.page_size %d is smaller than the shadow header (%d bytes)",
			s.PageSize, shadow.HeaderSize))
	}

	switch strings.ToUpper(cfg.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of DEBUG, INFO, WARN, ERROR", cfg.Logging.Level))
	}

	return errors.Join(errs...)
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the SHADOWTICK_ prefix and underscores.
	// Example: SHADOWTICK_SWMR_TICK_LEN=10
	v.SetEnvPrefix("SHADOWTICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("shadowtick")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "4Ki" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use values like "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
