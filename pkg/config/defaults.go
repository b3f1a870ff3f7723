package config

import (
	"strings"

	"github.com/lumafs/shadowtick/internal/bytesize"
	"github.com/lumafs/shadowtick/internal/telemetry"
)

// Default SWMR parameters. These match the values the coordination protocol
// was tuned against: a 4KB page, one-second ticks and a staleness bound of
// three ticks.
const (
	DefaultTickLen         = 10 // one second, in tenths
	DefaultMaxLag          = 3
	DefaultMDPagesReserved = 32
	DefaultPageSize        = bytesize.ByteSize(4096)
)

// GetDefaultConfig returns a configuration populated entirely from defaults.
// The md_file_path defaults to "shadowtick.md".
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.SWMR.MDFilePath = "shadowtick.md"
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(cfg)
	applyTelemetryDefaults(cfg)
	applyMetricsDefaults(cfg)
	applySWMRDefaults(&cfg.SWMR)
}

func applyLoggingDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
}

func applyTelemetryDefaults(cfg *Config) {
	def := telemetry.DefaultConfig()
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = def.ServiceVersion
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Endpoint
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.SampleRate
	}

	profDef := telemetry.DefaultProfilingConfig()
	if cfg.Profiling.ServiceName == "" {
		cfg.Profiling.ServiceName = profDef.ServiceName
	}
	if cfg.Profiling.ServiceVersion == "" {
		cfg.Profiling.ServiceVersion = profDef.ServiceVersion
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = profDef.Endpoint
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = profDef.ProfileTypes
	}
}

func applyMetricsDefaults(cfg *Config) {
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "localhost:9473"
	}
}

func applySWMRDefaults(cfg *SWMRConfig) {
	if cfg.TickLen == 0 {
		cfg.TickLen = DefaultTickLen
	}
	if cfg.MaxLag == 0 {
		cfg.MaxLag = DefaultMaxLag
	}
	if cfg.MDPagesReserved == 0 {
		cfg.MDPagesReserved = DefaultMDPagesReserved
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
}
