package config

import (
	"strings"
	"time"

	"github.com/marmos91/stategc/pkg/export"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/snapshot"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyGCDefaults(&cfg.GC)
	applySnapshotDefaults(&cfg.Snapshot)
	applyRecycleBinDefaults(&cfg.RecycleBin)
	cfg.Export.ApplyDefaults()
	if cfg.Retention.KeepRecent == 0 {
		cfg.Retention.KeepRecent = 128
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyMetricsDefaults sets the port only when metrics are enabled.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = gc.DefaultWorkers()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = gc.DefaultBatchSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = gc.StrategyAuto.String()
	}
	cfg.Strategy = strings.ToLower(cfg.Strategy)
	if cfg.InMemoryThreshold == 0 {
		cfg.InMemoryThreshold = gc.DefaultInMemoryThreshold
	}
	if cfg.BloomFalsePositiveRate == 0 {
		cfg.BloomFalsePositiveRate = 0.01
	}
	if cfg.FullCycleEvery == 0 {
		cfg.FullCycleEvery = 1
	}
}

// applySnapshotDefaults fills the durations only; the boolean switches
// default to on in GetDefaultConfig and are otherwise taken as written.
func applySnapshotDefaults(cfg *snapshot.Config) {
	def := snapshot.DefaultConfig()
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.MaxSnapshotAge == 0 {
		cfg.MaxSnapshotAge = def.MaxSnapshotAge
	}
}

func applyRecycleBinDefaults(cfg *RecycleBinConfig) {
	if cfg.Retention == 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Store: StoreConfig{
			Path:       "/var/lib/stategc/db",
			SyncWrites: true,
		},
		GC: GCConfig{
			UseRecycleBin: true,
		},
		Snapshot: snapshot.DefaultConfig(),
		Export:   ExportConfig{Config: export.DefaultConfig()},
	}

	ApplyDefaults(cfg)
	return cfg
}
