package config

import (
	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/pruner"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
)

// LoggerConfig converts the logging section for logger.Init.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TracingConfig converts the telemetry section for telemetry.Init.
func (c *Config) TracingConfig(version string) telemetry.Config {
	t := telemetry.DefaultConfig()
	t.Enabled = c.Telemetry.Enabled
	t.Endpoint = c.Telemetry.Endpoint
	t.Insecure = c.Telemetry.Insecure
	t.SampleRate = c.Telemetry.SampleRate
	t.ServiceVersion = version
	return t
}

// ProfilingConfig converts the profiling section for telemetry.InitProfiling.
func (c *Config) ProfilingConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Telemetry.Profiling.Enabled,
		ServiceName:    "stategc",
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Profiling.Endpoint,
		ProfileTypes:   c.Telemetry.Profiling.ProfileTypes,
	}
}

// BadgerConfig converts the store section for badger.Open.
func (c *Config) BadgerConfig() bstore.Config {
	return bstore.Config{
		Path:       c.Store.Path,
		InMemory:   c.Store.InMemory,
		SyncWrites: c.Store.SyncWrites,
	}
}

// PrunerOptions converts the gc and retention sections. Strategy has
// already been checked by Validate.
func (c *Config) PrunerOptions() pruner.Options {
	strategy, _ := gc.ParseStrategy(c.GC.Strategy)
	return pruner.Options{
		Workers:                c.GC.Workers,
		BatchSize:              c.GC.BatchSize,
		Strategy:               strategy,
		InMemoryThreshold:      c.GC.InMemoryThreshold,
		BloomFalsePositiveRate: c.GC.BloomFalsePositiveRate,
		UseRecycleBin:          c.GC.UseRecycleBin,
		ForceCompaction:        c.GC.ForceCompaction,
		Retention:              c.Retention,
		FullCycleEvery:         c.GC.FullCycleEvery,
		ReachDir:               c.GC.ReachDir,
	}
}
