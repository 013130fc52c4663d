package config

import (
	"testing"
	"time"

	"github.com/marmos91/stategc/pkg/gc"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_GC(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.GC.Workers != gc.DefaultWorkers() {
		t.Errorf("Expected %d workers, got %d", gc.DefaultWorkers(), cfg.GC.Workers)
	}
	if cfg.GC.InMemoryThreshold != gc.DefaultInMemoryThreshold {
		t.Errorf("Expected threshold %d, got %d", gc.DefaultInMemoryThreshold, cfg.GC.InMemoryThreshold)
	}
	if cfg.GC.BloomFalsePositiveRate != 0.01 {
		t.Errorf("Expected false positive rate 0.01, got %v", cfg.GC.BloomFalsePositiveRate)
	}
}

func TestApplyDefaults_Metrics(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 0 {
		t.Errorf("Expected no port while metrics are disabled, got %d", cfg.Metrics.Port)
	}

	cfg = &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "debug", Format: "json", Output: "stdout"},
		GC: GCConfig{
			Workers:        2,
			BatchSize:      64,
			Strategy:       "Persistent",
			FullCycleEvery: 4,
		},
		RecycleBin: RecycleBinConfig{Retention: time.Hour},
	}
	cfg.Snapshot.LockTimeout = 5 * time.Second
	cfg.Export.BatchSize = 1000

	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stdout" {
		t.Errorf("Logging values overwritten: %+v", cfg.Logging)
	}
	if cfg.GC.Workers != 2 || cfg.GC.BatchSize != 64 || cfg.GC.FullCycleEvery != 4 {
		t.Errorf("GC values overwritten: %+v", cfg.GC)
	}
	if cfg.GC.Strategy != "persistent" {
		t.Errorf("Expected strategy lowercased, got %q", cfg.GC.Strategy)
	}
	if cfg.RecycleBin.Retention != time.Hour {
		t.Errorf("Expected retention 1h, got %v", cfg.RecycleBin.Retention)
	}
	if cfg.Snapshot.LockTimeout != 5*time.Second {
		t.Errorf("Expected lock timeout 5s, got %v", cfg.Snapshot.LockTimeout)
	}
	if cfg.Export.BatchSize != 1000 {
		t.Errorf("Expected export batch size 1000, got %d", cfg.Export.BatchSize)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}
