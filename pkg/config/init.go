package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# stategc Configuration File
#
# Every key can be overridden by an environment variable with the
# STATEGC_ prefix, e.g. STATEGC_GC_WORKERS=8 or STATEGC_LOGGING_LEVEL=DEBUG.

logging:
  level: INFO      # DEBUG, INFO, WARN, ERROR
  format: text     # text, json
  output: stderr   # stdout, stderr or a file path

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: http://localhost:4040

metrics:
  enabled: false
  port: 9090

store:
  path: %s
  in_memory: false
  sync_writes: true

gc:
  workers: 0                  # 0 = one per CPU
  batch_size: 10000
  strategy: auto              # auto, in_memory, persistent
  in_memory_threshold: 10000000
  bloom_false_positive_rate: 0.01
  use_recycle_bin: true
  dry_run: false
  force_compaction: false
  full_cycle_every: 1         # incremental passes between full cycles
  reach_dir: %s

retention:
  keep_recent: 128
  pinned_orders: []

snapshot:
  lock_timeout: 30s
  max_snapshot_age: 10m
  enable_validation: true
  enable_persistence: true

recycle_bin:
  retention: 168h

export:
  batch_size: 10000
  min_batch_size: 500
  max_batch_size: 100000
  memory_limit: 2Gi
  memory_pressure_threshold: 0.8
  workers: 0
  s3:
    bucket: ""
    region: ""
    endpoint: ""
    key_prefix: ""
    force_path_style: false
`

// InitConfig writes a sample configuration to the default location and
// returns its path.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a sample configuration to path. An existing
// file is only replaced when force is set.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	dataDir := filepath.Join(filepath.Dir(path), "data")
	content := fmt.Sprintf(configTemplate,
		filepath.ToSlash(filepath.Join(dataDir, "db")),
		filepath.ToSlash(filepath.Join(dataDir, "reach")))

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
