package config

import (
	"github.com/go-playground/validator/v10"

	"github.com/marmos91/stategc/pkg/gc"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the cross-field rules tags cannot
// express. Failures are ConfigInvalid errors.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return gc.NewConfigInvalidError(err.Error())
	}
	if _, err := gc.ParseStrategy(cfg.GC.Strategy); err != nil {
		return err
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return gc.NewConfigInvalidError("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return gc.NewConfigInvalidError("telemetry.profiling.endpoint is required when profiling is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return gc.NewConfigInvalidError("metrics.port is required when metrics are enabled")
	}
	if err := cfg.Snapshot.Validate(); err != nil {
		return err
	}
	if err := cfg.Export.Validate(); err != nil {
		return err
	}
	if s3 := cfg.Export.S3; s3.Bucket == "" && (s3.Endpoint != "" || s3.KeyPrefix != "") {
		return gc.NewConfigInvalidError("export.s3.bucket is required when export.s3 is configured")
	}
	if (cfg.Export.S3.AccessKeyID == "") != (cfg.Export.S3.SecretAccessKey == "") {
		return gc.NewConfigInvalidError("export.s3.access_key_id and secret_access_key must be set together")
	}
	return nil
}
