// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first match
// wins.
var DefaultConfigPaths = []string{
	"custodia.yaml",
	"custodia.yml",
	"/etc/custodia/config.yaml",
	"/etc/custodia/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CUSTODIA_CONFIG"

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(v any) error {
	return validate.Struct(v)
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, then validates it. Any error is fatal to the
// caller; the engine never starts on a partial configuration.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit config file path; the file must
// exist.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are the keys whose environment values arrive as
// comma-separated strings but unmarshal into slices.
var sliceConfigPaths = []string{
	"pii.subject_fields",
	"compliance.regimes",
	"api.cors_origins",
}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok || raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			if err := k.Set(path, out); err != nil {
				return fmt.Errorf("setting %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names to config paths. Unmapped
// variables are ignored so ambient environment noise never leaks into
// the configuration. Table specs are file-only: a per-table schema does
// not flatten into flat variables.
var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"source_driver":          "source.driver",
	"source_dsn":             "source.dsn",
	"source_read_rate_limit": "source.read_rate_limit",
	"source_max_open_conns":  "source.max_open_conns",

	"storage_provider":      "storage.provider",
	"storage_base_dir":      "storage.base_dir",
	"s3_bucket":             "storage.s3.bucket",
	"s3_region":             "storage.s3.region",
	"s3_endpoint":           "storage.s3.endpoint",
	"s3_access_key_id":      "storage.s3.access_key_id",
	"s3_secret_access_key":  "storage.s3.secret_access_key",
	"s3_use_path_style":     "storage.s3.use_path_style",
	"s3_archive_class":      "storage.s3.archive_class",
	"storage_nats_url":      "storage.nats.url",
	"storage_nats_bucket":   "storage.nats.bucket",
	"storage_retry_max":     "storage.retry.max_retries",
	"storage_retry_initial": "storage.retry.initial_interval",

	"inventory_path": "inventory.path",

	"keystore_backend": "keystore.backend",
	"keystore_path":    "keystore.path",

	"pii_mode":           "pii.mode",
	"pii_subject_fields": "pii.subject_fields",

	"backup_concurrency":       "backup.concurrency",
	"backup_storage_prefix":    "backup.storage_prefix",
	"backup_schedule_enabled":  "backup.schedule.enabled",
	"backup_schedule_interval": "backup.schedule.interval",
	"backup_schedule_type":     "backup.schedule.type",
	"backup_preferred_hour":    "backup.schedule.preferred_hour",

	"retention_sweep_interval": "retention.sweep_interval",
	"retention_archive_after":  "retention.archive_after",

	"compliance_regimes":    "compliance.regimes",
	"compliance_export_ttl": "compliance.export_ttl",

	"audit_enabled":          "audit.enabled",
	"audit_path":             "audit.path",
	"audit_max_file_bytes":   "audit.max_file_bytes",
	"audit_max_files":        "audit.max_files",
	"audit_min_severity":     "audit.min_severity",
	"audit_fan_out_severity": "audit.fan_out_severity",
	"audit_buffer_size":      "audit.buffer_size",
	"alert_webhook_url":      "audit.alert_webhook_url",
	"siem_enabled":           "audit.siem.enabled",
	"siem_url":               "audit.siem.url",
	"siem_subject":           "audit.siem.subject",

	"api_enabled":         "api.enabled",
	"http_host":           "api.host",
	"http_port":           "api.port",
	"http_timeout":        "api.timeout",
	"jwt_secret":          "api.jwt_secret",
	"api_token_ttl":       "api.token_ttl",
	"rate_limit_requests": "api.rate_limit_requests",
	"rate_limit_window":   "api.rate_limit_window",
	"cors_origins":        "api.cors_origins",
}

func envTransform(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
