// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package config loads and validates the engine configuration from
// layered sources: built-in defaults, an optional YAML file, then
// environment variables. Precedence is ENV > file > defaults.
//
// Configuration is immutable after Load and safe for concurrent reads.
// A configuration error is fatal at startup: a backup engine running
// with a half-applied configuration is worse than one that refuses to
// start.
package config

import (
	"fmt"
	"time"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/backup"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/retention"
	"github.com/custodia-engine/custodia/internal/source"
	"github.com/custodia-engine/custodia/internal/storage"
)

// Config is the complete engine configuration.
type Config struct {
	Logging    LoggingConfig      `koanf:"logging"`
	Source     source.Config      `koanf:"source"`
	Storage    storage.Config     `koanf:"storage"`
	Inventory  InventoryConfig    `koanf:"inventory"`
	Keystore   KeystoreConfig     `koanf:"keystore"`
	PII        PIIConfig          `koanf:"pii"`
	Backup     backup.Config      `koanf:"backup"`
	Retention  retention.Config   `koanf:"retention"`
	Compliance ComplianceConfig   `koanf:"compliance"`
	Audit      AuditConfig        `koanf:"audit"`
	API        APIConfig          `koanf:"api"`
	Tables     []models.TableSpec `koanf:"tables"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// Format is json or console.
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`

	// Caller includes caller file:line in log output.
	Caller bool `koanf:"caller"`
}

// ToLogging converts to the logger package's config.
func (c LoggingConfig) ToLogging() logging.Config {
	out := logging.DefaultConfig()
	if c.Level != "" {
		out.Level = c.Level
	}
	if c.Format != "" {
		out.Format = c.Format
	}
	out.Caller = c.Caller
	return out
}

// InventoryConfig locates the engine's durable state.
type InventoryConfig struct {
	// Path is the badger directory holding the artifact inventory,
	// compliance requests and the pseudonym reverse map. Empty selects
	// in-memory state, which does not survive restarts.
	Path string `koanf:"path"`
}

// KeystoreConfig selects where encryption key material is persisted.
type KeystoreConfig struct {
	// Backend is badger, file or memory. The memory backend loses all
	// keys on restart and is refused outside tests unless explicitly
	// acknowledged.
	Backend string `koanf:"backend" validate:"required,oneof=badger file memory"`

	// Path is the on-disk location for the badger and file backends.
	Path string `koanf:"path"`
}

// PIIConfig configures personal-data protection at capture time.
type PIIConfig struct {
	// Mode is pseudonymize (reversible via the reverse map) or hash
	// (irreversible).
	Mode crypto.ProtectionMode `koanf:"mode" validate:"required,oneof=pseudonymize hash"`

	// SubjectFields are the field names whose protected tokens identify
	// a data subject in erasure and portability processing.
	SubjectFields []string `koanf:"subject_fields"`
}

// ComplianceConfig configures regulatory regime handling.
type ComplianceConfig struct {
	// Regimes lists the regime names enabled at startup. Names must be
	// known to the regime registry.
	Regimes []string `koanf:"regimes"`

	// ExportTTL bounds how long a portability export stays downloadable.
	ExportTTL time.Duration `koanf:"export_ttl" validate:"min=0"`
}

// AuditConfig configures the tamper-evident audit trail.
type AuditConfig struct {
	Enabled bool `koanf:"enabled"`

	// Path is the audit log file; rotated siblings live next to it.
	Path string `koanf:"path"`

	// MaxFileBytes triggers rotation; MaxFiles bounds rotated history.
	MaxFileBytes int64 `koanf:"max_file_bytes" validate:"min=0"`
	MaxFiles     int   `koanf:"max_files" validate:"min=0"`

	// MinSeverity filters events below this level.
	MinSeverity string `koanf:"min_severity" validate:"omitempty,oneof=debug info warning error critical"`

	// FanOutSeverity is the level at or above which events are forwarded
	// to the alert and SIEM sinks.
	FanOutSeverity string `koanf:"fan_out_severity" validate:"omitempty,oneof=debug info warning error critical"`

	BufferSize int `koanf:"buffer_size" validate:"min=0"`

	// AlertWebhookURL receives severe events over HTTP when set.
	AlertWebhookURL string `koanf:"alert_webhook_url" validate:"omitempty,url"`

	// SIEM forwards severe events to a NATS subject when enabled.
	SIEM SIEMConfig `koanf:"siem"`
}

// SIEMConfig configures the NATS SIEM sink.
type SIEMConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// ToAudit converts to the audit package's runtime config.
func (c AuditConfig) ToAudit() *audit.Config {
	out := audit.DefaultConfig()
	out.Enabled = c.Enabled
	if c.MinSeverity != "" {
		out.MinSeverity = audit.Severity(c.MinSeverity)
	}
	if c.FanOutSeverity != "" {
		out.FanOutSeverity = audit.Severity(c.FanOutSeverity)
	}
	if c.BufferSize > 0 {
		out.BufferSize = c.BufferSize
	}
	return out
}

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"min=0,max=65535"`

	// JWTSecret signs bearer tokens. Required when the API is enabled.
	JWTSecret string `koanf:"jwt_secret"`

	// TokenTTL bounds issued token lifetimes.
	TokenTTL time.Duration `koanf:"token_ttl" validate:"min=0"`

	Timeout time.Duration `koanf:"timeout" validate:"min=0"`

	RateLimitReqs   int           `koanf:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=0"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// defaultConfig returns the built-in defaults, applied before the config
// file and environment layers.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Source: source.Config{
			Driver:       "duckdb",
			DSN:          "/data/custodia/source.duckdb",
			MaxOpenConns: 4,
		},
		Storage: storage.Config{
			Provider: "filesystem",
			BaseDir:  "/data/custodia/artifacts",
			Retry:    storage.DefaultRetryConfig(),
		},
		Inventory: InventoryConfig{
			Path: "/data/custodia/state",
		},
		Keystore: KeystoreConfig{
			Backend: "badger",
			Path:    "/data/custodia/keys",
		},
		PII: PIIConfig{
			Mode:          crypto.ModePseudonymize,
			SubjectFields: []string{"email"},
		},
		Backup:    backup.DefaultConfig(),
		Retention: retention.DefaultConfig(),
		Compliance: ComplianceConfig{
			ExportTTL: 72 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:        true,
			Path:           "/data/custodia/audit/audit.log",
			MaxFileBytes:   10 << 20,
			MaxFiles:       5,
			MinSeverity:    "info",
			FanOutSeverity: "warning",
			BufferSize:     1000,
			SIEM: SIEMConfig{
				Subject: "custodia.audit.events",
			},
		},
		API: APIConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8632,
			TokenTTL:        24 * time.Hour,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
	}
}

// minJWTSecretLen rejects secrets brute-forceable in practice.
const minJWTSecretLen = 32

// Validate checks the configuration. Struct tags cover the per-field
// rules; cross-field and provider-conditional rules live here.
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	switch c.Storage.Provider {
	case "filesystem":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage: base_dir is required for the filesystem provider")
		}
	case "s3":
		if err := validateStruct(&c.Storage.S3); err != nil {
			return fmt.Errorf("storage.s3: %w", err)
		}
	case "nats":
		if err := validateStruct(&c.Storage.NATS); err != nil {
			return fmt.Errorf("storage.nats: %w", err)
		}
	}

	if c.Keystore.Backend != "memory" && c.Keystore.Path == "" {
		return fmt.Errorf("keystore: path is required for the %s backend", c.Keystore.Backend)
	}

	if c.API.Enabled {
		if len(c.API.JWTSecret) < minJWTSecretLen {
			return fmt.Errorf("api: jwt_secret must be at least %d characters when the API is enabled", minJWTSecretLen)
		}
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit: path is required when auditing is enabled")
	}
	if c.Audit.SIEM.Enabled && c.Audit.SIEM.URL == "" {
		return fmt.Errorf("audit.siem: url is required when the SIEM sink is enabled")
	}

	return c.validateTables()
}

// validateTables checks the table specifications: names unique, PII
// declarations consistent, dependencies resolvable and acyclic.
func (c *Config) validateTables() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("tables: at least one table must be configured")
	}
	seen := make(map[string]bool, len(c.Tables))
	for i := range c.Tables {
		spec := &c.Tables[i]
		if err := validateStruct(spec); err != nil {
			return fmt.Errorf("tables[%s]: %w", spec.Name, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("tables: %s is configured twice", spec.Name)
		}
		seen[spec.Name] = true

		if spec.ContainsPII && len(spec.PIIFields) == 0 {
			return fmt.Errorf("tables[%s]: contains_pii set but no pii_fields listed", spec.Name)
		}
		if !spec.ContainsPII && len(spec.PIIFields) > 0 {
			return fmt.Errorf("tables[%s]: pii_fields listed but contains_pii not set", spec.Name)
		}
	}
	// The dependency graph rejects unknown references and cycles.
	if _, err := source.NewDependencyGraph(c.Tables); err != nil {
		return fmt.Errorf("tables: %w", err)
	}
	return nil
}
