// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package models defines the data model shared by the backup, retention,
// compliance and recovery components: table specifications, backup
// artifacts, compliance requests and recovery operations.
package models

import "time"

// Tier is a table priority classification driving backup order and
// retention floors.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// Order returns the capture ordering of a tier; lower values are captured
// first. Unknown tiers sort last.
func (t Tier) Order() int {
	switch t {
	case TierCritical:
		return 0
	case TierHigh:
		return 1
	case TierMedium:
		return 2
	case TierLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether the tier is one of the known classifications.
func (t Tier) Valid() bool {
	return t.Order() < 4
}

// Frequency is a table backup frequency class.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Valid reports whether the frequency is a known class.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		return true
	default:
		return false
	}
}

// TableSpec is the static per-table configuration, loaded at startup and
// immutable afterwards.
type TableSpec struct {
	// Name is the source table name.
	Name string `json:"name" koanf:"name" validate:"required"`

	// Tier is the priority tier (critical, high, medium, low).
	Tier Tier `json:"tier" koanf:"tier" validate:"required,oneof=critical high medium low"`

	// ContainsPII marks tables whose rows carry personal data.
	ContainsPII bool `json:"contains_pii" koanf:"contains_pii"`

	// PIIFields lists the field names to pseudonymize before capture.
	PIIFields []string `json:"pii_fields,omitempty" koanf:"pii_fields"`

	// Frequency is the backup frequency class (hourly, daily, weekly).
	Frequency Frequency `json:"frequency" koanf:"frequency" validate:"required,oneof=hourly daily weekly"`

	// RetentionYears is the business retention requirement. Compliance
	// regimes may raise, never lower, the effective retention.
	RetentionYears int `json:"retention_years" koanf:"retention_years" validate:"min=1"`

	// DependsOn names parent tables that must be restored first.
	DependsOn []string `json:"depends_on,omitempty" koanf:"depends_on"`
}

// ChangeKind tags each captured record with the operation that produced it.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Record is one captured row with its explicit change kind and modification
// timestamp. Fields holds the column values; for ChangeDelete only the key
// columns are guaranteed to be present.
type Record struct {
	Kind   ChangeKind     `json:"kind"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields"`
}
