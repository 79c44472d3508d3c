// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package models

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// BackupType defines the capture strategy that produced an artifact.
type BackupType string

const (
	// BackupFull captures every configured table in one artifact.
	BackupFull BackupType = "full"

	// BackupIncremental captures rows changed since the last successful
	// backup of any type.
	BackupIncremental BackupType = "incremental"

	// BackupDifferential captures rows changed since the last full backup.
	BackupDifferential BackupType = "differential"
)

// JobStatus is the backup job state machine: queued -> running ->
// {completed | failed}.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// TableManifestEntry records what one table contributed to an artifact,
// used by post-restore verification.
type TableManifestEntry struct {
	// Rows is the number of records captured for the table.
	Rows int64 `json:"rows"`

	// Checksum is the SHA-256 of the table's serialized records.
	Checksum string `json:"checksum"`

	// PIIProtected marks tables whose PII fields were pseudonymized.
	PIIProtected bool `json:"pii_protected,omitempty"`
}

// BackupArtifact is one produced backup. Created by the backup orchestrator
// at job completion; the archived and legal-hold flags are mutated by the
// retention engine; disaster recovery is a read-only consumer.
type BackupArtifact struct {
	// ID is globally unique and time-ordered (ULID).
	ID string `json:"id"`

	Type      BackupType `json:"type"`
	CreatedAt time.Time  `json:"created_at"`

	// BaseArtifactID points to the prior artifact in an incremental chain.
	// Empty for full backups. The chain must terminate at a full artifact
	// with no gaps.
	BaseArtifactID string `json:"base_artifact_id,omitempty"`

	SizeBytes       int64  `json:"size_bytes"`
	StorageLocation string `json:"storage_location"`
	StorageKey      string `json:"storage_key"`

	// StorageClass is the cost tier the artifact currently occupies
	// (standard or archive).
	StorageClass string `json:"storage_class,omitempty"`

	// EncryptionKeyID names the key the payload is encrypted under. Retired
	// keys stay resolvable for as long as the artifact exists.
	EncryptionKeyID string `json:"encryption_key_id"`

	// Compression is the payload compression algorithm.
	Compression string `json:"compression,omitempty"`

	// TableManifest maps table name to its row count and checksum.
	TableManifest map[string]TableManifestEntry `json:"table_manifest"`

	Archived  bool `json:"archived"`
	LegalHold bool `json:"legal_hold"`

	// InUse marks artifacts a running restore is reading; the retention
	// sweep never deletes an in-use artifact.
	InUse bool `json:"in_use,omitempty"`

	// RetryTables lists tables an incremental job failed to capture,
	// flagged for the next cycle.
	RetryTables []string `json:"retry_tables,omitempty"`
}

// Tables returns the manifest's table names.
func (a *BackupArtifact) Tables() []string {
	names := make([]string, 0, len(a.TableManifest))
	for name := range a.TableManifest {
		names = append(names, name)
	}
	return names
}

// HasTable reports whether the artifact's manifest covers a table.
func (a *BackupArtifact) HasTable(name string) bool {
	_, ok := a.TableManifest[name]
	return ok
}

// Age returns the artifact's age at the given instant.
func (a *BackupArtifact) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}

// NewArtifactID returns a new time-ordered unique artifact identifier.
func NewArtifactID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}

// RetentionPolicy is the effective retention computed for a table: the
// maximum of the business retention and the compliance floor. Derived, not
// persisted.
type RetentionPolicy struct {
	TableName string `json:"table_name"`

	// BusinessYears comes from the table spec.
	BusinessYears int `json:"business_years"`

	// ComplianceFloorYears is the maximum floor over all enabled regimes
	// applicable to the table.
	ComplianceFloorYears int `json:"compliance_floor_years"`

	// FloorRegime names the regime that set the floor, empty when the
	// business retention dominates.
	FloorRegime string `json:"floor_regime,omitempty"`
}

// EffectiveYears is the retention actually applied to artifacts of the
// table. Monotonically non-decreasing as regimes are enabled.
func (p RetentionPolicy) EffectiveYears() int {
	if p.ComplianceFloorYears > p.BusinessYears {
		return p.ComplianceFloorYears
	}
	return p.BusinessYears
}
