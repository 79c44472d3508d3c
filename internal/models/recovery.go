// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package models

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryStrategy selects how a restore reconstructs state.
type RecoveryStrategy string

const (
	// RecoveryComplete restores a single artifact in full.
	RecoveryComplete RecoveryStrategy = "complete"

	// RecoveryPointInTime restores a base snapshot plus ordered incremental
	// replay up to a target timestamp.
	RecoveryPointInTime RecoveryStrategy = "point-in-time"

	// RecoverySelective restores a table subset from one artifact.
	RecoverySelective RecoveryStrategy = "selective"
)

// RecoveryStatus is the recovery operation state. At most one operation may
// be running system-wide at any time.
type RecoveryStatus string

const (
	RecoveryRunning    RecoveryStatus = "running"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
	RecoveryRolledBack RecoveryStatus = "rolled-back"
)

// VerificationEntry compares restored row counts against the artifact
// manifest for one table. Mismatches are surfaced for operator review, not
// rolled back: the restore transaction has already committed.
type VerificationEntry struct {
	Expected int64 `json:"expected"`
	Actual   int64 `json:"actual"`
	Match    bool  `json:"match"`
}

// RecoveryOperation is one restore run and its outcome.
type RecoveryOperation struct {
	ID       string           `json:"id"`
	Strategy RecoveryStrategy `json:"strategy"`

	// SourceArtifactIDs lists the artifacts read, base first for
	// point-in-time chains.
	SourceArtifactIDs []string `json:"source_artifact_ids"`

	// TargetTimestamp is set for point-in-time restores only.
	TargetTimestamp *time.Time `json:"target_timestamp,omitempty"`

	// TableSubset is set for selective restores only.
	TableSubset []string `json:"table_subset,omitempty"`

	Status     RecoveryStatus `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`

	// Verification holds the per-table post-restore count comparison.
	Verification map[string]VerificationEntry `json:"verification,omitempty"`
}

// VerificationClean reports whether every restored table's count matched
// its manifest entry.
func (op *RecoveryOperation) VerificationClean() bool {
	for _, v := range op.Verification {
		if !v.Match {
			return false
		}
	}
	return true
}

// NewOperationID returns a new recovery operation identifier.
func NewOperationID() string {
	return uuid.New().String()
}
