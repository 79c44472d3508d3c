// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package models

import (
	"time"

	"github.com/google/uuid"
)

// ComplianceRequestType is the kind of data-subject-rights request.
type ComplianceRequestType string

const (
	RequestErasure       ComplianceRequestType = "erasure"
	RequestPortability   ComplianceRequestType = "portability"
	RequestRectification ComplianceRequestType = "rectification"
	RequestRestriction   ComplianceRequestType = "restriction"
)

// ComplianceRequestStatus is the request lifecycle state. Terminal once
// completed or rejected.
type ComplianceRequestStatus string

const (
	RequestPending   ComplianceRequestStatus = "pending"
	RequestCompleted ComplianceRequestStatus = "completed"
	RequestRejected  ComplianceRequestStatus = "rejected"
)

// ArtifactOutcome is the per-artifact result of processing a compliance
// request against the backup inventory.
type ArtifactOutcome string

const (
	OutcomeErased      ArtifactOutcome = "erased"
	OutcomeSkippedHold ArtifactOutcome = "skipped-hold"
	OutcomeFailed      ArtifactOutcome = "failed"
	OutcomeExported    ArtifactOutcome = "exported"
	OutcomeRestricted  ArtifactOutcome = "restricted"
)

// Terminal reports whether the outcome needs no further processing.
// A failed outcome keeps the owning request pending for manual review.
func (o ArtifactOutcome) Terminal() bool {
	switch o {
	case OutcomeErased, OutcomeSkippedHold, OutcomeExported, OutcomeRestricted:
		return true
	default:
		return false
	}
}

// OutcomeEntry is one line of a request's result log.
type OutcomeEntry struct {
	ArtifactID string          `json:"artifact_id"`
	Outcome    ArtifactOutcome `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	At         time.Time       `json:"at"`
}

// ComplianceRequest is a subject-rights request created by the external
// compliance intake process and mutated only by the compliance engine.
type ComplianceRequest struct {
	ID          string                  `json:"id"`
	Type        ComplianceRequestType   `json:"type"`
	SubjectID   string                  `json:"subject_id"`
	RequestedAt time.Time               `json:"requested_at"`
	Status      ComplianceRequestStatus `json:"status"`

	// AffectedArtifactIDs lists artifacts in the request's scope. Artifacts
	// referenced by a pending request are never deleted by retention.
	AffectedArtifactIDs []string `json:"affected_artifact_ids,omitempty"`

	ResultLog []OutcomeEntry `json:"result_log,omitempty"`
}

// References reports whether the request's scope covers an artifact.
func (r *ComplianceRequest) References(artifactID string) bool {
	for _, id := range r.AffectedArtifactIDs {
		if id == artifactID {
			return true
		}
	}
	return false
}

// AllOutcomesTerminal reports whether every affected artifact has reached a
// terminal outcome. A request transitions to completed only when this holds.
func (r *ComplianceRequest) AllOutcomesTerminal() bool {
	seen := make(map[string]ArtifactOutcome, len(r.ResultLog))
	for _, entry := range r.ResultLog {
		seen[entry.ArtifactID] = entry.Outcome
	}
	for _, id := range r.AffectedArtifactIDs {
		outcome, ok := seen[id]
		if !ok || !outcome.Terminal() {
			return false
		}
	}
	return true
}

// NewRequestID returns a new compliance request identifier.
func NewRequestID() string {
	return uuid.New().String()
}
