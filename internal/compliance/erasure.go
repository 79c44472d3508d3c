// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/payload"
	"github.com/custodia-engine/custodia/internal/storage"
)

// ErasureReport is the auditable outcome of one erasure pass: one entry
// per in-scope artifact.
type ErasureReport struct {
	SubjectID     string                `json:"subject_id"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	Outcomes      []models.OutcomeEntry `json:"outcomes"`
	RecordsErased int64                 `json:"records_erased"`
}

// Failed reports whether any artifact ended in a non-terminal outcome.
func (r *ErasureReport) Failed() bool {
	for _, entry := range r.Outcomes {
		if !entry.Outcome.Terminal() {
			return true
		}
	}
	return false
}

// Eraser performs secure field-level erasure across the backup
// inventory.
type Eraser struct {
	inv           inventory.Store
	backend       storage.Backend
	engine        *crypto.Engine
	protector     *crypto.Protector
	specs         map[string]models.TableSpec
	subjectFields []string
	auditor       *audit.Logger
}

// NewEraser wires the erasure path. specs gives the PII classification
// per table; subjectFields may be nil for the defaults.
func NewEraser(inv inventory.Store, backend storage.Backend, engine *crypto.Engine, protector *crypto.Protector, specs []models.TableSpec, subjectFields []string, auditor *audit.Logger) *Eraser {
	byName := make(map[string]models.TableSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &Eraser{
		inv:           inv,
		backend:       backend,
		engine:        engine,
		protector:     protector,
		specs:         byName,
		subjectFields: subjectFields,
		auditor:       auditor,
	}
}

// inScope reports whether an artifact's manifest covers any PII table.
func (e *Eraser) inScope(artifact *models.BackupArtifact) bool {
	for table := range artifact.TableManifest {
		if spec, ok := e.specs[table]; ok && spec.ContainsPII {
			return true
		}
	}
	return false
}

// ProcessErasure erases the subject's records from every in-scope
// artifact. Artifacts under legal hold are skipped with reason; a
// failure on one artifact does not stop the rest.
func (e *Eraser) ProcessErasure(ctx context.Context, subjectID string) (*ErasureReport, error) {
	artifacts, err := e.inv.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing inventory: %w", err)
	}

	report := &ErasureReport{SubjectID: subjectID, StartedAt: time.Now().UTC()}
	matcher := newSubjectMatcher(subjectID, e.subjectFields, e.protector)

	for _, artifact := range artifacts {
		if !e.inScope(artifact) {
			continue
		}

		if artifact.LegalHold {
			report.Outcomes = append(report.Outcomes, models.OutcomeEntry{
				ArtifactID: artifact.ID,
				Outcome:    models.OutcomeSkippedHold,
				Detail:     "artifact under legal hold",
				At:         time.Now().UTC(),
			})
			logging.Warn().
				Str("artifact_id", artifact.ID).
				Msg("Erasure skipped artifact under legal hold")
			continue
		}

		erased, err := e.eraseArtifact(ctx, artifact, matcher)
		entry := models.OutcomeEntry{ArtifactID: artifact.ID, At: time.Now().UTC()}
		if err != nil {
			entry.Outcome = models.OutcomeFailed
			entry.Detail = err.Error()
			logging.Error().
				Err(err).
				Str("artifact_id", artifact.ID).
				Msg("Erasure failed for artifact")
		} else {
			entry.Outcome = models.OutcomeErased
			entry.Detail = fmt.Sprintf("%d records erased", erased)
			report.RecordsErased += erased
		}
		report.Outcomes = append(report.Outcomes, entry)
	}

	report.FinishedAt = time.Now().UTC()

	outcome := audit.OutcomeSuccess
	if report.Failed() {
		outcome = audit.OutcomeFailure
	}
	if e.auditor != nil {
		e.auditor.ComplianceEvent(audit.EventErasureProcessed, outcome, subjectID,
			map[string]string{
				"artifacts":      strconv.Itoa(len(report.Outcomes)),
				"records_erased": strconv.FormatInt(report.RecordsErased, 10),
			})
	}
	return report, nil
}

// eraseArtifact rewrites one artifact without the subject's records:
// decrypt, strip, re-encrypt under the current key, replace in place.
func (e *Eraser) eraseArtifact(ctx context.Context, artifact *models.BackupArtifact, matcher *subjectMatcher) (int64, error) {
	sealed, err := e.backend.Download(ctx, artifact.StorageKey)
	if err != nil {
		return 0, fmt.Errorf("downloading: %w", err)
	}
	plain, err := e.engine.Decrypt(ctx, sealed)
	if err != nil {
		return 0, fmt.Errorf("decrypting: %w", err)
	}
	tables, err := payload.Decode(plain)
	if err != nil {
		return 0, fmt.Errorf("decoding: %w", err)
	}

	var erased int64
	for table, records := range tables {
		spec, ok := e.specs[table]
		if !ok || !spec.ContainsPII {
			continue
		}
		kept := records[:0]
		for _, rec := range records {
			match, err := matcher.matches(ctx, rec)
			if err != nil {
				return 0, fmt.Errorf("matching records in %s: %w", table, err)
			}
			if match {
				erased++
				continue
			}
			kept = append(kept, rec)
		}
		tables[table] = kept
	}

	if erased == 0 {
		return 0, nil // nothing of the subject's in this artifact
	}

	data, manifest, err := payload.Encode(tables)
	if err != nil {
		return 0, fmt.Errorf("re-encoding: %w", err)
	}
	resealed, keyID, err := e.engine.Encrypt(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("re-encrypting: %w", err)
	}
	if err := e.backend.Upload(ctx, artifact.StorageKey, resealed); err != nil {
		return 0, fmt.Errorf("replacing: %w", err)
	}

	// Keep PII-protected marks from the original manifest; erasure does
	// not change how surviving records were protected.
	err = e.inv.Update(ctx, artifact.ID, func(a *models.BackupArtifact) error {
		for table, entry := range manifest {
			entry.PIIProtected = a.TableManifest[table].PIIProtected
			a.TableManifest[table] = entry
		}
		a.SizeBytes = int64(len(resealed))
		a.EncryptionKeyID = keyID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("updating inventory: %w", err)
	}
	return erased, nil
}
