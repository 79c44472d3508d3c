// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/custodia-engine/custodia/internal/backup"
	"github.com/custodia-engine/custodia/internal/compliance"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/retention"
)

// Engine is the operations surface the API drives. Implemented by
// engine.Engine; narrowed here so handlers are testable against a stub.
type Engine interface {
	RunFullBackup(ctx context.Context) (*models.BackupArtifact, error)
	RunIncrementalBackup(ctx context.Context) (*models.BackupArtifact, error)
	RunDifferentialBackup(ctx context.Context) (*models.BackupArtifact, error)
	Job(id string) (backup.Job, error)
	Jobs() []backup.Job

	Artifacts(ctx context.Context) ([]*models.BackupArtifact, error)
	Artifact(ctx context.Context, id string) (*models.BackupArtifact, error)
	SetLegalHold(ctx context.Context, artifactID string, held bool) error

	RestoreComplete(ctx context.Context, artifactID string) (models.RecoveryOperation, error)
	RestorePointInTime(ctx context.Context, target time.Time) (models.RecoveryOperation, error)
	RestoreSelective(ctx context.Context, artifactID string, tables []string) (models.RecoveryOperation, error)
	RecoveryOperation(id string) (models.RecoveryOperation, error)
	RecoveryOperations() []models.RecoveryOperation

	ApplyRetention(ctx context.Context) (*retention.SweepReport, error)
	RetentionPolicy(table string) (models.RetentionPolicy, error)
	RotateKey(ctx context.Context) (string, error)

	SubmitComplianceRequest(ctx context.Context, typ models.ComplianceRequestType, subjectID string, artifactIDs []string) (*models.ComplianceRequest, error)
	ProcessComplianceRequest(ctx context.Context, id string) (*models.ComplianceRequest, error)
	ComplianceRequest(ctx context.Context, id string) (*models.ComplianceRequest, error)
	ComplianceRequests(ctx context.Context) ([]*models.ComplianceRequest, error)
	OpenExport(handleID string) ([]byte, error)
	SetRegimeEnabled(name string, enabled bool) error
	Regimes() []compliance.Regime
	GenerateComplianceReport(ctx context.Context, start, end time.Time) (*compliance.Report, error)
}

// Handlers maps HTTP requests onto the engine.
type Handlers struct {
	engine Engine
}

// NewHandlers wraps an engine.
func NewHandlers(eng Engine) *Handlers {
	return &Handlers{engine: eng}
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- backups ---

func (h *Handlers) runBackup(w http.ResponseWriter, r *http.Request, run func(context.Context) (*models.BackupArtifact, error)) {
	artifact, err := run(r.Context())
	if errors.Is(err, backup.ErrNoChanges) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_changes"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (h *Handlers) backupFull(w http.ResponseWriter, r *http.Request) {
	h.runBackup(w, r, h.engine.RunFullBackup)
}

func (h *Handlers) backupIncremental(w http.ResponseWriter, r *http.Request) {
	h.runBackup(w, r, h.engine.RunIncrementalBackup)
}

func (h *Handlers) backupDifferential(w http.ResponseWriter, r *http.Request) {
	h.runBackup(w, r, h.engine.RunDifferentialBackup)
}

func (h *Handlers) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Jobs())
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- artifacts ---

func (h *Handlers) listArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.engine.Artifacts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (h *Handlers) getArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.engine.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (h *Handlers) setLegalHold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Held bool `json:"held"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.engine.SetLegalHold(r.Context(), id, body.Held); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifact_id": id, "legal_hold": body.Held})
}

// --- restore ---

func (h *Handlers) restoreComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArtifactID string `json:"artifact_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ArtifactID == "" {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "artifact_id is required")
		return
	}
	op, err := h.engine.RestoreComplete(r.Context(), body.ArtifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *Handlers) restorePointInTime(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target time.Time `json:"target"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Target.IsZero() {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "target timestamp is required")
		return
	}
	op, err := h.engine.RestorePointInTime(r.Context(), body.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *Handlers) restoreSelective(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ArtifactID string   `json:"artifact_id"`
		Tables     []string `json:"tables"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ArtifactID == "" || len(body.Tables) == 0 {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "artifact_id and tables are required")
		return
	}
	op, err := h.engine.RestoreSelective(r.Context(), body.ArtifactID, body.Tables)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *Handlers) listOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.RecoveryOperations())
}

func (h *Handlers) getOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.engine.RecoveryOperation(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// --- retention & keys ---

func (h *Handlers) retentionSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ApplyRetention(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) retentionPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.engine.RetentionPolicy(chi.URLParam(r, "table"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (h *Handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := h.engine.RotateKey(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key_id": keyID})
}

// --- compliance ---

func (h *Handlers) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type        models.ComplianceRequestType `json:"type"`
		SubjectID   string                       `json:"subject_id"`
		ArtifactIDs []string                     `json:"artifact_ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	switch body.Type {
	case models.RequestErasure, models.RequestPortability, models.RequestRectification, models.RequestRestriction:
	default:
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "unknown request type")
		return
	}
	if body.SubjectID == "" && body.Type != models.RequestRestriction {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "subject_id is required")
		return
	}
	req, err := h.engine.SubmitComplianceRequest(r.Context(), body.Type, body.SubjectID, body.ArtifactIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) processRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.ProcessComplianceRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.ComplianceRequests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.ComplianceRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) openExport(w http.ResponseWriter, r *http.Request) {
	content, err := h.engine.OpenExport(chi.URLParam(r, "handle"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handlers) listRegimes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Regimes())
}

func (h *Handlers) setRegime(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.engine.SetRegimeEnabled(name, body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regime": name, "enabled": body.Enabled})
}

func (h *Handlers) complianceReport(w http.ResponseWriter, r *http.Request) {
	start, err := parseTimeParam(r, "start")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(0, -1, 0)
	}
	report, err := h.engine.GenerateComplianceReport(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be RFC 3339")
	}
	return t, nil
}
