// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package api is the HTTP operations surface: backup and restore
// invocation, inventory and job inspection, retention, key rotation and
// compliance processing. Every data endpoint requires a bearer token.
package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/custodia-engine/custodia/internal/backup"
	"github.com/custodia-engine/custodia/internal/compliance"
	"github.com/custodia-engine/custodia/internal/engine"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/restore"
	"github.com/custodia-engine/custodia/internal/retention"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   *Problem `json:"error,omitempty"`
}

// Problem carries a machine-readable error code and a human-readable
// message.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeBadRequest    = "BAD_REQUEST"
	codeUnauthorized  = "UNAUTHORIZED"
	codeNotFound      = "NOT_FOUND"
	codeConflict      = "CONFLICT"
	codeGone          = "GONE"
	codeUnprocessable = "UNPROCESSABLE"
	codeInternal      = "INTERNAL"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(Response{Error: &Problem{Code: code, Message: message}})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps domain sentinel errors to HTTP statuses. Internal
// errors are logged in full but returned without detail.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, compliance.ErrUnsupportedFormat):
		writeProblem(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, inventory.ErrArtifactNotFound),
		errors.Is(err, backup.ErrJobNotFound),
		errors.Is(err, restore.ErrOperationNotFound),
		errors.Is(err, restore.ErrNoBaseBackup),
		errors.Is(err, compliance.ErrRequestNotFound),
		errors.Is(err, compliance.ErrExportNotFound),
		errors.Is(err, retention.ErrUnknownTable):
		writeProblem(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, restore.ErrRecoveryInProgress),
		errors.Is(err, engine.ErrRequestNotPending),
		errors.Is(err, engine.ErrPortabilityUnavailable),
		errors.Is(err, engine.ErrRightNotGranted):
		writeProblem(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, compliance.ErrExportExpired):
		writeProblem(w, http.StatusGone, codeGone, err.Error())
	case errors.Is(err, restore.ErrTablesNotInArtifact),
		errors.Is(err, inventory.ErrChainBroken):
		writeProblem(w, http.StatusUnprocessableEntity, codeUnprocessable, err.Error())
	default:
		logging.Error().Err(err).Msg("Request failed")
		writeProblem(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
