// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia-engine/custodia/internal/config"
)

// NewRouter builds the HTTP routing tree. Health and metrics are
// unauthenticated; everything under /api/v1 requires a bearer token
// and sits behind a per-IP rate limit.
func NewRouter(eng Engine, cfg config.APIConfig) http.Handler {
	h := NewHandlers(eng)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Timeout > 0 {
		r.Use(chimw.Timeout(cfg.Timeout))
	}
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.Limit(cfg.RateLimitReqs, window, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Use(bearerAuth([]byte(cfg.JWTSecret)))

		r.Route("/backups", func(r chi.Router) {
			r.Post("/full", h.backupFull)
			r.Post("/incremental", h.backupIncremental)
			r.Post("/differential", h.backupDifferential)
			r.Get("/jobs", h.listJobs)
			r.Get("/jobs/{id}", h.getJob)
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", h.listArtifacts)
			r.Get("/{id}", h.getArtifact)
			r.Put("/{id}/hold", h.setLegalHold)
		})

		r.Route("/restore", func(r chi.Router) {
			r.Post("/complete", h.restoreComplete)
			r.Post("/point-in-time", h.restorePointInTime)
			r.Post("/selective", h.restoreSelective)
			r.Get("/operations", h.listOperations)
			r.Get("/operations/{id}", h.getOperation)
		})

		r.Route("/retention", func(r chi.Router) {
			r.Post("/sweep", h.retentionSweep)
			r.Get("/policies/{table}", h.retentionPolicy)
		})

		r.Post("/keys/rotate", h.rotateKey)

		r.Route("/compliance", func(r chi.Router) {
			r.Post("/requests", h.submitRequest)
			r.Get("/requests", h.listRequests)
			r.Get("/requests/{id}", h.getRequest)
			r.Post("/requests/{id}/process", h.processRequest)
			r.Get("/exports/{handle}", h.openExport)
			r.Get("/regimes", h.listRegimes)
			r.Put("/regimes/{name}", h.setRegime)
			r.Get("/report", h.complianceReport)
		})
	})

	return r
}
