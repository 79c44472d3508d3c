// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package main is the entry point for the Custodia daemon.
//
// Custodia captures full, incremental and differential backups of an
// operational database, encrypts and pseudonymizes them, and exposes
// restore, retention and compliance operations over an HTTP API.
//
// Startup order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, config file,
//     environment variables)
//  2. Logging: zerolog, configured from the loaded settings
//  3. Engine: keystore, encryption keyring, storage backend, artifact
//     inventory, source database, audit trail, compliance processor
//  4. Supervisor tree: backup scheduler and retention sweeper in the
//     jobs layer, HTTP server in the api layer
//
// Shutdown is graceful on SIGINT and SIGTERM: in-flight requests drain,
// running jobs observe context cancellation, and the engine closes its
// stores.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/custodia-engine/custodia/internal/api"
	"github.com/custodia-engine/custodia/internal/config"
	"github.com/custodia-engine/custodia/internal/engine"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging.ToLogging())
	logging.Info().
		Str("source_driver", cfg.Source.Driver).
		Str("storage_provider", cfg.Storage.Provider).
		Int("tables", len(cfg.Tables)).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing engine")
		}
	}()
	logging.Info().Msg("Engine initialized")

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())

	scheduler, sweeper := eng.Services()
	if cfg.Backup.Schedule.Enabled {
		tree.AddJobService(scheduler)
		logging.Info().
			Dur("interval", cfg.Backup.Schedule.Interval).
			Str("type", string(cfg.Backup.Schedule.Type)).
			Msg("Backup scheduler added")
	}
	tree.AddJobService(sweeper)
	logging.Info().
		Dur("interval", cfg.Retention.SweepInterval).
		Msg("Retention sweeper added")

	if cfg.API.Enabled {
		server := api.NewServer(eng, cfg.API)
		tree.AddAPIService(server)
		logging.Info().
			Str("host", cfg.API.Host).
			Int("port", cfg.API.Port).
			Msg("API server added")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Custodia stopped gracefully")
}
