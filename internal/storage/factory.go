// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package storage

import (
	"context"
	"fmt"
)

// Config selects and configures the artifact storage backend.
type Config struct {
	// Provider is one of filesystem, s3, nats.
	Provider string `koanf:"provider" validate:"required,oneof=filesystem s3 nats"`

	// BaseDir is the artifact directory for the filesystem provider.
	BaseDir string `koanf:"base_dir"`

	// S3 and NATS are validated by the caller only when their provider
	// is selected; skip them during whole-struct validation.
	S3    S3Config    `koanf:"s3" validate:"-"`
	NATS  NATSConfig  `koanf:"nats" validate:"-"`
	Retry RetryConfig `koanf:"retry"`
}

// New builds the configured backend wrapped in the resilient decorator.
func New(ctx context.Context, cfg Config) (Backend, error) {
	var (
		inner Backend
		err   error
	)
	switch cfg.Provider {
	case "filesystem":
		inner, err = NewFilesystemBackend(cfg.BaseDir)
	case "s3":
		inner, err = NewS3Backend(ctx, cfg.S3)
	case "nats":
		inner, err = NewNATSBackend(ctx, cfg.NATS)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	return NewResilientBackend(inner, retry), nil
}
