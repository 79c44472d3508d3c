// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
)

// NATSConfig configures the JetStream object store backend.
type NATSConfig struct {
	URL    string `koanf:"url" validate:"required"`
	Bucket string `koanf:"bucket" validate:"required"`

	// MaxBytes caps the object store size; 0 means unlimited.
	MaxBytes int64 `koanf:"max_bytes"`
}

// NATSBackend stores artifacts in a JetStream object store bucket.
// Useful when a deployment already runs NATS for the SIEM event stream
// and wants artifact storage on the same infrastructure.
type NATSBackend struct {
	nc  *natsgo.Conn
	obs jetstream.ObjectStore
}

// NewNATSBackend connects and provisions the bucket if absent.
func NewNATSBackend(ctx context.Context, cfg NATSConfig) (*NATSBackend, error) {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "custodia backup artifacts",
		MaxBytes:    cfg.MaxBytes,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure object store %s: %w", cfg.Bucket, err)
	}

	logging.Info().
		Str("url", cfg.URL).
		Str("bucket", cfg.Bucket).
		Msg("NATS object store backend ready")
	return &NATSBackend{nc: nc, obs: obs}, nil
}

// Name implements Backend.
func (b *NATSBackend) Name() string { return "nats" }

// Upload implements Backend.
func (b *NATSBackend) Upload(ctx context.Context, key string, data []byte) error {
	defer metrics.ObserveStorageOp(b.Name(), "upload", time.Now())

	if _, err := b.obs.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Download implements Backend.
func (b *NATSBackend) Download(ctx context.Context, key string) ([]byte, error) {
	defer metrics.ObserveStorageOp(b.Name(), "download", time.Now())

	data, err := b.obs.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Backend.
func (b *NATSBackend) Delete(ctx context.Context, key string) error {
	defer metrics.ObserveStorageOp(b.Name(), "delete", time.Now())

	err := b.obs.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Archive implements Backend. JetStream object stores have a single
// storage tier; migration is recorded on the object's metadata so the
// inventory's view of the artifact's class stays truthful.
func (b *NATSBackend) Archive(ctx context.Context, key string) error {
	defer metrics.ObserveStorageOp(b.Name(), "archive", time.Now())

	info, err := b.obs.GetInfo(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("archiving %s: %w", key, err)
	}

	meta := info.ObjectMeta
	if meta.Metadata == nil {
		meta.Metadata = make(map[string]string)
	}
	meta.Metadata["storage_class"] = ClassArchive
	if err := b.obs.UpdateMeta(ctx, key, meta); err != nil {
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	return nil
}

// Close implements Backend.
func (b *NATSBackend) Close() error {
	b.nc.Close()
	return nil
}
