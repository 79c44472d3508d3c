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

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
)

// RetryConfig tunes the resilient decorator.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first failure.
	MaxRetries uint64 `koanf:"max_retries"`

	// InitialInterval seeds the exponential backoff.
	InitialInterval time.Duration `koanf:"initial_interval"`

	// MaxInterval caps the backoff between attempts.
	MaxInterval time.Duration `koanf:"max_interval"`

	// FailureThreshold is the consecutive-failure count that opens the
	// circuit breaker.
	FailureThreshold uint32 `koanf:"failure_threshold"`

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

// DefaultRetryConfig matches the posture for a flaky but recoverable
// object store.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:       4,
		InitialInterval:  500 * time.Millisecond,
		MaxInterval:      30 * time.Second,
		FailureThreshold: 5,
		BreakerTimeout:   60 * time.Second,
	}
}

// ResilientBackend decorates a Backend with exponential-backoff retries
// and a circuit breaker. Transient storage faults are absorbed here so
// the backup orchestrator only sees failures worth flagging a table for
// retry over.
type ResilientBackend struct {
	inner   Backend
	cfg     RetryConfig
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewResilientBackend wraps inner.
func NewResilientBackend(inner Backend, cfg RetryConfig) *ResilientBackend {
	r := &ResilientBackend{inner: inner, cfg: cfg}

	r.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1.0
			}
			metrics.StorageBreakerOpen.WithLabelValues(name).Set(open)
			logging.Warn().
				Str("backend", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Storage circuit breaker state changed")
		},
	})

	return r
}

// Name implements Backend.
func (r *ResilientBackend) Name() string { return r.inner.Name() }

// Upload implements Backend.
func (r *ResilientBackend) Upload(ctx context.Context, key string, data []byte) error {
	_, err := r.execute(ctx, "upload", func() ([]byte, error) {
		return nil, r.inner.Upload(ctx, key, data)
	})
	return err
}

// Download implements Backend.
func (r *ResilientBackend) Download(ctx context.Context, key string) ([]byte, error) {
	return r.execute(ctx, "download", func() ([]byte, error) {
		return r.inner.Download(ctx, key)
	})
}

// Delete implements Backend.
func (r *ResilientBackend) Delete(ctx context.Context, key string) error {
	_, err := r.execute(ctx, "delete", func() ([]byte, error) {
		return nil, r.inner.Delete(ctx, key)
	})
	return err
}

// Archive implements Backend.
func (r *ResilientBackend) Archive(ctx context.Context, key string) error {
	_, err := r.execute(ctx, "archive", func() ([]byte, error) {
		return nil, r.inner.Archive(ctx, key)
	})
	return err
}

// Close implements Backend.
func (r *ResilientBackend) Close() error { return r.inner.Close() }

// execute runs op through the breaker with backoff retries. Not-found
// is a permanent condition, never retried.
func (r *ResilientBackend) execute(ctx context.Context, op string, fn func() ([]byte, error)) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval

	var result []byte
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		out, err := r.breaker.Execute(fn)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
			}
			if attempt > 1 {
				metrics.StorageRetries.WithLabelValues(r.inner.Name()).Inc()
			}
			logging.Warn().
				Err(err).
				Str("backend", r.inner.Name()).
				Str("operation", op).
				Int("attempt", attempt).
				Msg("Storage operation failed, retrying")
			return err
		}
		result = out
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxRetries), ctx))

	if err != nil {
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s failed after %d attempts: %v",
			ErrBackendUnavailable, r.inner.Name(), op, attempt, err)
	}
	return result, nil
}
