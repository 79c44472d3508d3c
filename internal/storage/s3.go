// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
)

// S3Config configures the S3 backend. Endpoint may point at any
// S3-compatible service (MinIO, Ceph, object gateways).
type S3Config struct {
	Bucket       string `koanf:"bucket" validate:"required"`
	Region       string `koanf:"region" validate:"required"`
	Endpoint     string `koanf:"endpoint"`
	AccessKeyID  string `koanf:"access_key_id"`
	SecretKey    string `koanf:"secret_access_key"`
	UsePathStyle bool   `koanf:"use_path_style"`

	// ArchiveClass is the storage class Archive migrates objects to.
	ArchiveClass string `koanf:"archive_class"`
}

// S3Backend stores artifacts in an S3 (or compatible) bucket.
type S3Backend struct {
	client       *s3.Client
	bucket       string
	archiveClass s3types.StorageClass
}

// NewS3Backend builds the client and verifies the bucket is reachable.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	archiveClass := s3types.StorageClassGlacier
	if cfg.ArchiveClass != "" {
		archiveClass = s3types.StorageClass(cfg.ArchiveClass)
	}

	b := &S3Backend{client: client, bucket: cfg.Bucket, archiveClass: archiveClass}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s unreachable: %w", cfg.Bucket, err)
	}

	logging.Info().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 storage backend ready")
	return b, nil
}

// Name implements Backend.
func (b *S3Backend) Name() string { return "s3" }

// Upload implements Backend.
func (b *S3Backend) Upload(ctx context.Context, key string, data []byte) error {
	defer metrics.ObserveStorageOp(b.Name(), "upload", time.Now())

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Download implements Backend.
func (b *S3Backend) Download(ctx context.Context, key string) ([]byte, error) {
	defer metrics.ObserveStorageOp(b.Name(), "download", time.Now())

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Backend. S3 deletes are idempotent.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	defer metrics.ObserveStorageOp(b.Name(), "delete", time.Now())

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Archive implements Backend. Server-side copy onto the cold storage
// class; the key is unchanged.
func (b *S3Backend) Archive(ctx context.Context, key string) error {
	defer metrics.ObserveStorageOp(b.Name(), "archive", time.Now())

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(key),
		CopySource:   aws.String(b.bucket + "/" + key),
		StorageClass: b.archiveClass,
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	return nil
}

// Close implements Backend.
func (b *S3Backend) Close() error { return nil }
