// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package payload is the artifact wire format: per-table record sets
// serialized to JSON, wrapped in a versioned envelope, and compressed
// with zstd. The per-table checksums computed here feed the artifact's
// table manifest and post-restore verification.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/custodia-engine/custodia/internal/models"
)

// CompressionName records the codec in artifact metadata.
const CompressionName = "zstd"

// formatVersion guards against decoding artifacts written by an
// incompatible engine.
const formatVersion = 1

// ErrFormat is returned when a payload cannot be decoded.
var ErrFormat = errors.New("payload: invalid artifact payload")

type envelope struct {
	Version int                        `json:"version"`
	Tables  map[string][]models.Record `json:"tables"`
}

// Encode serializes tables and returns the compressed payload plus the
// per-table manifest entries. Table order inside the payload is
// irrelevant; checksums are computed over each table's serialized
// records independently.
func Encode(tables map[string][]models.Record) ([]byte, map[string]models.TableManifestEntry, error) {
	manifest := make(map[string]models.TableManifestEntry, len(tables))
	for name, records := range tables {
		sum, err := ChecksumRecords(records)
		if err != nil {
			return nil, nil, fmt.Errorf("checksumming table %s: %w", name, err)
		}
		manifest[name] = models.TableManifestEntry{
			Rows:     int64(len(records)),
			Checksum: sum,
		}
	}

	raw, err := json.Marshal(envelope{Version: formatVersion, Tables: tables})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding payload: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating compressor: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), manifest, nil
}

// Decode decompresses and parses an artifact payload.
func Decode(data []byte) (map[string][]models.Record, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating decompressor: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrFormat, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, env.Version)
	}
	if env.Tables == nil {
		env.Tables = make(map[string][]models.Record)
	}
	return env.Tables, nil
}

// ChecksumRecords returns the SHA-256 over a table's records. Records
// are hashed in order with canonicalized field keys, so the checksum is
// stable for a given record sequence.
func ChecksumRecords(records []models.Record) (string, error) {
	h := sha256.New()
	for _, rec := range records {
		blob, err := canonicalRecord(rec)
		if err != nil {
			return "", err
		}
		h.Write(blob)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalRecord serializes one record with sorted field keys.
func canonicalRecord(rec models.Record) ([]byte, error) {
	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make([]any, 0, 2+len(names)*2)
	ordered = append(ordered, string(rec.Kind), rec.At.UTC().Format("2006-01-02T15:04:05.999999999Z"))
	for _, name := range names {
		ordered = append(ordered, name, rec.Fields[name])
	}
	blob, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing record: %w", err)
	}
	return blob, nil
}
