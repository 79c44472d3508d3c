// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/keystore"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/payload"
	"github.com/custodia-engine/custodia/internal/storage"
)

// DefaultExportTTL bounds how long a portability export stays
// retrievable.
const DefaultExportTTL = 72 * time.Hour

var (
	// ErrExportExpired is returned when an export handle is opened past
	// its expiry.
	ErrExportExpired = errors.New("compliance: export has expired")

	// ErrExportNotFound is returned for unknown export handles.
	ErrExportNotFound = errors.New("compliance: export not found")

	// ErrUnsupportedFormat is returned for export formats other than
	// json and csv.
	ErrUnsupportedFormat = errors.New("compliance: unsupported export format")
)

// ExportHandle references a prepared subject-data export. The data is
// held by the Exporter and destroyed at expiry, not handed out inline.
type ExportHandle struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeBytes int64     `json:"size_bytes"`
	Records   int64     `json:"records"`
}

type export struct {
	handle ExportHandle
	data   []byte
}

// Exporter builds bounded-lifetime portability exports.
type Exporter struct {
	inv           inventory.Store
	backend       storage.Backend
	engine        *crypto.Engine
	protector     *crypto.Protector
	specs         map[string]models.TableSpec
	subjectFields []string
	auditor       *audit.Logger
	ttl           time.Duration

	mu      sync.Mutex
	exports map[string]*export
}

// NewExporter wires the portability path. ttl <= 0 uses
// DefaultExportTTL.
func NewExporter(inv inventory.Store, backend storage.Backend, engine *crypto.Engine, protector *crypto.Protector, specs []models.TableSpec, subjectFields []string, auditor *audit.Logger, ttl time.Duration) *Exporter {
	if ttl <= 0 {
		ttl = DefaultExportTTL
	}
	byName := make(map[string]models.TableSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &Exporter{
		inv:           inv,
		backend:       backend,
		engine:        engine,
		protector:     protector,
		specs:         byName,
		subjectFields: subjectFields,
		auditor:       auditor,
		ttl:           ttl,
		exports:       make(map[string]*export),
	}
}

// ProcessPortability collects the subject's records from every in-scope
// artifact, de-pseudonymizes where the reverse map allows, and returns a
// handle to the rendered export.
func (e *Exporter) ProcessPortability(ctx context.Context, subjectID, format string) (*ExportHandle, error) {
	format = strings.ToLower(format)
	if format != "json" && format != "csv" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	artifacts, err := e.inv.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing inventory: %w", err)
	}

	matcher := newSubjectMatcher(subjectID, e.subjectFields, e.protector)
	collected := make(map[string][]models.Record)
	var total int64

	for _, artifact := range artifacts {
		tables, err := e.collectFrom(ctx, artifact, matcher)
		if err != nil {
			return nil, fmt.Errorf("collecting from artifact %s: %w", artifact.ID, err)
		}
		for table, records := range tables {
			collected[table] = append(collected[table], records...)
			total += int64(len(records))
		}
	}

	rendered, err := e.render(ctx, collected, format)
	if err != nil {
		return nil, err
	}

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generating export id: %w", err)
	}
	now := time.Now().UTC()
	exp := &export{
		handle: ExportHandle{
			ID:        hex.EncodeToString(id),
			SubjectID: subjectID,
			Format:    format,
			CreatedAt: now,
			ExpiresAt: now.Add(e.ttl),
			SizeBytes: int64(len(rendered)),
			Records:   total,
		},
		data: rendered,
	}

	e.mu.Lock()
	e.purgeExpiredLocked(now)
	e.exports[exp.handle.ID] = exp
	e.mu.Unlock()

	if e.auditor != nil {
		e.auditor.ComplianceEvent(audit.EventPortabilityExport, audit.OutcomeSuccess, subjectID,
			map[string]string{
				"format":  format,
				"records": fmt.Sprintf("%d", total),
				"expires": exp.handle.ExpiresAt.Format(time.RFC3339),
			})
	}

	handle := exp.handle
	return &handle, nil
}

// Open returns the export data for a handle, or ErrExportExpired /
// ErrExportNotFound.
func (e *Exporter) Open(handleID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.exports[handleID]
	if !ok {
		return nil, ErrExportNotFound
	}
	if time.Now().After(exp.handle.ExpiresAt) {
		delete(e.exports, handleID)
		return nil, ErrExportExpired
	}
	return exp.data, nil
}

func (e *Exporter) purgeExpiredLocked(now time.Time) {
	for id, exp := range e.exports {
		if now.After(exp.handle.ExpiresAt) {
			delete(e.exports, id)
		}
	}
}

// collectFrom pulls the subject's records out of one artifact.
func (e *Exporter) collectFrom(ctx context.Context, artifact *models.BackupArtifact, matcher *subjectMatcher) (map[string][]models.Record, error) {
	inScope := false
	for table := range artifact.TableManifest {
		if spec, ok := e.specs[table]; ok && spec.ContainsPII {
			inScope = true
			break
		}
	}
	if !inScope {
		return nil, nil
	}

	sealed, err := e.backend.Download(ctx, artifact.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}
	plain, err := e.engine.Decrypt(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	tables, err := payload.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	out := make(map[string][]models.Record)
	for table, records := range tables {
		spec, ok := e.specs[table]
		if !ok || !spec.ContainsPII {
			continue
		}
		for _, rec := range records {
			match, err := matcher.matches(ctx, rec)
			if err != nil {
				return nil, err
			}
			if match {
				out[table] = append(out[table], e.depseudonymize(ctx, rec))
			}
		}
	}
	return out, nil
}

// depseudonymize resolves protected tokens back to originals where the
// reverse map knows them; unknown tokens stay as-is.
func (e *Exporter) depseudonymize(ctx context.Context, rec models.Record) models.Record {
	if e.protector == nil || !e.protector.Reversible() {
		return rec
	}
	out := models.Record{Kind: rec.Kind, At: rec.At, Fields: make(map[string]any, len(rec.Fields))}
	for name, value := range rec.Fields {
		s, ok := value.(string)
		if ok && crypto.IsProtectedToken(s) {
			if original, err := e.protector.Reverse(ctx, s); err == nil {
				out.Fields[name] = original
				continue
			} else if !errors.Is(err, keystore.ErrSecretNotFound) {
				// Leave the token; the export notes nothing, the audit
				// trail has the crypto failure event.
				out.Fields[name] = s
				continue
			}
		}
		out.Fields[name] = value
	}
	return out
}

// render serializes the collected records.
func (e *Exporter) render(_ context.Context, tables map[string][]models.Record, format string) ([]byte, error) {
	if format == "json" {
		blob, err := json.MarshalIndent(tables, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("rendering json export: %w", err)
		}
		return blob, nil
	}

	// CSV: one section per table, a blank line between tables.
	var sb strings.Builder
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		records := tables[name]
		cols := columnSet(records)

		w := csv.NewWriter(&sb)
		sb.WriteString("table," + name + "\n")
		if err := w.Write(cols); err != nil {
			return nil, fmt.Errorf("rendering csv export: %w", err)
		}
		for _, rec := range records {
			row := make([]string, len(cols))
			for i, col := range cols {
				if v, ok := rec.Fields[col]; ok && v != nil {
					row[i] = fmt.Sprintf("%v", v)
				}
			}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("rendering csv export: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("rendering csv export: %w", err)
		}
		sb.WriteString("\n")
	}
	return []byte(sb.String()), nil
}

func columnSet(records []models.Record) []string {
	set := make(map[string]struct{})
	for _, rec := range records {
		for name := range rec.Fields {
			set[name] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for name := range set {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}
