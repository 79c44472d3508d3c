// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
	"github.com/custodia-engine/custodia/internal/models"
)

var (
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("compliance: request not found")

	// ErrProcessingIncomplete is returned when a request stays pending
	// because some artifact outcomes failed. Surfaced for manual review;
	// partial silent success is not acceptable for regulatory requests.
	ErrProcessingIncomplete = errors.New("compliance: request has failed artifact outcomes")
)

// RequestStore persists compliance requests and their result logs.
type RequestStore interface {
	Save(ctx context.Context, req *models.ComplianceRequest) error
	Get(ctx context.Context, id string) (*models.ComplianceRequest, error)
	List(ctx context.Context) ([]*models.ComplianceRequest, error)
}

const requestKeyPrefix = "request:"

// BadgerRequestStore persists requests in badger, sharing a database
// with the inventory when configured that way.
type BadgerRequestStore struct {
	db *badger.DB
}

// NewBadgerRequestStore wraps an open badger database.
func NewBadgerRequestStore(db *badger.DB) *BadgerRequestStore {
	return &BadgerRequestStore{db: db}
}

// Save implements RequestStore.
func (s *BadgerRequestStore) Save(_ context.Context, req *models.ComplianceRequest) error {
	blob, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request %s: %w", req.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(requestKeyPrefix+req.ID), blob)
	})
	if err != nil {
		return fmt.Errorf("storing request %s: %w", req.ID, err)
	}
	return nil
}

// Get implements RequestStore.
func (s *BadgerRequestStore) Get(_ context.Context, id string) (*models.ComplianceRequest, error) {
	var req models.ComplianceRequest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(requestKeyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &req)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request %s: %w", id, err)
	}
	return &req, nil
}

// List implements RequestStore.
func (s *BadgerRequestStore) List(_ context.Context) ([]*models.ComplianceRequest, error) {
	var requests []*models.ComplianceRequest
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(requestKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var req models.ComplianceRequest
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &req)
			})
			if err != nil {
				return err
			}
			requests = append(requests, &req)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return requests, nil
}

// MemoryRequestStore is the in-memory RequestStore for tests.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]models.ComplianceRequest
}

// NewMemoryRequestStore returns an empty store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]models.ComplianceRequest)}
}

// Save implements RequestStore.
func (s *MemoryRequestStore) Save(_ context.Context, req *models.ComplianceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = *req
	return nil
}

// Get implements RequestStore.
func (s *MemoryRequestStore) Get(_ context.Context, id string) (*models.ComplianceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return &req, nil
}

// List implements RequestStore.
func (s *MemoryRequestStore) List(_ context.Context) ([]*models.ComplianceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ComplianceRequest, 0, len(s.requests))
	for id := range s.requests {
		req := s.requests[id]
		out = append(out, &req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Processor drives compliance requests to a terminal status through the
// erasure and portability paths.
type Processor struct {
	store    RequestStore
	eraser   *Eraser
	exporter *Exporter
	inv      inventory.Store
	auditor  *audit.Logger
}

// NewProcessor wires the request state machine.
func NewProcessor(store RequestStore, eraser *Eraser, exporter *Exporter, inv inventory.Store, auditor *audit.Logger) *Processor {
	return &Processor{store: store, eraser: eraser, exporter: exporter, inv: inv, auditor: auditor}
}

// ProcessRequest dispatches a request by type, records per-artifact
// outcomes, and transitions the status. The request transitions to
// completed only when every affected artifact reached a terminal
// outcome; any failed outcome keeps it pending and returns
// ErrProcessingIncomplete.
func (p *Processor) ProcessRequest(ctx context.Context, req *models.ComplianceRequest) error {
	if req.Status != models.RequestPending {
		return fmt.Errorf("request %s is %s, not pending", req.ID, req.Status)
	}

	var err error
	switch req.Type {
	case models.RequestErasure:
		err = p.processErasure(ctx, req)
	case models.RequestPortability:
		err = p.processPortability(ctx, req)
	case models.RequestRestriction:
		err = p.processRestriction(ctx, req)
	case models.RequestRectification:
		// Backups are immutable captures; rectified values arrive with
		// the next capture cycle. The request is rejected here so the
		// operator routes it to the operational database instead.
		req.Status = models.RequestRejected
		req.ResultLog = append(req.ResultLog, models.OutcomeEntry{
			ArtifactID: req.ID,
			Outcome:    models.OutcomeFailed,
			Detail:     "rectification applies to the operational database, not backup artifacts",
			At:         time.Now().UTC(),
		})
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
	if err != nil {
		return err
	}

	if req.Status == models.RequestPending && req.AllOutcomesTerminal() {
		req.Status = models.RequestCompleted
	}

	if saveErr := p.store.Save(ctx, req); saveErr != nil {
		return saveErr
	}

	metrics.ComplianceRequestsTotal.WithLabelValues(string(req.Type), string(req.Status)).Inc()
	outcome := audit.OutcomeSuccess
	if req.Status == models.RequestPending {
		outcome = audit.OutcomeFailure
	}
	if p.auditor != nil {
		p.auditor.ComplianceEvent(audit.EventComplianceRequest, outcome, req.ID,
			map[string]string{
				"type":       string(req.Type),
				"status":     string(req.Status),
				"subject_id": req.SubjectID,
			})
	}

	if req.Status == models.RequestPending {
		logging.Warn().
			Str("request_id", req.ID).
			Msg("Compliance request stays pending with failed outcomes; manual review required")
		return fmt.Errorf("%w: request %s", ErrProcessingIncomplete, req.ID)
	}
	return nil
}

func (p *Processor) processErasure(ctx context.Context, req *models.ComplianceRequest) error {
	report, err := p.eraser.ProcessErasure(ctx, req.SubjectID)
	if err != nil {
		return err
	}

	// The erasure pass defines the request's scope when intake left it
	// open.
	if len(req.AffectedArtifactIDs) == 0 {
		for _, entry := range report.Outcomes {
			req.AffectedArtifactIDs = append(req.AffectedArtifactIDs, entry.ArtifactID)
		}
	}
	req.ResultLog = append(req.ResultLog, report.Outcomes...)
	return nil
}

func (p *Processor) processPortability(ctx context.Context, req *models.ComplianceRequest) error {
	handle, err := p.exporter.ProcessPortability(ctx, req.SubjectID, "json")
	if err != nil {
		req.ResultLog = append(req.ResultLog, models.OutcomeEntry{
			ArtifactID: req.ID,
			Outcome:    models.OutcomeFailed,
			Detail:     err.Error(),
			At:         time.Now().UTC(),
		})
		return nil
	}

	now := time.Now().UTC()
	for _, id := range req.AffectedArtifactIDs {
		req.ResultLog = append(req.ResultLog, models.OutcomeEntry{
			ArtifactID: id,
			Outcome:    models.OutcomeExported,
			At:         now,
		})
	}
	req.ResultLog = append(req.ResultLog, models.OutcomeEntry{
		ArtifactID: handle.ID,
		Outcome:    models.OutcomeExported,
		Detail: fmt.Sprintf("export handle %s (%d records, expires %s)",
			handle.ID, handle.Records, handle.ExpiresAt.Format(time.RFC3339)),
		At: now,
	})
	return nil
}

// processRestriction places the affected artifacts under legal hold:
// restriction of processing means the engine must neither delete nor
// rewrite them until the hold lifts.
func (p *Processor) processRestriction(ctx context.Context, req *models.ComplianceRequest) error {
	ids := req.AffectedArtifactIDs
	if len(ids) == 0 {
		artifacts, err := p.inv.List(ctx)
		if err != nil {
			return err
		}
		for _, artifact := range artifacts {
			ids = append(ids, artifact.ID)
		}
		req.AffectedArtifactIDs = ids
	}

	now := time.Now().UTC()
	for _, id := range ids {
		entry := models.OutcomeEntry{ArtifactID: id, At: now}
		err := p.inv.Update(ctx, id, func(a *models.BackupArtifact) error {
			a.LegalHold = true
			return nil
		})
		if err != nil {
			entry.Outcome = models.OutcomeFailed
			entry.Detail = err.Error()
		} else {
			entry.Outcome = models.OutcomeRestricted
			if p.auditor != nil {
				p.auditor.ComplianceEvent(audit.EventLegalHoldChanged, audit.OutcomeSuccess, req.ID,
					map[string]string{"artifact_id": id, "legal_hold": "true"})
			}
		}
		req.ResultLog = append(req.ResultLog, entry)
	}
	return nil
}
