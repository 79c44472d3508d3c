// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package retention computes effective retention policies and sweeps the
// artifact inventory: holding what must stay, archiving what has cooled
// off, and deleting what has expired.
package retention

import (
	"errors"
	"fmt"
	"sync"

	"github.com/custodia-engine/custodia/internal/compliance"
	"github.com/custodia-engine/custodia/internal/models"
)

// ErrUnknownTable is returned when a policy is requested for a table no
// spec declares.
var ErrUnknownTable = errors.New("retention: unknown table")

// PolicyEngine derives per-table retention policies: the maximum of the
// business retention and the compliance floor. Policies are cached per
// table and recomputed when the regime registry changes.
type PolicyEngine struct {
	registry *compliance.Registry
	specs    map[string]models.TableSpec

	mu      sync.Mutex
	version uint64
	cache   map[string]models.RetentionPolicy
}

// NewPolicyEngine builds the engine over the configured table specs.
func NewPolicyEngine(registry *compliance.Registry, specs []models.TableSpec) *PolicyEngine {
	byName := make(map[string]models.TableSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &PolicyEngine{
		registry: registry,
		specs:    byName,
		cache:    make(map[string]models.RetentionPolicy),
	}
}

// ComputePolicy returns the effective policy for a table.
func (p *PolicyEngine) ComputePolicy(table string) (models.RetentionPolicy, error) {
	spec, ok := p.specs[table]
	if !ok {
		return models.RetentionPolicy{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if v := p.registry.Version(); v != p.version {
		p.cache = make(map[string]models.RetentionPolicy, len(p.specs))
		p.version = v
	}
	if policy, ok := p.cache[table]; ok {
		return policy, nil
	}

	floor, regime := p.registry.FloorFor(spec)
	policy := models.RetentionPolicy{
		TableName:            table,
		BusinessYears:        spec.RetentionYears,
		ComplianceFloorYears: floor,
	}
	if floor > spec.RetentionYears {
		policy.FloorRegime = regime
	}
	p.cache[table] = policy
	return policy, nil
}
