// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package compliance implements the regulatory side of the engine:
// regime-driven retention floors, data-subject-rights processing
// (erasure, portability, restriction), and compliance reporting.
package compliance

import (
	"sort"
	"sync"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/models"
)

// Regime describes one regulatory framework the deployment is subject
// to. Floors are retention minima in years; a regime can only raise the
// effective retention of a table, never lower it.
type Regime struct {
	Name    string `koanf:"name" validate:"required"`
	Enabled bool   `koanf:"enabled"`

	// PIIFloorYears applies to tables flagged as containing PII.
	PIIFloorYears int `koanf:"pii_floor_years"`

	// NonPIIFloorYears applies to everything else.
	NonPIIFloorYears int `koanf:"non_pii_floor_years"`

	// TierFloorYears overrides by priority tier when higher than the
	// classification floor, for regimes that key on data criticality
	// rather than PII alone.
	TierFloorYears map[models.Tier]int `koanf:"tier_floor_years"`

	// RequiresPortability forces reversible pseudonymization so subject
	// exports can be de-pseudonymized.
	RequiresPortability bool `koanf:"requires_portability"`

	// RequiresErasure marks regimes granting a right to erasure.
	RequiresErasure bool `koanf:"requires_erasure"`
}

// floorFor returns the regime's floor for a table.
func (r Regime) floorFor(spec models.TableSpec) int {
	floor := r.NonPIIFloorYears
	if spec.ContainsPII {
		floor = r.PIIFloorYears
	}
	if tier, ok := r.TierFloorYears[spec.Tier]; ok && tier > floor {
		floor = tier
	}
	return floor
}

// DefaultRegimes is the registry shipped when configuration names none.
// Only the privacy baseline starts enabled; the rest are opt-in.
func DefaultRegimes() []Regime {
	return []Regime{
		{
			Name:                "gdpr",
			Enabled:             true,
			RequiresPortability: true,
			RequiresErasure:     true,
		},
		{
			Name:          "hipaa",
			PIIFloorYears: 6,
			TierFloorYears: map[models.Tier]int{
				models.TierCritical: 6,
			},
		},
		{
			Name:             "sox",
			NonPIIFloorYears: 7,
			TierFloorYears: map[models.Tier]int{
				models.TierCritical: 7,
			},
		},
		{
			Name:          "pci-dss",
			PIIFloorYears: 1,
		},
	}
}

// Registry holds the configured regimes. Enabling a regime bumps the
// version so retention policy caches invalidate.
type Registry struct {
	mu      sync.RWMutex
	regimes map[string]Regime
	version uint64
}

// NewRegistry builds a registry from configured regimes, falling back to
// the defaults when none are given.
func NewRegistry(regimes []Regime) *Registry {
	if len(regimes) == 0 {
		regimes = DefaultRegimes()
	}
	r := &Registry{regimes: make(map[string]Regime, len(regimes)), version: 1}
	for _, regime := range regimes {
		r.regimes[regime.Name] = regime
	}
	for _, regime := range r.Enabled() {
		logging.Info().Str("regime", regime.Name).Msg("Compliance regime enabled")
	}
	return r
}

// Get returns a regime by name, enabled or not.
func (r *Registry) Get(name string) (Regime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regime, ok := r.regimes[name]
	return regime, ok
}

// Enabled returns the enabled regimes, name-sorted.
func (r *Registry) Enabled() []Regime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Regime, 0, len(r.regimes))
	for _, regime := range r.regimes {
		if regime.Enabled {
			out = append(out, regime)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled flips a regime on or off. Unknown names are ignored with a
// warning rather than failing a running engine.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regime, ok := r.regimes[name]
	if !ok {
		logging.Warn().Str("regime", name).Msg("Ignoring toggle for unknown compliance regime")
		return
	}
	if regime.Enabled == enabled {
		return
	}
	regime.Enabled = enabled
	r.regimes[name] = regime
	r.version++
	logging.Info().Str("regime", name).Bool("enabled", enabled).Msg("Compliance regime toggled")
}

// Version increments whenever the enabled set changes. Policy caches key
// their entries on it.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// FloorFor returns the highest floor any enabled regime imposes on the
// table, with the regime that set it. Zero floor means business
// retention alone governs.
func (r *Registry) FloorFor(spec models.TableSpec) (int, string) {
	floor, name := 0, ""
	for _, regime := range r.Enabled() {
		if f := regime.floorFor(spec); f > floor {
			floor, name = f, regime.Name
		}
	}
	return floor, name
}

// RequiresPortability reports whether any enabled regime mandates
// reversible pseudonymization.
func (r *Registry) RequiresPortability() bool {
	for _, regime := range r.Enabled() {
		if regime.RequiresPortability {
			return true
		}
	}
	return false
}

// RequiresErasure reports whether any enabled regime grants subjects a
// right to erasure.
func (r *Registry) RequiresErasure() bool {
	for _, regime := range r.Enabled() {
		if regime.RequiresErasure {
			return true
		}
	}
	return false
}
