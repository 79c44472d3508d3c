// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/models"
)

// ProtectionMode selects how PII field values are transformed.
type ProtectionMode string

const (
	// ModePseudonymize replaces values with stable keyed pseudonyms. The
	// same value always maps to the same pseudonym under the same key, so
	// protected records remain correlatable. When a reverse map store is
	// configured, the original value is retained for portability exports.
	ModePseudonymize ProtectionMode = "pseudonymize"

	// ModeHash replaces values with a one-way keyed hash. Irreversible.
	ModeHash ProtectionMode = "hash"
)

const (
	pseudonymPrefix = "pn_"
	hashPrefix      = "hx_"
)

// ReverseMapStore retains pseudonym-to-original mappings for regimes
// that require data portability. Implementations must encrypt at rest.
type ReverseMapStore interface {
	// Remember stores the original value for a pseudonym. Idempotent.
	Remember(ctx context.Context, pseudonym, original string) error
	// Lookup returns the original value for a pseudonym, or
	// keystore.ErrSecretNotFound when the mapping is unknown.
	Lookup(ctx context.Context, pseudonym string) (string, error)
}

// Protector applies policy-driven PII protection to record payloads.
// The mode is fixed at construction from compliance configuration, not
// chosen per call.
type Protector struct {
	keyring    *Keyring
	auditor    *audit.Logger
	mode       ProtectionMode
	reverseMap ReverseMapStore
}

// NewProtector returns a Protector. reverseMap may be nil; it is only
// consulted in ModePseudonymize, and without it pseudonymization is
// effectively one-way.
func NewProtector(keyring *Keyring, auditor *audit.Logger, mode ProtectionMode, reverseMap ReverseMapStore) *Protector {
	return &Protector{
		keyring:    keyring,
		auditor:    auditor,
		mode:       mode,
		reverseMap: reverseMap,
	}
}

// Mode returns the configured protection mode.
func (p *Protector) Mode() ProtectionMode {
	return p.mode
}

// Reversible reports whether protected values can be recovered for
// portability exports.
func (p *Protector) Reversible() bool {
	return p.mode == ModePseudonymize && p.reverseMap != nil
}

// Protect returns a copy of records with every listed field transformed
// under the current key. Input records are not mutated. Fields absent
// from a record, or holding nil, are left untouched.
func (p *Protector) Protect(ctx context.Context, records []models.Record, piiFields []string) ([]models.Record, error) {
	if len(records) == 0 || len(piiFields) == 0 {
		return records, nil
	}

	key, err := p.keyring.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving current key: %w", err)
	}
	subkey, err := deriveKey(key.Material, hkdfInfoPII)
	if err != nil {
		return nil, err
	}

	fieldSet := make(map[string]struct{}, len(piiFields))
	for _, f := range piiFields {
		fieldSet[f] = struct{}{}
	}

	protected := 0
	out := make([]models.Record, len(records))
	for i, rec := range records {
		clone := models.Record{
			Kind:   rec.Kind,
			At:     rec.At,
			Fields: make(map[string]any, len(rec.Fields)),
		}
		for name, value := range rec.Fields {
			if _, isPII := fieldSet[name]; !isPII || value == nil {
				clone.Fields[name] = value
				continue
			}
			original := fmt.Sprintf("%v", value)
			token := p.token(subkey, name, original)
			if p.Reversible() {
				if err := p.reverseMap.Remember(ctx, token, original); err != nil {
					return nil, fmt.Errorf("retaining reverse mapping: %w", err)
				}
			}
			clone.Fields[name] = token
			protected++
		}
		out[i] = clone
	}

	if p.auditor != nil {
		p.auditor.Security(audit.EventPIIProtected, audit.OutcomeSuccess, key.ID,
			map[string]string{
				"mode":             string(p.mode),
				"records":          strconv.Itoa(len(records)),
				"fields_protected": strconv.Itoa(protected),
			})
	}

	return out, nil
}

// Reverse resolves a protected token back to its original value.
// Only meaningful when Reversible() is true.
func (p *Protector) Reverse(ctx context.Context, token string) (string, error) {
	if !p.Reversible() {
		return "", fmt.Errorf("protection mode %s is not reversible", p.mode)
	}
	return p.reverseMap.Lookup(ctx, token)
}

// token computes the keyed transform of field:value. HMAC-SHA256 keyed
// by the PII subkey keeps tokens deterministic per key generation.
func (p *Protector) token(subkey []byte, field, value string) string {
	mac := hmac.New(sha256.New, subkey)
	mac.Write([]byte(field))
	mac.Write([]byte{':'})
	mac.Write([]byte(value))
	digest := hex.EncodeToString(mac.Sum(nil))

	if p.mode == ModeHash {
		return hashPrefix + digest
	}
	return pseudonymPrefix + digest
}

// IsProtectedToken reports whether a value looks like an output of
// Protect. Used by erasure to avoid double-protecting already protected
// artifacts.
func IsProtectedToken(v string) bool {
	if len(v) != len(pseudonymPrefix)+sha256.Size*2 {
		return false
	}
	return v[:len(pseudonymPrefix)] == pseudonymPrefix || v[:len(hashPrefix)] == hashPrefix
}
