// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/keystore"
	"github.com/custodia-engine/custodia/internal/models"
)

// defaultSubjectFields are the record fields checked when configuration
// names none. Operational schemas key subjects on one of these.
var defaultSubjectFields = []string{"subject_id", "user_id", "customer_id", "email"}

// subjectMatcher decides whether a captured record belongs to a data
// subject. Protected field values are resolved through the reverse map
// when one exists; raw values compare directly.
type subjectMatcher struct {
	subjectID string
	fields    []string
	protector *crypto.Protector
}

func newSubjectMatcher(subjectID string, fields []string, protector *crypto.Protector) *subjectMatcher {
	if len(fields) == 0 {
		fields = defaultSubjectFields
	}
	return &subjectMatcher{subjectID: subjectID, fields: fields, protector: protector}
}

// matches reports whether the record belongs to the subject.
func (m *subjectMatcher) matches(ctx context.Context, rec models.Record) (bool, error) {
	for _, field := range m.fields {
		value, ok := rec.Fields[field]
		if !ok || value == nil {
			continue
		}
		s := fmt.Sprintf("%v", value)

		if s == m.subjectID {
			return true, nil
		}

		if crypto.IsProtectedToken(s) && m.protector != nil && m.protector.Reversible() {
			original, err := m.protector.Reverse(ctx, s)
			if errors.Is(err, keystore.ErrSecretNotFound) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("resolving protected field %s: %w", field, err)
			}
			if original == m.subjectID {
				return true, nil
			}
		}
	}
	return false, nil
}
