// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces values that must never reach a log line.
const RedactedPlaceholder = "[REDACTED]"

// sensitiveKeyFragments flags metadata keys whose values are always redacted,
// regardless of what the value looks like.
var sensitiveKeyFragments = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"api_key",
	"apikey",
	"private_key",
	"credential",
	"auth",
	"cookie",
	"session",
}

// keyFragmentAllowList exempts engine-domain keys that merely contain a
// sensitive fragment. Key ids are opaque identifiers, not key material.
var keyFragmentAllowList = map[string]bool{
	"key_id":            true,
	"encryption_key_id": true,
	"keyid":             true,
}

var (
	// emailPattern matches addresses like jane.doe@example.com.
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// phonePattern matches international and separator-formatted phone numbers
	// with at least 9 digits total.
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)

	// cardPattern matches card-like runs of 13-19 digits, optionally grouped.
	cardPattern = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
)

// IsSensitiveKey reports whether a metadata key names a credential-class
// value that must be redacted wholesale.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if keyFragmentAllowList[lower] {
		return false
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactValue scrubs PII-shaped substrings (emails, phone numbers,
// card-like digit runs) from a value.
func RedactValue(value string) string {
	if value == "" {
		return value
	}
	value = emailPattern.ReplaceAllString(value, RedactedPlaceholder)
	value = cardPattern.ReplaceAllString(value, RedactedPlaceholder)
	value = phonePattern.ReplaceAllString(value, RedactedPlaceholder)
	return value
}

// RedactMetadata returns a copy of metadata with sensitive keys masked and
// PII-shaped values scrubbed. The input map is never mutated.
func RedactMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if IsSensitiveKey(k) {
			out[k] = RedactedPlaceholder
			continue
		}
		out[k] = RedactValue(v)
	}
	return out
}

// MaskIdentifier masks an identifier for display, keeping the first and last
// four characters. Short identifiers are fully masked.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 12 {
		return "***"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// SanitizeError removes potentially sensitive information from error text
// before it is attached to an outbound event.
func SanitizeError(errText string) string {
	lower := strings.ToLower(errText)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return "internal error (details withheld)"
		}
	}
	return truncate(RedactValue(errText), 200)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
