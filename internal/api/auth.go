// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken mints an HS256 bearer token for an operator subject.
// Tokens are minted out of band (CLI, provisioning) and presented to the
// API; there is no interactive login surface.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "custodia",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// bearerAuth validates the Authorization header on every request. Only
// HS256 is accepted; algorithm confusion downgrades are rejected.
func bearerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeProblem(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
				return
			}
			_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{},
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
					}
					return secret, nil
				},
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, codeUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
