// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
)

// TypeRefresh marks refresh tokens. Access tokens carry no type claim.
const TypeRefresh = "refresh"

// Claims is the JWT payload of an issued token. Roles and permissions are
// denormalized in so a verifier can rebuild the principal without a
// directory lookup.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Type        string   `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// IsRefresh reports whether this is a refresh token.
func (c *Claims) IsRefresh() bool {
	return c.Type == TypeRefresh
}

// User reconstructs the principal carried by the token. The result is
// authoritative only for the current request.
func (c *Claims) User() *identity.User {
	return &identity.User{
		ID:          c.Subject,
		Email:       c.Email,
		Name:        c.Name,
		Roles:       slices.Clone(c.Roles),
		Permissions: slices.Clone(c.Permissions),
		Active:      true,
	}
}

// DecodeToken extracts claims from a compact JWS without verifying the
// signature. Callers that need a trusted principal must use VerifyToken.
func DecodeToken(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, kferrors.NewValidationError("malformed token", err)
	}
	return claims, nil
}
