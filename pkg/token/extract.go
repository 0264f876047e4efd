// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"net/url"
	"strings"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
)

const bearerPrefix = "Bearer "

// ExtractBearer returns the token from an Authorization header value.
// Only the exact "Bearer <token>" form is accepted.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", kferrors.NewUnauthorizedError("missing authorization header", nil)
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", kferrors.NewUnauthorizedError("authorization header must use the Bearer scheme", nil)
	}
	raw := header[len(bearerPrefix):]
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return "", kferrors.NewUnauthorizedError("malformed authorization header", nil)
	}
	return raw, nil
}

// FromQuery returns the token from the "token" or "access_token" query
// parameter. WebSocket upgrades cannot carry an Authorization header.
func FromQuery(q url.Values) (string, bool) {
	for _, name := range []string{"token", "access_token"} {
		if v := q.Get(name); v != "" {
			return v, true
		}
	}
	return "", false
}

// ValidateTokenFormat checks for a compact JWS shape: exactly three
// non-empty base64url segments.
func ValidateTokenFormat(raw string) error {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return kferrors.NewValidationError("token must have three segments", nil)
	}
	for _, part := range parts {
		if part == "" {
			return kferrors.NewValidationError("token has an empty segment", nil)
		}
		for i := 0; i < len(part); i++ {
			if !isBase64URLByte(part[i]) {
				return kferrors.NewValidationError("token contains invalid characters", nil)
			}
		}
	}
	return nil
}

func isBase64URLByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
