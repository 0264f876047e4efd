// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package pkce implements the code-verifier side of RFC 7636 for
// authorization-code flows. Generation delegates to x/oauth2;
// verification compares in constant time.
package pkce

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the SHA-256 challenge method (RFC 7636 section 4.2).
	MethodS256 = "S256"

	// MethodPlain passes the verifier through unchanged. The RFC permits
	// it only when S256 is unavailable; callers must opt in explicitly.
	MethodPlain = "plain"

	minVerifierLength = 43
	maxVerifierLength = 128
)

// ErrVerifierMismatch is returned when the verifier does not resolve to
// the recorded challenge.
var ErrVerifierMismatch = errors.New("code verifier does not match challenge")

// GenerateVerifier returns a cryptographically random code_verifier per
// RFC 7636 section 4.1: 43 characters from the base64url alphabet.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 computes BASE64URL(SHA256(verifier)) per RFC 7636
// section 4.2.
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateVerifier checks the RFC 7636 length and character constraints.
func ValidateVerifier(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code verifier must be %d to %d characters, got %d",
			minVerifierLength, maxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("code verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

// Verify checks a code_verifier against the challenge recorded at
// authorization time. Unknown methods are rejected rather than treated
// as plain.
func Verify(verifier, challenge, method string) error {
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}
	if challenge == "" {
		return errors.New("code challenge is required")
	}

	var expected string
	switch method {
	case MethodS256, "":
		expected = ChallengeS256(verifier)
	case MethodPlain:
		expected = verifier
	default:
		return fmt.Errorf("unsupported code challenge method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return ErrVerifierMismatch
	}
	return nil
}

// isUnreserved reports whether c is in the code-verifier alphabet:
// ALPHA / DIGIT / "-" / "." / "_" / "~".
func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
