// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages authenticated sittings: server-side records
// keyed by an opaque UUID, carrying the IdP token set encrypted at rest.
// Writes to one session id are serialized by a striped lock; sessions are
// independent of each other, so no cross-session transaction exists.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
)

// Session is one authenticated sitting. Token fields hold plaintext in
// memory; they are sealed just before the record is persisted.
type Session struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	IdPSessionID string `json:"idpSessionId,omitempty"`

	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`

	TokenExpiresAt   time.Time `json:"tokenExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`

	// Fingerprint pins the session to its origin; its composition
	// follows the consistency-enforcement flags.
	Fingerprint string `json:"fingerprint"`

	DeviceInfo string `json:"deviceInfo,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
	IsActive     bool      `json:"isActive"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Age is how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

func (s *Session) clone() *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *Session) sealTokens(c *Crypto) error {
	for _, f := range []*string{&s.AccessToken, &s.RefreshToken, &s.IDToken} {
		if *f == "" {
			continue
		}
		sealed, err := c.Encrypt(*f)
		if err != nil {
			return err
		}
		*f = sealed
	}
	return nil
}

func (s *Session) openTokens(c *Crypto) error {
	for _, f := range []*string{&s.AccessToken, &s.RefreshToken, &s.IDToken} {
		if *f == "" {
			continue
		}
		plain, err := c.Decrypt(*f)
		if err != nil {
			return err
		}
		*f = plain
	}
	return nil
}

// Fingerprint hashes the identifying components of a session origin.
// Empty components still contribute a separator so "a"+"bc" and
// "ab"+"c" differ.
func Fingerprint(userID, userAgent, ip string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, userID)
	h.Write([]byte{0})
	_, _ = io.WriteString(h, userAgent)
	h.Write([]byte{0})
	_, _ = io.WriteString(h, ip)
	return hex.EncodeToString(h.Sum(nil))
}
