// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package blacklist

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
)

// Well-known revocation reasons. Reason is an open string; these are the
// values the rest of the system emits.
const (
	ReasonUserLogout       = "user_logout"
	ReasonAdminRevoke      = "admin_revoke"
	ReasonSecurityBreach   = "security_breach"
	ReasonPasswordChange   = "password_change"
	ReasonAccountSuspended = "account_suspended"
	ReasonTokenCompromised = "token_compromised"
	ReasonExpired          = "expired"
	ReasonPolicyViolation  = "policy_violation"
	ReasonUserDeleted      = "user_deleted"
)

// RevocationRecord marks one token as revoked. Stored under
// "<prefix>token:<jti>" with TTL = remaining token life + retention.
type RevocationRecord struct {
	TokenID         string            `json:"tokenId"`
	UserID          string            `json:"userId"`
	IssuedAt        int64             `json:"issuedAt,omitempty"` // unix seconds, from the token
	ExpiresAt       int64             `json:"expiresAt"`          // unix seconds, from the token
	RevokedAt       time.Time         `json:"revokedAt"`
	RevokedAtMillis int64             `json:"revokedAtMillis"`
	Reason          string            `json:"reason"`
	RevokedBy       string            `json:"revokedBy,omitempty"`
	SessionID       string            `json:"sessionId,omitempty"`
	DeviceID        string            `json:"deviceId,omitempty"`
	IPAddress       string            `json:"ipAddress,omitempty"`
	UserAgent       string            `json:"userAgent,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RevocationOption attaches optional request context to a revocation
// record before it is persisted.
type RevocationOption func(*RevocationRecord)

// WithSessionID records the session the token was bound to.
func WithSessionID(id string) RevocationOption {
	return func(r *RevocationRecord) { r.SessionID = id }
}

// WithDeviceID records the originating device.
func WithDeviceID(id string) RevocationOption {
	return func(r *RevocationRecord) { r.DeviceID = id }
}

// WithClientAddr records the client address and user agent that triggered
// the revocation.
func WithClientAddr(ip, userAgent string) RevocationOption {
	return func(r *RevocationRecord) {
		r.IPAddress = ip
		r.UserAgent = userAgent
	}
}

// WithMetadata attaches free-form metadata to the record.
func WithMetadata(md map[string]string) RevocationOption {
	return func(r *RevocationRecord) { r.Metadata = md }
}

// UserRevocationRecord invalidates every token of a user issued before
// RevokedAtMillis. Stored under "<prefix>user:<userId>:revoked".
type UserRevocationRecord struct {
	UserID          string            `json:"userId"`
	RevokedAt       time.Time         `json:"revokedAt"`
	RevokedAtMillis int64             `json:"revokedAtMillis"`
	Reason          string            `json:"reason"`
	RevokedBy       string            `json:"revokedBy,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Covers reports whether a token issued at iat falls under this
// user-wide revocation.
func (r *UserRevocationRecord) Covers(issuedAt time.Time) bool {
	return issuedAt.UnixMilli() < r.RevokedAtMillis
}

// TokenDetails is what the blacklist needs from a token. Extracted without
// signature verification: revocation bookkeeping never trusts a token, it
// only indexes it.
type TokenDetails struct {
	TokenID   string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseTokenDetails extracts jti, sub, iat and exp from a compact JWS.
// The signature is not checked.
func ParseTokenDetails(token string) (*TokenDetails, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, kferrors.NewValidationError("malformed token", err)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, kferrors.NewValidationError("token has no jti claim", nil)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, kferrors.NewValidationError("token has no sub claim", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, kferrors.NewValidationError("token has no exp claim", err)
	}

	details := &TokenDetails{
		TokenID:   jti,
		UserID:    sub,
		ExpiresAt: exp.Time,
	}
	// iat may be absent; the zero value makes the token fall under any
	// user-wide revocation, which is the safe direction.
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		details.IssuedAt = iat.Time
	}
	return details, nil
}

// recordTTL is how long the revocation record must outlive the token.
func recordTTL(details *TokenDetails, retention time.Duration, now time.Time) time.Duration {
	remaining := details.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + retention
}

func (b *Blacklist) tokenKey(jti string) string {
	return b.cfg.KeyPrefix + "token:" + jti
}

func (b *Blacklist) userRevokedKey(userID string) string {
	return b.cfg.KeyPrefix + "user:" + userID + ":revoked"
}

func (b *Blacklist) userTokensKey(userID string) string {
	return b.cfg.KeyPrefix + "user:" + userID + ":tokens"
}

func (b *Blacklist) auditKey(day time.Time) string {
	return fmt.Sprintf("%saudit:%s", b.cfg.KeyPrefix, day.UTC().Format("2006-01-02"))
}
