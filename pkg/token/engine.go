// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package token issues, verifies and revokes the HS256 token pairs that
// carry KeyFort principals. Every issued token is mirrored into the KV
// under "token:<userId>:<sha256(token)>" so user-wide revocation can
// enumerate it later; verification consults the blacklist before trusting
// a signature.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keyfort/keyfort/pkg/blacklist"
	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

const (
	// DefaultAccessTTL is the access-token lifetime when none is configured.
	DefaultAccessTTL = time.Hour

	// DefaultRefreshTTL is the refresh-token lifetime when none is configured.
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// DefaultCacheTTL bounds how long a verified principal is reused.
	DefaultCacheTTL = 5 * time.Minute

	minSecretLen = 32

	mirrorPrefix = "token:"

	// Legacy deployments checked a bare "revoked:<hash>" key before the
	// blacklist existed. The key is still written and checked so tokens
	// revoked by an old node stay revoked during a rolling upgrade.
	legacyRevokedPrefix = "revoked:"
	legacyRevokedTTL    = 24 * time.Hour

	reasonRotated = "token_rotated"

	verifyCachePrefix = "jwt"
)

// Revoker is the blacklist surface the engine depends on.
type Revoker interface {
	IsRevoked(ctx context.Context, token string) bool
	StoreRevocation(ctx context.Context, token, reason, revokedBy string, opts ...blacklist.RevocationOption) (*blacklist.RevocationRecord, error)
	StoreUserRevocation(ctx context.Context, userID, reason, revokedBy string) (*blacklist.UserRevocationRecord, error)
	BatchRevoke(ctx context.Context, tokens []string, reason, revokedBy string) *blacklist.BatchResult
}

// UserSource refreshes a principal from the mirror store. Optional; used
// on refresh when the authoritative-user policy is enabled.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*identity.User, error)
}

// Cipher seals token mirrors at rest. Optional; plaintext mirrors are
// written when no cipher is configured.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Config configures the engine. Zero durations fall back to defaults.
type Config struct {
	// Secret signs HS256 tokens. Required, minimum 32 bytes.
	Secret string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Issuer and Audience are stamped into issued tokens and enforced on
	// verification when non-empty.
	Issuer   string
	Audience string

	// DisableRotation keeps a refresh token valid after use. Rotation is
	// on by default: the old refresh token is revoked once a new pair is
	// issued from it.
	DisableRotation bool

	// RefetchUser rebuilds the principal from the user store on refresh
	// instead of trusting the refresh-token claims.
	RefetchUser bool

	// CacheTTL bounds reuse of verified principals.
	CacheTTL time.Duration

	Cache  *cache.Cache
	Cipher Cipher
	Users  UserSource
	Sink   monitoring.Sink
}

// Pair is one issued access/refresh token pair.
type Pair struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	TokenType        string `json:"tokenType"`
	ExpiresIn        int64  `json:"expiresIn"`        // seconds
	RefreshExpiresIn int64  `json:"refreshExpiresIn"` // seconds
}

// Engine issues and verifies token pairs.
type Engine struct {
	cfg       Config
	kv        kv.Client
	revoker   Revoker
	sink      monitoring.Sink
	parseOpts []jwt.ParserOption
}

// New builds an Engine. The KV client and revoker are required.
func New(client kv.Client, revoker Revoker, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("kv client is required")
	}
	if revoker == nil {
		return nil, fmt.Errorf("revoker is required")
	}
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLen)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Sink == nil {
		cfg.Sink = monitoring.NewNoop()
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Engine{
		cfg:       cfg,
		kv:        client,
		revoker:   revoker,
		sink:      cfg.Sink,
		parseOpts: opts,
	}, nil
}

// GenerateTokens signs a fresh access/refresh pair for the user and
// mirrors both tokens into the KV for later enumeration. Mirror failures
// are logged but do not fail issuance: the user-wide revocation record
// covers tokens the mirror scan would miss.
func (e *Engine) GenerateTokens(ctx context.Context, user *identity.User) (*Pair, error) {
	if user == nil || user.ID == "" {
		return nil, kferrors.NewValidationError("user id is required", nil)
	}

	now := time.Now()
	access, err := e.sign(user, "", now, now.Add(e.cfg.AccessTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := e.sign(user, TypeRefresh, now, now.Add(e.cfg.RefreshTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	e.mirror(ctx, user.ID, access, e.cfg.AccessTTL, refresh, e.cfg.RefreshTTL)
	e.sink.RecordCounter("token.issued", 1, nil)

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(e.cfg.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(e.cfg.RefreshTTL.Seconds()),
	}, nil
}

func (e *Engine) sign(user *identity.User, typ string, iat, exp time.Time) (string, error) {
	claims := &Claims{
		Email:       user.Email,
		Name:        user.DisplayName(),
		Roles:       slices.Clone(user.Roles),
		Permissions: slices.Clone(user.Permissions),
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    e.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if e.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{e.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(e.cfg.Secret))
}

func (e *Engine) mirror(ctx context.Context, userID, access string, accessTTL time.Duration, refresh string, refreshTTL time.Duration) {
	p := e.kv.Pipeline()
	for _, entry := range []struct {
		raw string
		ttl time.Duration
	}{
		{access, accessTTL},
		{refresh, refreshTTL},
	} {
		value := entry.raw
		if e.cfg.Cipher != nil {
			sealed, err := e.cfg.Cipher.Encrypt(entry.raw)
			if err != nil {
				logger.Warnw("failed to seal token mirror", "user_id", userID, "error", err)
				continue
			}
			value = sealed
		}
		p.SetEx(e.mirrorKey(userID, entry.raw), value, entry.ttl)
	}
	if _, err := p.Exec(ctx); err != nil {
		logger.Warnw("failed to mirror issued tokens", "user_id", userID, "error", err)
		e.sink.RecordCounter("token.mirror_errors", 1, nil)
	}
}

// VerifyToken checks revocation, signature, issuer and audience, then
// rebuilds the principal from the claims. The principal is authoritative
// for this request only.
func (e *Engine) VerifyToken(ctx context.Context, raw string) (*identity.User, error) {
	if err := ValidateTokenFormat(raw); err != nil {
		e.countVerifyFailure("format")
		return nil, kferrors.NewUnauthorizedError("malformed token", err)
	}
	if e.isLegacyRevoked(ctx, raw) || e.revoker.IsRevoked(ctx, raw) {
		e.countVerifyFailure("revoked")
		return nil, kferrors.NewTokenRevokedError("token has been revoked", nil)
	}

	cacheKey := cache.Key(verifyCachePrefix, raw)
	if e.cfg.Cache != nil {
		if v, ok := e.cfg.Cache.Validation().Get(cacheKey); ok {
			if user, ok := v.(*identity.User); ok {
				return user.Clone(), nil
			}
		}
	}

	claims, err := e.parseAndVerify(raw)
	if err != nil {
		return nil, err
	}
	if claims.IsRefresh() {
		e.countVerifyFailure("wrong_type")
		return nil, kferrors.NewUnauthorizedError("refresh token cannot be used for authentication", nil)
	}

	user := claims.User()
	if e.cfg.Cache != nil {
		e.cfg.Cache.Validation().Set(cacheKey, user.Clone(), e.cfg.CacheTTL)
	}
	e.sink.RecordCounter("token.verified", 1, nil)
	return user, nil
}

// RefreshToken exchanges a valid refresh token for a new pair. The old
// refresh token is revoked unless rotation is disabled; a failed
// rotation is logged, not fatal, since the token expires on its own.
func (e *Engine) RefreshToken(ctx context.Context, refreshToken string) (*Pair, *identity.User, error) {
	claims, err := e.parseAndVerify(refreshToken)
	if err != nil {
		return nil, nil, err
	}
	if !claims.IsRefresh() {
		e.countVerifyFailure("wrong_type")
		return nil, nil, kferrors.NewUnauthorizedError("not a refresh token", nil)
	}
	if e.isLegacyRevoked(ctx, refreshToken) || e.revoker.IsRevoked(ctx, refreshToken) {
		e.countVerifyFailure("revoked")
		return nil, nil, kferrors.NewTokenRevokedError("refresh token has been revoked", nil)
	}

	user := claims.User()
	if e.cfg.RefetchUser && e.cfg.Users != nil {
		fresh, err := e.cfg.Users.GetByID(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, kferrors.ErrNotFound) {
				return nil, nil, kferrors.NewUnauthorizedError("user no longer exists", err)
			}
			return nil, nil, kferrors.NewServiceError("failed to load user", err)
		}
		if !fresh.Active {
			return nil, nil, kferrors.NewForbiddenError("account is disabled", nil)
		}
		user = fresh
	}

	pair, err := e.GenerateTokens(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	if !e.cfg.DisableRotation {
		if err := e.RevokeToken(ctx, refreshToken, reasonRotated, user.ID); err != nil {
			logger.Warnw("failed to rotate refresh token", "user_id", user.ID, "error", err)
			e.sink.RecordCounter("token.rotation_errors", 1, nil)
		}
	}

	e.sink.RecordCounter("token.refreshed", 1, nil)
	return pair, user, nil
}

// RevokeToken blacklists a single token. An empty reason defaults to
// user_logout.
func (e *Engine) RevokeToken(ctx context.Context, raw, reason, revokedBy string, opts ...blacklist.RevocationOption) error {
	if reason == "" {
		reason = blacklist.ReasonUserLogout
	}
	if _, err := e.revoker.StoreRevocation(ctx, raw, reason, revokedBy, opts...); err != nil {
		return err
	}
	if err := e.kv.SetEx(ctx, legacyRevokedKey(raw), "1", legacyRevokedTTL); err != nil {
		logger.Warnw("failed to write legacy revocation key", "error", err)
	}
	if e.cfg.Cache != nil {
		e.cfg.Cache.Validation().Invalidate(cache.Key(verifyCachePrefix, raw))
	}
	e.sink.RecordCounter("token.revoked", 1, nil)
	return nil
}

// RevokeAllUserTokens revokes every live token of a user. The user-wide
// record is written first: it subsumes any token the mirror enumeration
// misses, so a partial failure still leaves everything revoked. Returns
// the number of individually revoked tokens.
func (e *Engine) RevokeAllUserTokens(ctx context.Context, userID, reason, revokedBy string) (int, error) {
	if userID == "" {
		return 0, kferrors.NewValidationError("user id is required", nil)
	}
	if reason == "" {
		reason = blacklist.ReasonUserLogout
	}

	if _, err := e.revoker.StoreUserRevocation(ctx, userID, reason, revokedBy); err != nil {
		return 0, err
	}

	keys, err := e.kv.Keys(ctx, mirrorPrefix+userID+":*")
	if err != nil {
		logger.Warnw("failed to enumerate token mirrors", "user_id", userID, "error", err)
		e.sink.RecordCounter("token.user_revocations", 1, nil)
		return 0, nil
	}

	tokens := make([]string, 0, len(keys))
	for _, key := range keys {
		value, err := e.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		raw := value
		if e.cfg.Cipher != nil {
			plain, err := e.cfg.Cipher.Decrypt(value)
			if err != nil {
				logger.Warnw("failed to unseal token mirror", "key", key, "error", err)
				continue
			}
			raw = plain
		}
		tokens = append(tokens, raw)
	}

	revoked := 0
	if len(tokens) > 0 {
		result := e.revoker.BatchRevoke(ctx, tokens, reason, revokedBy)
		revoked = result.Succeeded
		if result.Failed > 0 {
			logger.Warnw("some tokens were not directly revoked", "user_id", userID, "failed", result.Failed)
		}

		p := e.kv.Pipeline()
		for _, raw := range tokens {
			p.SetEx(legacyRevokedKey(raw), "1", legacyRevokedTTL)
			if e.cfg.Cache != nil {
				e.cfg.Cache.Validation().Invalidate(cache.Key(verifyCachePrefix, raw))
			}
		}
		if _, err := p.Exec(ctx); err != nil {
			logger.Warnw("failed to write legacy revocation keys", "user_id", userID, "error", err)
		}
	}
	if len(keys) > 0 {
		if err := e.kv.Del(ctx, keys...); err != nil {
			logger.Warnw("failed to clear token mirrors", "user_id", userID, "error", err)
		}
	}

	e.sink.RecordCounter("token.user_revocations", 1, nil)
	return revoked, nil
}

func (e *Engine) parseAndVerify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(e.cfg.Secret), nil
	}, e.parseOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			e.countVerifyFailure("expired")
			return nil, kferrors.NewUnauthorizedError("token expired", err)
		}
		e.countVerifyFailure("invalid")
		return nil, kferrors.NewUnauthorizedError("invalid token", err)
	}
	if !tok.Valid {
		e.countVerifyFailure("invalid")
		return nil, kferrors.NewUnauthorizedError("invalid token", nil)
	}
	return claims, nil
}

// isLegacyRevoked fails open: a read error never locks users out.
func (e *Engine) isLegacyRevoked(ctx context.Context, raw string) bool {
	ok, err := e.kv.Exists(ctx, legacyRevokedKey(raw))
	if err != nil {
		logger.Warnw("legacy revocation lookup failed, failing open", "error", err)
		return false
	}
	return ok
}

func (e *Engine) countVerifyFailure(reason string) {
	e.sink.RecordCounter("token.verify_failures", 1, map[string]string{"reason": reason})
}

func (e *Engine) mirrorKey(userID, raw string) string {
	return mirrorPrefix + userID + ":" + hashToken(raw)
}

func legacyRevokedKey(raw string) string {
	return legacyRevokedPrefix + hashToken(raw)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
