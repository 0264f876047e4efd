// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Remote verification errors.
var (
	ErrMissingJWKSURL  = errors.New("missing JWKS URL")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrTokenExpired    = errors.New("token expired")
)

// RemoteVerifierConfig configures JWKS-backed verification of tokens the
// identity provider signed.
type RemoteVerifierConfig struct {
	// JWKSURL is the realm JWKS endpoint. Required.
	JWKSURL string

	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string

	// HTTPClient fetches the JWKS. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// RemoteVerifier validates RS256 tokens against an auto-refreshing JWKS.
// KeyFort's own tokens are HS256; this verifier covers the IdP-issued
// ones embedded in sessions.
type RemoteVerifier struct {
	issuer   string
	audience string
	jwksURL  string
	cache    *jwk.Cache

	// Lazy JWKS registration
	registered  bool
	registerMu  sync.Mutex
	registerErr error
}

// NewRemoteVerifier builds a verifier. The JWKS is fetched lazily on the
// first verification, not here.
func NewRemoteVerifier(ctx context.Context, cfg RemoteVerifierConfig) (*RemoteVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	var opts []httprc.NewClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, httprc.WithHTTPClient(cfg.HTTPClient))
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &RemoteVerifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
	}, nil
}

// Verify parses the token, checks its signature against the JWKS and
// validates issuer, audience and expiry. Returns the raw claims.
func (v *RemoteVerifier) Verify(ctx context.Context, raw string) (jwt.MapClaims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return v.keyFor(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("failed to get claims from token")
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// JWKSURL returns the configured JWKS endpoint.
func (v *RemoteVerifier) JWKSURL() string {
	return v.jwksURL
}

func (v *RemoteVerifier) ensureRegistered(ctx context.Context) error {
	v.registerMu.Lock()
	defer v.registerMu.Unlock()

	if v.registered {
		return v.registerErr
	}

	registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.cache.Register(registerCtx, v.jwksURL); err != nil {
		v.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.registerErr = nil
	}

	v.registered = true
	return v.registerErr
}

func (v *RemoteVerifier) keyFor(ctx context.Context, t *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	kid, ok := t.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

func (v *RemoteVerifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(iss) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}
