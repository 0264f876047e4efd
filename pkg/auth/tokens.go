// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/session"
)

// RefreshToken exchanges a refresh token for a new pair. The rotated
// principal is re-enriched so permission changes land no later than the
// next refresh.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) Result {
	if refreshToken == "" {
		return failure(kferrors.NewValidationError("refresh token is required", nil))
	}

	pair, user, err := s.tokens.RefreshToken(ctx, refreshToken)
	if err != nil {
		s.sink.RecordCounter("auth.refresh.failure", 1, nil)
		return failure(err)
	}
	user.Permissions = s.permissionsFor(ctx, user)

	s.sink.RecordCounter("auth.refresh.success", 1, nil)
	return succeed(user, pair, nil)
}

// VerifyToken validates an access token and returns the enriched
// principal.
func (s *Service) VerifyToken(ctx context.Context, raw string) Result {
	if raw == "" {
		return failure(kferrors.NewUnauthorizedError("token is required", nil))
	}

	user, err := s.tokens.VerifyToken(ctx, raw)
	if err != nil {
		return failure(err)
	}
	user.Permissions = s.permissionsFor(ctx, user)
	return succeed(user, nil, nil)
}

// Can reports whether the user may perform action on resource. Subject
// carries the record under evaluation for attribute conditions.
func (s *Service) Can(user *identity.User, action, resource string, subject any) (bool, error) {
	return s.permissions.Can(user, action, resource, subject)
}

// permissionsFor computes the permission union for the principal,
// memoized in the data cache shard when one is configured. Cache failures
// fall back to direct evaluation.
func (s *Service) permissionsFor(ctx context.Context, user *identity.User) []string {
	if s.cache == nil {
		return s.permissions.GetUserPermissions(user)
	}

	key := cache.Key(permissionCachePrefix, user.ID)
	v, err := s.cache.Data().GetOrLoad(ctx, key, s.permissionTTL, func(context.Context) (any, error) {
		return s.permissions.GetUserPermissions(user), nil
	})
	if err != nil {
		logger.Warnw("permission cache lookup failed", "user_id", user.ID, "error", err)
		return s.permissions.GetUserPermissions(user)
	}
	perms, ok := v.([]string)
	if !ok {
		return s.permissions.GetUserPermissions(user)
	}
	return perms
}

// invalidatePermissions drops the memoized union after a role change.
func (s *Service) invalidatePermissions(userID string) {
	if s.cache == nil {
		return
	}
	s.cache.Data().Invalidate(cache.Key(permissionCachePrefix, userID))
}

// idpRefresher adapts the IdP adapter to the session manager's refresher
// contract.
type idpRefresher struct {
	idp IdentityProvider
}

// NewIdPRefresher wires IdP token refresh into the session manager. Pass
// the result as session.Config.Refresher.
func NewIdPRefresher(p IdentityProvider) session.TokenRefresher {
	return idpRefresher{idp: p}
}

// RefreshAccessToken implements session.TokenRefresher.
func (r idpRefresher) RefreshAccessToken(ctx context.Context, refreshToken string) (*session.RefreshedTokens, error) {
	t, err := r.idp.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return &session.RefreshedTokens{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		IDToken:          t.IDToken,
		ExpiresIn:        t.ExpiresIn(),
		RefreshExpiresIn: t.RefreshExpiresIn,
	}, nil
}
