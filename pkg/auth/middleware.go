// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/token"
)

// Middleware authenticates each request and stores the principal in the
// request context. Credentials arrive as "Authorization: Bearer <jwt>",
// as a "token"/"access_token" query parameter (WebSocket upgrades), or as
// an API key in place of the JWT. Requests without a valid credential are
// rejected with a JSON error body.
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := credentialFromRequest(r)
			if err != nil {
				s.sink.RecordCounter("auth.http.unauthorized", 1, nil)
				writeError(w, err)
				return
			}

			user, err := s.authenticate(r, raw)
			if err != nil {
				s.sink.RecordCounter("auth.http.unauthorized", 1, nil)
				writeError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), user)))
		})
	}
}

// RequirePermission gates a route on a permission decision for the
// already-authenticated principal. Use inside Middleware.
func (s *Service) RequirePermission(action, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := identity.FromContext(r.Context())
			if !ok {
				writeError(w, kferrors.NewUnauthorizedError("authentication required", nil))
				return
			}
			allowed, err := s.Can(user, action, resource, nil)
			if err != nil {
				writeError(w, err)
				return
			}
			if !allowed {
				s.sink.RecordCounter("auth.http.forbidden", 1, nil)
				writeError(w, kferrors.NewForbiddenError("permission denied", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate admits either credential kind. API keys carry no dots;
// compact JWTs always carry two.
func (s *Service) authenticate(r *http.Request, raw string) (*identity.User, error) {
	if s.apiKeys != nil && !strings.Contains(raw, ".") {
		return s.principalForAPIKey(r, raw)
	}

	user, err := s.tokens.VerifyToken(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	user.Permissions = s.permissionsFor(r.Context(), user)
	return user, nil
}

// principalForAPIKey builds a principal whose authority comes solely from
// the key record. Roles are deliberately not loaded from the mirror: an
// API key grants its stored permissions, nothing more.
func (s *Service) principalForAPIKey(r *http.Request, raw string) (*identity.User, error) {
	key, err := s.apiKeys.Validate(r.Context(), raw)
	if err != nil {
		return nil, err
	}

	user := &identity.User{
		ID:          key.UserID,
		Permissions: key.Permissions,
		Active:      true,
		Metadata: map[string]string{
			"auth_method": "api_key",
			"api_key_id":  key.ID,
		},
	}
	if s.users != nil {
		if mirrored, merr := s.users.GetByID(r.Context(), key.UserID); merr == nil {
			user.Email = mirrored.Email
			user.Name = mirrored.Name
		}
	}
	return user, nil
}

// credentialFromRequest prefers the Authorization header and falls back
// to the query parameters.
func credentialFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return token.ExtractBearer(header)
	}
	if raw, ok := token.FromQuery(r.URL.Query()); ok {
		return raw, nil
	}
	return "", kferrors.NewUnauthorizedError("missing credentials", nil)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kferrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(failure(err))
}
