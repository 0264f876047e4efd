// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth composes the KeyFort components into the user-facing
// authentication operations: login, registration, token refresh, logout,
// verification and user management.
//
// The service owns its component instances and receives them through a
// Dependencies bundle at construction. Components never hold a reference
// back to the service. Every operation returns a Result value instead of
// leaking component errors across the API boundary.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfort/keyfort/pkg/apikey"
	"github.com/keyfort/keyfort/pkg/cache"
	"github.com/keyfort/keyfort/pkg/idp"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
	"github.com/keyfort/keyfort/pkg/ratelimit"
	"github.com/keyfort/keyfort/pkg/rbac"
	"github.com/keyfort/keyfort/pkg/session"
	"github.com/keyfort/keyfort/pkg/threat"
	"github.com/keyfort/keyfort/pkg/token"
	"github.com/keyfort/keyfort/pkg/userstore"
)

// permissionCachePrefix namespaces memoized permission unions in the data
// cache shard.
const permissionCachePrefix = "permissions"

// defaultPermissionCacheTTL bounds how long an enriched permission set may
// lag a role change when the cache is enabled.
const defaultPermissionCacheTTL = 5 * time.Minute

// IdentityProvider is the slice of the IdP adapter the service uses.
// *idp.Client satisfies it; tests substitute a fake realm.
type IdentityProvider interface {
	Initialize(ctx context.Context) error
	AuthenticateDirectGrant(ctx context.Context, username, password string) (*idp.Tokens, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*idp.Tokens, error)
	FindUsers(ctx context.Context, filter idp.UserFilter) ([]idp.UserRepresentation, error)
	GetUserByID(ctx context.Context, id string) (*idp.UserRepresentation, error)
	CreateUser(ctx context.Context, user idp.UserRepresentation) (string, error)
	UpdateUser(ctx context.Context, id string, user idp.UserRepresentation) error
	DeleteUser(ctx context.Context, id string) error
	ListUserRoles(ctx context.Context, userID string) ([]idp.RoleRepresentation, error)
	AssignUserRoles(ctx context.Context, userID string, roleNames []string) error
	LogoutUser(ctx context.Context, userID string) error
	HealthCheck(ctx context.Context) error
}

// APIKeyService is the slice of the API key service the HTTP middleware
// uses to admit non-JWT credentials.
type APIKeyService interface {
	Validate(ctx context.Context, rawKey string) (*apikey.Key, error)
}

// Dependencies bundles the components the service composes. IdP, Tokens,
// Sessions and Permissions are required; the rest degrade gracefully when
// absent (threat gating, rate limiting, the user mirror and API keys are
// simply skipped).
type Dependencies struct {
	IdP         IdentityProvider
	Tokens      *token.Engine
	Sessions    *session.Manager
	Permissions *rbac.Evaluator

	Threat  *threat.Controller
	Users   userstore.Store
	APIKeys APIKeyService
	Limiter *ratelimit.Limiter

	// KV is only used for health checks and shutdown; components carry
	// their own reference.
	KV kv.Client

	Cache *cache.Cache
	Sink  monitoring.Sink

	// PermissionCacheTTL overrides the memoization TTL for enriched
	// permission sets. Zero selects the default.
	PermissionCacheTTL time.Duration
}

// Service implements the top-level authentication operations.
type Service struct {
	idp         IdentityProvider
	tokens      *token.Engine
	sessions    *session.Manager
	permissions *rbac.Evaluator

	threat  *threat.Controller
	users   userstore.Store
	apiKeys APIKeyService
	limiter *ratelimit.Limiter

	kv    kv.Client
	cache *cache.Cache
	sink  monitoring.Sink

	permissionTTL time.Duration
}

// New validates the bundle and builds the service.
func New(deps Dependencies) (*Service, error) {
	if deps.IdP == nil {
		return nil, fmt.Errorf("auth: identity provider is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("auth: token engine is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("auth: session manager is required")
	}
	if deps.Permissions == nil {
		return nil, fmt.Errorf("auth: permission evaluator is required")
	}
	if deps.Sink == nil {
		deps.Sink = monitoring.NewNoop()
	}
	if deps.PermissionCacheTTL <= 0 {
		deps.PermissionCacheTTL = defaultPermissionCacheTTL
	}

	return &Service{
		idp:           deps.IdP,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		permissions:   deps.Permissions,
		threat:        deps.Threat,
		users:         deps.Users,
		apiKeys:       deps.APIKeys,
		limiter:       deps.Limiter,
		kv:            deps.KV,
		cache:         deps.Cache,
		sink:          deps.Sink,
		permissionTTL: deps.PermissionCacheTTL,
	}, nil
}

// Initialize prepares the service for traffic: the IdP adapter discovers
// its endpoints and logs in the admin client, the threat controller starts
// its cleanup loop and the default roles are mirrored into the KV.
// A failure here is unrecoverable and should abort startup.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.idp.Initialize(ctx); err != nil {
		return fmt.Errorf("identity provider initialization: %w", err)
	}

	if s.kv != nil {
		if err := s.kv.Ping(ctx); err != nil {
			// Components fail open on reads, so a cold KV is degraded
			// service rather than a startup abort.
			logger.Warnw("kv store unreachable at startup", "error", err)
			s.sink.RecordCounter("auth.init.kv_unreachable", 1, nil)
		}
	}

	if s.threat != nil {
		s.threat.Start()
	}

	s.permissions.SyncMirror(ctx)
	return nil
}

// Close stops background work and releases stores the service owns.
func (s *Service) Close() error {
	var errs []error
	if s.threat != nil {
		s.threat.Stop()
	}
	if s.users != nil {
		if err := s.users.Close(); err != nil {
			errs = append(errs, fmt.Errorf("user store: %w", err))
		}
	}
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kv client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health reports per-component reachability. Healthy is the conjunction of
// every listed component.
type Health struct {
	Healthy    bool            `json:"healthy"`
	Components map[string]bool `json:"components"`
	CheckedAt  time.Time       `json:"checkedAt"`
}

// HealthCheck probes the IdP and the KV and inspects the in-process
// components. Optional components only contribute when configured.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{
		Components: make(map[string]bool),
		CheckedAt:  time.Now().UTC(),
	}

	h.Components["idp"] = s.idp.HealthCheck(ctx) == nil
	h.Components["permissions"] = s.permissions.HealthCheck() == nil
	if s.kv != nil {
		h.Components["kv"] = s.kv.Ping(ctx) == nil
	}
	if s.cache != nil {
		h.Components["cache"] = true
	}
	if s.threat != nil {
		h.Components["threat"] = true
	}

	h.Healthy = true
	for _, ok := range h.Components {
		if !ok {
			h.Healthy = false
			break
		}
	}
	if !h.Healthy {
		s.sink.RecordCounter("auth.health.degraded", 1, nil)
	}
	return h
}
