// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/idp"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/session"
)

// defaultRegistrationRoles is assigned when a registration carries no
// explicit role list.
var defaultRegistrationRoles = []string{"user"}

// LoginInput carries the credentials and the request origin attributes
// used for threat accounting and session binding.
type LoginInput struct {
	Email    string
	Password string

	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// Login authenticates credentials against the IdP and, on success, issues
// a KeyFort token pair and an encrypted session bound to the request
// origin. Policy rejections (blocked IP, locked account, rate cap) happen
// before the IdP sees the password.
func (s *Service) Login(ctx context.Context, in LoginInput) Result {
	start := time.Now()
	defer func() {
		s.sink.RecordTimer("auth.login.duration", time.Since(start), nil)
	}()

	if in.Email == "" || in.Password == "" {
		return failure(kferrors.NewValidationError("email and password are required", nil))
	}

	if s.limiter != nil && in.IPAddress != "" {
		if d := s.limiter.Allow(ctx, "login:"+in.IPAddress); !d.Allowed {
			s.sink.RecordCounter("auth.login.rate_limited", 1, nil)
			return failure(kferrors.NewRateLimitedError("too many login attempts", nil))
		}
	}

	// attemptKey identifies the account for brute-force accounting. The
	// mirror resolves it to the stable user id; before the first
	// successful login the email stands in.
	attemptKey := strings.ToLower(in.Email)
	if s.users != nil {
		if u, err := s.users.GetByEmail(ctx, in.Email); err == nil {
			attemptKey = u.ID
		}
	}

	if s.threat != nil {
		if in.IPAddress != "" && s.threat.IsIPBlocked(in.IPAddress) {
			s.sink.RecordCounter("auth.login.blocked", 1, map[string]string{"reason": "ip"})
			return failure(kferrors.NewIPBlockedError("requests from this address are temporarily blocked", nil))
		}
		if s.threat.IsAccountLocked(attemptKey) {
			s.sink.RecordCounter("auth.login.blocked", 1, map[string]string{"reason": "account"})
			res := failure(kferrors.NewAccountLockedError("account is temporarily locked", nil))
			if lockout, ok := s.threat.Lockout(attemptKey); ok {
				until := lockout.LockoutUntil
				res.LockoutUntil = &until
			}
			return res
		}
	}

	idpTokens, err := s.idp.AuthenticateDirectGrant(ctx, in.Email, in.Password)
	if err != nil {
		if s.threat != nil && kferrors.CodeOf(err) == kferrors.CodeInvalidCredentials {
			s.threat.RecordFailedAttempt(attemptKey, in.IPAddress, in.UserAgent, map[string]string{
				"operation": "login",
			})
		}
		s.sink.RecordCounter("auth.login.failure", 1, nil)
		return failure(err)
	}

	user, err := s.principalByEmail(ctx, in.Email)
	if err != nil {
		s.sink.RecordCounter("auth.login.failure", 1, nil)
		return failure(err)
	}
	s.mirrorPrincipal(ctx, user)
	user.Permissions = s.permissionsFor(ctx, user)

	pair, err := s.tokens.GenerateTokens(ctx, user)
	if err != nil {
		s.sink.RecordCounter("auth.login.failure", 1, nil)
		return failure(err)
	}

	sess, err := s.sessions.Create(ctx, session.CreateInput{
		UserID:           user.ID,
		IdPSessionID:     idpTokens.SessionState,
		AccessToken:      idpTokens.AccessToken,
		RefreshToken:     idpTokens.RefreshToken,
		IDToken:          idpTokens.IDToken,
		TokenExpiresAt:   idpTokens.ExpiresAt,
		RefreshExpiresAt: refreshDeadline(idpTokens),
		DeviceInfo:       in.DeviceInfo,
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
	})
	if err != nil {
		s.sink.RecordCounter("auth.login.failure", 1, nil)
		return failure(err)
	}

	if s.threat != nil {
		s.threat.RecordSuccessfulAuth(user.ID, in.IPAddress)
		if attemptKey != user.ID {
			s.threat.RecordSuccessfulAuth(attemptKey, in.IPAddress)
		}
	}

	s.sink.RecordCounter("auth.login.success", 1, nil)
	return succeed(user, pair, sess)
}

// RegisterInput describes a new account. Roles defaults to ["user"].
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Roles     []string
	Metadata  map[string]string
}

// Register creates the account in the IdP, assigns its roles, mirrors the
// principal locally and issues a first token pair. No session is created;
// the caller logs in to obtain one.
func (s *Service) Register(ctx context.Context, in RegisterInput) Result {
	if err := validateRegistration(in); err != nil {
		return failure(err)
	}

	existing, err := s.idp.FindUsers(ctx, idp.UserFilter{Email: in.Email, Exact: true, Max: 1})
	if err != nil {
		s.sink.RecordCounter("auth.register.failure", 1, nil)
		return failure(err)
	}
	if len(existing) > 0 {
		s.sink.RecordCounter("auth.register.failure", 1, nil)
		return failure(kferrors.NewUserExistsError("user already exists", nil))
	}

	enabled := true
	rep := idp.UserRepresentation{
		Username:   in.Email,
		Email:      in.Email,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		Enabled:    &enabled,
		Attributes: attributesFromMetadata(in.Metadata),
		Credentials: []idp.CredentialRepresentation{{
			Type:  "password",
			Value: in.Password,
		}},
	}

	id, err := s.idp.CreateUser(ctx, rep)
	if err != nil {
		s.sink.RecordCounter("auth.register.failure", 1, nil)
		return failure(err)
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = defaultRegistrationRoles
	}
	if err := s.idp.AssignUserRoles(ctx, id, roles); err != nil {
		// The account must not survive half-registered.
		if derr := s.idp.DeleteUser(ctx, id); derr != nil {
			logger.Warnw("failed to remove user after role assignment error",
				"user_id", id, "error", derr)
		}
		s.sink.RecordCounter("auth.register.failure", 1, nil)
		if errors.Is(err, kferrors.ErrNotFound) {
			return failure(kferrors.NewValidationError("unknown role", err))
		}
		return failure(err)
	}

	rep.ID = id
	user := rep.Principal()
	user.Roles = roles
	s.mirrorPrincipal(ctx, user)
	user.Permissions = s.permissionsFor(ctx, user)

	pair, err := s.tokens.GenerateTokens(ctx, user)
	if err != nil {
		s.sink.RecordCounter("auth.register.failure", 1, nil)
		return failure(err)
	}

	s.sink.RecordCounter("auth.register.success", 1, nil)
	return succeed(user, pair, nil)
}

// LogoutInput names the principal logging out. Token narrows revocation to
// one token; SessionID narrows session destruction to one session. When
// absent, everything the user holds is revoked and destroyed.
type LogoutInput struct {
	UserID    string
	Token     string
	SessionID string
}

// Logout revokes tokens and destroys sessions. Revocation is the write
// that matters and fails the operation; session cleanup failures degrade
// to warnings because the records expire on their own.
func (s *Service) Logout(ctx context.Context, in LogoutInput) Result {
	if in.UserID == "" {
		return failure(kferrors.NewValidationError("user id is required", nil))
	}

	if in.Token != "" {
		if err := s.tokens.RevokeToken(ctx, in.Token, "logout", in.UserID); err != nil {
			s.sink.RecordCounter("auth.logout.failure", 1, nil)
			return failure(err)
		}
	} else {
		if _, err := s.tokens.RevokeAllUserTokens(ctx, in.UserID, "logout", in.UserID); err != nil {
			s.sink.RecordCounter("auth.logout.failure", 1, nil)
			return failure(err)
		}
	}

	if in.SessionID != "" {
		if err := s.sessions.Destroy(ctx, in.SessionID); err != nil && !errors.Is(err, kferrors.ErrNotFound) {
			logger.Warnw("session destruction failed during logout",
				"session_id", in.SessionID, "error", err)
			s.sink.RecordCounter("auth.logout.session_errors", 1, nil)
		}
	} else {
		if _, err := s.sessions.DestroyAllForUser(ctx, in.UserID); err != nil {
			logger.Warnw("session sweep failed during logout",
				"user_id", in.UserID, "error", err)
			s.sink.RecordCounter("auth.logout.session_errors", 1, nil)
		}
		// Back-channel: end the realm SSO session too.
		if err := s.idp.LogoutUser(ctx, in.UserID); err != nil && !errors.Is(err, kferrors.ErrNotFound) {
			logger.Warnw("realm logout failed", "user_id", in.UserID, "error", err)
		}
	}

	s.sink.RecordCounter("auth.logout.success", 1, nil)
	return Result{Success: true}
}

// refreshDeadline converts the IdP refresh lifetime into an absolute
// deadline for the session record.
func refreshDeadline(t *idp.Tokens) time.Time {
	if t.RefreshExpiresIn <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.RefreshExpiresIn)
}

func validateRegistration(in RegisterInput) error {
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return kferrors.NewValidationError("a valid email address is required", nil)
	}
	if in.Password == "" {
		return kferrors.NewValidationError("a password is required", nil)
	}
	return nil
}

func attributesFromMetadata(metadata map[string]string) map[string][]string {
	if len(metadata) == 0 {
		return nil
	}
	attrs := make(map[string][]string, len(metadata))
	for k, v := range metadata {
		attrs[k] = []string{v}
	}
	return attrs
}
