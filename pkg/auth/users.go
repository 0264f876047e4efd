// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"strings"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/idp"
	"github.com/keyfort/keyfort/pkg/logger"
)

// GetUserByID resolves a principal. The IdP is authoritative; when it is
// unreachable the local mirror answers so reads survive a directory
// outage.
func (s *Service) GetUserByID(ctx context.Context, id string) Result {
	if id == "" {
		return failure(kferrors.NewValidationError("user id is required", nil))
	}

	rep, err := s.idp.GetUserByID(ctx, id)
	switch {
	case err == nil:
		user, perr := s.principalFromRep(ctx, rep)
		if perr != nil {
			return failure(perr)
		}
		s.mirrorPrincipal(ctx, user)
		user.Permissions = s.permissionsFor(ctx, user)
		return succeed(user, nil, nil)

	case errors.Is(err, kferrors.ErrNotFound):
		// Drop a stale mirror row so the stores agree.
		if s.users != nil {
			if derr := s.users.Delete(ctx, id); derr != nil && !errors.Is(derr, kferrors.ErrNotFound) {
				logger.Warnw("failed to drop stale mirror row", "user_id", id, "error", derr)
			}
		}
		return failure(err)

	default:
		if s.users != nil {
			if user, merr := s.users.GetByID(ctx, id); merr == nil {
				logger.Warnw("identity provider unavailable, serving mirrored user",
					"user_id", id, "error", err)
				s.sink.RecordCounter("auth.user.mirror_fallback", 1, nil)
				user.Permissions = s.permissionsFor(ctx, user)
				return succeed(user, nil, nil)
			}
		}
		return failure(err)
	}
}

// UpdateUserInput uses nil to mean "unchanged". Roles are granted in
// addition to the ones the user already holds, matching realm role-mapping
// semantics.
type UpdateUserInput struct {
	Email     *string
	FirstName *string
	LastName  *string
	Active    *bool
	Roles     []string
	Metadata  map[string]string
}

// UpdateUser applies the changes to the IdP, refreshes the mirror and
// invalidates the cached permission union so the next decision sees the
// new role set.
func (s *Service) UpdateUser(ctx context.Context, id string, in UpdateUserInput) Result {
	if id == "" {
		return failure(kferrors.NewValidationError("user id is required", nil))
	}
	if in.Email != nil && !strings.Contains(*in.Email, "@") {
		return failure(kferrors.NewValidationError("a valid email address is required", nil))
	}

	rep, err := s.idp.GetUserByID(ctx, id)
	if err != nil {
		return failure(err)
	}

	if in.Email != nil {
		rep.Email = *in.Email
		rep.Username = *in.Email
	}
	if in.FirstName != nil {
		rep.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		rep.LastName = *in.LastName
	}
	if in.Active != nil {
		rep.Enabled = in.Active
	}
	if in.Metadata != nil {
		rep.Attributes = attributesFromMetadata(in.Metadata)
	}

	if err := s.idp.UpdateUser(ctx, id, *rep); err != nil {
		s.sink.RecordCounter("auth.user.update_failure", 1, nil)
		return failure(err)
	}

	if in.Roles != nil {
		if err := s.idp.AssignUserRoles(ctx, id, in.Roles); err != nil {
			s.sink.RecordCounter("auth.user.update_failure", 1, nil)
			if errors.Is(err, kferrors.ErrNotFound) {
				return failure(kferrors.NewValidationError("unknown role", err))
			}
			return failure(err)
		}
	}

	s.invalidatePermissions(id)

	user, err := s.principalFromRep(ctx, rep)
	if err != nil {
		return failure(err)
	}
	s.mirrorPrincipal(ctx, user)
	user.Permissions = s.permissionsFor(ctx, user)

	s.sink.RecordCounter("auth.user.updated", 1, nil)
	return succeed(user, nil, nil)
}

// DeleteUser removes an account. All outstanding tokens are revoked
// before the directory row goes away so a failed revocation never leaves
// live credentials for a deleted user.
func (s *Service) DeleteUser(ctx context.Context, id string) Result {
	if id == "" {
		return failure(kferrors.NewValidationError("user id is required", nil))
	}

	if _, err := s.tokens.RevokeAllUserTokens(ctx, id, "user deleted", "system"); err != nil {
		s.sink.RecordCounter("auth.user.delete_failure", 1, nil)
		return failure(err)
	}
	if _, err := s.sessions.DestroyAllForUser(ctx, id); err != nil {
		logger.Warnw("session sweep failed during user deletion", "user_id", id, "error", err)
	}

	if err := s.idp.DeleteUser(ctx, id); err != nil {
		s.sink.RecordCounter("auth.user.delete_failure", 1, nil)
		return failure(err)
	}

	if s.users != nil {
		if err := s.users.Delete(ctx, id); err != nil && !errors.Is(err, kferrors.ErrNotFound) {
			logger.Warnw("failed to remove mirror row", "user_id", id, "error", err)
		}
	}
	s.invalidatePermissions(id)

	s.sink.RecordCounter("auth.user.deleted", 1, nil)
	return Result{Success: true}
}

// principalByEmail resolves the freshly authenticated account to its
// directory record. The account exists because the grant just succeeded,
// so an empty result is a service anomaly rather than a caller error.
func (s *Service) principalByEmail(ctx context.Context, email string) (*identity.User, error) {
	reps, err := s.idp.FindUsers(ctx, idp.UserFilter{Email: email, Exact: true, Max: 2})
	if err != nil {
		return nil, err
	}
	for i := range reps {
		if strings.EqualFold(reps[i].Email, email) || strings.EqualFold(reps[i].Username, email) {
			return s.principalFromRep(ctx, &reps[i])
		}
	}
	return nil, kferrors.NewServiceError("authenticated user not found in directory", nil)
}

// principalFromRep builds the identity from a directory record plus its
// realm role mappings.
func (s *Service) principalFromRep(ctx context.Context, rep *idp.UserRepresentation) (*identity.User, error) {
	roles, err := s.idp.ListUserRoles(ctx, rep.ID)
	if err != nil && !errors.Is(err, kferrors.ErrNotFound) {
		return nil, err
	}
	user := rep.Principal()
	user.Roles = idp.RoleNames(roles)
	return user, nil
}

// mirrorPrincipal upserts the local copy. The mirror is advisory, so
// failures log and move on.
func (s *Service) mirrorPrincipal(ctx context.Context, user *identity.User) {
	if s.users == nil {
		return
	}
	err := s.users.Create(ctx, user)
	if errors.Is(err, kferrors.ErrAlreadyExists) {
		err = s.users.Update(ctx, user)
	}
	if err != nil {
		logger.Warnw("failed to mirror user", "user_id", user.ID, "error", err)
		s.sink.RecordCounter("auth.user.mirror_errors", 1, nil)
	}
}
