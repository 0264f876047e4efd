// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"time"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/session"
	"github.com/keyfort/keyfort/pkg/token"
)

// Result is the outcome of a service operation. Success carries the
// principal and any issued tokens or session; failure carries a coarse
// machine-readable code and a message safe to show the caller.
type Result struct {
	Success bool             `json:"success"`
	User    *identity.User   `json:"user,omitempty"`
	Tokens  *token.Pair      `json:"tokens,omitempty"`
	Session *session.Session `json:"session,omitempty"`

	Code  kferrors.Code `json:"code,omitempty"`
	Error string        `json:"error,omitempty"`

	// LockoutUntil accompanies ACCOUNT_LOCKED when the lockout expiry is
	// known.
	LockoutUntil *time.Time `json:"lockoutUntil,omitempty"`
}

// failure converts an internal error into a caller-facing Result. Raw
// errors that carry no classification collapse into SERVICE_ERROR with a
// generic message so nothing internal leaks across the boundary.
func failure(err error) Result {
	var e *kferrors.Error
	if errors.As(err, &e) {
		return Result{Code: e.Code, Error: e.Message}
	}
	if errors.Is(err, kferrors.ErrNotFound) {
		return Result{Code: kferrors.CodeValidationError, Error: "user not found"}
	}
	return Result{Code: kferrors.CodeServiceError, Error: "internal error"}
}

func succeed(user *identity.User, pair *token.Pair, sess *session.Session) Result {
	return Result{Success: true, User: user, Tokens: pair, Session: sess}
}
