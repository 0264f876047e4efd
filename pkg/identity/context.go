// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import "context"

// contextKey is unexported so no other package can collide with it.
type contextKey struct{}

// WithUser stores the authenticated user in the context. A nil user
// returns the original context unchanged.
func WithUser(ctx context.Context, user *User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, user)
}

// FromContext retrieves the authenticated user from the context.
func FromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(contextKey{}).(*User)
	return user, ok
}
