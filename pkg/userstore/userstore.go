// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package userstore persists the relational mirror of identity-provider
// users. The identity provider stays authoritative; the mirror exists so
// lookups, listings and the refresh-time re-fetch policy never need a
// directory round trip.
package userstore

import (
	"context"

	"github.com/keyfort/keyfort/pkg/identity"
)

// Store is the user mirror. Implementations return
// errors.ErrNotFound for missing users and errors.ErrAlreadyExists on
// id or email collisions.
type Store interface {
	// Create inserts a new user record.
	Create(ctx context.Context, user *identity.User) error
	// GetByID retrieves a user by identity-provider subject.
	GetByID(ctx context.Context, id string) (*identity.User, error)
	// GetByEmail retrieves a user by email, case-insensitively.
	GetByEmail(ctx context.Context, email string) (*identity.User, error)
	// List returns users matching the filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*identity.User, error)
	// Update overwrites the mutable fields of an existing user.
	Update(ctx context.Context, user *identity.User) error
	// SetActive flips the active flag without touching other fields.
	SetActive(ctx context.Context, id string, active bool) error
	// Delete removes a user record.
	Delete(ctx context.Context, id string) error
	// Close releases the underlying database.
	Close() error
}

// ListFilter configures filtering for List operations.
type ListFilter struct {
	// Email filters by exact email (case-insensitive). Empty matches all.
	Email string
	// Active filters by the active flag. Nil matches all.
	Active *bool
	// Search filters by substring over email and display name.
	Search string
	// Offset and Limit page the result. Limit 0 means no limit.
	Offset int
	Limit  int
}
