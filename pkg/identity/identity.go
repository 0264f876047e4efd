// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the authenticated principal shared by the
// token, session and authorization layers.
package identity

import (
	"fmt"
	"slices"
	"time"
)

// User is an authenticated principal. The ID is the opaque subject
// assigned by the identity provider; roles and direct permissions are
// denormalized onto the user so a request can be authorized without a
// directory round trip.
type User struct {
	// ID is the unique identifier for the principal (the 'sub' claim).
	ID string `json:"id"`

	// Email is the primary email address.
	Email string `json:"email,omitempty"`

	// Name is the human-readable display name.
	Name string `json:"name,omitempty"`

	// FirstName and LastName carry the structured name when the identity
	// provider supplies one.
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`

	// Roles are the role names assigned to the user.
	Roles []string `json:"roles,omitempty"`

	// Permissions are direct "<action>:<resource>" grants that apply in
	// addition to anything the roles confer.
	Permissions []string `json:"permissions,omitempty"`

	// Active is false for suspended or soft-deleted accounts.
	Active bool `json:"active"`

	// Metadata stores additional identity information.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// String returns a short representation safe for logs.
func (u *User) String() string {
	if u == nil {
		return "<nil>"
	}
	return fmt.Sprintf("User{ID:%q}", u.ID)
}

// DisplayName returns Name, falling back to "FirstName LastName" and
// finally the email address.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.FirstName != "" || u.LastName != "" {
		switch {
		case u.FirstName == "":
			return u.LastName
		case u.LastName == "":
			return u.FirstName
		default:
			return u.FirstName + " " + u.LastName
		}
	}
	return u.Email
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

// HasDirectPermission reports whether the user carries the exact
// "<action>:<resource>" grant. Role-derived permissions are resolved by
// the permission evaluator, not here.
func (u *User) HasDirectPermission(perm string) bool {
	return u != nil && slices.Contains(u.Permissions, perm)
}

// Clone returns a deep copy so callers can mutate without aliasing
// cached principals.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Roles = slices.Clone(u.Roles)
	out.Permissions = slices.Clone(u.Permissions)
	if u.Metadata != nil {
		out.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
