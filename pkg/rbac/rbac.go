// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package rbac evaluates role-based permissions. Roles live in a
// process-local map owned by the Evaluator; the KV holds an advisory
// copy only. Actions and resources are open string sets, with "manage"
// matching any action and "all" matching any resource.
package rbac

import (
	kferrors "github.com/keyfort/keyfort/pkg/errors"
)

// Wildcards.
const (
	ActionManage = "manage"
	ResourceAll  = "all"
)

// Names of the seeded roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

// Placeholder condition values substituted with the evaluating user's
// attributes when their ability is built.
const (
	PlaceholderUserID    = "${user.id}"
	PlaceholderUserEmail = "${user.email}"
)

// Condition is one attribute check. Conditions on a permission are
// ordered and conjunctive.
type Condition struct {
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// Permission grants an action on a resource, optionally narrowed by
// conditions and a field allowlist.
type Permission struct {
	Action     string      `json:"action"`
	Resource   string      `json:"resource"`
	Conditions []Condition `json:"conditions,omitempty"`
	Fields     []string    `json:"fields,omitempty"`
}

// Role is a named bundle of permissions.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
}

func (r Role) clone() Role {
	out := r
	out.Permissions = make([]Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		out.Permissions[i] = p.clone()
	}
	return out
}

func (p Permission) clone() Permission {
	out := p
	if p.Conditions != nil {
		out.Conditions = make([]Condition, len(p.Conditions))
		copy(out.Conditions, p.Conditions)
	}
	if p.Fields != nil {
		out.Fields = make([]string, len(p.Fields))
		copy(out.Fields, p.Fields)
	}
	return out
}

func validateRole(r Role) error {
	if r.Name == "" {
		return kferrors.NewValidationError("role name is required", nil)
	}
	for _, p := range r.Permissions {
		if err := validatePermission(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePermission(p Permission) error {
	if p.Action == "" || p.Resource == "" {
		return kferrors.NewValidationError("permission action and resource are required", nil)
	}
	return nil
}

// DefaultRoles returns the seeded role set: admin can do anything, user
// has self-access, guest can read users.
func DefaultRoles() []Role {
	return []Role{
		{
			ID:          RoleAdmin,
			Name:        RoleAdmin,
			Description: "Full administrative access",
			Permissions: []Permission{
				{Action: ActionManage, Resource: ResourceAll},
			},
		},
		{
			ID:          RoleUser,
			Name:        RoleUser,
			Description: "Self-service access to own account and sessions",
			Permissions: []Permission{
				{Action: "read", Resource: "user", Conditions: []Condition{{Attribute: "id", Value: PlaceholderUserID}}},
				{Action: "update", Resource: "user", Conditions: []Condition{{Attribute: "id", Value: PlaceholderUserID}}},
				{Action: "read", Resource: "session", Conditions: []Condition{{Attribute: "userId", Value: PlaceholderUserID}}},
				{Action: "delete", Resource: "session", Conditions: []Condition{{Attribute: "userId", Value: PlaceholderUserID}}},
			},
		},
		{
			ID:          RoleGuest,
			Name:        RoleGuest,
			Description: "Read-only access to user profiles",
			Permissions: []Permission{
				{Action: "read", Resource: "user"},
			},
		},
	}
}
