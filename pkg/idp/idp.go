// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package idp is the adapter for the upstream identity provider. It
// speaks the realm's OAuth token endpoint for credential grants and the
// admin REST API for user and role management, and keeps the error
// surface coarse: callers learn "invalid credentials" or "service
// error", nothing that would let them enumerate accounts.
package idp

import (
	"fmt"
	"strings"
	"time"

	"github.com/keyfort/keyfort/pkg/identity"
	"github.com/keyfort/keyfort/pkg/networking"
)

// Config connects the adapter to one realm.
type Config struct {
	// IssuerURL is the realm issuer, e.g. https://idp.example.com/realms/main.
	IssuerURL string

	// ClientID and ClientSecret identify the confidential client used
	// for credential grants and, when the client has a service account,
	// for admin API access.
	ClientID     string
	ClientSecret string

	// AdminUsername and AdminPassword are the password-grant fallback
	// for realms whose client has no service account.
	AdminUsername string
	AdminPassword string

	// AdminBaseURL overrides the admin REST base derived from the
	// issuer. Needed when the admin API lives behind a different path.
	AdminBaseURL string

	// DiscoveryEnabled resolves endpoints from the issuer's discovery
	// document; otherwise they are derived from the issuer URL layout.
	DiscoveryEnabled bool

	// Timeout bounds each outbound request. Zero uses the default.
	Timeout time.Duration

	// CABundle is an optional CA certificate bundle for realms with
	// private certificate authorities.
	CABundle string
}

// Validate checks the fields every mode of the adapter needs.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer URL is required")
	}
	if err := networking.ValidateEndpointURL(c.IssuerURL); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.AdminBaseURL != "" {
		if err := networking.ValidateEndpointURL(c.AdminBaseURL); err != nil {
			return fmt.Errorf("invalid admin base URL: %w", err)
		}
	}
	return nil
}

// Endpoints are the realm endpoints the adapter talks to, either
// discovered or derived from the issuer URL.
type Endpoints struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the realm advertises S256.
func (e *Endpoints) SupportsPKCE() bool {
	for _, method := range e.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return false
}

// Tokens is a token set issued by the realm.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string

	// SessionState is the realm's SSO session id, when reported.
	SessionState string

	ExpiresAt        time.Time
	RefreshExpiresIn time.Duration
}

// ExpiresIn returns the remaining access-token life, floored at zero.
func (t *Tokens) ExpiresIn() time.Duration {
	if t == nil || t.ExpiresAt.IsZero() {
		return 0
	}
	if d := time.Until(t.ExpiresAt); d > 0 {
		return d
	}
	return 0
}

// UserRepresentation is the realm's user record. Field names follow the
// admin REST wire format.
type UserRepresentation struct {
	ID               string              `json:"id,omitempty"`
	Username         string              `json:"username,omitempty"`
	Email            string              `json:"email,omitempty"`
	FirstName        string              `json:"firstName,omitempty"`
	LastName         string              `json:"lastName,omitempty"`
	Enabled          *bool               `json:"enabled,omitempty"`
	EmailVerified    *bool               `json:"emailVerified,omitempty"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
	CreatedTimestamp int64               `json:"createdTimestamp,omitempty"`

	// Credentials is write-only: sent on create, never returned.
	Credentials []CredentialRepresentation `json:"credentials,omitempty"`
}

// CredentialRepresentation carries an initial password on user creation.
type CredentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// RoleRepresentation is a realm role.
type RoleRepresentation struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite,omitempty"`
}

// Introspection is the realm's verdict on a presented token.
type Introspection struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub,omitempty"`
	Username string `json:"username,omitempty"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Expiry   int64  `json:"exp,omitempty"`
}

// UserFilter narrows FindUsers. Zero values are omitted from the query.
type UserFilter struct {
	Email    string
	Username string

	// Search matches across username, name and email, realm-side.
	Search string

	// Exact requires full-string matches instead of prefix matches.
	Exact bool

	// First and Max page the result. Max zero uses the realm default.
	First int
	Max   int
}

// Principal converts the realm record into the shared principal type.
// Roles are not populated here; they come from ListUserRoles.
func (u *UserRepresentation) Principal() *identity.User {
	email := u.Email
	if email == "" {
		email = u.Username
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = u.Username
	}

	out := &identity.User{
		ID:        u.ID,
		Email:     email,
		Name:      name,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Active:    u.Enabled == nil || *u.Enabled,
	}
	if u.CreatedTimestamp > 0 {
		out.CreatedAt = time.UnixMilli(u.CreatedTimestamp).UTC()
	}
	if len(u.Attributes) > 0 {
		out.Metadata = make(map[string]string, len(u.Attributes))
		for key, values := range u.Attributes {
			if len(values) > 0 {
				out.Metadata[key] = values[0]
			}
		}
	}
	if u.Username != "" && u.Username != email {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, 1)
		}
		out.Metadata["username"] = u.Username
	}
	return out
}

// RoleNames extracts the names from a role list.
func RoleNames(roles []RoleRepresentation) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, role.Name)
	}
	return out
}
