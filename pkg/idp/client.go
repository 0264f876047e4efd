// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/networking"
)

// errorCodeInvalidGrant is the OAuth error for bad credentials, expired
// refresh tokens and disabled accounts. It is the only upstream error
// callers may distinguish from a generic service failure.
const errorCodeInvalidGrant = "invalid_grant"

// Client talks to one realm. Construct with New, then Initialize before
// use. All methods are safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	endpoints *Endpoints
	adminBase string
	oauthCfg  *oauth2.Config
	adminSrc  oauth2.TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the outbound HTTP client. Tests use it to
// point the adapter at a fake realm.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// New builds a realm client. The realm usually sits on the same private
// network as this service, so the HTTP client allows private addresses;
// the issuer URL is operator configuration, not request input.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid IdP config: %w", err)
	}

	httpClient, err := networking.NewClientBuilder().
		WithTimeout(cfg.Timeout).
		WithCABundle(cfg.CABundle).
		WithPrivateIPs(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build IdP HTTP client: %w", err)
	}

	c := &Client{cfg: cfg, httpClient: httpClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initialize resolves the realm endpoints and obtains admin API access:
// a service-account token when the client has a secret, falling back to
// a password grant for the configured admin user. When neither is
// configured the adapter still serves credential grants, but admin
// operations fail until credentials are provided.
func (c *Client) Initialize(ctx context.Context) error {
	var endpoints *Endpoints
	var err error
	if c.cfg.DiscoveryEnabled {
		endpoints, err = discoverEndpoints(ctx, c.httpClient, c.cfg.IssuerURL)
		if err != nil {
			return kferrors.NewServiceError("identity provider discovery failed", err)
		}
	} else {
		endpoints = derivedEndpoints(c.cfg.IssuerURL)
	}

	adminBase := c.cfg.AdminBaseURL
	if adminBase == "" {
		adminBase, err = deriveAdminBase(c.cfg.IssuerURL)
		if err != nil {
			if c.adminConfigured() {
				return kferrors.NewServiceError("cannot derive admin API base URL", err)
			}
			logger.Warnw("admin API base could not be derived; admin operations disabled", "error", err)
			adminBase = ""
		}
	}
	adminBase = strings.TrimSuffix(adminBase, "/")

	oauthCfg := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Scopes:       []string{"openid", "profile", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizationEndpoint,
			TokenURL:  endpoints.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	c.mu.Lock()
	c.endpoints = endpoints
	c.adminBase = adminBase
	c.oauthCfg = oauthCfg
	c.mu.Unlock()

	if !c.adminConfigured() {
		logger.Warnw("no service-account or admin credentials configured; admin operations disabled",
			"issuer", c.cfg.IssuerURL)
		return nil
	}

	src, err := c.loginAdmin(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.adminSrc = src
	c.mu.Unlock()

	logger.Infow("identity provider initialized",
		"issuer", endpoints.Issuer,
		"discovery", c.cfg.DiscoveryEnabled,
		"admin_api", adminBase != "")
	return nil
}

// Endpoints returns the resolved realm endpoints, or nil before
// Initialize. The token verifier wires its JWKS fetcher from here.
func (c *Client) Endpoints() *Endpoints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints
}

// AuthenticateDirectGrant exchanges a username and password for a token
// set using the resource-owner password grant.
func (c *Client) AuthenticateDirectGrant(ctx context.Context, username, password string) (*Tokens, error) {
	cfg, err := c.grantConfig()
	if err != nil {
		return nil, err
	}
	if username == "" || password == "" {
		return nil, kferrors.NewInvalidCredentialsError("invalid credentials", nil)
	}

	tok, err := cfg.PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	if err != nil {
		return nil, mapTokenError(err)
	}
	return tokensFromOAuth2(tok), nil
}

// RefreshAccessToken exchanges a realm refresh token for a fresh token
// set.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	cfg, err := c.grantConfig()
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, kferrors.NewValidationError("refresh token is required", nil)
	}

	src := cfg.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapTokenError(err)
	}
	out := tokensFromOAuth2(tok)
	if out.RefreshToken == "" {
		// Realms that do not rotate refresh tokens keep the old one live.
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// Logout invalidates the realm session behind a refresh token. A token
// the realm no longer knows counts as logged out.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	endpoints, err := c.requireEndpoints()
	if err != nil {
		return err
	}
	if endpoints.EndSessionEndpoint == "" {
		return kferrors.NewServiceError("realm exposes no end-session endpoint", nil)
	}
	if refreshToken == "" {
		return nil
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"refresh_token": {refreshToken},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	status, body, err := c.postForm(ctx, endpoints.EndSessionEndpoint, form)
	if err != nil {
		return kferrors.NewServiceError("identity provider unreachable", err)
	}
	switch {
	case status == http.StatusNoContent || status == http.StatusOK:
		return nil
	case status == http.StatusBadRequest && bytes.Contains(body, []byte(errorCodeInvalidGrant)):
		return nil
	default:
		logger.Warnw("realm logout failed", "status", status)
		return kferrors.NewServiceError("identity provider rejected the logout", nil)
	}
}

// IntrospectToken asks the realm whether a token it issued is still
// active.
func (c *Client) IntrospectToken(ctx context.Context, token string) (*Introspection, error) {
	endpoints, err := c.requireEndpoints()
	if err != nil {
		return nil, err
	}
	if endpoints.IntrospectionEndpoint == "" {
		return nil, kferrors.NewServiceError("realm exposes no introspection endpoint", nil)
	}

	form := url.Values{
		"token":     {token},
		"client_id": {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	result, err := networking.FetchJSONWithForm[Introspection](ctx, c.httpClient, endpoints.IntrospectionEndpoint, form)
	if err != nil {
		return nil, kferrors.NewServiceError("token introspection failed", err)
	}
	return &result, nil
}

// FindUsers lists realm users matching the filter.
func (c *Client) FindUsers(ctx context.Context, filter UserFilter) ([]UserRepresentation, error) {
	query := url.Values{}
	if filter.Email != "" {
		query.Set("email", filter.Email)
	}
	if filter.Username != "" {
		query.Set("username", filter.Username)
	}
	if filter.Search != "" {
		query.Set("search", filter.Search)
	}
	if filter.Exact {
		query.Set("exact", "true")
	}
	if filter.First > 0 {
		query.Set("first", strconv.Itoa(filter.First))
	}
	if filter.Max > 0 {
		query.Set("max", strconv.Itoa(filter.Max))
	}

	requestURL := c.adminURL("users")
	if encoded := query.Encode(); encoded != "" {
		requestURL += "?" + encoded
	}

	status, _, body, err := c.adminDo(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, adminError("find users", status, body)
	}

	var users []UserRepresentation
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, kferrors.NewServiceError("malformed admin API response", err)
	}
	return users, nil
}

// GetUserByID fetches one realm user.
func (c *Client) GetUserByID(ctx context.Context, id string) (*UserRepresentation, error) {
	status, _, body, err := c.adminDo(ctx, http.MethodGet, c.adminURL("users", id), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, adminError("get user "+id, status, body)
	}

	var user UserRepresentation
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, kferrors.NewServiceError("malformed admin API response", err)
	}
	return &user, nil
}

// CreateUser creates a realm user and returns the new id. The realm
// reports the id through the Location header; when it does not, the user
// is looked up again by username.
func (c *Client) CreateUser(ctx context.Context, user UserRepresentation) (string, error) {
	status, header, body, err := c.adminDo(ctx, http.MethodPost, c.adminURL("users"), user)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", adminError("create user", status, body)
	}

	if location := header.Get("Location"); location != "" {
		return path.Base(location), nil
	}

	lookup := user.Username
	if lookup == "" {
		lookup = user.Email
	}
	found, err := c.FindUsers(ctx, UserFilter{Username: lookup, Exact: true, Max: 1})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", kferrors.NewServiceError("created user not found", nil)
	}
	return found[0].ID, nil
}

// UpdateUser overwrites mutable fields of a realm user.
func (c *Client) UpdateUser(ctx context.Context, id string, user UserRepresentation) error {
	status, _, body, err := c.adminDo(ctx, http.MethodPut, c.adminURL("users", id), user)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return adminError("update user "+id, status, body)
	}
	return nil
}

// DeleteUser removes a realm user.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	status, _, body, err := c.adminDo(ctx, http.MethodDelete, c.adminURL("users", id), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return adminError("delete user "+id, status, body)
	}
	return nil
}

// ListUserRoles returns the realm roles mapped to a user.
func (c *Client) ListUserRoles(ctx context.Context, userID string) ([]RoleRepresentation, error) {
	status, _, body, err := c.adminDo(ctx, http.MethodGet, c.adminURL("users", userID, "role-mappings", "realm"), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, adminError("list roles for user "+userID, status, body)
	}

	var roles []RoleRepresentation
	if err := json.Unmarshal(body, &roles); err != nil {
		return nil, kferrors.NewServiceError("malformed admin API response", err)
	}
	return roles, nil
}

// AssignUserRoles maps the named realm roles onto a user. Every name
// must exist in the realm; unknown names fail the whole call before any
// mapping is written.
func (c *Client) AssignUserRoles(ctx context.Context, userID string, roleNames []string) error {
	if len(roleNames) == 0 {
		return nil
	}

	roles := make([]RoleRepresentation, 0, len(roleNames))
	for _, name := range roleNames {
		status, _, body, err := c.adminDo(ctx, http.MethodGet, c.adminURL("roles", name), nil)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			return fmt.Errorf("role %q: %w", name, kferrors.ErrNotFound)
		}
		if status != http.StatusOK {
			return adminError("resolve role "+name, status, body)
		}
		var role RoleRepresentation
		if err := json.Unmarshal(body, &role); err != nil {
			return kferrors.NewServiceError("malformed admin API response", err)
		}
		roles = append(roles, role)
	}

	status, _, body, err := c.adminDo(ctx, http.MethodPost, c.adminURL("users", userID, "role-mappings", "realm"), roles)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return adminError("assign roles to user "+userID, status, body)
	}
	return nil
}

// ListRealmRoleMappings returns every realm role.
func (c *Client) ListRealmRoleMappings(ctx context.Context) ([]RoleRepresentation, error) {
	status, _, body, err := c.adminDo(ctx, http.MethodGet, c.adminURL("roles"), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, adminError("list realm roles", status, body)
	}

	var roles []RoleRepresentation
	if err := json.Unmarshal(body, &roles); err != nil {
		return nil, kferrors.NewServiceError("malformed admin API response", err)
	}
	return roles, nil
}

// LogoutUser invalidates every realm session of a user through the
// admin API.
func (c *Client) LogoutUser(ctx context.Context, userID string) error {
	status, _, body, err := c.adminDo(ctx, http.MethodPost, c.adminURL("users", userID, "logout"), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return adminError("logout user "+userID, status, body)
	}
	return nil
}

// HealthCheck probes the realm's discovery document. Realms serve it
// even when this adapter resolves endpoints without discovery.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := networking.FetchJSON[map[string]any](ctx, c.httpClient, discoveryURL(c.cfg.IssuerURL))
	if err != nil {
		return kferrors.NewServiceError("identity provider unreachable", err)
	}
	return nil
}

func (c *Client) adminConfigured() bool {
	return c.cfg.ClientSecret != "" || c.cfg.AdminUsername != ""
}

// loginAdmin establishes an admin token source. The client-credentials
// grant is preferred; the password grant is the fallback. The returned
// source refreshes itself on a background context so it outlives the
// call that created it.
func (c *Client) loginAdmin(ctx context.Context) (oauth2.TokenSource, error) {
	cfg, err := c.grantConfig()
	if err != nil {
		return nil, err
	}
	background := c.oauthContext(context.Background())

	if c.cfg.ClientSecret != "" {
		cc := &clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     cfg.Endpoint.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		if _, err := cc.Token(c.oauthContext(ctx)); err == nil {
			return cc.TokenSource(background), nil
		} else if c.cfg.AdminUsername == "" {
			return nil, kferrors.NewServiceError("service-account login failed", err)
		} else {
			logger.Debugw("service-account login failed, falling back to password grant", "error", err)
		}
	}

	if c.cfg.AdminUsername != "" {
		tok, err := cfg.PasswordCredentialsToken(c.oauthContext(ctx), c.cfg.AdminUsername, c.cfg.AdminPassword)
		if err != nil {
			return nil, kferrors.NewServiceError("admin login failed", err)
		}
		return cfg.TokenSource(background, tok), nil
	}

	return nil, kferrors.NewServiceError("admin API access is not configured", nil)
}

// adminToken returns a live admin access token, re-running the admin
// login once when the cached source has gone stale.
func (c *Client) adminToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	src := c.adminSrc
	c.mu.Unlock()
	if src == nil {
		return "", kferrors.NewServiceError("admin API access is not configured", nil)
	}

	tok, err := src.Token()
	if err == nil {
		return tok.AccessToken, nil
	}
	logger.Debugw("admin token source stale, re-authenticating", "error", err)

	src, err = c.loginAdmin(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.adminSrc = src
	c.mu.Unlock()

	tok, err = src.Token()
	if err != nil {
		return "", kferrors.NewServiceError("failed to obtain admin token", err)
	}
	return tok.AccessToken, nil
}

// adminDo performs one admin REST call, retrying once with a fresh
// login when the realm rejects the token.
func (c *Client) adminDo(ctx context.Context, method, requestURL string, payload any) (int, http.Header, []byte, error) {
	c.mu.Lock()
	base := c.adminBase
	c.mu.Unlock()
	if base == "" {
		return 0, nil, nil, kferrors.NewServiceError("admin API access is not configured", nil)
	}

	token, err := c.adminToken(ctx)
	if err != nil {
		return 0, nil, nil, err
	}

	status, header, body, err := c.send(ctx, method, requestURL, token, payload)
	if err != nil {
		return 0, nil, nil, kferrors.NewServiceError("identity provider unreachable", err)
	}
	if status != http.StatusUnauthorized {
		return status, header, body, nil
	}

	src, err := c.loginAdmin(ctx)
	if err != nil {
		return status, header, body, nil //nolint:nilerr // surface the 401 to the caller
	}
	c.mu.Lock()
	c.adminSrc = src
	c.mu.Unlock()

	token, err = c.adminToken(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	status, header, body, err = c.send(ctx, method, requestURL, token, payload)
	if err != nil {
		return 0, nil, nil, kferrors.NewServiceError("identity provider unreachable", err)
	}
	return status, header, body, nil
}

// send issues one JSON request with a bounded response read.
func (c *Client) send(ctx context.Context, method, requestURL, token string, payload any) (int, http.Header, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// postForm issues one form POST with a bounded response read.
func (c *Client) postForm(ctx context.Context, requestURL string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) adminURL(parts ...string) string {
	c.mu.Lock()
	base := c.adminBase
	c.mu.Unlock()

	segments := make([]string, len(parts))
	for i, part := range parts {
		segments[i] = url.PathEscape(part)
	}
	return base + "/" + strings.Join(segments, "/")
}

func (c *Client) grantConfig() (*oauth2.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.oauthCfg == nil {
		return nil, kferrors.NewServiceError("IdP adapter not initialized", nil)
	}
	return c.oauthCfg, nil
}

func (c *Client) requireEndpoints() (*Endpoints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints == nil {
		return nil, kferrors.NewServiceError("IdP adapter not initialized", nil)
	}
	return c.endpoints, nil
}

// oauthContext injects the adapter's HTTP client into the oauth2 stack.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// tokensFromOAuth2 lifts the library token plus the realm's extra
// response fields into the adapter type.
func tokensFromOAuth2(tok *oauth2.Token) *Tokens {
	out := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if v, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = v
	}
	if v, ok := tok.Extra("session_state").(string); ok {
		out.SessionState = v
	}
	if v, ok := tok.Extra("refresh_expires_in").(float64); ok && v > 0 {
		out.RefreshExpiresIn = time.Duration(v) * time.Second
	}
	return out
}

// mapTokenError keeps the error surface coarse: invalid_grant becomes
// INVALID_CREDENTIALS, everything else SERVICE_ERROR. The cause is
// retained for logs, never for responses.
func mapTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == errorCodeInvalidGrant {
			return kferrors.NewInvalidCredentialsError("invalid credentials", err)
		}
		logger.Warnw("token endpoint rejected request", "error_code", retrieveErr.ErrorCode)
		return kferrors.NewServiceError("identity provider rejected the request", err)
	}
	return kferrors.NewServiceError("identity provider unreachable", err)
}

// adminError maps an unexpected admin API status onto the shared error
// taxonomy.
func adminError(op string, status int, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, kferrors.ErrNotFound)
	case http.StatusConflict:
		return kferrors.NewUserExistsError("user already exists", nil)
	default:
		preview := string(body)
		if len(preview) > 256 {
			preview = preview[:256]
		}
		logger.Warnw("admin API call failed", "op", op, "status", status, "body", preview)
		return kferrors.NewServiceError("identity provider request failed", nil)
	}
}
