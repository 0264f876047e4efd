// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/keyfort/keyfort/pkg/networking"
)

// discoverEndpoints fetches the realm's discovery document. go-oidc
// validates the issuer claim; endpoint origins are checked here because
// go-oidc does not.
func discoverEndpoints(ctx context.Context, client *http.Client, issuer string) (*Endpoints, error) {
	ctx = oidc.ClientContext(ctx, client)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover realm endpoints: %w", err)
	}

	endpoints := &Endpoints{}
	if err := provider.Claims(endpoints); err != nil {
		return nil, fmt.Errorf("failed to extract discovery claims: %w", err)
	}
	if err := validateEndpoints(endpoints, issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	return endpoints, nil
}

// derivedEndpoints builds the realm endpoints from the issuer URL using
// the standard realm layout. Used when discovery is disabled.
func derivedEndpoints(issuer string) *Endpoints {
	base := strings.TrimSuffix(issuer, "/") + "/protocol/openid-connect"
	return &Endpoints{
		Issuer:                issuer,
		AuthorizationEndpoint: base + "/auth",
		TokenEndpoint:         base + "/token",
		UserinfoEndpoint:      base + "/userinfo",
		JWKSURI:               base + "/certs",
		EndSessionEndpoint:    base + "/logout",
		IntrospectionEndpoint: base + "/token/introspect",

		CodeChallengeMethodsSupported: []string{"S256", "plain"},
	}
}

// validateEndpoints rejects discovery documents that would send token
// traffic somewhere a poisoned document chose. Localhost issuers may use
// plain HTTP but must stay on localhost; everything else must be HTTPS.
func validateEndpoints(endpoints *Endpoints, issuer string) error {
	if endpoints.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint")
	}
	if endpoints.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing authorization_endpoint")
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint": endpoints.AuthorizationEndpoint,
		"token_endpoint":         endpoints.TokenEndpoint,
		"userinfo_endpoint":      endpoints.UserinfoEndpoint,
		"jwks_uri":               endpoints.JWKSURI,
		"end_session_endpoint":   endpoints.EndSessionEndpoint,
		"introspection_endpoint": endpoints.IntrospectionEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, issuer); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}
	if endpointURL.Scheme != networking.HTTPSScheme {
		return fmt.Errorf("endpoint scheme %q is not HTTPS", endpointURL.Scheme)
	}
	return nil
}

// deriveAdminBase maps a realm issuer to its admin REST base:
// .../realms/<realm> becomes .../admin/realms/<realm>. Issuers that do
// not follow the realm layout need Config.AdminBaseURL.
func deriveAdminBase(issuer string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("invalid issuer URL: %w", err)
	}

	path := strings.TrimSuffix(u.Path, "/")
	idx := strings.LastIndex(path, "/realms/")
	if idx < 0 {
		return "", fmt.Errorf("issuer path %q has no /realms/ segment; set the admin base URL explicitly", u.Path)
	}
	realm := path[idx+len("/realms/"):]
	if realm == "" || strings.Contains(realm, "/") {
		return "", fmt.Errorf("issuer path %q does not end in a realm name", u.Path)
	}

	u.Path = path[:idx] + "/admin/realms/" + realm
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// discoveryURL is the well-known location probed by HealthCheck.
func discoveryURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}
