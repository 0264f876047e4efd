// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveAdminBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		issuer  string
		want    string
		wantErr bool
	}{
		{
			name:   "standard realm",
			issuer: "https://kc.example.com/realms/main",
			want:   "https://kc.example.com/admin/realms/main",
		},
		{
			name:   "legacy auth prefix",
			issuer: "https://kc.example.com/auth/realms/prod",
			want:   "https://kc.example.com/auth/admin/realms/prod",
		},
		{
			name:   "trailing slash",
			issuer: "https://kc.example.com/realms/main/",
			want:   "https://kc.example.com/admin/realms/main",
		},
		{
			name:    "no realms segment",
			issuer:  "https://idp.example.com/oauth2",
			wantErr: true,
		},
		{
			name:    "realm not final segment",
			issuer:  "https://kc.example.com/realms/main/extra",
			wantErr: true,
		},
		{
			name:    "empty realm",
			issuer:  "https://kc.example.com/realms/",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := deriveAdminBase(tt.issuer)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDerivedEndpoints(t *testing.T) {
	t.Parallel()

	endpoints := derivedEndpoints("https://kc.example.com/realms/main")
	base := "https://kc.example.com/realms/main/protocol/openid-connect"

	assert.Equal(t, "https://kc.example.com/realms/main", endpoints.Issuer)
	assert.Equal(t, base+"/auth", endpoints.AuthorizationEndpoint)
	assert.Equal(t, base+"/token", endpoints.TokenEndpoint)
	assert.Equal(t, base+"/userinfo", endpoints.UserinfoEndpoint)
	assert.Equal(t, base+"/certs", endpoints.JWKSURI)
	assert.Equal(t, base+"/logout", endpoints.EndSessionEndpoint)
	assert.Equal(t, base+"/token/introspect", endpoints.IntrospectionEndpoint)
	assert.True(t, endpoints.SupportsPKCE())

	require.NoError(t, validateEndpoints(endpoints, "https://kc.example.com/realms/main"))
}

func TestValidateEndpoints(t *testing.T) {
	t.Parallel()

	valid := func() *Endpoints { return derivedEndpoints("https://kc.example.com/realms/main") }

	t.Run("missing token endpoint", func(t *testing.T) {
		t.Parallel()
		endpoints := valid()
		endpoints.TokenEndpoint = ""
		assert.ErrorContains(t, validateEndpoints(endpoints, endpoints.Issuer), "token_endpoint")
	})

	t.Run("missing authorization endpoint", func(t *testing.T) {
		t.Parallel()
		endpoints := valid()
		endpoints.AuthorizationEndpoint = ""
		assert.ErrorContains(t, validateEndpoints(endpoints, endpoints.Issuer), "authorization_endpoint")
	})

	t.Run("cleartext endpoint off localhost", func(t *testing.T) {
		t.Parallel()
		endpoints := valid()
		endpoints.TokenEndpoint = "http://kc.example.com/realms/main/protocol/openid-connect/token"
		assert.ErrorContains(t, validateEndpoints(endpoints, endpoints.Issuer), "not HTTPS")
	})

	t.Run("optional endpoints may be absent", func(t *testing.T) {
		t.Parallel()
		endpoints := valid()
		endpoints.EndSessionEndpoint = ""
		endpoints.IntrospectionEndpoint = ""
		assert.NoError(t, validateEndpoints(endpoints, endpoints.Issuer))
	})
}

func TestValidateEndpointOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		issuer   string
		wantErr  string
	}{
		{
			name:     "https off localhost",
			endpoint: "https://kc.example.com/token",
			issuer:   "https://kc.example.com/realms/main",
		},
		{
			name:     "http on localhost issuer",
			endpoint: "http://localhost:8080/token",
			issuer:   "http://localhost:8080/realms/main",
		},
		{
			name:     "loopback literal",
			endpoint: "http://127.0.0.1:9000/token",
			issuer:   "http://127.0.0.1:9000/realms/main",
		},
		{
			name:     "localhost issuer with remote endpoint",
			endpoint: "https://evil.example.com/token",
			issuer:   "http://localhost:8080/realms/main",
			wantErr:  "endpoint host",
		},
		{
			name:     "cleartext off localhost",
			endpoint: "http://kc.example.com/token",
			issuer:   "https://kc.example.com/realms/main",
			wantErr:  "not HTTPS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateEndpointOrigin(tt.endpoint, tt.issuer)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDiscoveryURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t,
		"https://kc.example.com/realms/main/.well-known/openid-configuration",
		discoveryURL("https://kc.example.com/realms/main/"))
}
