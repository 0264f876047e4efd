// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", false},
		{"empty header", "", "", true},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", true},
		{"lowercase scheme", "bearer abc.def.ghi", "", true},
		{"no token", "Bearer ", "", true},
		{"bare scheme", "Bearer", "", true},
		{"embedded space", "Bearer abc def", "", true},
		{"embedded tab", "Bearer abc\tdef", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractBearer(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromQuery(t *testing.T) {
	t.Parallel()

	got, ok := FromQuery(url.Values{"token": {"t1"}})
	require.True(t, ok)
	assert.Equal(t, "t1", got)

	got, ok = FromQuery(url.Values{"access_token": {"t2"}})
	require.True(t, ok)
	assert.Equal(t, "t2", got)

	// "token" wins when both are present.
	got, ok = FromQuery(url.Values{"token": {"t1"}, "access_token": {"t2"}})
	require.True(t, ok)
	assert.Equal(t, "t1", got)

	_, ok = FromQuery(url.Values{"other": {"x"}})
	assert.False(t, ok)
}

func TestValidateTokenFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"well formed", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9.c2ln", false},
		{"two segments", "aaa.bbb", true},
		{"four segments", "a.b.c.d", true},
		{"empty middle", "aaa..ccc", true},
		{"invalid char", "aaa.b$b.ccc", true},
		{"padding char", "aaa.bbb=.ccc", true},
		{"empty string", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTokenFormat(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTokenFormatAcceptsIssuedTokens(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(t)
	pair, err := engine.GenerateTokens(t.Context(), testUser())
	require.NoError(t, err)

	assert.NoError(t, ValidateTokenFormat(pair.AccessToken))
	assert.NoError(t, ValidateTokenFormat(pair.RefreshToken))
}
