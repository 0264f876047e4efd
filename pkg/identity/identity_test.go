// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	user := &User{ID: "u1", Email: "u1@example.com", Roles: []string{"user"}}
	ctx := WithUser(context.Background(), user)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, user, got)
}

func TestContextMissingUser(t *testing.T) {
	t.Parallel()

	got, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestWithUserNil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, ctx, WithUser(ctx, nil))
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		user User
		want string
	}{
		{"name wins", User{Name: "Alice A", FirstName: "Alice", Email: "a@x"}, "Alice A"},
		{"structured name", User{FirstName: "Alice", LastName: "Adams"}, "Alice Adams"},
		{"first only", User{FirstName: "Alice"}, "Alice"},
		{"last only", User{LastName: "Adams"}, "Adams"},
		{"email fallback", User{Email: "a@x"}, "a@x"},
		{"empty", User{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.user.DisplayName())
		})
	}
}

func TestHasRole(t *testing.T) {
	t.Parallel()

	user := &User{ID: "u1", Roles: []string{"admin", "user"}}
	assert.True(t, user.HasRole("admin"))
	assert.False(t, user.HasRole("guest"))

	var nilUser *User
	assert.False(t, nilUser.HasRole("admin"))
}

func TestHasDirectPermission(t *testing.T) {
	t.Parallel()

	user := &User{ID: "u1", Permissions: []string{"read:user"}}
	assert.True(t, user.HasDirectPermission("read:user"))
	assert.False(t, user.HasDirectPermission("manage:all"))
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &User{
		ID:          "u1",
		Roles:       []string{"user"},
		Permissions: []string{"read:user"},
		Metadata:    map[string]string{"tier": "free"},
	}
	clone := orig.Clone()
	require.NotSame(t, orig, clone)

	clone.Roles[0] = "admin"
	clone.Metadata["tier"] = "pro"
	assert.Equal(t, "user", orig.Roles[0])
	assert.Equal(t, "free", orig.Metadata["tier"])

	var nilUser *User
	assert.Nil(t, nilUser.Clone())
}

func TestStringRedactsNothingSensitive(t *testing.T) {
	t.Parallel()

	user := &User{ID: "u1", Email: "secret@example.com"}
	s := user.String()
	assert.Contains(t, s, "u1")
	assert.NotContains(t, s, "secret@example.com")

	var nilUser *User
	assert.Equal(t, "<nil>", nilUser.String())
}
