// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package userstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := Open(t.Context(), filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleUser(id, email string) *identity.User {
	return &identity.User{
		ID:          id,
		Email:       email,
		Name:        "Sample User",
		FirstName:   "Sample",
		LastName:    "User",
		Roles:       []string{"user"},
		Permissions: []string{"read:profile"},
		Active:      true,
		Metadata:    map[string]string{"department": "platform"},
		CreatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	want := sampleUser("u-1", "alice@example.com")
	require.NoError(t, store.Create(ctx, want))

	got, err := store.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Email, got.Email)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Roles, got.Roles)
	assert.Equal(t, want.Permissions, got.Permissions)
	assert.Equal(t, want.Metadata, got.Metadata)
	assert.True(t, got.Active)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at round trip")

	// Email lookups are case-insensitive.
	got, err = store.GetByEmail(ctx, "ALICE@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
}

func TestCreateRequiresIDAndEmail(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Create(ctx, nil))
	assert.Error(t, store.Create(ctx, &identity.User{Email: "x@example.com"}))
	assert.Error(t, store.Create(ctx, &identity.User{ID: "u-1"}))
}

func TestCreateCollisions(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleUser("u-1", "alice@example.com")))

	err := store.Create(ctx, sampleUser("u-1", "other@example.com"))
	assert.ErrorIs(t, err, kferrors.ErrAlreadyExists)

	err = store.Create(ctx, sampleUser("u-2", "alice@example.com"))
	assert.ErrorIs(t, err, kferrors.ErrAlreadyExists)

	// Email uniqueness is case-insensitive too.
	err = store.Create(ctx, sampleUser("u-3", "Alice@Example.com"))
	assert.ErrorIs(t, err, kferrors.ErrAlreadyExists)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)

	_, err = store.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	user := sampleUser("u-1", "alice@example.com")
	require.NoError(t, store.Create(ctx, user))

	user.Name = "Alice Liddell"
	user.Roles = []string{"user", "admin"}
	user.Metadata = nil
	require.NoError(t, store.Update(ctx, user))

	got, err := store.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", got.Name)
	assert.Equal(t, []string{"user", "admin"}, got.Roles)
	assert.Nil(t, got.Metadata)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt), "updated_at bumped")

	err = store.Update(ctx, sampleUser("missing", "m@example.com"))
	assert.ErrorIs(t, err, kferrors.ErrNotFound)

	// An update cannot steal another user's email.
	require.NoError(t, store.Create(ctx, sampleUser("u-2", "bob@example.com")))
	stolen := sampleUser("u-2", "alice@example.com")
	err = store.Update(ctx, stolen)
	assert.ErrorIs(t, err, kferrors.ErrAlreadyExists)
}

func TestSetActive(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleUser("u-1", "alice@example.com")))

	require.NoError(t, store.SetActive(ctx, "u-1", false))
	got, err := store.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "Sample User", got.Name, "other fields untouched")

	assert.ErrorIs(t, store.SetActive(ctx, "missing", true), kferrors.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleUser("u-1", "alice@example.com")))
	require.NoError(t, store.Delete(ctx, "u-1"))

	_, err := store.GetByID(ctx, "u-1")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "u-1"), kferrors.ErrNotFound)
}

func TestList(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		id     string
		email  string
		name   string
		active bool
	}{
		{"u-1", "alice@example.com", "Alice Liddell", true},
		{"u-2", "bob@example.com", "Bob Builder", true},
		{"u-3", "carol@example.com", "Carol Danvers", false},
	}
	for i, s := range seed {
		user := sampleUser(s.id, s.email)
		user.Name = s.name
		user.Active = s.active
		user.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.Create(ctx, user))
	}

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u-1", all[0].ID, "oldest first")
	assert.Equal(t, "u-3", all[2].ID)

	active := true
	actives, err := store.List(ctx, ListFilter{Active: &active})
	require.NoError(t, err)
	assert.Len(t, actives, 2)

	byEmail, err := store.List(ctx, ListFilter{Email: "BOB@example.com"})
	require.NoError(t, err)
	require.Len(t, byEmail, 1)
	assert.Equal(t, "u-2", byEmail[0].ID)

	found, err := store.List(ctx, ListFilter{Search: "carol"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "u-3", found[0].ID)

	page, err := store.List(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "u-2", page[0].ID)

	none, err := store.List(ctx, ListFilter{Search: "zebra"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, sampleUser("u-1", "alice@example.com")))
	require.NoError(t, store.Close())

	// Reopening applies migrations idempotently and keeps the data.
	store, err = Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.GetByID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
}
