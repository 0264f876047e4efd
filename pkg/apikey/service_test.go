// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package apikey

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/kv"
)

func newTestService(t *testing.T, mutate ...func(*Config)) (*Service, kv.Client) {
	t.Helper()
	m := kv.NewMemory(kv.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = m.Close() })

	cfg := Config{BcryptCost: bcrypt.MinCost}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := New(m, cfg)
	require.NoError(t, err)
	return s, m
}

func testCreateInput() CreateInput {
	return CreateInput{
		UserID: "u1",
		Name:   "ci-deploys",
		Scopes: []string{"deploy", "read"},
	}
}

// plantKey stores a key with a known raw value, bypassing Create, so
// tests can shape timestamps.
func plantKey(t *testing.T, s *Service, mutate func(*Key)) (*Key, string) {
	t.Helper()
	raw, err := s.generateRawKey()
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now()
	key := &Key{
		ID:         "planted-" + raw[len(raw)-6:],
		Name:       "planted",
		UserID:     "u1",
		KeyHash:    string(hash),
		KeyPreview: s.preview(raw),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, s.persist(context.Background(), key))
	return key, raw
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	m := kv.NewMemory()
	t.Cleanup(func() { _ = m.Close() })

	_, err := New(nil, Config{})
	require.Error(t, err)

	_, err = New(m, Config{Prefix: "bad_prefix"})
	require.Error(t, err)

	_, err = New(m, Config{Prefix: "bad:prefix"})
	require.Error(t, err)

	_, err = New(m, Config{BcryptCost: bcrypt.MaxCost + 1})
	require.Error(t, err)

	s, err := New(m, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, s.cfg.Prefix)
	assert.Equal(t, DefaultBcryptCost, s.cfg.BcryptCost)
}

func TestCreateIssuesKey(t *testing.T) {
	t.Parallel()
	s, client := newTestService(t)
	ctx := context.Background()

	key, raw, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)

	assert.True(t, len(raw) > 40, "32 random bytes encode to 43 chars plus prefix")
	assert.Equal(t, "kf_", raw[:3])
	assert.Equal(t, raw[:8], key.KeyPreview)
	assert.True(t, key.IsActive)
	assert.True(t, key.ExpiresAt.IsZero(), "no ExpiresIn means no expiry")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)))

	// The raw key never hits the store.
	stored, err := client.Get(ctx, recordKey(key.ID))
	require.NoError(t, err)
	assert.NotContains(t, stored, raw)

	ids, err := client.SMembers(ctx, userKeysKey("u1"))
	require.NoError(t, err)
	assert.Contains(t, ids, key.ID)

	ids, err = client.SMembers(ctx, previewKey(key.KeyPreview))
	require.NoError(t, err)
	assert.Contains(t, ids, key.ID)
}

func TestCreateValidatesInput(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := s.Create(ctx, CreateInput{Name: "x"})
	require.Error(t, err)
	assert.True(t, kferrors.IsValidation(err))

	_, _, err = s.Create(ctx, CreateInput{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, kferrors.IsValidation(err))
}

func TestValidateCountsUsage(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	created, raw, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)

	key, err := s.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, created.ID, key.ID)
	assert.Equal(t, int64(1), key.UsageCount)
	assert.False(t, key.LastUsedAt.IsZero())

	key, err = s.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, int64(2), key.UsageCount)

	// The merged counter survives a fresh load.
	loaded, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.UsageCount)
}

func TestValidateRejectsForeignOrUnknownKeys(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	for _, rawKey := range []string{
		"",
		"nonsense",
		"zz_c29tZXRoaW5nLXJhbmRvbQ",
		"kf_c29tZXRoaW5nLXJhbmRvbS1idXQtdW5rbm93bg",
	} {
		_, err := s.Validate(ctx, rawKey)
		require.Error(t, err, "raw key %q", rawKey)
		assert.True(t, kferrors.IsUnauthorized(err))
		assert.Contains(t, err.Error(), invalidKeyError)
	}
}

func TestValidateRejectsRevoked(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	key, raw, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, key.ID))

	_, err = s.Validate(ctx, raw)
	require.Error(t, err)
	assert.True(t, kferrors.IsUnauthorized(err))
}

func TestValidateRejectsExpired(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	_, raw := plantKey(t, s, func(k *Key) {
		k.ExpiresAt = time.Now().Add(-time.Minute)
	})

	_, err := s.Validate(ctx, raw)
	require.Error(t, err)
	assert.True(t, kferrors.IsUnauthorized(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestCachedVerdictStillSeesRevocation(t *testing.T) {
	t.Parallel()
	c, err := cache.New(cache.Config{Enabled: true})
	require.NoError(t, err)
	s, _ := newTestService(t, func(cfg *Config) { cfg.Cache = c })
	ctx := context.Background()

	key, raw, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)

	_, err = s.Validate(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, key.ID))
	_, err = s.Validate(ctx, raw)
	require.Error(t, err, "a cached verdict must not outlive revocation")
	assert.True(t, kferrors.IsUnauthorized(err))
}

func TestRotate(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	old, oldRaw, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)

	fresh, freshRaw, err := s.Rotate(ctx, old.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.NotEqual(t, oldRaw, freshRaw)
	assert.Equal(t, old.Name, fresh.Name)
	assert.Equal(t, old.Scopes, fresh.Scopes)
	assert.Equal(t, old.UserID, fresh.UserID)

	_, err = s.Validate(ctx, oldRaw)
	require.Error(t, err, "rotated-out key must stop working")

	got, err := s.Validate(ctx, freshRaw)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestRotateRefusesExpiredKey(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)

	key, _ := plantKey(t, s, func(k *Key) {
		k.ExpiresAt = time.Now().Add(-time.Minute)
	})

	_, _, err := s.Rotate(context.Background(), key.ID)
	require.Error(t, err)
	assert.True(t, kferrors.IsValidation(err))
}

func TestRotateAndRevokeUnknownKey(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := s.Rotate(ctx, "no-such-id")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)

	err = s.Revoke(ctx, "no-such-id")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)
}

func TestListSummaries(t *testing.T) {
	t.Parallel()
	s, client := newTestService(t)
	ctx := context.Background()

	first, _, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)
	in := testCreateInput()
	in.Name = "backup-job"
	second, _, err := s.Create(ctx, in)
	require.NoError(t, err)

	other := testCreateInput()
	other.UserID = "u2"
	_, _, err = s.Create(ctx, other)
	require.NoError(t, err)

	// A stale index entry gets pruned along the way.
	require.NoError(t, client.SAdd(ctx, userKeysKey("u1"), "long-gone"))

	summaries, err := s.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, first.ID, summaries[0].ID)
	assert.Equal(t, second.ID, summaries[1].ID)

	// Summaries never leak the hash.
	payload, err := json.Marshal(summaries[0])
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "keyHash")
	assert.NotContains(t, string(payload), first.KeyHash)

	ids, err := client.SMembers(ctx, userKeysKey("u1"))
	require.NoError(t, err)
	assert.NotContains(t, ids, "long-gone")
}

func TestCleanupRemovesLongExpiredKeys(t *testing.T) {
	t.Parallel()
	s, client := newTestService(t)
	ctx := context.Background()

	gone, _ := plantKey(t, s, func(k *Key) {
		k.ID = "gone-1"
		k.ExpiresAt = time.Now().Add(-2 * DefaultCleanupGrace)
	})
	graced, _ := plantKey(t, s, func(k *Key) {
		k.ID = "graced-1"
		k.ExpiresAt = time.Now().Add(-time.Minute)
	})
	alive, _, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, gone.ID)
	assert.ErrorIs(t, err, kferrors.ErrNotFound)
	ids, err := client.SMembers(ctx, previewKey(gone.KeyPreview))
	require.NoError(t, err)
	assert.NotContains(t, ids, gone.ID)

	// Within grace and unexpired keys survive.
	_, err = s.Get(ctx, graced.ID)
	require.NoError(t, err)
	_, err = s.Get(ctx, alive.ID)
	require.NoError(t, err)
}

func TestCleanupAppliesQueuedRevocations(t *testing.T) {
	t.Parallel()
	s, client := newTestService(t)
	ctx := context.Background()

	key, _, err := s.Create(ctx, testCreateInput())
	require.NoError(t, err)
	require.NoError(t, client.SAdd(ctx, pendingRevokeKey, key.ID, "already-gone"))

	_, err = s.Cleanup(ctx)
	require.NoError(t, err)

	loaded, err := s.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, loaded.IsActive)

	pending, err := client.SMembers(ctx, pendingRevokeKey)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
