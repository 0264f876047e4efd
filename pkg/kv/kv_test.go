// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Tests run the same suite against the in-memory client and a miniredis
// backed Redis client, since callers rely on identical semantics.
package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
)

type clientFactory struct {
	name string
	make func(t *testing.T) Client
}

func clientFactories() []clientFactory {
	return []clientFactory{
		{
			name: "memory",
			make: func(t *testing.T) Client {
				t.Helper()
				m := NewMemory(WithCleanupInterval(time.Minute))
				t.Cleanup(func() { _ = m.Close() })
				return m
			},
		},
		{
			name: "redis",
			make: func(t *testing.T) Client {
				t.Helper()
				mr := miniredis.RunT(t)
				rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				c := NewRedisWithClient(rc, "test:")
				t.Cleanup(func() { _ = c.Close() })
				return c
			},
		},
	}
}

// forEachClient runs fn once per implementation as a parallel subtest.
func forEachClient(t *testing.T, fn func(t *testing.T, ctx context.Context, c Client)) {
	t.Helper()
	for _, factory := range clientFactories() {
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			fn(t, context.Background(), factory.make(t))
		})
	}
}

func TestGetSet(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "greeting", "hello", time.Hour))

		val, err := c.Get(ctx, "greeting")
		require.NoError(t, err)
		assert.Equal(t, "hello", val)

		_, err = c.Get(ctx, "absent")
		require.Error(t, err)
		assert.ErrorIs(t, err, kferrors.ErrNotFound)
	})
}

func TestSetOverwrites(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "k", "v1", time.Hour))
		require.NoError(t, c.SetEx(ctx, "k", "v2", time.Hour))

		val, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", val)
	})
}

func TestDel(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "a", "1", time.Hour))
		require.NoError(t, c.SetEx(ctx, "b", "2", time.Hour))

		require.NoError(t, c.Del(ctx, "a", "b", "never-existed"))

		_, err := c.Get(ctx, "a")
		assert.ErrorIs(t, err, kferrors.ErrNotFound)
		_, err = c.Get(ctx, "b")
		assert.ErrorIs(t, err, kferrors.ErrNotFound)
	})
}

func TestKeysPattern(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "token:u1:aaa", "1", time.Hour))
		require.NoError(t, c.SetEx(ctx, "token:u1:bbb", "1", time.Hour))
		require.NoError(t, c.SetEx(ctx, "token:u2:ccc", "1", time.Hour))
		require.NoError(t, c.SetEx(ctx, "session:s1", "1", time.Hour))

		keys, err := c.Keys(ctx, "token:u1:*")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"token:u1:aaa", "token:u1:bbb"}, keys)

		all, err := c.Keys(ctx, "token:*")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestIncr(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		n, err := c.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = c.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestIncrNonInteger(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "k", "not-a-number", time.Hour))

		_, err := c.Incr(ctx, "k")
		require.Error(t, err)
	})
}

func TestExists(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		ok, err := c.Exists(ctx, "nothing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.SetEx(ctx, "something", "1", time.Hour))
		ok, err = c.Exists(ctx, "something")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestExpireAndTTL(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "k", "v", time.Hour))
		require.NoError(t, c.Expire(ctx, "k", 30*time.Minute))

		ttl, err := c.TTL(ctx, "k")
		require.NoError(t, err)
		assert.Greater(t, ttl, 29*time.Minute)
		assert.LessOrEqual(t, ttl, 30*time.Minute)
	})
}

func TestTTLMissingKey(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		ttl, err := c.TTL(ctx, "missing")
		require.NoError(t, err)
		assert.Negative(t, ttl)
	})
}

func TestSets(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SAdd(ctx, "revoked", "jti-1", "jti-2"))
		require.NoError(t, c.SAdd(ctx, "revoked", "jti-2", "jti-3"))

		members, err := c.SMembers(ctx, "revoked")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"jti-1", "jti-2", "jti-3"}, members)

		require.NoError(t, c.SRem(ctx, "revoked", "jti-2"))
		members, err = c.SMembers(ctx, "revoked")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"jti-1", "jti-3"}, members)
	})
}

func TestSMembersEmpty(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		members, err := c.SMembers(ctx, "no-such-set")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestSortedSets(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.ZAdd(ctx, "audit",
			ZMember{Score: 100, Member: "first"},
			ZMember{Score: 200, Member: "second"},
			ZMember{Score: 300, Member: "third"},
		))

		members, err := c.ZRangeByScore(ctx, "audit", 100, 200)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, members)

		require.NoError(t, c.ZRemRangeByScore(ctx, "audit", 0, 150))
		members, err = c.ZRangeByScore(ctx, "audit", 0, 1000)
		require.NoError(t, err)
		assert.Equal(t, []string{"second", "third"}, members)
	})
}

func TestPipelineExec(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		p := c.Pipeline()
		p.SetEx("p1", "v1", time.Hour)
		p.SetEx("p2", "v2", time.Hour)
		p.SAdd("pset", "m1")
		p.Expire("pset", time.Hour)

		results, err := p.Exec(ctx)
		require.NoError(t, err)
		require.Len(t, results, 4)
		for i, res := range results {
			assert.NoError(t, res.Err, "command %d", i)
		}

		val, err := c.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "v1", val)

		members, err := c.SMembers(ctx, "pset")
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, members)
	})
}

func TestPipelineSurfacesPerCommandError(t *testing.T) {
	t.Parallel()
	forEachClient(t, func(t *testing.T, ctx context.Context, c Client) {
		require.NoError(t, c.SetEx(ctx, "text", "abc", time.Hour))

		p := c.Pipeline()
		p.Incr("text") // not an integer
		p.SetEx("ok", "1", time.Hour)

		results, _ := p.Exec(ctx)
		require.Len(t, results, 2)
		assert.Error(t, results[0].Err)
		assert.NoError(t, results[1].Err)
	})
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemory(WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.SetEx(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := m.Get(ctx, "short")
	assert.ErrorIs(t, err, kferrors.ErrNotFound)

	ok, err := m.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisKeyPrefixIsTransparent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisWithClient(rc, "app:")
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.SetEx(ctx, "session:abc", "v", time.Hour))

	// The stored key carries the prefix, but callers never see it.
	assert.True(t, mr.Exists("app:session:abc"))

	keys, err := c.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:abc"}, keys)
}

func TestRedisConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     RedisConfig
		wantErr string
	}{
		{
			name:    "missing addr",
			cfg:     RedisConfig{},
			wantErr: "redis address is required",
		},
		{
			name:    "sentinel without master",
			cfg:     RedisConfig{Sentinel: &SentinelConfig{Addrs: []string{"s:26379"}}},
			wantErr: "master name",
		},
		{
			name:    "sentinel without addrs",
			cfg:     RedisConfig{Sentinel: &SentinelConfig{MasterName: "main"}},
			wantErr: "sentinel address",
		},
		{
			name: "valid standalone",
			cfg:  RedisConfig{Addr: "127.0.0.1:6379"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
