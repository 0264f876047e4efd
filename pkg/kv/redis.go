// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the host:port of a standalone Redis. Ignored when Sentinel
	// is configured.
	Addr string

	DB       int
	Username string
	Password string

	// KeyPrefix namespaces every key, e.g. "keyfort:".
	KeyPrefix string

	PoolSize int

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Sentinel switches the client to failover mode when non-nil.
	Sentinel *SentinelConfig
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName string
	Addrs      []string
}

func (c *RedisConfig) validate() error {
	if c.Sentinel != nil {
		if c.Sentinel.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(c.Sentinel.Addrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
		return nil
	}
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	return nil
}

// Redis implements Client backed by go-redis. Safe for concurrent use.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Client = (*Redis)(nil)

// NewRedis creates a Redis-backed client and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.Addrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			PoolSize:      cfg.PoolSize,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisWithClient creates a Redis adapter with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) key(k string) string {
	return r.keyPrefix + k
}

// Get retrieves the value stored at key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("key %s: %w", key, kferrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// SetEx stores value at key with the given TTL.
func (r *Redis) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Del removes the given keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Keys returns all logical keys matching the glob-style pattern.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	found, err := r.client.Keys(ctx, r.key(pattern)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for pattern %s: %w", pattern, err)
	}
	keys := make([]string, 0, len(found))
	for _, k := range found {
		keys = append(keys, strings.TrimPrefix(k, r.keyPrefix))
	}
	return keys, nil
}

// Incr atomically increments the integer at key.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return n, nil
}

// Expire sets the TTL of an existing key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	return nil
}

// TTL reports the remaining TTL of key.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl of key %s: %w", key, err)
	}
	return d, nil
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// SAdd adds members to the set at key.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, r.key(key), args...).Err(); err != nil {
		return fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return nil
}

// SRem removes members from the set at key.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, r.key(key), args...).Err(); err != nil {
		return fmt.Errorf("failed to remove from set %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	return members, nil
}

// ZAdd adds scored members to the sorted set at key.
func (r *Redis) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	if err := r.client.ZAdd(ctx, r.key(key), zs...).Err(); err != nil {
		return fmt.Errorf("failed to add to sorted set %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max, ascending.
func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key(key), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range sorted set %s: %w", key, err)
	}
	return members, nil
}

// ZRemRangeByScore removes members with min <= score <= max.
func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	err := r.client.ZRemRangeByScore(ctx, r.key(key), formatScore(min), formatScore(max)).Err()
	if err != nil {
		return fmt.Errorf("failed to trim sorted set %s: %w", key, err)
	}
	return nil
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}

// Pipeline returns a command buffer executed as one batch.
func (r *Redis) Pipeline() Pipeline {
	return &redisPipeline{pipe: r.client.Pipeline(), prefix: r.keyPrefix}
}

// Ping checks Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// redisPipeline adapts go-redis pipelining to the Pipeline interface.
type redisPipeline struct {
	pipe   redis.Pipeliner
	prefix string
}

var _ Pipeline = (*redisPipeline)(nil)

func (p *redisPipeline) key(k string) string {
	return p.prefix + k
}

func (p *redisPipeline) SetEx(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), p.key(key), value, ttl)
}

func (p *redisPipeline) Del(keys ...string) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = p.key(k)
	}
	p.pipe.Del(context.Background(), prefixed...)
}

func (p *redisPipeline) Incr(key string) {
	p.pipe.Incr(context.Background(), p.key(key))
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), p.key(key), ttl)
}

func (p *redisPipeline) SAdd(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(context.Background(), p.key(key), args...)
}

func (p *redisPipeline) SRem(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SRem(context.Background(), p.key(key), args...)
}

func (p *redisPipeline) ZAdd(key string, members ...ZMember) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	p.pipe.ZAdd(context.Background(), p.key(key), zs...)
}

func (p *redisPipeline) Exec(ctx context.Context) ([]CommandResult, error) {
	cmds, err := p.pipe.Exec(ctx)
	results := make([]CommandResult, len(cmds))
	for i, cmd := range cmds {
		results[i] = CommandResult{Err: cmd.Err()}
	}
	if err != nil {
		return results, fmt.Errorf("pipeline execution failed: %w", err)
	}
	return results, nil
}
