// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package kv provides the typed key-value adapter the auth core stores its
// hot state in: issued-token mirrors, revocation records, sessions, API keys,
// and rate-limit windows.
//
// Two implementations exist: a Redis-backed client for production and an
// in-memory client with identical semantics for tests and single-process
// deployments. Callers decide fail-open versus fail-closed; the adapter just
// reports errors.
package kv

import (
	"context"
	"time"
)

// Client is the operation surface components program against.
// Get returns errors.ErrNotFound (from pkg/errors) when the key is absent.
type Client interface {
	// Get retrieves the value stored at key.
	Get(ctx context.Context, key string) (string, error)

	// SetEx stores value at key with the given TTL. A zero TTL stores
	// without expiry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Keys returns all keys matching the glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL reports the remaining TTL of key. Negative when the key has no
	// expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds scored members to the sorted set at key.
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Pipeline returns a command buffer executed as one batch.
	Pipeline() Pipeline

	// Ping checks connectivity (health check).
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// ZMember is a scored member of a sorted set.
type ZMember struct {
	Score  float64
	Member string
}

// Pipeline buffers write commands for batched execution. Exec surfaces the
// per-command errors so callers can treat partial failure precisely.
type Pipeline interface {
	SetEx(key, value string, ttl time.Duration)
	Del(keys ...string)
	Incr(key string)
	Expire(key string, ttl time.Duration)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, members ...ZMember)

	// Exec runs the buffered commands. The returned slice has one entry per
	// buffered command in order. The error is the transport-level failure,
	// if any; individual command failures live in the results.
	Exec(ctx context.Context) ([]CommandResult, error)
}

// CommandResult is the outcome of one pipelined command.
type CommandResult struct {
	// Err is nil when the command succeeded.
	Err error
}
