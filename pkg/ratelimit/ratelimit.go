// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit caps request rates. The KV-backed Limiter counts in
// fixed windows shared by every node; Local is a per-process token
// bucket for gating that must not cost a network round trip. Both fail
// open: when the backend is unreachable the request proceeds.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

// DefaultKeyPrefix namespaces limiter counters in the KV.
const DefaultKeyPrefix = "ratelimit:"

// Config tunes the fixed-window limiter.
type Config struct {
	// Requests is the number of requests allowed per window.
	Requests int

	// Window is the fixed window length.
	Window time.Duration

	// KeyPrefix namespaces the counter keys.
	KeyPrefix string

	Sink monitoring.Sink
}

func (c *Config) setDefaults() {
	if c.Requests <= 0 {
		c.Requests = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Sink == nil {
		c.Sink = monitoring.NewNoop()
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit and Remaining describe the current window.
	Limit     int
	Remaining int

	// RetryAfter is the time until the window rolls over. Zero when the
	// request was allowed.
	RetryAfter time.Duration

	// FailedOpen is true when the backend was unreachable and the
	// request was allowed by policy rather than by count.
	FailedOpen bool
}

// Limiter counts requests per key in fixed windows backed by the KV, so
// all nodes enforce one shared budget.
type Limiter struct {
	client kv.Client
	cfg    Config
	sink   monitoring.Sink
}

// New creates a fixed-window limiter over the given KV client.
func New(client kv.Client, cfg Config) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("kv client is required")
	}
	cfg.setDefaults()
	return &Limiter{client: client, cfg: cfg, sink: cfg.Sink}, nil
}

// Allow accounts one request against key's budget in the current
// window. The counter key carries the window id, so rollover needs no
// coordination; the first increment arms the TTL.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	now := time.Now()
	window := windowID(now, l.cfg.Window)
	counterKey := fmt.Sprintf("%s%s:%d", l.cfg.KeyPrefix, key, window)

	count, err := l.client.Incr(ctx, counterKey)
	if err != nil {
		logger.Warnw("rate limiter backend unavailable, failing open",
			"key", key, "error", err)
		l.sink.RecordCounter("ratelimit.fail_open", 1, nil)
		return Decision{Allowed: true, Limit: l.cfg.Requests, FailedOpen: true}
	}
	if count == 1 {
		if err := l.client.Expire(ctx, counterKey, l.cfg.Window); err != nil {
			logger.Warnw("failed to arm rate limit window TTL",
				"key", counterKey, "error", err)
		}
	}

	remaining := l.cfg.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if int(count) > l.cfg.Requests {
		l.sink.RecordCounter("ratelimit.denied", 1, nil)
		return Decision{
			Limit:      l.cfg.Requests,
			RetryAfter: windowRemaining(now, l.cfg.Window),
		}
	}

	return Decision{Allowed: true, Limit: l.cfg.Requests, Remaining: remaining}
}

// windowID buckets now into fixed windows since the epoch.
func windowID(now time.Time, window time.Duration) int64 {
	return now.UnixMilli() / window.Milliseconds()
}

// windowRemaining is the time until the current window rolls over.
func windowRemaining(now time.Time, window time.Duration) time.Duration {
	ms := window.Milliseconds()
	elapsed := now.UnixMilli() % ms
	return time.Duration(ms-elapsed) * time.Millisecond
}
