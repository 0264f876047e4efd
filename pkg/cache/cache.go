// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the in-process cache shared by the auth
// components. It is split into two LRU shards: a small one for token and
// api-key validation verdicts, and a larger one for data snapshots
// (permissions, roles, sessions, user info).
//
// Entries carry their own TTL and die lazily on access; the LRU bound
// handles overall size. Every operation fails open: callers observe a
// miss, never an error.
package cache

import (
	"context"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/keyfort/keyfort/pkg/monitoring"
)

// Default shard bounds.
const (
	DefaultValidationSize = 2048
	DefaultDataSize       = 8192
)

// Config configures the cache. Zero sizes fall back to the defaults; a nil
// sink discards the hit/miss counters.
type Config struct {
	Enabled        bool
	ValidationSize int
	DataSize       int
	Sink           monitoring.Sink
}

// Cache holds the two shards.
type Cache struct {
	validation *Shard
	data       *Shard
}

// New builds both shards.
func New(cfg Config) (*Cache, error) {
	if cfg.ValidationSize <= 0 {
		cfg.ValidationSize = DefaultValidationSize
	}
	if cfg.DataSize <= 0 {
		cfg.DataSize = DefaultDataSize
	}
	if cfg.Sink == nil {
		cfg.Sink = monitoring.NewNoop()
	}

	validation, err := newShard("validation", cfg.ValidationSize, cfg.Enabled, cfg.Sink)
	if err != nil {
		return nil, err
	}
	data, err := newShard("data", cfg.DataSize, cfg.Enabled, cfg.Sink)
	if err != nil {
		return nil, err
	}
	return &Cache{validation: validation, data: data}, nil
}

// Validation returns the shard holding validation verdicts.
func (c *Cache) Validation() *Shard { return c.validation }

// Data returns the shard holding data snapshots.
func (c *Cache) Data() *Shard { return c.data }

// InvalidatePattern removes matching entries from both shards and returns
// how many were dropped.
func (c *Cache) InvalidatePattern(pattern string) int {
	return c.validation.InvalidatePattern(pattern) + c.data.InvalidatePattern(pattern)
}

// Purge empties both shards.
func (c *Cache) Purge() {
	c.validation.Purge()
	c.data.Purge()
}

// Stats reports current entry counts.
type Stats struct {
	ValidationLen int `json:"validationLen"`
	DataLen       int `json:"dataLen"`
}

// Stats returns current entry counts for both shards.
func (c *Cache) Stats() Stats {
	return Stats{
		ValidationLen: c.validation.Len(),
		DataLen:       c.data.Len(),
	}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Shard is one bounded LRU with per-entry TTL.
type Shard struct {
	name    string
	enabled bool
	lru     *lru.Cache[string, entry]
	group   singleflight.Group
	sink    monitoring.Sink
	labels  map[string]string
}

func newShard(name string, size int, enabled bool, sink monitoring.Sink) (*Shard, error) {
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Shard{
		name:    name,
		enabled: enabled,
		lru:     l,
		sink:    sink,
		labels:  map[string]string{"cache": name},
	}, nil
}

// Get returns the cached value, or false on miss, expiry, or when the
// cache is disabled.
func (s *Shard) Get(key string) (any, bool) {
	if !s.enabled {
		return nil, false
	}
	e, ok := s.lru.Get(key)
	if !ok {
		s.sink.RecordCounter("cache.miss", 1, s.labels)
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.lru.Remove(key)
		s.sink.RecordCounter("cache.miss", 1, s.labels)
		return nil, false
	}
	s.sink.RecordCounter("cache.hit", 1, s.labels)
	return e.value, true
}

// Set stores value under key. A non-positive ttl stores the entry without
// expiry, leaving eviction to the LRU bound.
func (s *Shard) Set(key string, value any, ttl time.Duration) {
	if !s.enabled {
		return
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	if s.lru.Add(key, e) {
		s.sink.RecordCounter("cache.eviction", 1, s.labels)
	}
}

// Invalidate removes the given keys and returns how many were present.
func (s *Shard) Invalidate(keys ...string) int {
	removed := 0
	for _, key := range keys {
		if s.lru.Remove(key) {
			removed++
		}
	}
	return removed
}

// InvalidatePattern removes every key matching the glob pattern.
func (s *Shard) InvalidatePattern(pattern string) int {
	removed := 0
	for _, key := range s.lru.Keys() {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			if s.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// GetOrLoad returns the cached value or runs loader to fill it. Concurrent
// misses for the same key share a single loader call. Loader errors are
// returned to every waiter and nothing is cached.
func (s *Shard) GetOrLoad(
	ctx context.Context,
	key string,
	ttl time.Duration,
	loader func(context.Context) (any, error),
) (any, error) {
	if !s.enabled {
		return loader(ctx)
	}
	if v, ok := s.Get(key); ok {
		return v, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Another flight may have filled the entry already.
		if v, ok := s.Get(key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		s.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Purge drops every entry in the shard.
func (s *Shard) Purge() {
	s.lru.Purge()
}

// Len returns the number of live entries, counting expired ones not yet
// collected.
func (s *Shard) Len() int {
	return s.lru.Len()
}
