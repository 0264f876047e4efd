// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// stringEntry wraps a value with its expiry for TTL tracking.
type stringEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *stringEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory implements Client with in-memory maps. It is thread-safe and
// intended for tests and single-process deployments; semantics match the
// Redis implementation including lazy expiry and glob key matching.
type Memory struct {
	mu sync.RWMutex

	strings map[string]*stringEntry
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64

	// expiries tracks TTLs for sets and sorted sets, which have no
	// per-entry value wrapper.
	expiries map[string]time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

var _ Client = (*Memory)(nil)

// MemoryOption configures the in-memory client.
type MemoryOption func(*Memory)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = interval
	}
}

// NewMemory creates an in-memory client and starts the background cleanup
// goroutine. Call Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		strings:         make(map[string]*stringEntry),
		sets:            make(map[string]map[string]struct{}),
		zsets:           make(map[string]map[string]float64),
		expiries:        make(map[string]time.Time),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()

	return m
}

func (m *Memory) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.removeExpired()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Memory) removeExpired() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.strings {
		if e.expired(now) {
			delete(m.strings, k)
		}
	}
	for k, exp := range m.expiries {
		if now.After(exp) {
			delete(m.expiries, k)
			delete(m.sets, k)
			delete(m.zsets, k)
		}
	}
}

// collectionExpired reports whether a set/zset key has lapsed. Caller holds
// at least the read lock.
func (m *Memory) collectionExpired(key string, now time.Time) bool {
	exp, ok := m.expiries[key]
	return ok && now.After(exp)
}

// Get retrieves the value stored at key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.strings[key]
	if !ok || e.expired(time.Now()) {
		return "", fmt.Errorf("key %s: %w", key, kferrors.ErrNotFound)
	}
	return e.value, nil
}

// SetEx stores value at key with the given TTL.
func (m *Memory) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &stringEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

// Del removes the given keys from every namespace.
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.strings, k)
		delete(m.sets, k)
		delete(m.zsets, k)
		delete(m.expiries, k)
	}
	return nil
}

// Keys returns all keys matching the glob-style pattern.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, e := range m.strings {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.sets {
		if m.collectionExpired(k, now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.zsets {
		if m.collectionExpired(k, now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Incr atomically increments the integer at key, creating it at 1.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if e, ok := m.strings[key]; ok && !e.expired(time.Now()) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at key %s is not an integer", key)
		}
		n = parsed
	}
	n++

	// Preserve an existing expiry like Redis INCR does.
	if e, ok := m.strings[key]; ok && !e.expired(time.Now()) {
		e.value = strconv.FormatInt(n, 10)
	} else {
		m.strings[key] = &stringEntry{value: strconv.FormatInt(n, 10)}
	}
	return n, nil
}

// Expire sets the TTL of an existing key.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp := time.Now().Add(ttl)
	if e, ok := m.strings[key]; ok {
		e.expiresAt = exp
		return nil
	}
	if _, ok := m.sets[key]; ok {
		m.expiries[key] = exp
		return nil
	}
	if _, ok := m.zsets[key]; ok {
		m.expiries[key] = exp
		return nil
	}
	return nil
}

// TTL reports the remaining TTL of key.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	if e, ok := m.strings[key]; ok && !e.expired(now) {
		if e.expiresAt.IsZero() {
			return -1, nil
		}
		return e.expiresAt.Sub(now), nil
	}
	if exp, ok := m.expiries[key]; ok && now.Before(exp) {
		return exp.Sub(now), nil
	}
	return -2, nil
}

// Exists reports whether key is present.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	if e, ok := m.strings[key]; ok && !e.expired(now) {
		return true, nil
	}
	if _, ok := m.sets[key]; ok && !m.collectionExpired(key, now) {
		return true, nil
	}
	if _, ok := m.zsets[key]; ok && !m.collectionExpired(key, now) {
		return true, nil
	}
	return false, nil
}

// SAdd adds members to the set at key.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok || m.collectionExpired(key, time.Now()) {
		set = make(map[string]struct{})
		m.sets[key] = set
		delete(m.expiries, key)
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SRem removes members from the set at key.
func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
		delete(m.expiries, key)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.collectionExpired(key, time.Now()) {
		return nil, nil
	}
	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// ZAdd adds scored members to the sorted set at key.
func (m *Memory) ZAdd(_ context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zset, ok := m.zsets[key]
	if !ok || m.collectionExpired(key, time.Now()) {
		zset = make(map[string]float64)
		m.zsets[key] = zset
		delete(m.expiries, key)
	}
	for _, member := range members {
		zset[member.Member] = member.Score
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max, ascending.
func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.collectionExpired(key, time.Now()) {
		return nil, nil
	}
	zset, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}

	type scored struct {
		member string
		score  float64
	}
	var matches []scored
	for member, score := range zset {
		if score >= min && score <= max {
			matches = append(matches, scored{member, score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].member < matches[j].member
	})

	members := make([]string, len(matches))
	for i, s := range matches {
		members[i] = s.member
	}
	return members, nil
}

// ZRemRangeByScore removes members with min <= score <= max.
func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zset, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range zset {
		if score >= min && score <= max {
			delete(zset, member)
		}
	}
	if len(zset) == 0 {
		delete(m.zsets, key)
		delete(m.expiries, key)
	}
	return nil
}

// Pipeline returns a command buffer executed as one batch. The in-memory
// pipeline runs the buffered commands sequentially under one lock
// acquisition per command; per-command errors are surfaced like Redis does.
func (m *Memory) Pipeline() Pipeline {
	return &memoryPipeline{client: m}
}

// Ping always succeeds for the in-memory client.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (m *Memory) Close() error {
	close(m.stopCleanup)
	<-m.cleanupDone
	return nil
}

// memoryPipeline buffers commands as closures over the parent client.
type memoryPipeline struct {
	client *Memory
	ops    []func(ctx context.Context) error
}

var _ Pipeline = (*memoryPipeline)(nil)

func (p *memoryPipeline) SetEx(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.client.SetEx(ctx, key, value, ttl)
	})
}

func (p *memoryPipeline) Del(keys ...string) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.client.Del(ctx, keys...)
	})
}

func (p *memoryPipeline) Incr(key string) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		_, err := p.client.Incr(ctx, key)
		return err
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.client.Expire(ctx, key, ttl)
	})
}

func (p *memoryPipeline) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.client.SAdd(ctx, key, members...)
	})
}

func (p *memoryPipeline) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.client.SRem(ctx, key, members...)
	})
}

func (p *memoryPipeline) ZAdd(key string, members ...ZMember) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.client.ZAdd(ctx, key, members...)
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) ([]CommandResult, error) {
	results := make([]CommandResult, len(p.ops))
	for i, op := range p.ops {
		results[i] = CommandResult{Err: op(ctx)}
	}
	p.ops = nil
	return results, nil
}
