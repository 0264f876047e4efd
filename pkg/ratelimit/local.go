// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultClientTTL     = 10 * time.Minute
	defaultPruneInterval = time.Minute
)

// Local is a per-process token bucket limiter keyed by caller. It gates
// hot paths without a KV round trip; each key gets its own bucket,
// buckets idle past the TTL are pruned by a background sweep.
type Local struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*localClient

	started   bool
	stopPrune chan struct{}
	pruneDone chan struct{}
}

type localClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocal creates a local limiter allowing rps sustained requests per
// key with the given burst.
func NewLocal(rps float64, burst int) *Local {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &Local{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*localClient),
	}
}

// Allow reports whether key may proceed now, consuming one token.
func (l *Local) Allow(key string) bool {
	l.mu.Lock()
	client, ok := l.clients[key]
	if !ok {
		client = &localClient{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = client
	}
	client.lastSeen = time.Now()
	l.mu.Unlock()

	return client.limiter.Allow()
}

// Start launches the prune loop. Starting twice is a no-op.
func (l *Local) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.stopPrune = make(chan struct{})
	l.pruneDone = make(chan struct{})
	go l.pruneLoop()
}

// Stop terminates the prune loop and waits for it to finish.
func (l *Local) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	stop, done := l.stopPrune, l.pruneDone
	l.mu.Unlock()

	close(stop)
	<-done
}

func (l *Local) pruneLoop() {
	defer close(l.pruneDone)

	ticker := time.NewTicker(defaultPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Prune(defaultClientTTL)
		case <-l.stopPrune:
			return
		}
	}
}

// Prune drops buckets idle longer than ttl and returns how many were
// removed.
func (l *Local) Prune(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Size reports the number of tracked keys.
func (l *Local) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
