// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package blacklist

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker short-circuits a write.
var ErrCircuitOpen = errors.New("blacklist circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker is a three-state circuit breaker. Reaching threshold failures
// within window opens the circuit; after resetAfter it half-opens and lets
// a single probe through. The probe's outcome closes or reopens it.
type breaker struct {
	threshold  int
	window     time.Duration
	resetAfter time.Duration

	// onStateChange runs with the lock held; it must not call back in.
	onStateChange func(state breakerState)

	mu          sync.Mutex
	state       breakerState
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
}

func newBreaker(threshold int, window, resetAfter time.Duration) *breaker {
	return &breaker{
		threshold:  threshold,
		window:     window,
		resetAfter: resetAfter,
	}
}

// allow reports whether a call may proceed. A nil return must be followed
// by exactly one success() or failure().
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) < b.resetAfter {
			return ErrCircuitOpen
		}
		b.transition(breakerHalfOpen)
		b.probing = true
		return nil
	case breakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == breakerHalfOpen {
		b.failures = 0
		b.transition(breakerClosed)
	}
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.probing = false

	switch b.state {
	case breakerHalfOpen:
		b.open(now)
	case breakerClosed:
		if now.Sub(b.windowStart) > b.window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.threshold {
			b.open(now)
		}
	case breakerOpen:
		// Late reports while already open change nothing.
	}
}

func (b *breaker) open(now time.Time) {
	b.openedAt = now
	b.failures = 0
	b.transition(breakerOpen)
}

func (b *breaker) transition(s breakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(s)
	}
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
