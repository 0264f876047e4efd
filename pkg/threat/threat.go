// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package threat tracks failed authentications and applies account
// lockout and IP blocking policy. All state is in-process and guarded by
// one short-critical-section lock; nothing here touches the network, so
// the checks sit on the login hot path at sub-millisecond cost.
package threat

import (
	"time"

	"github.com/keyfort/keyfort/pkg/monitoring"
)

// Defaults applied by New for zero config values.
const (
	DefaultMaxFailedAttempts           = 5
	DefaultLockoutDuration             = 15 * time.Minute
	DefaultBruteForceWindow            = 10 * time.Minute
	DefaultIPBlockDuration             = time.Hour
	DefaultSuspiciousActivityThreshold = 10
	DefaultCleanupInterval             = time.Minute

	// maxEvents bounds the in-process event ring.
	maxEvents = 1000
)

// Event types.
const (
	EventBruteForce         = "brute_force"
	EventSuspiciousActivity = "suspicious_activity"
)

// Config configures the controller. Lockout and IP blocking are on by
// default; the Disable flags opt out.
type Config struct {
	MaxFailedAttempts           int
	LockoutDuration             time.Duration
	BruteForceWindow            time.Duration
	IPBlockDuration             time.Duration
	SuspiciousActivityThreshold int
	CleanupInterval             time.Duration

	DisableAutoLockout bool
	DisableIPBlocking  bool

	Sink monitoring.Sink
}

// AccountLockout tracks a user's failed attempts. LockoutUntil is zero
// until the threshold trips.
type AccountLockout struct {
	UserID         string    `json:"userId"`
	Reason         string    `json:"reason,omitempty"`
	LockoutUntil   time.Time `json:"lockoutUntil"`
	FailedAttempts int       `json:"failedAttempts"`
	LastAttempt    time.Time `json:"lastAttempt"`
	IPAddresses    []string  `json:"ipAddresses,omitempty"`
}

// Locked reports whether the lockout is in force.
func (l *AccountLockout) Locked(now time.Time) bool {
	return !l.LockoutUntil.IsZero() && now.Before(l.LockoutUntil)
}

// BruteForceAttempt counts failures for one "<ip>:<userId>" pair inside
// the sliding window.
type BruteForceAttempt struct {
	IPAddress    string    `json:"ipAddress"`
	UserID       string    `json:"userId"`
	Attempts     int       `json:"attempts"`
	FirstAttempt time.Time `json:"firstAttempt"`
	LastAttempt  time.Time `json:"lastAttempt"`
	Blocked      bool      `json:"blocked"`
	BlockExpires time.Time `json:"blockExpires"`
}

// Event is one immutable entry of the threat log.
type Event struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Severity  monitoring.Severity `json:"severity"`
	UserID    string              `json:"userId,omitempty"`
	IPAddress string              `json:"ipAddress,omitempty"`
	Message   string              `json:"message"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
	Time      time.Time           `json:"time"`
}

// Stats is a point-in-time view of the controller's state.
type Stats struct {
	ActiveLockouts  int `json:"activeLockouts"`
	TrackedAttempts int `json:"trackedAttempts"`
	BlockedIPs      int `json:"blockedIps"`
	EventCount      int `json:"eventCount"`
}
