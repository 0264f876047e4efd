// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package threat

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

// Controller owns the in-process threat state. Every public method takes
// the controller lock for a short critical section; none of them block.
type Controller struct {
	cfg  Config
	sink monitoring.Sink

	mu         sync.Mutex
	lockouts   map[string]*AccountLockout
	attempts   map[string]*BruteForceAttempt
	blockedIPs map[string]time.Time
	events     *eventRing

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	started     bool
}

// NewController builds a controller. Call Start to run the periodic
// cleanup; recording and checks work without it.
func NewController(cfg Config) *Controller {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.BruteForceWindow <= 0 {
		cfg.BruteForceWindow = DefaultBruteForceWindow
	}
	if cfg.IPBlockDuration <= 0 {
		cfg.IPBlockDuration = DefaultIPBlockDuration
	}
	if cfg.SuspiciousActivityThreshold <= 0 {
		cfg.SuspiciousActivityThreshold = DefaultSuspiciousActivityThreshold
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Sink == nil {
		cfg.Sink = monitoring.NewNoop()
	}
	return &Controller{
		cfg:        cfg,
		sink:       cfg.Sink,
		lockouts:   make(map[string]*AccountLockout),
		attempts:   make(map[string]*BruteForceAttempt),
		blockedIPs: make(map[string]time.Time),
		events:     newEventRing(maxEvents),
	}
}

// Start launches the cleanup loop. Starting twice is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stopCleanup = make(chan struct{})
	c.cleanupDone = make(chan struct{})
	go c.cleanupLoop()
}

// Stop terminates the cleanup loop and waits for it to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	stop, done := c.stopCleanup, c.cleanupDone
	c.mu.Unlock()

	close(stop)
	<-done
}

func (c *Controller) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// RecordFailedAttempt accounts one failed authentication. It advances
// the brute-force counter for the ip/user pair, blocks the IP once its
// failures across all users pass twice the lockout threshold, and locks
// the account at the threshold when auto-lockout is on.
func (c *Controller) RecordFailedAttempt(userID, ip, userAgent string, metadata map[string]string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := c.bumpAttempt(userID, ip, now)
	c.sink.RecordCounter("threat.failed_attempts", 1, nil)

	ipBlocked := false
	if !c.cfg.DisableIPBlocking && ip != "" {
		if c.attemptsForIP(ip, now) > c.cfg.MaxFailedAttempts*2 {
			ipBlocked = c.blockIP(ip, now)
		}
	}

	locked := false
	if userID != "" {
		lockout := c.lockouts[userID]
		if lockout == nil || (!lockout.LockoutUntil.IsZero() && !lockout.Locked(now)) {
			// No entry, or a lapsed lockout whose counters restart.
			lockout = &AccountLockout{UserID: userID}
			c.lockouts[userID] = lockout
		}
		lockout.FailedAttempts++
		lockout.LastAttempt = now
		if ip != "" && !slices.Contains(lockout.IPAddresses, ip) {
			lockout.IPAddresses = append(lockout.IPAddresses, ip)
		}
		if !c.cfg.DisableAutoLockout && lockout.LockoutUntil.IsZero() &&
			lockout.FailedAttempts >= c.cfg.MaxFailedAttempts {
			lockout.LockoutUntil = now.Add(c.cfg.LockoutDuration)
			lockout.Reason = "too many failed attempts"
			locked = true
			c.sink.RecordCounter("threat.lockouts", 1, nil)
			logger.Warnw("account locked",
				"user_id", userID, "attempts", lockout.FailedAttempts, "until", lockout.LockoutUntil)
		}
	}

	severity := monitoring.SeverityMedium
	if locked || ipBlocked {
		severity = monitoring.SeverityHigh
	}
	c.appendEvent(Event{
		Type:      EventBruteForce,
		Severity:  severity,
		UserID:    userID,
		IPAddress: ip,
		Message:   fmt.Sprintf("failed authentication attempt %d", attempt.Attempts),
		Metadata:  withUserAgent(metadata, userAgent),
		Time:      now,
	})
}

// RecordSuccessfulAuth clears the user's lockout and brute-force
// counters and unblocks the source IP.
func (c *Controller) RecordSuccessfulAuth(userID, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.lockouts, userID)
	for key, attempt := range c.attempts {
		if attempt.UserID == userID {
			delete(c.attempts, key)
		}
	}
	if ip != "" {
		if _, blocked := c.blockedIPs[ip]; blocked {
			delete(c.blockedIPs, ip)
			logger.Infow("ip unblocked after successful authentication", "ip", ip)
		}
	}
	c.sink.RecordCounter("threat.successful_auths", 1, nil)
}

// IsAccountLocked reports whether the user is under an active lockout.
// Lapsed lockouts are evicted on the way.
func (c *Controller) IsAccountLocked(userID string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	lockout, ok := c.lockouts[userID]
	if !ok {
		return false
	}
	if lockout.Locked(now) {
		return true
	}
	if !lockout.LockoutUntil.IsZero() {
		delete(c.lockouts, userID)
	}
	return false
}

// Lockout returns a copy of the user's active lockout record, if any.
// Callers use it to surface lockoutUntil in rejections.
func (c *Controller) Lockout(userID string) (AccountLockout, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	lockout, ok := c.lockouts[userID]
	if !ok || !lockout.Locked(now) {
		return AccountLockout{}, false
	}
	out := *lockout
	out.IPAddresses = append([]string(nil), lockout.IPAddresses...)
	return out, true
}

// IsIPBlocked reports whether the IP is currently blocked. Lapsed blocks
// are evicted on the way.
func (c *Controller) IsIPBlocked(ip string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.blockedIPs[ip]
	if !ok {
		return false
	}
	if now.Before(expires) {
		return true
	}
	delete(c.blockedIPs, ip)
	return false
}

// CheckIPBlocking counts the IP's recent attempts and blocks it past the
// suspicious-activity threshold. Returns whether the IP is blocked after
// the check.
func (c *Controller) CheckIPBlocking(ip, userID string) bool {
	if ip == "" {
		return false
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expires, ok := c.blockedIPs[ip]; ok && now.Before(expires) {
		return true
	}
	if c.cfg.DisableIPBlocking {
		return false
	}

	recent := c.attemptsForIP(ip, now)
	if recent <= c.cfg.SuspiciousActivityThreshold {
		return false
	}

	c.blockIP(ip, now)
	c.appendEvent(Event{
		Type:      EventSuspiciousActivity,
		Severity:  monitoring.SeverityHigh,
		UserID:    userID,
		IPAddress: ip,
		Message:   fmt.Sprintf("%d failed attempts inside the brute-force window", recent),
		Time:      now,
	})
	return true
}

// Events returns the retained threat events, oldest first.
func (c *Controller) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.snapshot()
}

// Stats returns a point-in-time view of the controller state.
func (c *Controller) Stats() Stats {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, lockout := range c.lockouts {
		if lockout.Locked(now) {
			active++
		}
	}
	blocked := 0
	for _, expires := range c.blockedIPs {
		if now.Before(expires) {
			blocked++
		}
	}
	return Stats{
		ActiveLockouts:  active,
		TrackedAttempts: len(c.attempts),
		BlockedIPs:      blocked,
		EventCount:      c.events.len(),
	}
}

// Cleanup evicts lapsed lockouts and IP blocks and drops brute-force
// entries older than the window. The cleanup loop calls it every tick;
// tests call it directly.
func (c *Controller) Cleanup() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, lockout := range c.lockouts {
		if !lockout.LockoutUntil.IsZero() && !lockout.Locked(now) {
			delete(c.lockouts, userID)
		}
	}
	cutoff := now.Add(-c.cfg.BruteForceWindow)
	for key, attempt := range c.attempts {
		if attempt.LastAttempt.Before(cutoff) {
			delete(c.attempts, key)
		}
	}
	for ip, expires := range c.blockedIPs {
		if !now.Before(expires) {
			delete(c.blockedIPs, ip)
		}
	}

	c.sink.RecordGauge("threat.active_lockouts", float64(len(c.lockouts)), nil)
	c.sink.RecordGauge("threat.blocked_ips", float64(len(c.blockedIPs)), nil)
}

// bumpAttempt advances the counter for the ip/user pair, restarting
// entries that fell out of the window. Caller holds the lock.
func (c *Controller) bumpAttempt(userID, ip string, now time.Time) *BruteForceAttempt {
	key := ip + ":" + userID
	attempt, ok := c.attempts[key]
	if !ok || now.Sub(attempt.LastAttempt) > c.cfg.BruteForceWindow {
		attempt = &BruteForceAttempt{
			IPAddress:    ip,
			UserID:       userID,
			FirstAttempt: now,
		}
		c.attempts[key] = attempt
	}
	attempt.Attempts++
	attempt.LastAttempt = now
	return attempt
}

// attemptsForIP sums the IP's attempts across all users inside the
// window. Caller holds the lock.
func (c *Controller) attemptsForIP(ip string, now time.Time) int {
	cutoff := now.Add(-c.cfg.BruteForceWindow)
	total := 0
	for _, attempt := range c.attempts {
		if attempt.IPAddress == ip && !attempt.LastAttempt.Before(cutoff) {
			total += attempt.Attempts
		}
	}
	return total
}

// blockIP records the block and marks the IP's attempt entries. Caller
// holds the lock. Returns false when the IP was already blocked.
func (c *Controller) blockIP(ip string, now time.Time) bool {
	if expires, ok := c.blockedIPs[ip]; ok && now.Before(expires) {
		return false
	}
	expires := now.Add(c.cfg.IPBlockDuration)
	c.blockedIPs[ip] = expires
	for _, attempt := range c.attempts {
		if attempt.IPAddress == ip {
			attempt.Blocked = true
			attempt.BlockExpires = expires
		}
	}
	c.sink.RecordCounter("threat.ip_blocks", 1, nil)
	logger.Warnw("ip blocked", "ip", ip, "until", expires)
	return true
}

// appendEvent stamps and stores the event. Caller holds the lock.
func (c *Controller) appendEvent(e Event) {
	e.ID = uuid.NewString()
	c.events.append(e)
	c.sink.RecordCounter("threat.events", 1, map[string]string{"type": e.Type})
}

func withUserAgent(metadata map[string]string, userAgent string) map[string]string {
	if userAgent == "" {
		return metadata
	}
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["userAgent"] = userAgent
	return out
}

// eventRing is a fixed-capacity overwrite-oldest buffer. Access is
// guarded by the controller lock.
type eventRing struct {
	buf  []Event
	next int
	full bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) append(e Event) {
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *eventRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *eventRing) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
