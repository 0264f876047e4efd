// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package blacklist tracks revoked tokens in the KV store.
//
// Writes are fail-closed: a revocation that cannot be persisted is reported
// as an error, wrapped in retry-with-backoff and a circuit breaker so a
// struggling KV is not hammered. Reads are fail-open: when the KV cannot
// answer, tokens are treated as not revoked and an error counter is bumped,
// because blocking all traffic on a cache outage is worse than honoring a
// token for its remaining lifetime.
//
// Every revocation is also appended to a per-day audit sorted set.
package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

// Cache key prefixes inside the validation shard.
const (
	verdictPrefix  = "revoked"   // combined direct + user-wide verdict
	verdictIDOnly  = "revokedid" // direct-only verdict
	defaultRetries = 3
)

// Config tunes the blacklist. Zero values fall back to defaults.
type Config struct {
	// KeyPrefix namespaces every blacklist key inside the KV.
	KeyPrefix string

	// BreakerThreshold failures within BreakerWindow open the circuit;
	// after BreakerReset it half-opens for a single probe.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerReset     time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries        int
	RetryInitialDelay time.Duration

	// BatchSize bounds tokens per pipeline in BatchRevoke; MaxConcurrent
	// bounds chunks in flight.
	BatchSize     int
	MaxConcurrent int

	// OpTimeout caps one write operation including its retries.
	OpTimeout time.Duration

	// Retention windows for the three record families.
	TokenRetention time.Duration
	UserRetention  time.Duration
	AuditRetention time.Duration

	// CacheTTL bounds staleness of cached read verdicts.
	CacheTTL time.Duration

	// Cache holds read verdicts in its validation shard. Optional.
	Cache *cache.Cache

	Sink monitoring.Sink
}

func (c *Config) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "jwt:blacklist:"
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 10 * time.Second
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultRetries
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.TokenRetention <= 0 {
		c.TokenRetention = 7 * 24 * time.Hour
	}
	if c.UserRetention <= 0 {
		c.UserRetention = 30 * 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Sink == nil {
		c.Sink = monitoring.NewNoop()
	}
}

// Blacklist is the revocation service.
type Blacklist struct {
	kv      kv.Client
	cfg     Config
	breaker *breaker
	sink    monitoring.Sink
}

// New creates a blacklist over the given KV client.
func New(client kv.Client, cfg Config) (*Blacklist, error) {
	if client == nil {
		return nil, fmt.Errorf("kv client is required")
	}
	cfg.setDefaults()

	b := &Blacklist{
		kv:   client,
		cfg:  cfg,
		sink: cfg.Sink,
	}
	b.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerReset)
	b.breaker.onStateChange = func(state breakerState) {
		open := 0.0
		if state == breakerOpen {
			open = 1.0
			b.sink.RecordCounter("blacklist.breaker.opened", 1, nil)
		}
		b.sink.RecordGauge("blacklist.breaker.open", open, nil)
		logger.Infow("blacklist circuit breaker state changed", "state", state.String())
	}
	return b, nil
}

// BreakerState reports the circuit breaker state: closed, open or half-open.
func (b *Blacklist) BreakerState() string {
	return b.breaker.currentState().String()
}

// StoreRevocation marks one token as revoked. The token is structurally
// validated first; already-expired tokens are rejected since the verifier
// refuses them anyway. Fail-closed: an error means the record is not stored.
func (b *Blacklist) StoreRevocation(ctx context.Context, token, reason, revokedBy string, opts ...RevocationOption) (*RevocationRecord, error) {
	details, err := ParseTokenDetails(token)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !details.ExpiresAt.After(now) {
		return nil, kferrors.NewValidationError("token already expired", nil)
	}

	record := &RevocationRecord{
		TokenID:         details.TokenID,
		UserID:          details.UserID,
		ExpiresAt:       details.ExpiresAt.Unix(),
		RevokedAt:       now,
		RevokedAtMillis: now.UnixMilli(),
		Reason:          reason,
		RevokedBy:       revokedBy,
	}
	if !details.IssuedAt.IsZero() {
		record.IssuedAt = details.IssuedAt.Unix()
	}
	for _, opt := range opts {
		opt(record)
	}

	if err := b.execWithRetry(ctx, func() error {
		return b.writeRevocation(ctx, record, details, now)
	}); err != nil {
		b.sink.RecordCounter("blacklist.revocation_errors", 1, nil)
		return nil, fmt.Errorf("failed to store revocation for token %s: %w", details.TokenID, err)
	}

	b.invalidateVerdict(details.TokenID)
	b.sink.RecordCounter("blacklist.revocations", 1, nil)
	return record, nil
}

// writeRevocation issues the pipelined write for one revocation record.
func (b *Blacklist) writeRevocation(ctx context.Context, record *RevocationRecord, details *TokenDetails, now time.Time) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal revocation record: %w", err)
	}

	p := b.kv.Pipeline()
	p.SetEx(b.tokenKey(record.TokenID), string(payload), recordTTL(details, b.cfg.TokenRetention, now))
	p.SAdd(b.userTokensKey(record.UserID), record.TokenID)
	p.Expire(b.userTokensKey(record.UserID), b.cfg.UserRetention)
	p.ZAdd(b.auditKey(now), kv.ZMember{Score: float64(record.RevokedAtMillis), Member: string(payload)})
	p.Expire(b.auditKey(now), b.cfg.AuditRetention)

	results, err := p.Exec(ctx)
	if err != nil {
		return err
	}
	for i, res := range results {
		if res.Err != nil {
			return fmt.Errorf("pipeline command %d failed: %w", i, res.Err)
		}
	}
	return nil
}

// StoreUserRevocation invalidates every token of the user issued before now.
func (b *Blacklist) StoreUserRevocation(ctx context.Context, userID, reason, revokedBy string) (*UserRevocationRecord, error) {
	if userID == "" {
		return nil, kferrors.NewValidationError("user id is required", nil)
	}

	now := time.Now()
	record := &UserRevocationRecord{
		UserID:          userID,
		RevokedAt:       now,
		RevokedAtMillis: now.UnixMilli(),
		Reason:          reason,
		RevokedBy:       revokedBy,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user revocation record: %w", err)
	}

	if err := b.execWithRetry(ctx, func() error {
		return b.kv.SetEx(ctx, b.userRevokedKey(userID), string(payload), b.cfg.UserRetention)
	}); err != nil {
		b.sink.RecordCounter("blacklist.revocation_errors", 1, nil)
		return nil, fmt.Errorf("failed to store user revocation for %s: %w", userID, err)
	}

	// Every cached combined verdict may now be stale.
	if b.cfg.Cache != nil {
		b.cfg.Cache.Validation().InvalidatePattern(verdictPrefix + ":*")
	}
	b.sink.RecordCounter("blacklist.user_revocations", 1, nil)
	return record, nil
}

// GetUserRevocation returns the user-wide revocation record, or nil when
// the user has none.
func (b *Blacklist) GetUserRevocation(ctx context.Context, userID string) (*UserRevocationRecord, error) {
	raw, err := b.kv.Get(ctx, b.userRevokedKey(userID))
	if err != nil {
		if errors.Is(err, kferrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read user revocation for %s: %w", userID, err)
	}
	var record UserRevocationRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("corrupt user revocation record for %s: %w", userID, err)
	}
	return &record, nil
}

// IsRevoked reports whether the token is revoked, either directly or by a
// user-wide revocation issued after the token's iat. Fail-open: a KV error
// answers "not revoked".
func (b *Blacklist) IsRevoked(ctx context.Context, token string) bool {
	details, err := ParseTokenDetails(token)
	if err != nil {
		// The verifier rejects malformed tokens; nothing to look up.
		return false
	}

	key := cache.Key(verdictPrefix, details.TokenID)
	if b.cfg.Cache != nil {
		if v, ok := b.cfg.Cache.Validation().Get(key); ok {
			if revoked, ok := v.(bool); ok {
				return revoked
			}
		}
	}

	revoked, err := b.lookupRevoked(ctx, details)
	if err != nil {
		b.sink.RecordCounter("blacklist.errors", 1, nil)
		logger.Warnw("blacklist check failed open", "tokenId", details.TokenID, "error", err)
		return false
	}
	if b.cfg.Cache != nil {
		b.cfg.Cache.Validation().Set(key, revoked, b.cfg.CacheTTL)
	}
	return revoked
}

// IsTokenIDRevoked checks only for a direct revocation of the given jti.
func (b *Blacklist) IsTokenIDRevoked(ctx context.Context, tokenID string) bool {
	key := cache.Key(verdictIDOnly, tokenID)
	if b.cfg.Cache != nil {
		if v, ok := b.cfg.Cache.Validation().Get(key); ok {
			if revoked, ok := v.(bool); ok {
				return revoked
			}
		}
	}

	exists, err := b.kv.Exists(ctx, b.tokenKey(tokenID))
	if err != nil {
		b.sink.RecordCounter("blacklist.errors", 1, nil)
		logger.Warnw("blacklist check failed open", "tokenId", tokenID, "error", err)
		return false
	}
	if b.cfg.Cache != nil {
		b.cfg.Cache.Validation().Set(key, exists, b.cfg.CacheTTL)
	}
	return exists
}

func (b *Blacklist) lookupRevoked(ctx context.Context, details *TokenDetails) (bool, error) {
	exists, err := b.kv.Exists(ctx, b.tokenKey(details.TokenID))
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	userRev, err := b.GetUserRevocation(ctx, details.UserID)
	if err != nil {
		return false, err
	}
	return userRev != nil && userRev.Covers(details.IssuedAt), nil
}

// invalidateVerdict drops both cached verdicts for a jti so the next read
// observes the write.
func (b *Blacklist) invalidateVerdict(tokenID string) {
	if b.cfg.Cache == nil {
		return
	}
	b.cfg.Cache.Validation().Invalidate(
		cache.Key(verdictPrefix, tokenID),
		cache.Key(verdictIDOnly, tokenID),
	)
}

// execWithRetry runs op through the circuit breaker and the retry policy.
func (b *Blacklist) execWithRetry(ctx context.Context, op func() error) error {
	if err := b.breaker.allow(); err != nil {
		b.sink.RecordCounter("blacklist.breaker.short_circuits", 1, nil)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryInitialDelay
	policy.MaxInterval = 10 * b.cfg.RetryInitialDelay
	policy.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(b.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying blacklist write", "delay", d, "error", err)
		}),
	)
	if err != nil {
		b.breaker.failure()
		return err
	}
	b.breaker.success()
	return nil
}
