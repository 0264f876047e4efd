// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Health reports the blacklist's ability to persist revocations.
type Health struct {
	Healthy      bool          `json:"healthy"`
	KVReachable  bool          `json:"kvReachable"`
	BreakerState string        `json:"breakerState"`
	Latency      time.Duration `json:"latency"`
}

// HealthCheck pings the KV and reports the breaker state. The blacklist is
// healthy when the KV answers and the circuit is not open.
func (b *Blacklist) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := b.kv.Ping(ctx)
	state := b.breaker.currentState()

	return Health{
		Healthy:      err == nil && state != breakerOpen,
		KVReachable:  err == nil,
		BreakerState: state.String(),
		Latency:      time.Since(start),
	}
}

// AuditEntries returns the revocations recorded on the given day, oldest
// first.
func (b *Blacklist) AuditEntries(ctx context.Context, day time.Time) ([]RevocationRecord, error) {
	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	members, err := b.kv.ZRangeByScore(ctx, b.auditKey(day),
		float64(dayStart.UnixMilli()), float64(dayEnd.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	records := make([]RevocationRecord, 0, len(members))
	for _, member := range members {
		var record RevocationRecord
		if err := json.Unmarshal([]byte(member), &record); err != nil {
			// Skip corrupt entries rather than losing the readable ones.
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// CleanupExpired removes leftovers the KV's own TTLs did not collect:
// revocation records persisted without expiry and audit days beyond the
// retention window. Returns the number of keys removed.
func (b *Blacklist) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0

	tokenKeys, err := b.kv.Keys(ctx, b.cfg.KeyPrefix+"token:*")
	if err != nil {
		return 0, fmt.Errorf("failed to list revocation records: %w", err)
	}
	now := time.Now()
	for _, key := range tokenKeys {
		ttl, err := b.kv.TTL(ctx, key)
		if err != nil || ttl >= 0 {
			continue
		}
		// No expiry set. Drop the record once the token it covers is past
		// retention.
		raw, err := b.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var record RevocationRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		expiry := time.Unix(record.ExpiresAt, 0).Add(b.cfg.TokenRetention)
		if now.After(expiry) {
			if err := b.kv.Del(ctx, key); err == nil {
				removed++
			}
		}
	}

	auditKeys, err := b.kv.Keys(ctx, b.cfg.KeyPrefix+"audit:*")
	if err != nil {
		return removed, fmt.Errorf("failed to list audit sets: %w", err)
	}
	cutoff := now.Add(-b.cfg.AuditRetention)
	for _, key := range auditKeys {
		dayPart := key[strings.LastIndex(key, ":")+1:]
		day, err := time.Parse("2006-01-02", dayPart)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := b.kv.Del(ctx, key); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		b.sink.RecordCounter("blacklist.cleanup.removed", int64(removed), nil)
	}
	return removed, nil
}
