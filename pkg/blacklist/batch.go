// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package blacklist

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/kv"
)

// opsPerToken is the number of pipeline commands one revocation issues.
const opsPerToken = 5

// BatchOutcome is the per-token result of a batch revocation.
type BatchOutcome struct {
	Index   int
	TokenID string
	Err     error
}

// BatchResult accumulates per-token outcomes. Partial success is the
// success model: callers inspect Outcomes for the tokens that failed.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Outcomes  []BatchOutcome
}

// BatchRevoke revokes tokens in pipelined chunks of cfg.BatchSize with at
// most cfg.MaxConcurrent chunks in flight.
func (b *Blacklist) BatchRevoke(ctx context.Context, tokens []string, reason, revokedBy string) *BatchResult {
	result := &BatchResult{
		Total:    len(tokens),
		Outcomes: make([]BatchOutcome, len(tokens)),
	}
	if len(tokens) == 0 {
		return result
	}

	var g errgroup.Group
	g.SetLimit(b.cfg.MaxConcurrent)

	for start := 0; start < len(tokens); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(tokens))
		offset, chunk := start, tokens[start:end]
		g.Go(func() error {
			// Chunks write disjoint outcome slots; failures stay per-token.
			b.revokeChunk(ctx, offset, chunk, reason, revokedBy, result.Outcomes)
			return nil
		})
	}
	_ = g.Wait()

	revoked := 0
	for _, outcome := range result.Outcomes {
		if outcome.Err != nil {
			result.Failed++
			continue
		}
		result.Succeeded++
		b.invalidateVerdict(outcome.TokenID)
		revoked++
	}
	if revoked > 0 {
		b.sink.RecordCounter("blacklist.revocations", int64(revoked), nil)
	}
	return result
}

func (b *Blacklist) revokeChunk(ctx context.Context, offset int, chunk []string, reason, revokedBy string, outcomes []BatchOutcome) {
	now := time.Now()

	type pending struct {
		index   int
		details *TokenDetails
		payload string
	}
	valid := make([]pending, 0, len(chunk))

	for i, token := range chunk {
		idx := offset + i
		details, err := ParseTokenDetails(token)
		if err == nil && !details.ExpiresAt.After(now) {
			err = kferrors.NewValidationError("token already expired", nil)
		}
		if err != nil {
			outcomes[idx] = BatchOutcome{Index: idx, Err: err}
			continue
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
		payload, err := json.Marshal(record)
		if err != nil {
			outcomes[idx] = BatchOutcome{Index: idx, TokenID: details.TokenID, Err: err}
			continue
		}

		outcomes[idx] = BatchOutcome{Index: idx, TokenID: details.TokenID}
		valid = append(valid, pending{index: idx, details: details, payload: string(payload)})
	}
	if len(valid) == 0 {
		return
	}

	var execResults []kv.CommandResult
	err := b.execWithRetry(ctx, func() error {
		p := b.kv.Pipeline()
		for _, v := range valid {
			p.SetEx(b.tokenKey(v.details.TokenID), v.payload, recordTTL(v.details, b.cfg.TokenRetention, now))
			p.SAdd(b.userTokensKey(v.details.UserID), v.details.TokenID)
			p.Expire(b.userTokensKey(v.details.UserID), b.cfg.UserRetention)
			p.ZAdd(b.auditKey(now), kv.ZMember{Score: float64(now.UnixMilli()), Member: v.payload})
			p.Expire(b.auditKey(now), b.cfg.AuditRetention)
		}
		results, err := p.Exec(ctx)
		if err != nil {
			return err
		}
		execResults = results
		return nil
	})
	if err != nil {
		for _, v := range valid {
			outcomes[v.index].Err = err
		}
		b.sink.RecordCounter("blacklist.revocation_errors", int64(len(valid)), nil)
		return
	}

	// The pipeline ran; surface per-command failures on their owning token.
	for j, v := range valid {
		start := j * opsPerToken
		for _, res := range execResults[start : start+opsPerToken] {
			if res.Err != nil {
				outcomes[v.index].Err = res.Err
				b.sink.RecordCounter("blacklist.revocation_errors", 1, nil)
				break
			}
		}
	}
}
