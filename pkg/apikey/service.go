// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

const (
	// DefaultPrefix marks raw keys as KeyFort-issued.
	DefaultPrefix = "kf"

	// DefaultBcryptCost trades ~250ms of hashing for brute-force
	// resistance; the verdict cache keeps it off the steady-state path.
	DefaultBcryptCost = 12

	// DefaultPreviewLen is how many leading characters of the raw key are
	// kept for display and candidate lookup.
	DefaultPreviewLen = 8

	// DefaultCacheTTL bounds cached validation verdicts.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCleanupGrace keeps expired records queryable before the
	// cleanup pass removes them.
	DefaultCleanupGrace = 24 * time.Hour

	rawKeyBytes     = 32
	cacheKeyPrefix  = "apikey"
	invalidKeyError = "invalid api key"
)

// Config configures the service.
type Config struct {
	Prefix       string
	BcryptCost   int
	PreviewLen   int
	CacheTTL     time.Duration
	CleanupGrace time.Duration

	Cache *cache.Cache
	Sink  monitoring.Sink
}

// CreateInput describes a key to issue.
type CreateInput struct {
	UserID      string
	Name        string
	Scopes      []string
	Permissions []string

	// ExpiresIn of zero issues a key that never expires.
	ExpiresIn time.Duration

	Metadata map[string]string
}

// Service owns the API key records.
type Service struct {
	kv   kv.Client
	cfg  Config
	sink monitoring.Sink
}

// New builds a Service.
func New(client kv.Client, cfg Config) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("kv client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if strings.ContainsAny(cfg.Prefix, "_: ") {
		return nil, fmt.Errorf("key prefix must not contain '_', ':' or spaces")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = DefaultBcryptCost
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", cfg.BcryptCost)
	}
	if cfg.PreviewLen <= 0 {
		cfg.PreviewLen = DefaultPreviewLen
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = DefaultCleanupGrace
	}
	if cfg.Sink == nil {
		cfg.Sink = monitoring.NewNoop()
	}
	return &Service{kv: client, cfg: cfg, sink: cfg.Sink}, nil
}

// Create issues a new key and returns the record together with the raw
// key. The raw key is not recoverable afterwards.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Key, string, error) {
	if in.UserID == "" {
		return nil, "", kferrors.NewValidationError("user id is required", nil)
	}
	if in.Name == "" {
		return nil, "", kferrors.NewValidationError("key name is required", nil)
	}

	raw, err := s.generateRawKey()
	if err != nil {
		return nil, "", kferrors.NewServiceError("failed to generate api key", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", kferrors.NewServiceError("failed to hash api key", err)
	}

	now := time.Now()
	key := &Key{
		ID:          uuid.NewString(),
		Name:        in.Name,
		UserID:      in.UserID,
		KeyHash:     string(hash),
		KeyPreview:  s.preview(raw),
		Scopes:      append([]string(nil), in.Scopes...),
		Permissions: append([]string(nil), in.Permissions...),
		IsActive:    true,
		UsageCount:  0,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    in.Metadata,
	}
	if in.ExpiresIn > 0 {
		key.ExpiresAt = now.Add(in.ExpiresIn)
	}

	if err := s.persist(ctx, key); err != nil {
		return nil, "", err
	}

	s.sink.RecordCounter("apikey.created", 1, nil)
	return key, raw, nil
}

// Validate checks a raw key and returns its record. On success the usage
// counter is bumped and lastUsedAt refreshed. The bcrypt comparison is
// skipped when a cached verdict for the same raw key exists.
func (s *Service) Validate(ctx context.Context, rawKey string) (*Key, error) {
	if !strings.HasPrefix(rawKey, s.cfg.Prefix+"_") {
		return nil, s.rejectKey("bad_prefix")
	}

	verdict := cache.Key(cacheKeyPrefix, hashRawKey(rawKey))
	if id, ok := s.cachedKeyID(verdict); ok {
		key, err := s.Get(ctx, id)
		if err == nil {
			return s.admit(ctx, key)
		}
		if !errors.Is(err, kferrors.ErrNotFound) {
			return nil, err
		}
		// Record gone; fall through to the full check.
	}

	key, err := s.matchByPreview(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	if s.cfg.Cache != nil {
		s.cfg.Cache.Validation().Set(verdict, key.ID, s.cfg.CacheTTL)
	}
	return s.admit(ctx, key)
}

// matchByPreview narrows candidates by key preview, then confirms with a
// constant-time bcrypt comparison.
func (s *Service) matchByPreview(ctx context.Context, rawKey string) (*Key, error) {
	candidates, err := s.kv.SMembers(ctx, previewKey(s.preview(rawKey)))
	if err != nil {
		return nil, kferrors.NewServiceError("failed to look up api key", err)
	}

	for _, id := range candidates {
		key, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, kferrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key, nil
		}
	}
	return nil, s.rejectKey("no_match")
}

// admit applies the state checks and records the use.
func (s *Service) admit(ctx context.Context, key *Key) (*Key, error) {
	if !key.IsActive {
		return nil, s.rejectKey("revoked")
	}
	if key.Expired(time.Now()) {
		s.countFailure("expired")
		return nil, kferrors.NewUnauthorizedError("api key expired", nil)
	}

	count, err := s.kv.Incr(ctx, usageKey(key.ID))
	if err != nil {
		logger.Warnw("failed to count api key use", "key_id", key.ID, "error", err)
		count = key.UsageCount + 1
	}
	key.UsageCount = count
	key.LastUsedAt = time.Now()

	// Fold lastUsedAt into the record; losing a write here only skews
	// display freshness.
	stored := key.clone()
	stored.UpdatedAt = key.LastUsedAt
	if payload, err := json.Marshal(stored); err == nil {
		if err := s.kv.SetEx(ctx, recordKey(key.ID), string(payload), 0); err != nil {
			logger.Debugw("failed to refresh api key record", "key_id", key.ID, "error", err)
		}
	}

	s.sink.RecordCounter("apikey.validated", 1, nil)
	return key, nil
}

// Get loads one record by id. The usage counter is merged in.
func (s *Service) Get(ctx context.Context, id string) (*Key, error) {
	raw, err := s.kv.Get(ctx, recordKey(id))
	if err != nil {
		if errors.Is(err, kferrors.ErrNotFound) {
			return nil, fmt.Errorf("api key %s: %w", id, kferrors.ErrNotFound)
		}
		return nil, kferrors.NewServiceError("failed to load api key", err)
	}

	key := &Key{}
	if err := json.Unmarshal([]byte(raw), key); err != nil {
		return nil, kferrors.NewServiceError("corrupt api key record", err)
	}

	// The usage counter is authoritative over the folded copy.
	if usage, err := s.kv.Get(ctx, usageKey(id)); err == nil {
		if count, err := strconv.ParseInt(usage, 10, 64); err == nil && count > key.UsageCount {
			key.UsageCount = count
		}
	}
	return key, nil
}

// Rotate issues a replacement key for the same user, scopes and expiry,
// then revokes the old one. When revocation fails the new key is still
// returned and the old id is queued for the next cleanup sweep.
func (s *Service) Rotate(ctx context.Context, id string) (*Key, string, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	in := CreateInput{
		UserID:      old.UserID,
		Name:        old.Name,
		Scopes:      old.Scopes,
		Permissions: old.Permissions,
		Metadata:    old.Metadata,
	}
	if !old.ExpiresAt.IsZero() {
		in.ExpiresIn = time.Until(old.ExpiresAt)
		if in.ExpiresIn <= 0 {
			return nil, "", kferrors.NewValidationError("cannot rotate an expired api key", nil)
		}
	}

	fresh, raw, err := s.Create(ctx, in)
	if err != nil {
		return nil, "", err
	}

	if err := s.Revoke(ctx, old.ID); err != nil {
		logger.Warnw("failed to revoke rotated api key, queued for cleanup",
			"key_id", old.ID, "error", err)
		if qerr := s.kv.SAdd(ctx, pendingRevokeKey, old.ID); qerr != nil {
			logger.Errorw("failed to queue compensating revocation", "key_id", old.ID, "error", qerr)
		}
	}

	s.sink.RecordCounter("apikey.rotated", 1, nil)
	return fresh, raw, nil
}

// Revoke deactivates a key.
func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	key.IsActive = false
	key.UpdatedAt = time.Now()
	payload, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}
	if err := s.kv.SetEx(ctx, recordKey(id), string(payload), 0); err != nil {
		return kferrors.NewServiceError("failed to revoke api key", err)
	}

	if s.cfg.Cache != nil {
		s.cfg.Cache.Validation().InvalidatePattern(cacheKeyPrefix + ":*")
	}
	s.sink.RecordCounter("apikey.revoked", 1, nil)
	return nil
}

// List returns summaries of a user's keys, oldest first. Raw keys and
// hashes never appear in the output.
func (s *Service) List(ctx context.Context, userID string) ([]Summary, error) {
	ids, err := s.kv.SMembers(ctx, userKeysKey(userID))
	if err != nil {
		return nil, kferrors.NewServiceError("failed to list api keys", err)
	}

	summaries := make([]Summary, 0, len(ids))
	var stale []string
	for _, id := range ids {
		key, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, kferrors.ErrNotFound) {
				stale = append(stale, id)
			}
			continue
		}
		summaries = append(summaries, key.summary())
	}
	if len(stale) > 0 {
		if err := s.kv.SRem(ctx, userKeysKey(userID), stale...); err != nil {
			logger.Debugw("failed to prune api key index", "user_id", userID, "error", err)
		}
	}

	slices.SortFunc(summaries, func(a, b Summary) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return summaries, nil
}

// Cleanup removes records expired past the grace period and applies
// queued compensating revocations. It returns how many records were
// deleted.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	// Queued revocations first, so a key that failed to revoke during
	// rotation cannot outlive another sweep.
	pending, err := s.kv.SMembers(ctx, pendingRevokeKey)
	if err == nil {
		for _, id := range pending {
			if err := s.Revoke(ctx, id); err != nil && !errors.Is(err, kferrors.ErrNotFound) {
				logger.Warnw("compensating revocation failed", "key_id", id, "error", err)
				continue
			}
			if err := s.kv.SRem(ctx, pendingRevokeKey, id); err != nil {
				logger.Debugw("failed to dequeue revocation", "key_id", id, "error", err)
			}
		}
	}

	keys, err := s.kv.Keys(ctx, "apikey:*")
	if err != nil {
		return 0, kferrors.NewServiceError("failed to scan api keys", err)
	}

	cutoff := time.Now().Add(-s.cfg.CleanupGrace)
	removed := 0
	for _, k := range keys {
		id := strings.TrimPrefix(k, "apikey:")
		if strings.Contains(id, ":") {
			continue // preview and usage keys
		}
		key, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if key.ExpiresAt.IsZero() || key.ExpiresAt.After(cutoff) {
			continue
		}
		if err := s.remove(ctx, key); err != nil {
			logger.Warnw("failed to remove expired api key", "key_id", id, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.sink.RecordCounter("apikey.cleaned", int64(removed), nil)
	}
	return removed, nil
}

func (s *Service) remove(ctx context.Context, key *Key) error {
	p := s.kv.Pipeline()
	p.Del(recordKey(key.ID), usageKey(key.ID))
	p.SRem(userKeysKey(key.UserID), key.ID)
	p.SRem(previewKey(key.KeyPreview), key.ID)
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

// persist writes the record and its indexes as one batch.
func (s *Service) persist(ctx context.Context, key *Key) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}

	p := s.kv.Pipeline()
	p.SetEx(recordKey(key.ID), string(payload), 0)
	p.SAdd(userKeysKey(key.UserID), key.ID)
	p.SAdd(previewKey(key.KeyPreview), key.ID)
	results, err := p.Exec(ctx)
	if err != nil {
		return kferrors.NewServiceError("failed to persist api key", err)
	}
	for i, res := range results {
		if res.Err != nil {
			return kferrors.NewServiceError(fmt.Sprintf("api key write %d failed", i), res.Err)
		}
	}
	return nil
}

func (s *Service) generateRawKey() (string, error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return s.cfg.Prefix + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Service) preview(rawKey string) string {
	if len(rawKey) <= s.cfg.PreviewLen {
		return rawKey
	}
	return rawKey[:s.cfg.PreviewLen]
}

func (s *Service) cachedKeyID(verdict string) (string, bool) {
	if s.cfg.Cache == nil {
		return "", false
	}
	v, ok := s.cfg.Cache.Validation().Get(verdict)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// rejectKey answers every unmatchable key identically so responses leak
// nothing about which part failed.
func (s *Service) rejectKey(reason string) error {
	s.countFailure(reason)
	return kferrors.NewUnauthorizedError(invalidKeyError, nil)
}

func (s *Service) countFailure(reason string) {
	s.sink.RecordCounter("apikey.validation_failures", 1, map[string]string{"reason": reason})
}

func hashRawKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
