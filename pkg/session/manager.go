// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyfort/keyfort/pkg/cache"
	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/logger"
	"github.com/keyfort/keyfort/pkg/monitoring"
)

const (
	// DefaultTTL is the session lifetime when none is configured.
	DefaultTTL = time.Hour

	// DefaultRefreshThreshold triggers the sliding-window extension when
	// the remaining TTL falls below it.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultMaxConcurrent caps live sessions per user.
	DefaultMaxConcurrent = 5

	// DefaultRotationInterval is the age at which validation starts
	// signaling that the session id should be rotated.
	DefaultRotationInterval = 24 * time.Hour

	// DefaultCacheTTL bounds the in-process session snapshot.
	DefaultCacheTTL = time.Hour

	keyPrefix   = "session:"
	cachePrefix = "session"
	userSuffix  = ":sessions"
	userPrefix  = "user:"
	lockStripes = 64
)

// TokenRefresher exchanges an IdP refresh token for a fresh token set.
// The session manager calls it when a session's embedded access token
// has expired.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*RefreshedTokens, error)
}

// RefreshedTokens is the result of an IdP refresh.
type RefreshedTokens struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	ExpiresIn        time.Duration
	RefreshExpiresIn time.Duration
}

// Config configures the manager. Zero durations and counts fall back to
// defaults; the enforcement flags are taken as given.
type Config struct {
	TTL              time.Duration
	RefreshThreshold time.Duration
	MaxConcurrent    int
	RotationInterval time.Duration
	CacheTTL         time.Duration

	// EnforceIPConsistency binds sessions to the IP they were created
	// from. EnforceUserAgentConsistency does the same for the UA string.
	// Both feed the fingerprint, so only enforced components can reject
	// a request.
	EnforceIPConsistency        bool
	EnforceUserAgentConsistency bool

	// Crypto seals tokens at rest. Nil stores them in plaintext.
	Crypto *Crypto

	// Refresher renews embedded IdP tokens during validation. Nil means
	// an expired embedded token ends the session.
	Refresher TokenRefresher

	Cache *cache.Cache
	Sink  monitoring.Sink
}

// CreateInput is everything a new session is born with.
type CreateInput struct {
	UserID       string
	IdPSessionID string

	AccessToken      string
	RefreshToken     string
	IDToken          string
	TokenExpiresAt   time.Time
	RefreshExpiresAt time.Time

	DeviceInfo string
	IPAddress  string
	UserAgent  string
	Metadata   map[string]string
}

// ValidateInput carries the per-request origin attributes checked
// against the session fingerprint.
type ValidateInput struct {
	IPAddress string
	UserAgent string
}

// ValidateResult is a successful validation.
type ValidateResult struct {
	Session *Session

	// RequiresRotation is set once the session age passes the rotation
	// interval. The caller is expected to call Rotate.
	RequiresRotation bool
}

// Manager owns every session record. All writes to one session id are
// serialized through a striped mutex.
type Manager struct {
	cfg   Config
	kv    kv.Client
	sink  monitoring.Sink
	locks [lockStripes]sync.Mutex
}

// New builds a Manager.
func New(client kv.Client, cfg Config) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("kv client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Sink == nil {
		cfg.Sink = monitoring.NewNoop()
	}
	return &Manager{cfg: cfg, kv: client, sink: cfg.Sink}, nil
}

// Create builds and persists a new session. The per-user concurrency cap
// is enforced first by evicting the oldest sessions; eviction failures
// do not block the new session.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Session, error) {
	if in.UserID == "" {
		return nil, kferrors.NewValidationError("user id is required", nil)
	}

	if err := m.enforceSessionCap(ctx, in.UserID); err != nil {
		logger.Warnw("failed to enforce session cap", "user_id", in.UserID, "error", err)
	}

	now := time.Now()
	sess := &Session{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		IdPSessionID:     in.IdPSessionID,
		AccessToken:      in.AccessToken,
		RefreshToken:     in.RefreshToken,
		IDToken:          in.IDToken,
		TokenExpiresAt:   in.TokenExpiresAt,
		RefreshExpiresAt: in.RefreshExpiresAt,
		Fingerprint:      m.fingerprint(in.UserID, in.UserAgent, in.IPAddress),
		DeviceInfo:       in.DeviceInfo,
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		CreatedAt:        now,
		LastActivity:     now,
		ExpiresAt:        now.Add(m.cfg.TTL),
		IsActive:         true,
		Metadata:         in.Metadata,
	}

	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.kv.SAdd(ctx, userSessionsKey(in.UserID), sess.ID); err != nil {
		logger.Warnw("failed to index session", "session_id", sess.ID, "error", err)
	}

	m.sink.RecordCounter("session.created", 1, nil)
	return sess, nil
}

// Validate checks a session against the request origin, renews embedded
// IdP tokens when they have expired, applies the sliding-expiry window
// and reports whether the id is due for rotation.
func (m *Manager) Validate(ctx context.Context, sessionID string, in ValidateInput) (*ValidateResult, error) {
	if sessionID == "" {
		return nil, kferrors.NewValidationError("session id is required", nil)
	}
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		reason := "load_failed"
		if kferrors.IsUnauthorized(err) {
			reason = "not_found"
		}
		m.countRejection(reason)
		return nil, err
	}

	now := time.Now()
	if !sess.IsActive {
		m.countRejection("inactive")
		return nil, kferrors.NewUnauthorizedError("session is inactive", nil)
	}
	if !sess.ExpiresAt.After(now) {
		m.discard(ctx, sess)
		m.countRejection("expired")
		return nil, kferrors.NewUnauthorizedError("session expired", nil)
	}
	if sess.Fingerprint != m.fingerprint(sess.UserID, in.UserAgent, in.IPAddress) {
		m.discard(ctx, sess)
		m.countRejection("fingerprint")
		m.sink.RecordCounter("session.security_violations", 1, nil)
		return nil, kferrors.NewUnauthorizedError("session fingerprint mismatch", nil)
	}

	if !sess.TokenExpiresAt.IsZero() && !sess.TokenExpiresAt.After(now) {
		if err := m.refreshEmbeddedTokens(ctx, sess, now); err != nil {
			m.discard(ctx, sess)
			m.countRejection("token_refresh")
			return nil, err
		}
	}

	requiresRotation := sess.Age(now) >= m.cfg.RotationInterval

	sess.LastActivity = now
	if time.Until(sess.ExpiresAt) < m.cfg.RefreshThreshold {
		sess.ExpiresAt = now.Add(m.cfg.TTL)
		m.sink.RecordCounter("session.extended", 1, nil)
	}
	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}

	m.sink.RecordCounter("session.validated", 1, nil)
	return &ValidateResult{Session: sess, RequiresRotation: requiresRotation}, nil
}

func (m *Manager) refreshEmbeddedTokens(ctx context.Context, sess *Session, now time.Time) error {
	if sess.RefreshToken == "" || m.cfg.Refresher == nil {
		return kferrors.NewUnauthorizedError("session tokens expired", nil)
	}
	fresh, err := m.cfg.Refresher.RefreshAccessToken(ctx, sess.RefreshToken)
	if err != nil {
		return kferrors.NewUnauthorizedError("failed to refresh session tokens", err)
	}

	sess.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		sess.RefreshToken = fresh.RefreshToken
	}
	if fresh.IDToken != "" {
		sess.IDToken = fresh.IDToken
	}
	if fresh.ExpiresIn > 0 {
		sess.TokenExpiresAt = now.Add(fresh.ExpiresIn)
	}
	if fresh.RefreshExpiresIn > 0 {
		sess.RefreshExpiresAt = now.Add(fresh.RefreshExpiresIn)
	}
	if !sess.TokenExpiresAt.After(now) {
		return kferrors.NewUnauthorizedError("session tokens expired", nil)
	}

	m.sink.RecordCounter("session.tokens_refreshed", 1, nil)
	return nil
}

// Rotate retires a session id and moves its user, tokens and metadata to
// a fresh one whose fingerprint is bound to the current origin. The new
// session is created before the old id is destroyed.
func (m *Manager) Rotate(ctx context.Context, sessionID string, in ValidateInput) (*Session, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	sess, err := m.load(ctx, sessionID)
	if err == nil && (!sess.IsActive || !sess.ExpiresAt.After(time.Now())) {
		err = kferrors.NewUnauthorizedError("session expired", nil)
	}
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	fresh, err := m.Create(ctx, CreateInput{
		UserID:           sess.UserID,
		IdPSessionID:     sess.IdPSessionID,
		AccessToken:      sess.AccessToken,
		RefreshToken:     sess.RefreshToken,
		IDToken:          sess.IDToken,
		TokenExpiresAt:   sess.TokenExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		DeviceInfo:       sess.DeviceInfo,
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		Metadata:         sess.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := m.Destroy(ctx, sessionID); err != nil {
		logger.Warnw("failed to destroy rotated session", "session_id", sessionID, "error", err)
	}
	m.sink.RecordCounter("session.rotated", 1, nil)
	return fresh, nil
}

// Touch refreshes the last-activity timestamp.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.LastActivity = time.Now()
	return m.persist(ctx, sess)
}

// Get loads a session without validating it. Tokens are unsealed.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.load(ctx, sessionID)
}

// Destroy removes a session. Destroying a session that no longer exists
// is not an error.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		if kferrors.IsUnauthorized(err) {
			return nil
		}
		return err
	}
	return m.destroyLocked(ctx, sess)
}

// DestroyAllForUser removes every live session of a user and returns how
// many were destroyed.
func (m *Manager) DestroyAllForUser(ctx context.Context, userID string) (int, error) {
	sessions, err := m.ActiveSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	destroyed := 0
	var firstErr error
	for _, sess := range sessions {
		if err := m.Destroy(ctx, sess.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		destroyed++
	}
	if err := m.kv.Del(ctx, userSessionsKey(userID)); err != nil {
		logger.Warnw("failed to drop session index", "user_id", userID, "error", err)
	}
	return destroyed, firstErr
}

// ActiveSessions lists a user's live sessions ordered oldest first.
// Stale index entries are pruned along the way.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := m.kv.SMembers(ctx, userSessionsKey(userID))
	if err != nil {
		return nil, kferrors.NewServiceError("failed to list user sessions", err)
	}

	now := time.Now()
	sessions := make([]*Session, 0, len(ids))
	var stale []string
	for _, id := range ids {
		sess, err := m.load(ctx, id)
		if err != nil {
			if kferrors.IsUnauthorized(err) {
				stale = append(stale, id)
			}
			continue
		}
		if !sess.IsActive || !sess.ExpiresAt.After(now) {
			stale = append(stale, id)
			continue
		}
		sessions = append(sessions, sess)
	}
	if len(stale) > 0 {
		if err := m.kv.SRem(ctx, userSessionsKey(userID), stale...); err != nil {
			logger.Debugw("failed to prune session index", "user_id", userID, "error", err)
		}
	}

	slices.SortFunc(sessions, func(a, b *Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return sessions, nil
}

// enforceSessionCap makes room for one more session, evicting the oldest
// sessions over the cap.
func (m *Manager) enforceSessionCap(ctx context.Context, userID string) error {
	sessions, err := m.ActiveSessions(ctx, userID)
	if err != nil {
		return err
	}
	excess := len(sessions) - m.cfg.MaxConcurrent + 1
	for i := 0; i < excess && i < len(sessions); i++ {
		if err := m.Destroy(ctx, sessions[i].ID); err != nil {
			logger.Warnw("failed to evict session over cap", "session_id", sessions[i].ID, "error", err)
			continue
		}
		m.sink.RecordCounter("session.evicted", 1, nil)
	}
	return nil
}

// persist seals and writes the record with TTL equal to its remaining
// life, then refreshes the in-process snapshot.
func (m *Manager) persist(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return kferrors.NewValidationError("session already expired", nil)
	}

	stored := sess.clone()
	if m.cfg.Crypto != nil {
		if err := stored.sealTokens(m.cfg.Crypto); err != nil {
			return kferrors.NewServiceError("failed to seal session tokens", err)
		}
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.kv.SetEx(ctx, keyPrefix+sess.ID, string(payload), ttl); err != nil {
		return kferrors.NewServiceError("failed to persist session", err)
	}

	if m.cfg.Cache != nil {
		m.cfg.Cache.Data().Set(cache.Key(cachePrefix, sess.ID), sess.clone(), min(ttl, m.cfg.CacheTTL))
	}
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	if m.cfg.Cache != nil {
		if v, ok := m.cfg.Cache.Data().Get(cache.Key(cachePrefix, id)); ok {
			if sess, ok := v.(*Session); ok {
				return sess.clone(), nil
			}
		}
	}

	raw, err := m.kv.Get(ctx, keyPrefix+id)
	if err != nil {
		if errors.Is(err, kferrors.ErrNotFound) {
			return nil, kferrors.NewUnauthorizedError("session not found", nil)
		}
		return nil, kferrors.NewServiceError("failed to load session", err)
	}

	sess := &Session{}
	if err := json.Unmarshal([]byte(raw), sess); err != nil {
		return nil, kferrors.NewServiceError("corrupt session record", err)
	}
	if m.cfg.Crypto != nil {
		if err := sess.openTokens(m.cfg.Crypto); err != nil {
			return nil, kferrors.NewServiceError("failed to unseal session tokens", err)
		}
	}
	return sess, nil
}

// destroyLocked removes the record; the caller holds the session lock.
func (m *Manager) destroyLocked(ctx context.Context, sess *Session) error {
	if err := m.kv.Del(ctx, keyPrefix+sess.ID); err != nil {
		return kferrors.NewServiceError("failed to destroy session", err)
	}
	if err := m.kv.SRem(ctx, userSessionsKey(sess.UserID), sess.ID); err != nil {
		logger.Debugw("failed to unindex session", "session_id", sess.ID, "error", err)
	}
	if m.cfg.Cache != nil {
		m.cfg.Cache.Data().Invalidate(cache.Key(cachePrefix, sess.ID))
	}
	m.sink.RecordCounter("session.destroyed", 1, nil)
	return nil
}

// discard is destroyLocked for security and expiry paths where the
// validation error, not the cleanup, is what the caller needs.
func (m *Manager) discard(ctx context.Context, sess *Session) {
	if err := m.destroyLocked(ctx, sess); err != nil {
		logger.Warnw("failed to discard session", "session_id", sess.ID, "error", err)
	}
}

func (m *Manager) fingerprint(userID, userAgent, ip string) string {
	if !m.cfg.EnforceUserAgentConsistency {
		userAgent = ""
	}
	if !m.cfg.EnforceIPConsistency {
		ip = ""
	}
	return Fingerprint(userID, userAgent, ip)
}

func (m *Manager) countRejection(reason string) {
	m.sink.RecordCounter("session.validation_failures", 1, map[string]string{"reason": reason})
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

func userSessionsKey(userID string) string {
	return userPrefix + userID + userSuffix
}
