// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the typed configuration consumed by the auth core.
//
// The structures mirror the deployment file schema one to one. Components do
// not read this package at runtime; the CLI translates a validated Config
// into the small per-component configs at construction time.
package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Config is the root configuration for the auth core.
type Config struct {
	JWT        JWTConfig        `mapstructure:"jwt"`
	Session    SessionConfig    `mapstructure:"session"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Security   SecurityConfig   `mapstructure:"security"`
	Threat     ThreatConfig     `mapstructure:"threat"`
	Blacklist  BlacklistConfig  `mapstructure:"blacklist"`
	Redis      RedisConfig      `mapstructure:"redis"`
	IdP        IdPConfig        `mapstructure:"idp"`
	UserStore  UserStoreConfig  `mapstructure:"user_store"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Server     ServerConfig     `mapstructure:"server"`
}

// JWTConfig configures token issuance. Durations use the "<n>(s|m|h|d)"
// notation; see ParseDuration.
type JWTConfig struct {
	// Secret signs HS256 tokens. Required, minimum 32 bytes.
	Secret string `mapstructure:"secret"`

	// ExpiresIn is the access-token lifetime.
	ExpiresIn string `mapstructure:"expires_in"`

	// RefreshExpiresIn is the refresh-token lifetime.
	RefreshExpiresIn string `mapstructure:"refresh_expires_in"`

	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// SessionConfig configures the session manager.
type SessionConfig struct {
	// TTLSeconds is the session lifetime.
	TTLSeconds int `mapstructure:"ttl_seconds"`

	// RefreshThresholdSeconds triggers the sliding-window extension when the
	// remaining TTL falls below it.
	RefreshThresholdSeconds int `mapstructure:"refresh_threshold_seconds"`

	// MaxConcurrentSessions caps active sessions per user; the oldest are
	// evicted when exceeded.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`

	EnforceIPConsistency        bool `mapstructure:"enforce_ip_consistency"`
	EnforceUserAgentConsistency bool `mapstructure:"enforce_user_agent_consistency"`

	// TokenEncryption enables AES-GCM encryption of tokens at rest.
	TokenEncryption bool `mapstructure:"token_encryption"`

	// RotationIntervalSeconds is the session age after which validation
	// signals that the session id must be rotated.
	RotationIntervalSeconds int `mapstructure:"rotation_interval_seconds"`
}

// CacheConfig configures the secure cache layer.
type CacheConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	TTL     CacheTTLConfig `mapstructure:"ttl"`

	// ValidationSize and DataSize bound the two LRU shards.
	ValidationSize int `mapstructure:"validation_size"`
	DataSize       int `mapstructure:"data_size"`
}

// CacheTTLConfig holds per-category TTLs in seconds.
type CacheTTLConfig struct {
	JWTSeconds      int `mapstructure:"jwt_seconds"`
	APIKeySeconds   int `mapstructure:"api_key_seconds"`
	SessionSeconds  int `mapstructure:"session_seconds"`
	UserInfoSeconds int `mapstructure:"user_info_seconds"`
}

// SecurityConfig configures hashing and encryption primitives.
type SecurityConfig struct {
	ConstantTimeComparison bool             `mapstructure:"constant_time_comparison"`
	APIKeyHashRounds       int              `mapstructure:"api_key_hash_rounds"`
	Encryption             EncryptionConfig `mapstructure:"encryption"`
}

// EncryptionConfig configures the at-rest token encryption key derivation.
type EncryptionConfig struct {
	// MasterKey seeds the PBKDF2 derivation. Required when session token
	// encryption is enabled. Never logged.
	MasterKey string `mapstructure:"master_key"`

	// KeyDerivationIterations is the PBKDF2 iteration count, minimum 100000.
	KeyDerivationIterations int `mapstructure:"key_derivation_iterations"`

	// Salt namespaces the derivation. A stable deployment-specific value.
	Salt string `mapstructure:"salt"`
}

// ThreatConfig configures the threat controller.
type ThreatConfig struct {
	MaxFailedAttempts           int    `mapstructure:"max_failed_attempts"`
	LockoutDuration             string `mapstructure:"lockout_duration"`
	BruteForceWindow            string `mapstructure:"brute_force_window"`
	IPBlockDuration             string `mapstructure:"ip_block_duration"`
	SuspiciousActivityThreshold int    `mapstructure:"suspicious_activity_threshold"`
	EnableAutoLockout           bool   `mapstructure:"enable_auto_lockout"`
	EnableIPBlocking            bool   `mapstructure:"enable_ip_blocking"`
}

// BlacklistConfig configures the token blacklist.
type BlacklistConfig struct {
	CircuitBreaker BreakerConfig     `mapstructure:"circuit_breaker"`
	Performance    PerformanceConfig `mapstructure:"performance"`
	Retention      RetentionConfig   `mapstructure:"retention"`
	KeyPrefix      string            `mapstructure:"key_prefix"`
}

// BreakerConfig configures the blacklist circuit breaker.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int `mapstructure:"threshold"`

	// Timeout is how long the breaker stays open before a half-open probe.
	Timeout string `mapstructure:"timeout"`

	// ResetTimeout is the window after which failure counts decay.
	ResetTimeout string `mapstructure:"reset_timeout"`
}

// PerformanceConfig bounds batch revocation work.
type PerformanceConfig struct {
	BatchSize     int `mapstructure:"batch_size"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
	TimeoutMs     int `mapstructure:"timeout_ms"`
}

// RetentionConfig holds revocation retention windows in days.
type RetentionConfig struct {
	TokenTTLDays int `mapstructure:"token_ttl_days"`
	UserTTLDays  int `mapstructure:"user_ttl_days"`
	AuditTTLDays int `mapstructure:"audit_ttl_days"`
}

// RedisConfig holds the KV connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// KeyPrefix namespaces every key written by this deployment.
	KeyPrefix string `mapstructure:"key_prefix"`

	PoolSize            int `mapstructure:"pool_size"`
	DialTimeoutSeconds  int `mapstructure:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`

	// Sentinel switches the client to failover mode when set.
	Sentinel *SentinelConfig `mapstructure:"sentinel"`
}

// SentinelConfig contains Redis Sentinel settings.
type SentinelConfig struct {
	MasterName string   `mapstructure:"master_name"`
	Addrs      []string `mapstructure:"addrs"`
}

// IdPConfig configures the identity-provider adapter.
type IdPConfig struct {
	// IssuerURL is the realm issuer, e.g. https://idp.example.com/realms/main.
	IssuerURL string `mapstructure:"issuer_url"`

	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// AdminUsername and AdminPassword are the password-grant fallback for
	// deployments whose admin client has no service account.
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`

	// AdminBaseURL overrides the derived admin REST base URL.
	AdminBaseURL string `mapstructure:"admin_base_url"`

	// DiscoveryEnabled resolves endpoints from the issuer's discovery
	// document. When false, endpoints are derived from the issuer URL.
	DiscoveryEnabled bool `mapstructure:"discovery_enabled"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// UserStoreConfig configures the relational user mirror.
type UserStoreConfig struct {
	// Path is the SQLite database file; ":memory:" runs fully in-process.
	Path string `mapstructure:"path"`
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerWindow int  `mapstructure:"requests_per_window"`
	WindowSeconds     int  `mapstructure:"window_seconds"`

	// Burst bounds the local token bucket used for in-process gating.
	Burst int `mapstructure:"burst"`
}

// MonitoringConfig configures the monitoring sink.
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Prometheus exposes the counters through a Prometheus registry.
	Prometheus bool `mapstructure:"prometheus"`

	AlertCooldownSeconds int `mapstructure:"alert_cooldown_seconds"`
}

// ServerConfig configures the optional HTTP surface.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		JWT: JWTConfig{
			ExpiresIn:        "1h",
			RefreshExpiresIn: "7d",
			Issuer:           "keyfort",
			Audience:         "keyfort",
		},
		Session: SessionConfig{
			TTLSeconds:                  3600,
			RefreshThresholdSeconds:     300,
			MaxConcurrentSessions:       5,
			EnforceIPConsistency:        true,
			EnforceUserAgentConsistency: false,
			TokenEncryption:             true,
			RotationIntervalSeconds:     86400,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL: CacheTTLConfig{
				JWTSeconds:      300,
				APIKeySeconds:   600,
				SessionSeconds:  3600,
				UserInfoSeconds: 1800,
			},
			ValidationSize: 2048,
			DataSize:       8192,
		},
		Security: SecurityConfig{
			ConstantTimeComparison: true,
			APIKeyHashRounds:       12,
			Encryption: EncryptionConfig{
				KeyDerivationIterations: 100000,
				Salt:                    "keyfort.session.v1",
			},
		},
		Threat: ThreatConfig{
			MaxFailedAttempts:           5,
			LockoutDuration:             "15m",
			BruteForceWindow:            "10m",
			IPBlockDuration:             "60m",
			SuspiciousActivityThreshold: 10,
			EnableAutoLockout:           true,
			EnableIPBlocking:            true,
		},
		Blacklist: BlacklistConfig{
			CircuitBreaker: BreakerConfig{
				Threshold:    5,
				Timeout:      "10s",
				ResetTimeout: "30s",
			},
			Performance: PerformanceConfig{
				BatchSize:     100,
				MaxConcurrent: 10,
				TimeoutMs:     5000,
			},
			Retention: RetentionConfig{
				TokenTTLDays: 7,
				UserTTLDays:  30,
				AuditTTLDays: 90,
			},
			KeyPrefix: "jwt:blacklist:",
		},
		Redis: RedisConfig{
			Addr:                "127.0.0.1:6379",
			KeyPrefix:           "keyfort:",
			PoolSize:            10,
			DialTimeoutSeconds:  5,
			ReadTimeoutSeconds:  3,
			WriteTimeoutSeconds: 3,
		},
		IdP: IdPConfig{
			DiscoveryEnabled: true,
			TimeoutSeconds:   10,
		},
		UserStore: UserStoreConfig{
			Path: "keyfort.db",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 100,
			WindowSeconds:     60,
			Burst:             50,
		},
		Monitoring: MonitoringConfig{
			Enabled:              true,
			Prometheus:           false,
			AlertCooldownSeconds: 300,
		},
		Server: ServerConfig{
			Host:                   "127.0.0.1",
			Port:                   8090,
			ReadTimeoutSeconds:     10,
			WriteTimeoutSeconds:    30,
			ShutdownTimeoutSeconds: 15,
		},
	}
}

// minSecretLen is the minimum JWT secret length in bytes.
const minSecretLen = 32

// minKeyDerivationIterations is the PBKDF2 floor when token encryption is on.
const minKeyDerivationIterations = 100000

// Validate checks the configuration for startup. Invalid configuration must
// abort startup; there is no partial-config mode.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if len(c.JWT.Secret) < minSecretLen {
		return fmt.Errorf("jwt.secret must be at least %d bytes", minSecretLen)
	}
	durations := []struct {
		name  string
		value string
	}{
		{"jwt.expires_in", c.JWT.ExpiresIn},
		{"jwt.refresh_expires_in", c.JWT.RefreshExpiresIn},
		{"threat.lockout_duration", c.Threat.LockoutDuration},
		{"threat.brute_force_window", c.Threat.BruteForceWindow},
		{"threat.ip_block_duration", c.Threat.IPBlockDuration},
		{"blacklist.circuit_breaker.timeout", c.Blacklist.CircuitBreaker.Timeout},
		{"blacklist.circuit_breaker.reset_timeout", c.Blacklist.CircuitBreaker.ResetTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if c.Session.TTLSeconds <= 0 {
		return errors.New("session.ttl_seconds must be positive")
	}
	if c.Session.MaxConcurrentSessions <= 0 {
		return errors.New("session.max_concurrent_sessions must be positive")
	}
	if c.Session.TokenEncryption {
		if c.Security.Encryption.MasterKey == "" {
			return errors.New("security.encryption.master_key is required when session.token_encryption is enabled")
		}
		if c.Security.Encryption.KeyDerivationIterations < minKeyDerivationIterations {
			return fmt.Errorf("security.encryption.key_derivation_iterations must be at least %d",
				minKeyDerivationIterations)
		}
	}

	if c.Security.APIKeyHashRounds < 4 || c.Security.APIKeyHashRounds > 31 {
		return errors.New("security.api_key_hash_rounds must be between 4 and 31")
	}

	if c.Threat.MaxFailedAttempts <= 0 {
		return errors.New("threat.max_failed_attempts must be positive")
	}

	if c.Blacklist.CircuitBreaker.Threshold <= 0 {
		return errors.New("blacklist.circuit_breaker.threshold must be positive")
	}
	if c.Blacklist.Performance.BatchSize <= 0 {
		return errors.New("blacklist.performance.batch_size must be positive")
	}

	if c.IdP.IssuerURL != "" {
		u, err := url.Parse(c.IdP.IssuerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("idp.issuer_url %q is not a valid URL", c.IdP.IssuerURL)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	return nil
}
