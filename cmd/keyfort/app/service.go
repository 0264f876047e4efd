// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/keyfort/keyfort/pkg/apikey"
	"github.com/keyfort/keyfort/pkg/auth"
	"github.com/keyfort/keyfort/pkg/blacklist"
	"github.com/keyfort/keyfort/pkg/cache"
	"github.com/keyfort/keyfort/pkg/config"
	"github.com/keyfort/keyfort/pkg/idp"
	"github.com/keyfort/keyfort/pkg/kv"
	"github.com/keyfort/keyfort/pkg/monitoring"
	"github.com/keyfort/keyfort/pkg/ratelimit"
	"github.com/keyfort/keyfort/pkg/rbac"
	"github.com/keyfort/keyfort/pkg/session"
	"github.com/keyfort/keyfort/pkg/threat"
	"github.com/keyfort/keyfort/pkg/token"
	"github.com/keyfort/keyfort/pkg/userstore"
)

// memoryAddr selects the embedded KV backend instead of Redis. Meant for
// development and single-node deployments.
const memoryAddr = "memory"

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// buildService constructs the full component graph from a validated
// configuration. The returned Prometheus sink is nil unless the metrics
// endpoint is enabled.
func buildService(ctx context.Context, cfg *config.Config) (*auth.Service, *monitoring.PrometheusSink, error) {
	sink, prom := buildSink(cfg)

	client, err := buildKV(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("kv client: %w", err)
	}

	var secureCache *cache.Cache
	if cfg.Cache.Enabled {
		secureCache, err = cache.New(cache.Config{
			Enabled:        true,
			ValidationSize: cfg.Cache.ValidationSize,
			DataSize:       cfg.Cache.DataSize,
			Sink:           sink,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("cache: %w", err)
		}
	}

	idpClient, err := idp.New(idp.Config{
		IssuerURL:        cfg.IdP.IssuerURL,
		ClientID:         cfg.IdP.ClientID,
		ClientSecret:     cfg.IdP.ClientSecret,
		AdminUsername:    cfg.IdP.AdminUsername,
		AdminPassword:    cfg.IdP.AdminPassword,
		AdminBaseURL:     cfg.IdP.AdminBaseURL,
		DiscoveryEnabled: cfg.IdP.DiscoveryEnabled,
		Timeout:          seconds(cfg.IdP.TimeoutSeconds),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("identity provider: %w", err)
	}

	revoker, err := blacklist.New(client, blacklist.Config{
		KeyPrefix:         cfg.Blacklist.KeyPrefix,
		BreakerThreshold:  cfg.Blacklist.CircuitBreaker.Threshold,
		BreakerWindow:     config.DurationOrDefault(cfg.Blacklist.CircuitBreaker.ResetTimeout, 0),
		BreakerReset:      config.DurationOrDefault(cfg.Blacklist.CircuitBreaker.Timeout, 0),
		BatchSize:         cfg.Blacklist.Performance.BatchSize,
		MaxConcurrent:     cfg.Blacklist.Performance.MaxConcurrent,
		OpTimeout:         time.Duration(cfg.Blacklist.Performance.TimeoutMs) * time.Millisecond,
		TokenRetention:    days(cfg.Blacklist.Retention.TokenTTLDays),
		UserRetention:     days(cfg.Blacklist.Retention.UserTTLDays),
		AuditRetention:    days(cfg.Blacklist.Retention.AuditTTLDays),
		CacheTTL:          seconds(cfg.Cache.TTL.JWTSeconds),
		Cache:             secureCache,
		Sink:              sink,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("blacklist: %w", err)
	}

	users, err := userstore.Open(ctx, cfg.UserStore.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("user store: %w", err)
	}

	var crypto *session.Crypto
	if cfg.Session.TokenEncryption {
		crypto, err = session.NewCryptoWithSalt(
			cfg.Security.Encryption.MasterKey,
			cfg.Security.Encryption.Salt,
			cfg.Security.Encryption.KeyDerivationIterations,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("session crypto: %w", err)
		}
	}

	engineCfg := token.Config{
		Secret:     cfg.JWT.Secret,
		AccessTTL:  config.DurationOrDefault(cfg.JWT.ExpiresIn, 0),
		RefreshTTL: config.DurationOrDefault(cfg.JWT.RefreshExpiresIn, 0),
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		CacheTTL:   seconds(cfg.Cache.TTL.JWTSeconds),
		Cache:      secureCache,
		Users:      users,
		Sink:       sink,
	}
	if crypto != nil {
		engineCfg.Cipher = crypto
	}
	engine, err := token.New(client, revoker, engineCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("token engine: %w", err)
	}

	sessions, err := session.New(client, session.Config{
		TTL:                         seconds(cfg.Session.TTLSeconds),
		RefreshThreshold:            seconds(cfg.Session.RefreshThresholdSeconds),
		MaxConcurrent:               cfg.Session.MaxConcurrentSessions,
		RotationInterval:            seconds(cfg.Session.RotationIntervalSeconds),
		CacheTTL:                    seconds(cfg.Cache.TTL.SessionSeconds),
		EnforceIPConsistency:        cfg.Session.EnforceIPConsistency,
		EnforceUserAgentConsistency: cfg.Session.EnforceUserAgentConsistency,
		Crypto:                      crypto,
		Refresher:                   auth.NewIdPRefresher(idpClient),
		Cache:                       secureCache,
		Sink:                        sink,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("session manager: %w", err)
	}

	evaluator := rbac.New(rbac.Config{
		KV:       client,
		Cache:    secureCache,
		Sink:     sink,
		CacheTTL: seconds(cfg.Cache.TTL.UserInfoSeconds),
	})

	controller := threat.NewController(threat.Config{
		MaxFailedAttempts:           cfg.Threat.MaxFailedAttempts,
		LockoutDuration:             config.DurationOrDefault(cfg.Threat.LockoutDuration, 0),
		BruteForceWindow:            config.DurationOrDefault(cfg.Threat.BruteForceWindow, 0),
		IPBlockDuration:             config.DurationOrDefault(cfg.Threat.IPBlockDuration, 0),
		SuspiciousActivityThreshold: cfg.Threat.SuspiciousActivityThreshold,
		DisableAutoLockout:          !cfg.Threat.EnableAutoLockout,
		DisableIPBlocking:           !cfg.Threat.EnableIPBlocking,
		Sink:                        sink,
	})

	keys, err := apikey.New(client, apikey.Config{
		BcryptCost: cfg.Security.APIKeyHashRounds,
		CacheTTL:   seconds(cfg.Cache.TTL.APIKeySeconds),
		Cache:      secureCache,
		Sink:       sink,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("api keys: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(client, ratelimit.Config{
			Requests: cfg.RateLimit.RequestsPerWindow,
			Window:   seconds(cfg.RateLimit.WindowSeconds),
			Sink:     sink,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	svc, err := auth.New(auth.Dependencies{
		IdP:                idpClient,
		Tokens:             engine,
		Sessions:           sessions,
		Permissions:        evaluator,
		Threat:             controller,
		Users:              users,
		APIKeys:            keys,
		Limiter:            limiter,
		KV:                 client,
		Cache:              secureCache,
		Sink:               sink,
		PermissionCacheTTL: seconds(cfg.Cache.TTL.UserInfoSeconds),
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, prom, nil
}

// buildSink assembles the monitoring chain. The in-process registry always
// fronts the chain so counters and alerts work without Prometheus.
func buildSink(cfg *config.Config) (monitoring.Sink, *monitoring.PrometheusSink) {
	if !cfg.Monitoring.Enabled {
		return monitoring.NewNoop(), nil
	}

	opts := []monitoring.Option{}
	if cfg.Monitoring.AlertCooldownSeconds > 0 {
		opts = append(opts, monitoring.WithAlertCooldown(seconds(cfg.Monitoring.AlertCooldownSeconds)))
	}

	var prom *monitoring.PrometheusSink
	if cfg.Monitoring.Prometheus {
		prom = monitoring.NewPrometheusSink()
		opts = append(opts, monitoring.WithForward(prom))
	}
	return monitoring.NewRegistry(opts...), prom
}

// buildKV picks the backend from the address. Anything other than the
// literal "memory" is treated as a Redis address.
func buildKV(ctx context.Context, cfg *config.Config) (kv.Client, error) {
	if cfg.Redis.Addr == memoryAddr {
		return kv.NewMemory(), nil
	}

	redisCfg := kv.RedisConfig{
		Addr:         cfg.Redis.Addr,
		DB:           cfg.Redis.DB,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  seconds(cfg.Redis.DialTimeoutSeconds),
		ReadTimeout:  seconds(cfg.Redis.ReadTimeoutSeconds),
		WriteTimeout: seconds(cfg.Redis.WriteTimeoutSeconds),
	}
	if cfg.Redis.Sentinel != nil {
		redisCfg.Sentinel = &kv.SentinelConfig{
			MasterName: cfg.Redis.Sentinel.MasterName,
			Addrs:      cfg.Redis.Sentinel.Addrs,
		}
	}
	return kv.NewRedis(ctx, redisCfg)
}
