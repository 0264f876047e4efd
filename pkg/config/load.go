// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix namespaces environment overrides, e.g. KEYFORT_JWT_SECRET.
const envPrefix = "KEYFORT"

// secretKeys are always bound to the environment so credentials can stay out
// of config files: KEYFORT_JWT_SECRET, KEYFORT_REDIS_PASSWORD, and so on.
var secretKeys = []string{
	"jwt.secret",
	"security.encryption.master_key",
	"redis.password",
	"idp.client_secret",
	"idp.admin_password",
}

// Load reads configuration from the given file (YAML), applies environment
// overrides, and unmarshals onto the defaults. An empty path loads defaults
// plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
