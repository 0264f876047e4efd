// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDuration is the fallback applied by DurationOrDefault when a
// duration string cannot be parsed.
const DefaultDuration = 3600 * time.Second

// ParseDuration parses the "<n>(s|m|h|d)" notation used throughout the
// configuration. A bare number is read as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := time.Second
	numPart := s

	switch s[len(s)-1] {
	case 's':
		numPart = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		numPart = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		numPart = s[:len(s)-1]
	case 'd':
		unit = 24 * time.Hour
		numPart = s[:len(s)-1]
	}

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}

	return time.Duration(n) * unit, nil
}

// DurationOrDefault parses s and falls back to def on failure. Pass zero for
// def to use DefaultDuration (3600s).
func DurationOrDefault(s string, def time.Duration) time.Duration {
	if def == 0 {
		def = DefaultDuration
	}
	d, err := ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
