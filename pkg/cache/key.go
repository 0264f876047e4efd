// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// maxLiteralKeyLen is the longest raw key stored verbatim. Anything longer
// (tokens, encrypted blobs) is hashed so secrets never sit in memory as
// cache keys.
const maxLiteralKeyLen = 64

// Key builds a namespaced cache key. Short printable keys pass through as
// "<prefix>:<raw>"; long or non-printable keys become
// "<prefix>:<hex(sha256(raw))>".
func Key(prefix, raw string) string {
	if len(raw) <= maxLiteralKeyLen && printableASCII(raw) {
		return prefix + ":" + raw
	}
	sum := sha256.Sum256([]byte(raw))
	return prefix + ":" + hex.EncodeToString(sum[:])
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= 0x20 || s[i] >= 0x7f {
			return false
		}
	}
	return true
}
