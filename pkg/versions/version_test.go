// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) { //nolint:paralleltest // Modifies package globals
	origVersion := Version
	origCommit := Commit
	origBuildDate := BuildDate
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
		BuildDate = origBuildDate
	})

	t.Run("dev version with commit", func(t *testing.T) {
		Version = "dev"
		Commit = "abc123def456789"
		BuildDate = unknownStr

		info := GetVersionInfo()
		assert.Equal(t, "build-abc123de", info.Version)
		assert.Equal(t, "abc123def456789", info.Commit)
		assert.Equal(t, unknownStr, info.BuildDate)
	})

	t.Run("dev version without commit", func(t *testing.T) {
		Version = "dev"
		Commit = unknownStr
		BuildDate = unknownStr

		info := GetVersionInfo()
		assert.True(t, strings.HasPrefix(info.Version, "build-"), "got %q", info.Version)
		assert.Equal(t, unknownStr, info.Commit)
	})

	t.Run("release version", func(t *testing.T) {
		Version = "v1.2.3"
		Commit = "abc123def456789"
		BuildDate = "2024-01-15T10:30:00Z"

		info := GetVersionInfo()
		assert.Equal(t, "v1.2.3", info.Version)
		assert.Equal(t, "2024-01-15 10:30:00 UTC", info.BuildDate)
	})

	t.Run("unparseable build date is preserved", func(t *testing.T) {
		Version = "v1.2.3"
		Commit = "abc"
		BuildDate = "not-a-date"

		info := GetVersionInfo()
		assert.Equal(t, "not-a-date", info.BuildDate)
	})

	t.Run("runtime fields", func(t *testing.T) {
		info := GetVersionInfo()
		assert.Equal(t, runtime.Version(), info.GoVersion)
		assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), info.Platform)
	})
}
