// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the KeyFort CLI.
package main

import (
	"os"

	"github.com/keyfort/keyfort/cmd/keyfort/app"
	"github.com/keyfort/keyfort/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
