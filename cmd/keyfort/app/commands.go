// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the keyfort command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "keyfort",
	DisableAutoGenTag: true,
	Short:             "KeyFort is an authentication and authorization core fronting an OpenID Connect identity provider",
	Long: `KeyFort is the authentication and authorization core of a credential
management platform. It fronts an OpenID Connect identity provider and owns
everything that happens after the provider says yes: token issuance and
verification, encrypted sessions, role-based permissions, API keys, brute
force containment, and a relational mirror of the user directory.

The serve command mounts a thin JSON surface over the core; every other
concern (TLS termination, CORS, request routing) belongs to the deployment
in front of it.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the KeyFort CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
