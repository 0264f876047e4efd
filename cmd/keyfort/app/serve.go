// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfort/keyfort/pkg/config"
	"github.com/keyfort/keyfort/pkg/logger"
)

const (
	// serverIdleTimeout keeps connections alive for reuse.
	serverIdleTimeout = 60 * time.Second

	// requestTimeout must stay below server.write_timeout_seconds so the
	// timeout response can still be written.
	requestTimeout = 25 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the KeyFort authentication server",
		Long: `Start the KeyFort authentication server.
The server wires the token engine, session manager, permission evaluator and
threat controller to the configured identity provider and exposes them as a
JSON API.`,
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "Path to the configuration file (YAML)")
	cmd.Flags().String("address", "", "Listen address override (host:port)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	addressOverride, err := cmd.Flags().GetString("address")
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if addressOverride != "" {
		address = addressOverride
	}

	svc, prom, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}

	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize auth core: %w", err)
	}

	server := &http.Server{
		Addr:         address,
		Handler:      newRouter(svc, prom),
		ReadTimeout:  seconds(cfg.Server.ReadTimeoutSeconds),
		WriteTimeout: seconds(cfg.Server.WriteTimeoutSeconds),
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Server listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), seconds(cfg.Server.ShutdownTimeoutSeconds))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	if err := svc.Close(); err != nil {
		logger.Warnw("Components did not close cleanly", "error", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}
