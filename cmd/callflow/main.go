// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Command callflow answers inbound phone calls and runs the end-call dialog.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sprucehealth/callflow/acs"
	"github.com/sprucehealth/callflow/config"
	"github.com/sprucehealth/callflow/console"
	"github.com/sprucehealth/callflow/engine"
	"github.com/sprucehealth/callflow/telemetry"
	"github.com/sprucehealth/callflow/twilioapi"
	"github.com/sprucehealth/callflow/webhook"
)

const shutdownTimeout = 10 * time.Second

type identityProvisioner interface {
	CreateUser(ctx context.Context) (string, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "callflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "callflow", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	baseURL, err := cfg.CallbackBaseURL()
	if err != nil {
		return err
	}
	input, err := cfg.RecognitionInput()
	if err != nil {
		return err
	}

	var (
		executor    engine.CommandExecutor
		provisioner identityProvisioner
		answerer    webhook.Answerer
		hookOpts    []webhook.Option
	)
	switch cfg.Provider {
	case config.ProviderACS:
		client, err := acs.NewClient(cfg.ACSConnectionString, acs.WithLogger(logger.Named("acs")))
		if err != nil {
			return fmt.Errorf("create acs client: %w", err)
		}
		executor, provisioner, answerer = client, client, client
	case config.ProviderTwilio:
		client := twilioapi.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, twilioapi.WithLogger(logger.Named("twilio")))
		executor, provisioner = client, client
		hookOpts = append(hookOpts, webhook.WithTwilio(client))
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	identity, err := provisioner.CreateUser(ctx)
	if err != nil {
		return fmt.Errorf("provision service identity: %w", err)
	}
	logger.Info("provisioned service identity", zap.String("identity", identity), zap.String("provider", cfg.Provider))

	eng := engine.New(executor,
		engine.WithLogger(logger.Named("engine")),
		engine.WithRecognitionInput(input),
		engine.WithSessionTTL(cfg.SessionTTL),
	)
	defer eng.Close()
	eng.SetIdentity(identity)

	hookOpts = append(hookOpts,
		webhook.WithLogger(logger.Named("webhook")),
		webhook.WithGreeting(cfg.GreetingText),
		webhook.WithCognitiveServicesEndpoint(cfg.CognitiveServicesEndpoint),
	)
	hooks := webhook.New(eng, answerer, baseURL, hookOpts...)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           hooks.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("webhook server listening", zap.String("addr", cfg.ListenAddr), zap.String("callback_base", baseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()

	var cs *console.ConsoleServer
	if cfg.ConsoleAddr != "" {
		cs, err = console.NewConsoleServer(eng, cfg.ConsoleAddr, logger.Named("console"))
		if err != nil {
			return err
		}
		go func() {
			if err := cs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("console server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		logger.Warn("webhook server shutdown", zap.Error(serr))
	}
	if cs != nil {
		if serr := cs.Stop(sctx); serr != nil {
			logger.Warn("console server shutdown", zap.Error(serr))
		}
	}
	return err
}
