package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/askdb/askdb/internal/api"
	"github.com/askdb/askdb/internal/api/uistatic"
	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/observability"
)

func main() {
	// Credentials usually live in a local .env during development; absence of
	// the file is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("askdb-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	creds, err := cfg.Credentials()
	if err != nil {
		logger.Error("failed to resolve credentials", slog.Any("error", err))
		os.Exit(1)
	}

	model, err := llm.New(llm.Config{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  creds.APIKey,
		Model:   cfg.Model.Name,
		Timeout: cfg.Model.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}

	dbCfg := database.ConfigFromCredentials(creds, cfg)
	deps := api.Dependencies{
		Logger: logger,
		LLM:    model,
		Chain:  cfg.Chain,
		OpenHandle: func(ctx context.Context) (*database.Handle, error) {
			return database.Open(ctx, dbCfg)
		},
		UI: uistatic.Handler(),
		Readiness: api.CombineReadinessChecks(
			api.CheckCredentials(cfg),
			func(ctx context.Context) error {
				handle, err := database.Open(ctx, dbCfg)
				if err != nil {
					return err
				}
				return handle.Close()
			},
		),
		DependencyTimeout: time.Second * 5,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
