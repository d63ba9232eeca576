// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"dh-github-snapshot/internal/api"
	"dh-github-snapshot/internal/config"
	"dh-github-snapshot/internal/github"
	"dh-github-snapshot/internal/pipeline"
	"dh-github-snapshot/internal/snapshot"
	"dh-github-snapshot/internal/warehouse"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "data_dir", cfg.DataDir)

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Optional warehouse
	var publisher pipeline.Publisher
	if cfg.DBURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer dbpool.Close()
		logger.Info("Database connection established")

		if err := runMigrations(cfg.DBURL); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("Database migrations applied successfully")
		publisher = warehouse.NewPublisher(dbpool, logger)
	}

	// 5. Initialize application components
	ghClient, err := github.NewClient(github.Options{
		Token:             cfg.GithubToken,
		BaseURL:           cfg.GithubAPIURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxRetries:        cfg.MaxRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}
	store := snapshot.NewStore(cfg.DataDir, logger)
	p, err := pipeline.New(store, ghClient, publisher, logger, pipelineOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	// 6. Optional read API
	var srv *http.Server
	if cfg.APIAddr != "" {
		srv = &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           api.NewRouter(store, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("API server listening", "addr", cfg.APIAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server failed", "error", err)
				cancel()
			}
		}()
	}

	// 7. Run the pipeline
	if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		shutdown(srv, logger)
		return fmt.Errorf("pipeline failed: %w", err)
	}

	// Keep serving the API until a shutdown signal arrives.
	if srv != nil {
		logger.Info("Pipeline finished. Waiting for shutdown signal...")
		<-ctx.Done()
	}
	shutdown(srv, logger)
	logger.Info("Exiting.")
	return nil
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		Queries:            cfg.SearchQueries,
		Topics:             cfg.SearchTopics,
		Relations:          cfg.Relations,
		Excluded:           cfg.ExcludedEntities,
		CoolDown:           cfg.ErrorCoolDown,
		JoinThreshold:      cfg.JoinThreshold,
		StarredThreshold:   cfg.StarredThreshold,
		MaxArchives:        cfg.MaxArchives,
		LoadExistingFiles:  cfg.LoadExistingFiles,
		OverwriteTempFiles: cfg.OverwriteTemp,
		RetryErrors:        cfg.RetryErrors,
		Interval:           cfg.RunInterval,
	}
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
