// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package app assembles and runs the runwatch engine.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fr4nsys/runwatch/internal/api"
	"github.com/fr4nsys/runwatch/internal/api/handlers"
	"github.com/fr4nsys/runwatch/internal/engine"
	"github.com/fr4nsys/runwatch/internal/events"
	"github.com/fr4nsys/runwatch/internal/logsink"
	"github.com/fr4nsys/runwatch/internal/models"
	"github.com/fr4nsys/runwatch/internal/notify"
	"github.com/fr4nsys/runwatch/internal/notify/channels"
	"github.com/fr4nsys/runwatch/internal/pkg/crypto"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
	"github.com/fr4nsys/runwatch/internal/store"
	"github.com/fr4nsys/runwatch/internal/store/postgres"
)

// Version information, injected at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Run starts the engine and blocks until SIGINT/SIGTERM.
func Run(cfgFile string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewFromConfig(cfg.Logging.Level, cfg.Logging.Format, logger.OutputConfig{
		Output: cfg.Logging.Output,
		File:   logger.FileConfig{Path: cfg.Logging.File},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting runwatch", "version", Version, "commit", Commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.Storage.Path, 0o750); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}
	vault, err := crypto.OpenVault(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open credential vault: %w", err)
	}

	st, err := openStore(ctx, cfg, vault, log)
	if err != nil {
		return err
	}
	defer st.Close()

	sink, err := logsink.New(filepath.Join(cfg.Storage.Path, "logs"), log)
	if err != nil {
		return fmt.Errorf("init log sink: %w", err)
	}

	// The bus snapshot composes the runner and group halves; the snapshot
	// function is swapped in after both engines exist.
	var mgr *engine.Manager
	var coord *engine.Coordinator
	bus := events.NewBus(func() models.Snapshot {
		snap := mgr.Snapshot()
		snap.Groups = coord.Snapshots()
		return snap
	}, log)
	defer bus.Close()

	dispatcher := notify.NewDispatcher(st, vault, bus, log, channels.NewPushoverChannel())

	mgr = engine.NewManager(st, dispatcher, bus, sink, engine.Config{
		ResumeSchedules: cfg.Engine.ResumeSchedules,
		CatchUpMissed:   cfg.Engine.CatchUpMissed,
	}, log)
	defer mgr.Shutdown()

	coord = engine.NewCoordinator(st, mgr, bus, log)

	if err := mgr.Restore(ctx); err != nil {
		log.Warn("runtime status restore failed", "error", err)
	}

	router := api.NewRouter(api.RouterConfig{
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RequestTimeout:     cfg.Server.RequestTimeout,
	}, api.Handlers{
		State:        handlers.NewStateHandler(st, mgr, log),
		Runner:       handlers.NewRunnerHandler(st, mgr, log),
		Group:        handlers.NewGroupHandler(coord, log),
		Notification: handlers.NewNotificationHandler(st, dispatcher, log),
		Events:       handlers.NewEventsHandler(bus, log),
	})

	srv := api.NewServer(api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	mgr.Shutdown()
	log.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg *Config, vault *crypto.Vault, log *logger.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory store; definitions will not survive restarts")
		return store.NewMemory(vault), nil
	}

	log.Info("connecting to postgres")
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return postgres.NewStore(db, vault), nil
}

// RunMigrations applies or rolls back database schema steps.
func RunMigrations(cfgFile, action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required for migrations")
	}

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.DefaultOptions())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	switch {
	case action == "up":
		return postgres.Migrate(ctx, db)
	case action == "status":
		return postgres.MigrationStatus(ctx, db)
	case len(action) > 5 && action[:5] == "down:":
		n, err := strconv.Atoi(action[5:])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid rollback count %q", action[5:])
		}
		return postgres.MigrateDown(ctx, db, n)
	default:
		return fmt.Errorf("unknown migration action: %s", action)
	}
}
