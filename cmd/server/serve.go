package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/blend-engine/api"
	"github.com/warp/blend-engine/clock"
	"github.com/warp/blend-engine/config"
	"github.com/warp/blend-engine/logger"
	"github.com/warp/blend-engine/quality/store"
	"github.com/warp/blend-engine/store/sqlite"
)

// =============================================================================
// SERVE COMMAND
// =============================================================================

type serveFlags struct {
	port     int
	dbPath   string
	backend  string
	scenario string
	logLevel string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.HTTP.Port = f.port
			}
			if flags.Changed("db") {
				cfg.DB.Path = f.dbPath
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = f.logLevel
			}
			return serve(cfg, f.backend, f.scenario)
		},
	}
	cmd.Flags().IntVar(&f.port, "port", 8080, "HTTP server port")
	cmd.Flags().StringVar(&f.dbPath, "db", "", `SQLite database path (":memory:" for in-memory)`)
	cmd.Flags().StringVar(&f.backend, "store", "sqlite", "store backend: sqlite or memory")
	cmd.Flags().StringVar(&f.scenario, "scenario", "", "demo scenario to load at startup")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func openStore(backend, dbPath string) (api.Store, func() error, error) {
	switch backend {
	case "memory":
		return store.NewTxMemory(), func() error { return nil }, nil
	case "sqlite":
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize database: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func serve(cfg config.Config, backend, scenario string) error {
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, closeStore, err := openStore(backend, cfg.DB.Path)
	if err != nil {
		return err
	}
	defer closeStore()

	handler := api.NewHandler(st, api.Config{
		Optimizer:       cfg.OptimizerOptions(),
		UnitWeight:      cfg.UnitWeight(),
		RetentionWindow: cfg.Ledger.RetentionWindow,
		Fiscal:          cfg.FiscalYear(),
		Clock:           clock.System{},
		Log:             log,
	})

	if scenario != "" {
		if err := handler.LoadScenarioByID(context.Background(), scenario); err != nil {
			return fmt.Errorf("load scenario: %w", err)
		}
		log.Info("scenario loaded", zap.String("scenario", scenario))
	}

	handler.Monitor.Start()
	defer handler.Monitor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("store", backend),
			zap.String("db", cfg.DB.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.Stringer("signal", sig))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
