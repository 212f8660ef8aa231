/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the approval engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + APPROVAL_* environment)
  2. Build the zerolog logger
  3. Initialize SQLite store
  4. Load financial policies (defaults, optionally overridden from JSON)
  5. Create API handler, router and escalation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Optional YAML/JSON/TOML config file

ENVIRONMENT:
  APPROVAL_HTTP_PORT            HTTP server port (default: 8080)
  APPROVAL_DB_PATH              SQLite database path, ":memory:" for in-memory
  APPROVAL_LOG_LEVEL            debug, info, warn, error
  APPROVAL_APP_ENV              development, production, test
  APPROVAL_FISCAL_START_MONTH   First month of the fiscal year (1-12)
  APPROVAL_ESCALATION_ENABLED   Run the escalation scheduler
  APPROVAL_ESCALATION_INTERVAL  Escalation check interval (e.g. 15m)
  APPROVAL_CORS_ALLOWED_ORIGINS Comma separated origins
  APPROVAL_POLICIES_FILE        JSON list of financial policy overrides

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the escalation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  APPROVAL_DB_PATH=./data/approvals.db ./server

  # Run with in-memory database and a config file
  APPROVAL_DB_PATH=":memory:" ./server -config=config.yaml

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/approval-engine/api"
	"github.com/warp/approval-engine/config"
	"github.com/warp/approval-engine/engine"
	"github.com/warp/approval-engine/factory"
	"github.com/warp/approval-engine/logger"
	"github.com/warp/approval-engine/procurement"
	"github.com/warp/approval-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.App.Env)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// Initialize store
	if cfg.DB.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	policies, err := loadPolicies(cfg.Policies.File)
	if err != nil {
		return err
	}

	// Initialize handler
	handler := api.NewHandler(store, policies, time.Month(cfg.Fiscal.StartMonth),
		engine.LogPublisher{Logger: log.With().Str("component", "events").Logger()}, log)

	// Create router
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins, log)

	// Start escalation scheduler
	scheduler := api.NewEscalationScheduler(handler.Tasks, log)
	scheduler.CheckInterval = cfg.Escalation.Interval
	scheduler.Enabled = cfg.Escalation.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Str("db", cfg.DB.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// loadPolicies returns the default procurement policies, overridden by
// the JSON file at path when one is configured.
func loadPolicies(path string) (procurement.Policies, error) {
	if path == "" {
		return procurement.Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}
	policies, err := factory.New().ParsePolicies(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse policies file %s: %w", path, err)
	}
	return policies, nil
}
