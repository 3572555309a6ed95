/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Garrison leave engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (file, .env, GARRISON_* env), then apply flags
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Seed default leave types and optionally the demo team
  5. Connect Redis for idempotency keys, if configured
  6. Build coordinator, handler and router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (default: ./config/config.yaml or ./config.yaml)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides db.path
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close Redis and database connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/garrison.db"

  # Run against PostgreSQL
  GARRISON_DB_DRIVER=postgres GARRISON_DB_DSN="postgres://..." ./server

SEE ALSO:
  - config/config.go: All settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garrison/leave-engine/api"
	"github.com/garrison/leave-engine/config"
	"github.com/garrison/leave-engine/leave"
	"github.com/garrison/leave-engine/leave/store"
	"github.com/garrison/leave-engine/logger"
	"github.com/garrison/leave-engine/store/postgres"
	"github.com/garrison/leave-engine/store/sqlite"
)

// backend is what every store driver provides.
type backend interface {
	leave.TxStore
	api.Backend
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "garrison: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Driver = config.DriverSQLite
		cfg.DB.Path = *dbPath
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx := context.Background()

	db, closeDB, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	if cfg.Seed.Defaults {
		if err := api.SeedDefaults(ctx, db); err != nil {
			return fmt.Errorf("seed leave types: %w", err)
		}
	}
	if cfg.Seed.Demo {
		if err := api.LoadScenario(ctx, db, api.ScenarioSmallTeam, cfg.Seed.Year); err != nil {
			return fmt.Errorf("seed demo team: %w", err)
		}
		log.Info("demo team loaded", zap.Int("year", cfg.Seed.Year))
	}

	coord := leave.NewCoordinator(db,
		leave.WithLogger(log),
		leave.WithTimeout(cfg.Storage.Timeout),
	)
	handler := api.NewHandler(coord, db, log)

	routerCfg := api.RouterConfig{
		AllowOrigins: cfg.Server.AllowOrigins,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		Logger:       log,
	}
	if p, ok := db.(interface{ Ping(context.Context) error }); ok {
		routerCfg.Pinger = p
	}
	if cfg.Auth.JWTSecret != "" {
		routerCfg.Identity = api.NewTokenAuth(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Middleware
	} else {
		log.Warn("auth.jwt_secret not set, trusting X-User-* headers")
		routerCfg.Identity = api.HeaderAuth
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, idempotency keys will fail open", zap.Error(err))
		}
		routerCfg.Idempotency = api.NewIdempotency(rdb, cfg.Redis.TTL, log)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db_driver", cfg.DB.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (backend, func(), error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:          cfg.DB.DSN,
			MaxOpenConns: cfg.DB.MaxOpenConns,
			MaxIdleConns: cfg.DB.MaxIdleConns,
			Migrate:      cfg.DB.Migrate,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, closer(s, log), nil
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return store.NewTxMemory(), func() {}, nil
	default:
		s, err := sqlite.New(cfg.DB.Path, sqlite.WithLogger(log))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, closer(s, log), nil
	}
}

func closer(c io.Closer, log *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("closing store failed", zap.Error(err))
		}
	}
}
