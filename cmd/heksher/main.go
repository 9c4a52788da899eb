// Package main is the entry point for the heksher settings service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biocatchltd/heksher/internal/api"
	"github.com/biocatchltd/heksher/internal/cache"
	"github.com/biocatchltd/heksher/internal/config"
	"github.com/biocatchltd/heksher/internal/instance"
	"github.com/biocatchltd/heksher/internal/logging"
	"github.com/biocatchltd/heksher/internal/registry"
	"github.com/biocatchltd/heksher/internal/storage"
	"github.com/biocatchltd/heksher/internal/storage/memory"
	"github.com/biocatchltd/heksher/internal/storage/mysql"
	"github.com/biocatchltd/heksher/internal/storage/postgres"
)

// Type expressions repeat heavily across declarations; a small cache saves
// re-parsing them on every request.
const (
	typeCacheSize = 1024
	typeCacheTTL  = time.Hour
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("heksher %s (commit: %s, built: %s)\n",
			instance.Version, instance.GitCommit, instance.BuildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close() //nolint:errcheck
	slog.SetDefault(logger)

	inst := instance.New()

	// Doc-only mode serves the documentation and health endpoints without a
	// backing store.
	if cfg.Server.DocOnly {
		logger.Info("starting heksher in doc-only mode",
			slog.String("version", inst.Version),
			slog.String("node_id", inst.NodeID),
			slog.String("address", cfg.Address()),
		)
		run(api.NewServer(cfg, nil, logger), nil, inst, logger)
		return
	}

	logger.Info("starting heksher",
		slog.String("version", inst.Version),
		slog.String("node_id", inst.NodeID),
		slog.String("storage", cfg.Storage.Type),
		slog.String("address", cfg.Address()),
	)

	// Create storage backend
	store, err := createStorage(cfg, logger)
	if err != nil {
		logger.Error("failed to create storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Create the registry service
	reg := registry.New(store, cache.NewTypeCache(typeCacheSize, typeCacheTTL))

	// Reconcile the context feature hierarchy with the configured list
	if len(cfg.StartupContextFeatures) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := reg.EnsureContextFeatures(ctx, cfg.StartupContextFeatures)
		cancel()
		if err != nil {
			logger.Error("failed to reconcile context features", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("context features reconciled", slog.Any("features", cfg.StartupContextFeatures))
	}

	run(api.NewServer(cfg, reg, logger), store, inst, logger)
}

// run starts the server and blocks until it fails or a shutdown signal
// arrives.
func run(server *api.Server, store storage.Storage, inst *instance.Info, logger *slog.Logger) {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}

		if store != nil {
			if pooled, ok := store.(interface{ Stats() sql.DBStats }); ok {
				stats := pooled.Stats()
				logger.Debug("closing connection pool",
					slog.Int("open_connections", stats.OpenConnections),
					slog.Int64("wait_count", stats.WaitCount),
				)
			}
			if err := store.Close(); err != nil {
				logger.Error("storage close error", slog.String("error", err.Error()))
			}
		}
	}

	logger.Info("shutdown complete", slog.Duration("uptime", inst.Uptime()))
}

// createStorage creates the appropriate storage backend based on configuration.
func createStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Info("using in-memory storage")
		return memory.NewStore(), nil

	case "postgres":
		logger.Info("connecting to PostgreSQL",
			slog.String("host", cfg.Storage.PostgreSQL.Host),
			slog.Int("port", cfg.Storage.PostgreSQL.Port),
			slog.String("database", cfg.Storage.PostgreSQL.Database),
		)
		return postgres.NewStore(postgres.Config{
			ConnectionString: cfg.Storage.ConnectionString,
			Host:             cfg.Storage.PostgreSQL.Host,
			Port:             cfg.Storage.PostgreSQL.Port,
			Database:         cfg.Storage.PostgreSQL.Database,
			Username:         cfg.Storage.PostgreSQL.Username,
			Password:         cfg.Storage.PostgreSQL.Password,
			SSLMode:          cfg.Storage.PostgreSQL.SSLMode,
			MaxOpenConns:     cfg.Storage.PostgreSQL.MaxOpenConns,
			MaxIdleConns:     cfg.Storage.PostgreSQL.MaxIdleConns,
			ConnMaxLifetime:  time.Duration(cfg.Storage.PostgreSQL.ConnMaxLifetime),
			ConnMaxIdleTime:  time.Duration(cfg.Storage.PostgreSQL.ConnMaxIdleTime),
		})

	case "mysql":
		logger.Info("connecting to MySQL",
			slog.String("host", cfg.Storage.MySQL.Host),
			slog.Int("port", cfg.Storage.MySQL.Port),
			slog.String("database", cfg.Storage.MySQL.Database),
		)
		return mysql.NewStore(mysql.Config{
			ConnectionString: cfg.Storage.ConnectionString,
			Host:             cfg.Storage.MySQL.Host,
			Port:             cfg.Storage.MySQL.Port,
			Database:         cfg.Storage.MySQL.Database,
			Username:         cfg.Storage.MySQL.Username,
			Password:         cfg.Storage.MySQL.Password,
			TLS:              cfg.Storage.MySQL.TLS,
			MaxOpenConns:     cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:     cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime:  time.Duration(cfg.Storage.MySQL.ConnMaxLifetime),
			ConnMaxIdleTime:  time.Duration(cfg.Storage.MySQL.ConnMaxIdleTime),
		})

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
