// Package main provides the resonance server executable with HTTP API and housekeeping loop.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/adapters/memory"
	"github.com/coregx/resonance/adapters/relica"
	"github.com/coregx/resonance/adapters/zaplog"
	"github.com/coregx/resonance/cmd/resonance-server/internal/api"
	"github.com/coregx/resonance/cmd/resonance-server/internal/config"
	"github.com/coregx/resonance/migrations"
)

var configFile = flag.String("config", os.Getenv("RESONANCE_CONFIG_FILE"), "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, zl, err := zaplog.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, logger, zl); err != nil {
		zl.Fatal("Server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zaplog.Logger, zl *zap.Logger) error {
	zl.Info("Starting resonance server",
		zap.String("version", api.Version),
		zap.String("address", cfg.Server.Address()),
		zap.String("driver", cfg.Database.Driver),
	)

	store, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			zl.Warn("Failed to close database", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := resonance.NewMetrics(reg)

	var notifications resonance.NotificationService = &resonance.NoOpNotificationService{}
	if cfg.Worker.EnableNotifications {
		notifications = resonance.NewLoggingNotificationService(logger)
	}

	publisher, err := resonance.NewPublisher(
		resonance.WithPublisherRepositories(store, store),
		resonance.WithPublisherLogger(logger),
		resonance.WithPublisherMetrics(metrics),
	)
	if err != nil {
		return err
	}
	consumer, err := resonance.NewConsumer(
		resonance.WithConsumerStore(store),
		resonance.WithConsumerLogger(logger),
		resonance.WithConsumerMetrics(metrics),
		resonance.WithConsumerNotifications(notifications),
	)
	if err != nil {
		return err
	}
	registry, err := resonance.NewRegistry(
		resonance.WithRegistryRepositories(store, store),
		resonance.WithRegistryLogger(logger),
		resonance.WithRegistryNotifications(notifications),
	)
	if err != nil {
		return err
	}

	handler := api.NewHandler(publisher, consumer, registry, logger)
	mux := http.NewServeMux()
	mux.Handle("/api/", handler.Routes())
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      api.LoggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg conc.WaitGroup
	housekeeper := resonance.NewHousekeeper(consumer, logger)
	wg.Go(func() {
		housekeeper.Run(ctx, cfg.Worker.HousekeepingInterval)
	})

	serveErr := make(chan error, 1)
	wg.Go(func() {
		zl.Info("HTTP server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	select {
	case <-ctx.Done():
		zl.Info("Received shutdown signal")
	case err := <-serveErr:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Server forced to shutdown", zap.Error(err))
	}
	wg.Wait()

	zl.Info("Server stopped gracefully")
	return nil
}

// openStore creates the configured store, applying migrations to SQL databases.
func openStore(cfg config.DatabaseConfig) (resonance.Store, func() error, error) {
	if cfg.Driver == config.DriverMemory {
		return memory.New(), func() error { return nil }, nil
	}

	dsn := cfg.DSN
	if cfg.Driver == config.DriverMySQL {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, nil, err
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case cfg.Driver == config.DriverSQLite3:
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Apply(db, cfg.Driver, cfg.Prefix); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	store, err := relica.NewStore(db, relica.Config{
		Driver:               cfg.Driver,
		TablePrefix:          cfg.Prefix,
		MaxRetriesOnDeadlock: cfg.MaxRetriesOnDeadlock,
		CommandTimeout:       cfg.CommandTimeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

// mysqlDSN enables the options the store and its migrations rely on.
func mysqlDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.MultiStatements = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}
