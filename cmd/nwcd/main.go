package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nwcd/nwcd/internal/backend"
	"github.com/nwcd/nwcd/internal/config"
	"github.com/nwcd/nwcd/internal/nwc"
	"github.com/nwcd/nwcd/internal/relay"
	"github.com/nwcd/nwcd/internal/storage"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "./nwcd.config.json", "path to service config file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadServiceConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
		zap.String("relay_url", cfg.Relay.URL),
	)

	kv, err := storage.OpenKV(cfg.Storage.KVPath)
	if err != nil {
		logger.Error("failed to open key-value store", zap.Error(err))
		os.Exit(1)
	}
	defer kv.Close()

	db, err := sql.Open("sqlite", cfg.Storage.ActivityDBPath)
	if err != nil {
		logger.Error("failed to open activity database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := relay.NewClient(cfg.Relay.URL, logger,
		relay.WithHandshakeTimeout(time.Duration(cfg.Relay.HandshakeTimeoutSec)*time.Second),
	)
	client.Connect(ctx)
	defer client.Close()

	transport := relay.NewTransport(client, logger)
	wallet := backend.NewLNDClient(cfg.LND, logger)
	activity := storage.NewActivityLog(db, logger)

	nwc.InitMetrics()
	logger.Info("metrics initialized")

	service, err := nwc.NewService(kv, transport, wallet, activity, nwc.ServiceOptions{
		BudgetCheckInterval: time.Duration(cfg.Budget.CheckIntervalMinutes) * time.Minute,
	}, logger)
	if err != nil {
		logger.Error("failed to assemble wallet service", zap.Error(err))
		os.Exit(1)
	}

	if err := service.Init(); err != nil {
		logger.Error("failed to initialize wallet service", zap.Error(err))
		os.Exit(1)
	}

	if err := service.Start(ctx); err != nil {
		logger.Error("failed to start wallet service", zap.Error(err))
		os.Exit(1)
	}

	if cfg.Metrics.Port > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("metrics endpoint listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	service.Stop()
	logger.Info("nwcd exited cleanly")
}
