package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/croptrace/croptrace/config"
	"github.com/croptrace/croptrace/events"
	"github.com/croptrace/croptrace/identity"
	"github.com/croptrace/croptrace/ledger"
	"github.com/croptrace/croptrace/payments"
	"github.com/croptrace/croptrace/qr"
	"github.com/croptrace/croptrace/repository"
	"github.com/croptrace/croptrace/server"
	"github.com/croptrace/croptrace/srvreg"
	"github.com/croptrace/croptrace/workflow"
)

func main() {
	configFile := flag.String("config", "", "Config file path (optional, overrides CROPTRACE_CONFIG)")
	flag.Parse()

	log.Println("=== Starting CropTrace Node ===")

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	log.Printf("HTTP Port: %s", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseDriver)
	log.Printf("Ledger Mode: %s", cfg.LedgerMode)

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(cfg.LogLevel, logger, "info")
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}

	// Store
	repo := repository.NewRepository(logger)
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		err = repo.ConnectSQLite(cfg.SQLitePath)
	default:
		err = repo.ConnectDB(cfg.GetDSN())
	}
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repo.Close()

	// Sessions and credentials
	sessions, err := identity.Open(cfg.IdentityPath, cfg.SessionTTL, logger)
	if err != nil {
		log.Fatalf("Opening identity store: %v", err)
	}
	defer sessions.Close()

	// Ledger and its mirror. The workflow only publishes when something
	// consumes the events.
	var (
		l         ledger.Ledger
		publisher events.Publisher
		dlq       events.DLQManager
	)
	switch cfg.LedgerMode {
	case config.LedgerModeMock:
		l = ledger.NewMockLedger()
	case config.LedgerModeRemote:
		client := ledger.NewClient(cfg.LedgerEndpoint)
		if err := client.HealthCheck(context.Background()); err != nil {
			logger.Error("Ledger health check failed, mirror will retry until it is reachable", "endpoint", cfg.LedgerEndpoint, "err", err)
		}
		l = client
	}

	if l != nil {
		retry := events.DefaultRetryConfig()
		retry.MaxRetries = cfg.MirrorMaxRetries
		retry.InitialBackoff = cfg.MirrorInitialBackoff
		retry.MaxBackoff = cfg.MirrorMaxBackoff

		broker := events.NewBroker(logger, retry)
		defer broker.Shutdown()

		mirror := ledger.NewMirror(l, broker, repo, logger)
		mirror.Start(context.Background())
		defer mirror.Stop()

		publisher = broker
		dlq = broker
	}

	svc := workflow.NewService(repo, sessions, publisher, logger, workflow.Options{
		StrictPipeline: cfg.StrictPipeline,
		AllowDemoLogin: cfg.AllowDemoLogin,
	})

	var pay payments.Provider = payments.MockProvider{}
	if cfg.StripeSecretKey != "" {
		pay = payments.NewStripeProvider(cfg.StripeSecretKey, logger)
	} else {
		logger.Info("STRIPE_SECRET_KEY not set, using mock payment provider")
	}

	serviceRegistry := srvreg.NewServiceRegistry(logger)
	srvreg.NewHandlers(svc, pay, qr.NewGenerator(cfg.PublicBaseURL), l, dlq, logger).Register(serviceRegistry)

	webserver := server.NewWebServer(cfg.HTTPPort, serviceRegistry, sessions, logger)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	logger.Info("=== CropTrace Node Successfully Started ===")
	logger.Info("HTTP API", "url", "http://localhost:"+cfg.HTTPPort)
	logger.Info("Workflow",
		"strictPipeline", cfg.StrictPipeline,
		"demoLogin", cfg.AllowDemoLogin,
		"ledger", cfg.LedgerMode,
	)

	// Wait for interrupt signal to gracefully shut down
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Received shutdown signal, shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down HTTP web server", "err", err)
	}
	logger.Info("CropTrace node gracefully stopped")
}
