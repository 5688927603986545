package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.etcd.io/etcd/server/v3/embed"

	"github.com/stratumdb/stratum/internal/commitlog"
	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/coordinator"
	"github.com/stratumdb/stratum/internal/events"
	"github.com/stratumdb/stratum/internal/logging"
	"github.com/stratumdb/stratum/internal/metalog"
	"github.com/stratumdb/stratum/internal/migration"
	"github.com/stratumdb/stratum/internal/repair"
	"github.com/stratumdb/stratum/internal/router"
	"github.com/stratumdb/stratum/internal/storage"
)

var (
	Version   = "dev"     // Injected via ldflags during build
	GitCommit = "unknown" // Injected via ldflags during build
	BuildTime = "unknown" // Injected via ldflags during build
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := logging.NewFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	logger.Info("Admin service starting...",
		"version", Version, "commit", GitCommit, "build time", BuildTime)

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatal("Failed to create data directories", "error", err)
	}

	// Start embedded etcd when configured, mostly for single-node and
	// development setups.
	endpoints := cfg.Etcd.Endpoints
	if cfg.Etcd.Embedded {
		e, embeddedEndpoints, err := startEmbeddedEtcd(cfg)
		if err != nil {
			logger.Fatal("Failed to start embedded etcd", "error", err)
		}
		defer e.Close()
		endpoints = embeddedEndpoints
		logger.Info("Embedded etcd started", "endpoints", endpoints)
	}

	// Metadata log backed by etcd
	logger.Info("Connecting to etcd", "endpoints", endpoints)
	metaLog, err := metalog.NewEtcd(metalog.EtcdConfig{
		Endpoints:   endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		CertFile:    cfg.Etcd.CertFile,
		KeyFile:     cfg.Etcd.KeyFile,
		CAFile:      cfg.Etcd.CAFile,
	})
	if err != nil {
		logger.Fatal("Failed to connect to etcd", "error", err)
	}
	defer func() { _ = metaLog.Close() }()

	store := migration.NewStateStore(metaLog)

	// Event bus (configurable backend)
	logger.Info("Connecting to event bus", "type", cfg.Events.Type, "url", cfg.Events.URL)
	bus, err := events.New(cfg.Events, logger)
	if err != nil {
		logger.Fatal("Failed to connect to event bus", "error", err)
	}
	defer func() { _ = bus.Close() }()

	// Repair service client
	runner, err := repair.NewGRPCRunner(cfg.Repair.Endpoints, logger)
	if err != nil {
		logger.Fatal("Failed to create repair runner", "error", err)
	}
	defer runner.Close()

	resolver := coordinator.NewConfigResolver(cfg.Migration)
	coord := coordinator.New(store, resolver, runner, bus, cfg.Repair, logger)

	// Commit log replay into the in-memory table store
	memtable := storage.NewMemTable(logger)
	reader := commitlog.NewSegmentReader(cfg.CommitLog.IgnoreReplayErrors, logger)
	replayer := commitlog.NewReplayer(reader, logger)

	if err := replayAtBoot(cfg, replayer, memtable, logger); err != nil {
		logger.Fatal("Commit log replay failed", "error", err)
	}

	// Log authentication status
	if cfg.Auth.Enabled {
		logger.Info("API key authentication enabled", "num_keys", len(cfg.Auth.APIKeys))
	} else {
		logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	// Initialize router
	app := router.New(logger, coord, store, replayer, memtable, *cfg)

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
		logger.Info("Server listening", "address", addr)
		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with 10 second timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}

// startEmbeddedEtcd runs an in-process etcd under the node data
// directory.
func startEmbeddedEtcd(cfg *config.Config) (*embed.Etcd, []string, error) {
	ec := embed.NewConfig()
	ec.Dir = cfg.GetDataPath("etcd")
	ec.LogLevel = "error"
	ec.Logger = "zap"

	clientURL, _ := url.Parse("http://127.0.0.1:0")
	peerURL, _ := url.Parse("http://127.0.0.1:0")
	ec.ListenClientUrls = []url.URL{*clientURL}
	ec.ListenPeerUrls = []url.URL{*peerURL}

	e, err := embed.StartEtcd(ec)
	if err != nil {
		return nil, nil, err
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Close()
		return nil, nil, fmt.Errorf("embedded etcd took too long to start")
	}

	return e, []string{e.Clients[0].Addr().String()}, nil
}

// replayAtBoot rebuilds the in-memory table state from the commit log.
// The configured failure policy decides how corruption is handled: stop
// returns the error, ignore logs and continues, die refuses to start.
func replayAtBoot(cfg *config.Config, replayer *commitlog.Replayer, memtable *storage.MemTable, logger *logging.Logger) error {
	policy, err := commitlog.ParseFailurePolicy(cfg.CommitLog.FailurePolicy)
	if err != nil {
		return err
	}

	handler := storage.NewReplayHandler(memtable, commitlog.ActionAbort, logger)
	outcome, err := replayer.ReplayDir(handler, cfg.CommitLog.Dir, commitlog.PositionNone, commitlog.AllMutations)
	if err != nil {
		return err
	}

	if cerr := outcome.Resolve(policy, logger); cerr != nil {
		if policy == commitlog.PolicyDie {
			logger.Fatal("Corrupt commit log record and failure policy is die", "error", cerr)
		}
		return cerr
	}

	logger.Info("Commit log replay complete",
		"delivered", outcome.Delivered,
		"applied", handler.Applied(),
		"dropped", handler.Dropped(),
	)
	return nil
}
