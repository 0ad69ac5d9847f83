// Chittydnad is the personal learning-state daemon.
//
// It records interaction events, periodically analyzes them for
// behavioral patterns, clusters derived learning goals, and keeps all
// of it in an encrypted local vault that can be exported to and
// re-imported from a portable, integrity-checked document.
//
// Usage:
//
//	# Start the daemon with defaults
//	chittydnad
//
//	# Point at an explicit config file
//	chittydnad -config /etc/chittydna/config.yaml
//
//	# Configure via environment
//	CHITTYDNA_SERVER_PORT=9700 chittydnad
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/config"
	"github.com/chittyos/chittydna/internal/goals"
	"github.com/chittyos/chittydna/internal/logging"
	"github.com/chittyos/chittydna/internal/pipeline"
	"github.com/chittyos/chittydna/internal/portability"
	"github.com/chittyos/chittydna/internal/remote"
	"github.com/chittyos/chittydna/internal/secrets"
	"github.com/chittyos/chittydna/internal/server"
	"github.com/chittyos/chittydna/internal/storage"
	"github.com/chittyos/chittydna/internal/telemetry"
	"github.com/chittyos/chittydna/internal/vault"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  chittydnad           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  chittydnad version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("chittydnad\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until the context is cancelled.
//
// Wiring order: config, logger, telemetry, storage, audit, vault,
// goals, remote, pipeline, portability, HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting chittydnad",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	provider, err := telemetry.New(&telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share", "chittydna")
	}
	backend, err := storage.NewFS(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	logger.Info("Storage ready", zap.String("data_dir", dataDir))

	auditLog, err := audit.NewLog(backend, logger)
	if err != nil {
		return err
	}
	vlt, err := vault.NewVault(&vault.Config{SnapshotCap: cfg.Vault.SnapshotCap}, backend, auditLog, logger)
	if err != nil {
		return err
	}
	goalStore, err := goals.NewStore(backend)
	if err != nil {
		return err
	}
	synth := goals.NewSynthesizer(goals.DefaultConfig(), logger)

	scrubber, err := secrets.New(secrets.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to compile scrubber rules: %w", err)
	}

	remoteClient, err := remote.NewHTTPClient(&remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}
	pending, err := remote.NewPendingQueue(backend, remoteClient, logger)
	if err != nil {
		return err
	}

	pipe, err := pipeline.New(&pipeline.Config{
		Window:                cfg.Pipeline.Window,
		ReflectEvery:          cfg.Pipeline.ReflectEvery,
		SynthesizeEvery:       cfg.Pipeline.SynthesizeEvery,
		ProposeEvery:          cfg.Pipeline.ProposeEvery,
		MinProposalConfidence: cfg.Pipeline.MinProposalConfidence,
		QueueSize:             cfg.Pipeline.QueueSize,
	}, backend, vlt, goalStore, synth, auditLog, scrubber, remoteClient, pending, logger)
	if err != nil {
		return err
	}
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := pipe.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			logger.Warn("pipeline stop failed", zap.Error(err))
		}
	}()

	// Surface external rewrites of the vault blob for as long as the
	// daemon runs.
	go func() {
		if err := vlt.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("vault watcher exited", zap.Error(err))
		}
	}()

	port, err := portability.New(vlt, auditLog, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(&server.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	}, pipe, port, auditLog, goalStore, provider.Handler(), logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("Daemon ready",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}
