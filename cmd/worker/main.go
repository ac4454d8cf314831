// Package main is the entry point for the ClaudeCluster worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/claudecluster/claudecluster/internal/common/config"
	"github.com/claudecluster/claudecluster/internal/common/logger"
	"github.com/claudecluster/claudecluster/internal/common/tracing"
	"github.com/claudecluster/claudecluster/internal/events/bus"
	"github.com/claudecluster/claudecluster/internal/worker/api"
	"github.com/claudecluster/claudecluster/internal/worker/docker"
	"github.com/claudecluster/claudecluster/internal/worker/engine"
	"github.com/claudecluster/claudecluster/internal/worker/provider"
	v1 "github.com/claudecluster/claudecluster/pkg/api/v1"
)

const (
	shutdownGrace = 10 * time.Second

	// Terminal tasks are kept for this long so late status polls and stream
	// reconnects can still see them.
	taskRetention = 1 * time.Hour
	evictInterval = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "directory containing worker.yaml")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.LoadWorker(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		if err := config.DumpYAML(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to dump configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting worker",
		zap.String("execution_mode", string(cfg.ExecutionMode)),
		zap.Int("max_concurrent_tasks", cfg.MaxConcurrentTasks))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.NewFromConfig(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	providers, defaultMode := buildProviders(ctx, cfg, log)
	unified, err := provider.NewUnifiedProvider(
		defaultMode,
		cfg.FeatureFlags.AllowModeOverride,
		log,
		providers...,
	)
	if err != nil {
		log.Fatal("failed to build execution provider", zap.Error(err))
	}

	eng := engine.New(cfg, unified, eventBus, log)
	go evictLoop(ctx, eng, log)

	router := api.NewRouter(cfg, eng, unified, eventBus, log)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("worker listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown error", zap.Error(err))
	}
	if err := unified.Shutdown(shutdownCtx); err != nil {
		log.Error("provider shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("worker stopped")
}

// buildProviders constructs the process pool and, when the feature flag is
// on, the container provider. When the docker backend is unavailable the
// worker degrades to process-pool only; if containers were the default mode
// that is fatal unless mode override is allowed, in which case the process
// pool becomes the effective default.
func buildProviders(ctx context.Context, cfg *config.WorkerConfig, log *logger.Logger) ([]provider.ExecutionProvider, v1.ExecutionMode) {
	providers := []provider.ExecutionProvider{
		provider.NewProcessPoolProvider(cfg.ProcessPool, log),
	}
	defaultMode := v1.ExecutionMode(cfg.ExecutionMode)

	if !cfg.FeatureFlags.EnableContainerMode {
		return providers, defaultMode
	}

	dockerClient, err := docker.NewClient(cfg.Container, log)
	if err == nil {
		var ctr *provider.ContainerProvider
		ctr, err = provider.NewContainerProvider(ctx, cfg.Container, dockerClient,
			cfg.Auth.APIKey, cfg.MaxConcurrentTasks, log)
		if err == nil {
			return append(providers, ctr), defaultMode
		}
	}

	if cfg.ExecutionMode == config.ModeContainer {
		if !cfg.FeatureFlags.AllowModeOverride {
			log.Fatal("container mode is the default but the docker backend is unavailable", zap.Error(err))
		}
		log.Warn("docker backend unavailable, falling back to process pool", zap.Error(err))
		return providers, v1.ExecutionModeProcessPool
	}
	log.Warn("container mode disabled: docker backend unavailable", zap.Error(err))
	return providers, defaultMode
}

// evictLoop drops terminal tasks past the retention window.
func evictLoop(ctx context.Context, eng *engine.Engine, log *logger.Logger) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := eng.EvictOlderThan(taskRetention); n > 0 {
				log.Info("task eviction", zap.Int("evicted", n))
			}
		}
	}
}
