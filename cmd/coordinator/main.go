// Package main is the entry point for the ClaudeCluster coordinator.
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
	"github.com/claudecluster/claudecluster/internal/coordinator/api"
	"github.com/claudecluster/claudecluster/internal/coordinator/mcp"
	"github.com/claudecluster/claudecluster/internal/coordinator/registry"
	"github.com/claudecluster/claudecluster/internal/coordinator/sse"
	"github.com/claudecluster/claudecluster/internal/coordinator/taskman"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing coordinator.yaml")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.LoadCoordinator(*configPath)
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

	log.Info("starting coordinator",
		zap.Int("workers", len(cfg.WorkerEndpoints)),
		zap.Bool("mcp_enabled", cfg.McpEnabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(cfg, log)
	reg.Start(ctx)

	mgr := taskman.New(cfg, reg, log)
	relay := sse.NewManager(log)

	// Terminal events seen on the relay reconcile the task index; terminal
	// transitions learned elsewhere (cancel, reconciler) close relay clients.
	relay.SetEventObserver(mgr.OnWorkerEvent)
	mgr.SetTerminalListener(relay.NotifyTerminal)
	mgr.Start()

	router := api.NewRouter(cfg, mgr, reg, relay, log)

	var mcpServer *mcp.Server
	if cfg.McpEnabled {
		mcpServer = mcp.New(mgr, reg, api.Version, log)
		mcpServer.Mount(router)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("coordinator listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	relay.Shutdown()
	if mcpServer != nil {
		mcpServer.Shutdown(shutdownCtx)
	}
	mgr.Stop()
	reg.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("coordinator stopped")
}
