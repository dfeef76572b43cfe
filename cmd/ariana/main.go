// Package main is the entry point for the Ariana control plane. One binary
// runs the agent controller, poller, HTTP API, websocket gateway, and the
// scheduled maintenance jobs with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/api"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	gateways "github.com/ariana-dot-dev/ariana/internal/gateway/websocket"
	"github.com/ariana-dot-dev/ariana/internal/metrics"
	"github.com/ariana-dot-dev/ariana/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Ariana control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus cleanup error", zap.Error(err))
		}
	}()

	// Storage: shared connection pool plus all repositories.
	_, stores, storeCleanup, err := provideStores(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := storeCleanup(); err != nil {
			log.Error("Storage cleanup error", zap.Error(err))
		}
	}()

	m := metrics.New()
	registerMetricObservers(eventBus, m, log)

	svcs := provideServices(cfg, log, stores, eventBus, m)
	seedAutomationBundle(ctx, stores, log)

	if err := svcs.Controller.Start(ctx); err != nil {
		log.Fatal("Failed to start agent controller", zap.Error(err))
	}
	log.Info("Agent controller started")

	// Websocket gateway streaming agent events to UI clients.
	gateway := gateways.NewGateway(log)
	go gateway.Hub.Run(ctx)
	broadcaster := gateways.RegisterAgentNotifications(ctx, eventBus, gateway.Hub, log)
	defer broadcaster.Close()

	scheduler, err := startJobs(cfg, log, svcs, stores, m)
	if err != nil {
		log.Fatal("Failed to start scheduled jobs", zap.Error(err))
	}

	// HTTP server: REST API, websocket upgrade, health, metrics.
	router := api.NewRouter(cfg, log, m)
	gateway.SetupRoutes(router)
	handlers := api.NewAgentHandlers(svcs.Controller, stores.Agents, svcs.Pool, log)
	handlers.RegisterRoutes(router)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Ariana control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error("Scheduler shutdown error", zap.Error(err))
	}
	svcs.Controller.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Ariana control plane stopped")
}
