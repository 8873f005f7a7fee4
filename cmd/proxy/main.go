package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/solana-ws-proxy/internal/config"
	"github.com/rickgao/solana-ws-proxy/internal/metrics"
	"github.com/rickgao/solana-ws-proxy/internal/server"
	"github.com/rickgao/solana-ws-proxy/internal/subscription"
	"github.com/rickgao/solana-ws-proxy/internal/upstream"
	"github.com/rickgao/solana-ws-proxy/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/proxy.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting proxy",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"listen", cfg.Server.Listen,
		"upstream_url", cfg.Upstream.URL,
		"grace_period", cfg.Subscriptions.GracePeriod,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Metrics registry
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	mets := metrics.New(promReg)

	// Upstream connection manager
	manager := upstream.NewManager(upstream.ManagerConfig{
		URL:               cfg.Upstream.URL,
		RequestTimeout:    cfg.Upstream.RequestTimeout,
		ReconnectBaseWait: cfg.Upstream.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Upstream.ReconnectMaxDelay,
		PingInterval:      cfg.Upstream.PingInterval,
		PingTimeout:       cfg.Upstream.PingTimeout,
		WriteTimeout:      cfg.Upstream.WriteTimeout,
		BufferSize:        cfg.Upstream.MessageBuffer,
	}, mets, logger.With("component", "upstream"))

	// Client transport hub and subscription registry
	hub := server.NewHub(mets, logger.With("component", "hub"))
	registry := subscription.NewRegistry(subscription.Config{
		GracePeriod: cfg.Subscriptions.GracePeriod,
	}, manager, hub, mets, logger.With("component", "registry"))

	// Consume upstream events (notifications + reconnects) in order.
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Run(manager.Events())
	}()

	// Connect upstream; failures hand off to the reconnect loop.
	if err := manager.Connect(ctx); err != nil {
		logger.Warn("initial upstream connect failed, retrying in background", "error", err)
	}

	// Client-facing websocket server
	srv := server.New(server.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, hub, registry, logger.With("component", "server"))

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", srv.ServeWS)

	wsServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: wsMux,
	}
	go func() {
		logger.Info("starting websocket server", "addr", cfg.Server.Listen)
		if err := wsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("websocket server error", "error", err)
			cancel()
		}
	}()

	// Health and metrics server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(manager, registry, hub, promReg, cfg.Metrics.Path),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("proxy running",
		"ws_url", fmt.Sprintf("ws://localhost%s/ws", cfg.Server.Listen),
		"health_url", fmt.Sprintf("http://localhost:%d/healthz", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	wsServer.Shutdown(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	registry.Close()
	manager.Close()
	<-registryDone

	logger.Info("proxy stopped")
}

// createHealthHandler creates the HTTP handler for health checks and
// Prometheus metrics.
func createHealthHandler(manager *upstream.Manager, registry *subscription.Registry, hub *server.Hub, promReg *prometheus.Registry, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		upstreamStats := manager.Stats()
		subStats := registry.Stats()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		if upstreamStats.Connected {
			health.Components["upstream"] = "connected"
		} else {
			health.Status = "degraded"
			health.Components["upstream"] = map[string]interface{}{
				"status":             "disconnected",
				"reconnect_attempts": upstreamStats.ReconnectAttempts,
			}
		}

		health.Components["clients"] = map[string]interface{}{
			"connections": hub.Len(),
		}
		health.Components["subscriptions"] = map[string]interface{}{
			"tracked":         subStats.Subscriptions,
			"with_upstream":   subStats.WithUpstream,
			"pending_removal": subStats.PendingRemoval,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	mux.Handle(metricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	return mux
}
