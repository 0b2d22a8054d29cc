// Package main implements consensusd, the process that hosts the consensus
// engine, the CRDT counter store and the heartbeat monitor behind one HTTP
// API.
//
// Configuration:
//   - CONSENSUSD_ADDR: Listen address (default: ":8080")
//   - TRANSPORT: "http" to reach peers over HTTP, "ack" for a single process
//     that acknowledges every request (default: "http")
//   - HEARTBEAT_INTERVAL: Heartbeat round interval, 0 disables (default: "2s")
//   - MAX_LOG_SIZE: Entries kept in memory per cluster (default: 10000)
//   - DATA_DIR: Directory for the persisted log and node state; empty keeps
//     them in memory (default: "")
//   - LOG_LEVEL: trace, debug, info, warn or error (default: "info")
//
// Example usage:
//
//	CONSENSUSD_ADDR=:8080 ./consensusd
//
//	curl -X POST localhost:8080/clusters \
//	  -d '{"id":"c1","members":["a","b","c"]}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/quorum/internal/cluster"
	"github.com/dreamware/quorum/internal/consensus"
	"github.com/dreamware/quorum/internal/coordinator"
	"github.com/dreamware/quorum/internal/crdt"
	"github.com/dreamware/quorum/internal/storage"
)

// config is consensusd's environment-derived configuration.
type config struct {
	Addr              string
	Transport         string
	DataDir           string
	LogLevel          string
	HeartbeatInterval time.Duration
	MaxLogSize        int
}

func loadConfig() (config, error) {
	cfg := config{
		Addr:      getenv("CONSENSUSD_ADDR", ":8080"),
		Transport: getenv("TRANSPORT", "http"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		DataDir:   getenv("DATA_DIR", ""),
	}
	if cfg.Transport != "http" && cfg.Transport != "ack" {
		return config{}, fmt.Errorf("TRANSPORT must be http or ack, got %q", cfg.Transport)
	}

	interval, err := time.ParseDuration(getenv("HEARTBEAT_INTERVAL", "2s"))
	if err != nil {
		return config{}, fmt.Errorf("HEARTBEAT_INTERVAL: %w", err)
	}
	cfg.HeartbeatInterval = interval

	size, err := strconv.Atoi(getenv("MAX_LOG_SIZE", "10000"))
	if err != nil || size <= 0 {
		return config{}, fmt.Errorf("MAX_LOG_SIZE must be a positive integer, got %q", os.Getenv("MAX_LOG_SIZE"))
	}
	cfg.MaxLogSize = size
	return cfg, nil
}

// newEngine builds the engine for cfg, persisting through store.
func newEngine(cfg config, store consensus.Storage, logger hclog.Logger) *consensus.Engine {
	engineCfg := consensus.DefaultConfig()
	engineCfg.MaxLogSize = cfg.MaxLogSize

	opts := []consensus.Option{
		consensus.WithLogger(logger.Named("consensus")),
		consensus.WithStorage(store),
	}

	var engine *consensus.Engine
	if cfg.Transport == "http" {
		tr := cluster.NewHTTPTransport(func(nodeID string) (string, bool) {
			return engine.NodeAddress(nodeID)
		}, logger.Named("transport"))
		opts = append(opts, consensus.WithTransport(tr))
	}
	engine = consensus.NewEngine(engineCfg, opts...)
	return engine
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "consensusd:", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "consensusd",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		logger.Error("could not open storage", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing storage failed", "error", err)
		}
	}()

	engine := newEngine(cfg, store, logger)
	srv := newServer(engine, crdt.NewStore(), logger.Named("api"))

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var monitor *coordinator.HealthMonitor
	if cfg.HeartbeatInterval > 0 {
		monitor = coordinator.NewHealthMonitor(engine, cfg.HeartbeatInterval, logger.Named("health"))
		monitor.SetOnUnhealthy(func(clusterID, nodeID string) {
			logger.Warn("node offline", "cluster", clusterID, "node", nodeID)
		})
		go monitor.Start(ctx)
	}

	go func() {
		logger.Info("listening", "addr", cfg.Addr, "transport", cfg.Transport,
			"heartbeat_interval", cfg.HeartbeatInterval)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	if monitor != nil {
		monitor.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("consensusd stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
