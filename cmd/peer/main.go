// Package main implements a consensus peer: a replica that keeps its own term,
// vote and log, answers the engine's append, vote and heartbeat requests over
// HTTP, and registers itself with consensusd on startup.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Peer                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /raft/append    - Log replication    │
//	│    /raft/vote      - Vote requests      │
//	│    /raft/heartbeat - Leader liveness    │
//	│    /health         - Health check       │
//	│    /info           - Term, vote, log    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    consensus.Peer  - Replica state      │
//	│    RaftStore       - Term, vote, log    │
//	│    Registration    - consensusd link    │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - PEER_ID: Node ID, must be a member of PEER_CLUSTER (required)
//   - PEER_CLUSTER: Cluster to join (required)
//   - PEER_LISTEN: Listen address (default: ":8081")
//   - PEER_ADDR: Public address given to consensusd (default: "http://127.0.0.1:8081")
//   - PEER_ROLE: Empty for a voting follower or "observer"
//   - PEER_DATA_DIR: Directory for the term, vote and log; empty keeps them
//     in memory and a restart forgets them (default: "")
//   - CONSENSUSD_URL: consensusd base URL (required)
//   - LOG_LEVEL: trace, debug, info, warn or error (default: "info")
//
// Example usage:
//
//	PEER_ID=a PEER_CLUSTER=c1 \
//	PEER_LISTEN=:8081 PEER_ADDR=http://localhost:8081 \
//	CONSENSUSD_URL=http://localhost:8080 PEER_DATA_DIR=/var/lib/peer-a \
//	./peer
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/quorum/internal/cluster"
	"github.com/dreamware/quorum/internal/consensus"
	"github.com/dreamware/quorum/internal/storage"
)

// logFatal is a variable to allow mocking process exit in tests.
var logFatal = func(msg string, args ...any) {
	hclog.Default().Error(msg, args...)
	os.Exit(1)
}

// Registration retry policy. Variables so tests can shorten them.
var (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

func main() {
	id := mustGetenv("PEER_ID")
	clusterID := mustGetenv("PEER_CLUSTER")
	listen := getenv("PEER_LISTEN", ":8081")
	public := getenv("PEER_ADDR", "http://127.0.0.1:8081")
	role := consensus.NodeRole(getenv("PEER_ROLE", ""))
	coord := mustGetenv("CONSENSUSD_URL")

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "peer",
		Level: hclog.LevelFromString(getenv("LOG_LEVEL", "info")),
	}).With("node", id, "cluster", clusterID)

	dataDir := getenv("PEER_DATA_DIR", "")
	store, err := storage.Open(dataDir)
	if err != nil {
		logFatal("could not open peer storage", "dir", dataDir, "error", err)
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing storage failed", "error", err)
		}
	}()

	p, err := consensus.NewPeer(id, clusterID, store, logger)
	if err != nil {
		logFatal("could not start peer", "error", err)
		return
	}
	if dataDir == "" {
		logger.Warn("PEER_DATA_DIR unset, term and vote will not survive a restart")
	}

	s := &http.Server{
		Addr:              listen,
		Handler:           cluster.NewPeerHandler(p, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	go func() {
		logger.Info("listening", "addr", listen, "public", public)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spec := consensus.NodeSpec{ID: id, ClusterID: clusterID, Address: public, Role: role}
	if err := register(ctx, coord, spec, logger); err != nil {
		logFatal("failed to register with consensusd", "url", coord, "error", err)
		return
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("peer stopped")
}

// register announces the peer to consensusd, retrying while consensusd is
// starting or unreachable.
//
// A 409 answer means the node ID is already registered, which is what a
// restarted peer sees, and counts as success. Any other 4xx answer is final:
// retrying an invalid registration cannot succeed.
func register(ctx context.Context, coord string, spec consensus.NodeSpec, logger hclog.Logger) error {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/nodes", spec, nil)
		var se *cluster.StatusError
		switch {
		case lastErr == nil:
			logger.Info("registered with consensusd", "url", coord)
			return nil
		case errors.As(lastErr, &se) && se.Code == http.StatusConflict:
			logger.Info("already registered with consensusd", "url", coord)
			return nil
		case errors.As(lastErr, &se) && se.Code >= 400 && se.Code < 500:
			return lastErr
		}
		logger.Warn("register retry", "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerDelay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", registerAttempts, lastErr)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv returns a required environment variable, exiting if it is unset.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env", "key", k)
	return ""
}
