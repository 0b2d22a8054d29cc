package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/quorum/internal/consensus"
)

// Health states tracked per node.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// HeartbeatSender is the part of consensus.Engine the monitor drives.
type HeartbeatSender interface {
	ListClusters() []consensus.Cluster
	GetNode(nodeID string) (consensus.Node, error)
	SendHeartbeats(ctx context.Context, clusterID string) (map[string]error, error)
	UpdateNodeStatus(nodeID string, status consensus.NodeStatus) error
	TriggerElection(ctx context.Context, clusterID, triggeredBy string) (consensus.ElectionResult, error)
}

// NodeHealth tracks the health of a single node as seen by heartbeats.
type NodeHealth struct {
	LastCheck        time.Time // Timestamp of the last heartbeat round that included the node
	LastHealthy      time.Time // Timestamp of the last successful heartbeat
	NodeID           string
	ClusterID        string
	Status           string // StatusHealthy, StatusUnhealthy or StatusUnknown
	ConsecutiveFails int
}

// HealthMonitor sends heartbeats to every cluster on an interval. A node that
// misses maxFailures heartbeats in a row is marked offline in the engine, and
// a cluster whose leader is gone gets a new election once enough members
// answer.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	engine      HeartbeatSender
	logger      hclog.Logger
	nodes       map[string]*NodeHealth
	onUnhealthy func(clusterID, nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	now         func() time.Time
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor for engine that runs every interval.
// Nodes are marked offline after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(engine, 5*time.Second, logger)
//	go monitor.Start(ctx)
//	defer monitor.Stop()
func NewHealthMonitor(engine HeartbeatSender, interval time.Duration, logger hclog.Logger) *HealthMonitor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		engine:      engine,
		logger:      logger,
		interval:    interval,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets a callback invoked, on its own goroutine, when a node
// crosses the failure threshold.
func (h *HealthMonitor) SetOnUnhealthy(callback func(clusterID, nodeID string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetMaxFailures changes how many consecutive missed heartbeats mark a node
// offline. Values below 1 are ignored.
func (h *HealthMonitor) SetMaxFailures(n int) {
	if n < 1 {
		return
	}
	h.mu.Lock()
	h.maxFailures = n
	h.mu.Unlock()
}

// Start runs heartbeat rounds until ctx or the monitor is cancelled. The
// first round runs immediately.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)
	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", "reason", "context cancelled")
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Info("health monitor stopped")
}

// CheckAll runs one heartbeat round over every cluster.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	for _, c := range h.engine.ListClusters() {
		h.checkCluster(ctx, c)
	}
}

func (h *HealthMonitor) checkCluster(ctx context.Context, c consensus.Cluster) {
	results, err := h.engine.SendHeartbeats(ctx, c.ID)
	if err != nil {
		h.logger.Warn("heartbeat round failed", "cluster", c.ID, "error", err)
		return
	}

	answered := 0
	for nodeID, hbErr := range results {
		if hbErr == nil {
			answered++
		}
		h.record(c.ID, nodeID, hbErr)
	}

	if !h.leaderLost(c) {
		return
	}
	if answered < c.QuorumSize {
		h.logger.Debug("leader lost, waiting for quorum", "cluster", c.ID,
			"answered", answered, "quorum", c.QuorumSize)
		return
	}
	r, err := h.engine.TriggerElection(ctx, c.ID, "health-monitor")
	if err != nil {
		h.logger.Error("election failed", "cluster", c.ID, "error", err)
		return
	}
	if r.QuorumReached {
		h.logger.Info("leader replaced", "cluster", c.ID, "leader", r.WinnerID, "term", r.Term)
	}
}

// leaderLost reports whether c has no leader or its leader is no longer
// online. c is the snapshot taken before the heartbeat round, so the leader
// is looked up again.
func (h *HealthMonitor) leaderLost(c consensus.Cluster) bool {
	for _, cur := range h.engine.ListClusters() {
		if cur.ID == c.ID {
			c = cur
			break
		}
	}
	if c.LeaderID == "" {
		return true
	}
	leader, err := h.engine.GetNode(c.LeaderID)
	if err != nil {
		return true
	}
	return leader.Status != consensus.StatusOnline || leader.Role != consensus.RoleLeader
}

// record updates a node's health after one heartbeat and marks it offline
// in the engine once it crosses the failure threshold.
func (h *HealthMonitor) record(clusterID, nodeID string, hbErr error) {
	h.mu.Lock()
	health, exists := h.nodes[nodeID]
	if !exists {
		health = &NodeHealth{
			NodeID:      nodeID,
			ClusterID:   clusterID,
			Status:      StatusUnknown,
			LastHealthy: h.now(),
		}
		h.nodes[nodeID] = health
	}
	health.LastCheck = h.now()

	if hbErr == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", "cluster", clusterID, "node", nodeID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		h.mu.Unlock()
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("heartbeat missed", "cluster", clusterID, "node", nodeID,
		"attempt", health.ConsecutiveFails, "max", h.maxFailures, "error", hbErr)
	if health.ConsecutiveFails < h.maxFailures {
		h.mu.Unlock()
		return
	}
	crossed := health.Status != StatusUnhealthy
	health.Status = StatusUnhealthy
	callback := h.onUnhealthy
	h.mu.Unlock()

	// The heartbeat round left the node unreachable; past the threshold it is offline.
	if err := h.engine.UpdateNodeStatus(nodeID, consensus.StatusOffline); err != nil {
		h.logger.Error("could not mark node offline", "node", nodeID, "error", err)
	}
	if !crossed {
		return
	}
	h.logger.Warn("node marked offline", "cluster", clusterID, "node", nodeID, "failures", health.ConsecutiveFails)
	if callback != nil {
		go callback(clusterID, nodeID)
	}
}

// GetNodeHealth returns a copy of a node's health, or nil if it has never
// been checked.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// GetAllNodeHealth returns copies of every tracked node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		out := *health
		result[id] = &out
	}
	return result
}

// IsHealthy reports whether the node answered its last heartbeat.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
