// Package coordinator keeps consensusd's view of its clusters current by
// heartbeating every member and repairing leadership when the heartbeats show
// it is gone.
//
// # Overview
//
// The consensus engine only learns about node health when something asks.
// HealthMonitor asks on a fixed interval:
//
//	┌──────────────────────────────────────┐
//	│            HealthMonitor             │
//	├──────────────────────────────────────┤
//	│  every interval, per cluster:        │
//	│   1. SendHeartbeats                  │
//	│   2. count misses per node           │
//	│   3. mark offline past maxFailures   │
//	│   4. elect if the leader is gone     │
//	└──────────────────┬───────────────────┘
//	                   │ HeartbeatSender
//	           ┌───────▼────────┐
//	           │ consensus.Engine│
//	           └────────────────┘
//
// # Failure Detection
//
// A single missed heartbeat leaves a node unreachable in the engine, which
// already keeps it out of elections and makes an unreachable leader inactive.
// After maxFailures (3 by default) consecutive misses the monitor marks the
// node offline and calls the OnUnhealthy callback once. The first heartbeat
// that gets an answer brings the node back online and resets the count.
//
// # Leader Replacement
//
// After each round the monitor re-reads the cluster. If it has no leader, or
// its leader is not online in the leader role, and at least QuorumSize members
// answered, it triggers an election with triggeredBy "health-monitor". With
// fewer answers it waits for the next round instead of recording a failed
// election every interval.
//
// # Configuration
//
//	interval:    set by NewHealthMonitor (HEARTBEAT_INTERVAL in consensusd)
//	maxFailures: 3, changed with SetMaxFailures
//
// # Usage Example
//
//	monitor := coordinator.NewHealthMonitor(engine, 2*time.Second, logger.Named("health"))
//	monitor.SetOnUnhealthy(func(clusterID, nodeID string) {
//	    logger.Warn("node lost", "cluster", clusterID, "node", nodeID)
//	})
//	go monitor.Start(ctx)
//	defer monitor.Stop()
//
// # See Also
//
//   - internal/consensus: the engine being monitored
//   - internal/cluster: the HTTP transport heartbeats travel over
//   - cmd/consensusd: wires the monitor to the engine
package coordinator
