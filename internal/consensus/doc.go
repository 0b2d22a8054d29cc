// Package consensus implements the coordination core of a replicated cluster:
// node membership, leader election, a replicated command log, quorum voting on
// proposals and split-brain diagnostics.
//
// # Overview
//
// An Engine owns any number of clusters. Each cluster lists its members up
// front; members then register with their network address and start out as
// online followers at term 0. From there the engine drives the cluster
// through terms:
//
//	CreateCluster ──▶ RegisterNode ×n ──▶ TriggerElection ──▶ AppendEntry / Propose
//	                                           ▲                     │
//	                                           └── leader lost ◀─────┘
//
// # Terms and Leadership
//
// A cluster's term only moves forward. It advances by exactly one when an
// election wins a quorum of votes, or jumps to a newer term reported by
// another node, in which case the sitting leader steps down. At most one node
// holds the leader role per term.
//
// Elections pick the online voter with the highest commit index, breaking
// ties at random, then ask every other online voter for its vote in the next
// term. Requests that time out or fail count as "no answer", never as a
// denial. Observers replicate the log but never vote or stand.
//
// # Replicated Log
//
// Entries are appended through the leader and numbered from 0. After each
// append the leader sends every online follower the entries it is missing
// and advances the commit index to the highest entry of the current term that
// a quorum holds, the leader included. Earlier entries commit with it, in
// order, so no index is ever skipped. Committed entries are applied
// immediately and recorded in a bounded apply log. The in-memory log is
// bounded too; only applied entries are evicted.
//
// Followers that fell behind are caught up on later rounds by walking their
// next index back until the logs agree, the same way Raft repairs a log.
//
// # Transport and Storage
//
// The engine never opens connections itself. It sends requests through a
// Transport, which may be AckTransport for a single process, MemoryTransport
// for in-process Peers, or an HTTP transport reaching remote peers. Peer is
// the replica side of the same protocol.
//
// A Storage persists log entries and each node's term and vote. Votes are
// persisted before they are granted.
//
// # Concurrency
//
// All operations on one cluster are serialised by that cluster's lock, so
// elections, appends and proposals never interleave. Different clusters
// proceed independently. RPCs inside an operation run concurrently, each
// under its own timeout from Config.
//
// # Usage
//
//	e := consensus.NewEngine(consensus.DefaultConfig(), consensus.WithLogger(logger))
//	c, _ := e.CreateCluster(consensus.ClusterSpec{ID: "orders", Members: []string{"a", "b", "c"}})
//	for _, id := range c.Members {
//	    e.RegisterNode(consensus.NodeSpec{ID: id, ClusterID: c.ID})
//	}
//	e.TriggerElection(ctx, c.ID, "bootstrap")
//	entry, err := e.AppendEntry(ctx, c.ID, []byte(`{"op":"set"}`), consensus.EntryStateUpdate)
package consensus
