// Package storage provides the durable side of the consensus engine: a
// consensus.Storage implementation on top of hashicorp/raft's log and stable
// store interfaces.
//
// # Overview
//
// The engine and every peer persist two kinds of state:
//
//   - log entries, appended as they are created or received and truncated
//     when a peer discovers a conflicting suffix
//   - each node's current term and vote, written before a vote is granted
//
// RaftStore maps both onto hashicorp/raft stores so any backend that speaks
// raft.LogStore and raft.StableStore can hold them:
//
//	┌──────────────────────────────┐
//	│   consensus.Engine / Peer    │
//	└──────────────────────────────┘
//	               │ consensus.Storage
//	               ▼
//	┌──────────────────────────────┐
//	│          RaftStore           │
//	├──────────────┬───────────────┤
//	│ LogStore per │  StableStore  │
//	│   cluster    │ term and vote │
//	└──────────────┴───────────────┘
//
// # Layout
//
// Entry i of a cluster is stored as raft.Log index i+1, because raft indices
// start at 1. The Data field holds the JSON-encoded consensus.LogEntry and
// Term mirrors the entry's term.
//
// Node state lives under two stable-store keys:
//
//	node/<id>/term       SetUint64
//	node/<id>/voted_for  Set
//
// # Backends
//
// NewInmemRaftStore uses raft.InmemStore and keeps nothing across restarts.
// It is what the tests run against and what the binaries fall back to when
// no data directory is configured.
//
// OpenBoltRaftStore keeps the same layout in BoltDB files through
// hashicorp/raft-boltdb:
//
//	<dir>/stable.db           node terms and votes
//	<dir>/log-<cluster>.db    one log per cluster, cluster ID path-escaped
//
// Open picks between the two from a directory name, and Close releases
// whatever files were opened. NewRaftStore accepts any other implementation.
//
// # Concurrency
//
// RaftStore guards its per-cluster store table with a mutex. The underlying
// stores are expected to be safe for concurrent use, as raft requires.
package storage
