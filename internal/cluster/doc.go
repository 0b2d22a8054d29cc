// Package cluster carries the consensus protocol over HTTP: a
// consensus.Transport that posts JSON to peers, and the handler peers use to
// answer it.
//
// # Overview
//
// The consensus engine runs inside consensusd and never opens sockets
// itself. HTTPTransport turns its append, vote and heartbeat requests into
// HTTP calls against the address each node registered with, and
// NewPeerHandler exposes a consensus.Peer on the other end:
//
//	              ┌──────────────────┐
//	              │    consensusd    │
//	              │  Engine          │
//	              │  HTTPTransport   │
//	              └────────┬─────────┘
//	                       │ POST /raft/{append,vote,heartbeat}
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│  peer a   │    │  peer b   │    │  peer c   │
//	│ Peer      │    │ Peer      │    │ Peer      │
//	│ RaftStore │    │ RaftStore │    │ RaftStore │
//	└───────────┘    └───────────┘    └───────────┘
//
// # Routes
//
// A peer serves:
//
//	POST /raft/append     consensus.AppendRequest    -> AppendResponse
//	POST /raft/vote       consensus.VoteRequest      -> VoteResponse
//	POST /raft/heartbeat  consensus.HeartbeatRequest -> HeartbeatResponse
//	GET  /health          200 while the process is up
//	GET  /info            consensus.PeerStatus
//
// A malformed body gets 400. A peer that cannot persist its term, vote or
// log answers 500, which the engine treats like any other missing reply.
//
// # Failure Semantics
//
// Every transport failure is returned as an error: unknown address,
// connection refused, context deadline, or a non-2xx status (as
// *StatusError). The engine never reads an error as a denial, so a slow or
// partitioned peer only delays commitment and never moves a term.
//
// # Helpers
//
// PostJSON and GetJSON are the small JSON-over-HTTP helpers used by the
// transport and by cmd/peer to register with consensusd. They share one
// client with a 5s timeout; per-call deadlines come from the context.
package cluster
