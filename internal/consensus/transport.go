package consensus

import (
	"context"
	"fmt"
	"sync"
)

// AppendRequest carries log entries from a leader to one follower. An empty
// Entries slice is still a valid request; it only advances LeaderCommit.
type AppendRequest struct {
	ClusterID    string     `json:"cluster_id"`
	LeaderID     string     `json:"leader_id"`
	Entries      []LogEntry `json:"entries"`
	Term         uint64     `json:"term"`
	PrevLogIndex int64      `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	LeaderCommit int64      `json:"leader_commit"`
}

// AppendResponse is a follower's answer to an AppendRequest.
type AppendResponse struct {
	Term       uint64 `json:"term"`
	MatchIndex int64  `json:"match_index"`
	Success    bool   `json:"success"`
}

// VoteRequest asks a node to vote for CandidateID in Term.
type VoteRequest struct {
	ClusterID    string `json:"cluster_id"`
	CandidateID  string `json:"candidate_id"`
	Term         uint64 `json:"term"`
	LastLogIndex int64  `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponse is a node's answer to a VoteRequest.
type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// HeartbeatRequest is a liveness check. LeaderID is empty when the cluster is
// leaderless and the heartbeat only checks reachability.
type HeartbeatRequest struct {
	ClusterID string `json:"cluster_id"`
	LeaderID  string `json:"leader_id,omitempty"`
	Term      uint64 `json:"term"`
}

// HeartbeatResponse acknowledges a HeartbeatRequest.
type HeartbeatResponse struct {
	Term uint64 `json:"term"`
	OK   bool   `json:"ok"`
}

// AppendSender delivers append requests to a named node.
type AppendSender interface {
	SendAppend(ctx context.Context, nodeID string, req AppendRequest) (AppendResponse, error)
}

// VoteSolicitor delivers vote requests to a named node.
type VoteSolicitor interface {
	SendVoteRequest(ctx context.Context, nodeID string, req VoteRequest) (VoteResponse, error)
}

// HeartbeatSender delivers heartbeats to a named node.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, nodeID string, req HeartbeatRequest) (HeartbeatResponse, error)
}

// Transport is everything the engine needs to talk to cluster members.
// Errors, including context deadline errors, mean "no answer yet"; they are
// never treated as a denial.
type Transport interface {
	AppendSender
	VoteSolicitor
	HeartbeatSender
}

// AckTransport acknowledges every request. It stands in for the network when
// the engine runs all members in a single process.
type AckTransport struct{}

func (AckTransport) SendAppend(_ context.Context, _ string, req AppendRequest) (AppendResponse, error) {
	match := req.PrevLogIndex
	if n := len(req.Entries); n > 0 {
		match = req.Entries[n-1].Index
	}
	return AppendResponse{Term: req.Term, Success: true, MatchIndex: match}, nil
}

func (AckTransport) SendVoteRequest(_ context.Context, _ string, req VoteRequest) (VoteResponse, error) {
	return VoteResponse{Term: req.Term, Granted: true}, nil
}

func (AckTransport) SendHeartbeat(_ context.Context, _ string, req HeartbeatRequest) (HeartbeatResponse, error) {
	return HeartbeatResponse{Term: req.Term, OK: true}, nil
}

// MemoryTransport routes requests to Peers living in the same process.
// Requests to an unregistered node fail as unreachable.
type MemoryTransport struct {
	peers map[string]*Peer
	mu    sync.RWMutex
}

// NewMemoryTransport returns an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{peers: make(map[string]*Peer)}
}

// Register makes p reachable under its node ID.
func (t *MemoryTransport) Register(p *Peer) {
	t.mu.Lock()
	t.peers[p.ID()] = p
	t.mu.Unlock()
}

// Unregister makes nodeID unreachable.
func (t *MemoryTransport) Unregister(nodeID string) {
	t.mu.Lock()
	delete(t.peers, nodeID)
	t.mu.Unlock()
}

func (t *MemoryTransport) peer(ctx context.Context, nodeID string) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	p := t.peers[nodeID]
	t.mu.RUnlock()
	if p == nil {
		return nil, fmt.Errorf("node %s unreachable", nodeID)
	}
	return p, nil
}

func (t *MemoryTransport) SendAppend(ctx context.Context, nodeID string, req AppendRequest) (AppendResponse, error) {
	p, err := t.peer(ctx, nodeID)
	if err != nil {
		return AppendResponse{}, err
	}
	return p.HandleAppend(req)
}

func (t *MemoryTransport) SendVoteRequest(ctx context.Context, nodeID string, req VoteRequest) (VoteResponse, error) {
	p, err := t.peer(ctx, nodeID)
	if err != nil {
		return VoteResponse{}, err
	}
	return p.HandleVote(req)
}

func (t *MemoryTransport) SendHeartbeat(ctx context.Context, nodeID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	p, err := t.peer(ctx, nodeID)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return p.HandleHeartbeat(req)
}
