package consensus

import (
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/exp/slices"
)

// NoIndex marks an empty commit, apply or match index. Log indices start at 0.
const NoIndex int64 = -1

// NodeRole is the part a node currently plays in its cluster.
type NodeRole string

const (
	RoleLeader    NodeRole = "leader"
	RoleFollower  NodeRole = "follower"
	RoleCandidate NodeRole = "candidate"
	// RoleObserver nodes receive replication but never vote or stand for election.
	RoleObserver NodeRole = "observer"
)

// NodeStatus is the reachability of a node as last observed.
type NodeStatus string

const (
	StatusOnline      NodeStatus = "online"
	StatusOffline     NodeStatus = "offline"
	StatusUnreachable NodeStatus = "unreachable"
	StatusPartitioned NodeStatus = "partitioned"
)

// Valid reports whether s is one of the known statuses.
func (s NodeStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusUnreachable, StatusPartitioned:
		return true
	}
	return false
}

// Protocol names the agreement protocol a cluster is configured for. It only
// affects the default quorum size.
type Protocol string

const (
	ProtocolRaft       Protocol = "raft"
	ProtocolPaxos      Protocol = "paxos"
	ProtocolPBFT       Protocol = "pbft"
	ProtocolMultiPaxos Protocol = "multi_paxos"
)

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolRaft, ProtocolPaxos, ProtocolPBFT, ProtocolMultiPaxos:
		return true
	}
	return false
}

// DefaultQuorum returns the quorum size for n members under protocol p:
// a simple majority, or floor(2n/3)+1 for pbft.
func DefaultQuorum(p Protocol, n int) int {
	if n <= 0 {
		return 0
	}
	if p == ProtocolPBFT {
		return (2*n)/3 + 1
	}
	return n/2 + 1
}

// EntryType classifies a log entry.
type EntryType string

const (
	EntryConfigChange EntryType = "config_change"
	EntryStateUpdate  EntryType = "state_update"
	EntryMemberAdd    EntryType = "member_add"
	EntryMemberRemove EntryType = "member_remove"
	EntryLeaderChange EntryType = "leader_change"
	EntrySnapshot     EntryType = "snapshot"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryConfigChange, EntryStateUpdate, EntryMemberAdd, EntryMemberRemove, EntryLeaderChange, EntrySnapshot:
		return true
	}
	return false
}

// Node is the engine's view of one cluster member.
type Node struct {
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
	RegisteredAt    time.Time        `json:"registered_at"`
	NextIndex       map[string]int64 `json:"next_index,omitempty"`
	MatchIndex      map[string]int64 `json:"match_index,omitempty"`
	ID              string           `json:"id"`
	ClusterID       string           `json:"cluster_id"`
	Address         string           `json:"address"`
	Region          string           `json:"region,omitempty"`
	Role            NodeRole         `json:"role"`
	Status          NodeStatus       `json:"status"`
	VotedFor        string           `json:"voted_for,omitempty"`
	Term            uint64           `json:"term"`
	CommitIndex     int64            `json:"commit_index"`
	LastApplied     int64            `json:"last_applied"`
}

func (n *Node) clone() Node {
	c := *n
	c.NextIndex = cloneIndexMap(n.NextIndex)
	c.MatchIndex = cloneIndexMap(n.MatchIndex)
	return c
}

func (n *Node) votes() bool {
	return n.Role != RoleObserver
}

// becomeFollower reverts n to follower at term. Leader-only state is dropped.
func (n *Node) becomeFollower(term uint64, votedFor string) {
	if n.Role != RoleObserver {
		n.Role = RoleFollower
	}
	n.Term = term
	n.VotedFor = votedFor
	n.NextIndex = map[string]int64{}
	n.MatchIndex = map[string]int64{}
}

func cloneIndexMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Cluster is a named group of nodes that elects one leader per term.
type Cluster struct {
	CreatedAt          time.Time  `json:"created_at"`
	LastElectionAt     *time.Time `json:"last_election_at,omitempty"`
	ID                 string     `json:"id"`
	Protocol           Protocol   `json:"protocol"`
	LeaderID           string     `json:"leader_id,omitempty"`
	Members            []string   `json:"members"`
	CurrentTerm        uint64     `json:"current_term"`
	QuorumSize         int        `json:"quorum_size"`
	ReplicationFactor  int        `json:"replication_factor"`
	SplitBrainDetected bool       `json:"split_brain_detected"`
}

func (c *Cluster) clone() Cluster {
	out := *c
	out.Members = slices.Clone(c.Members)
	if c.LastElectionAt != nil {
		t := *c.LastElectionAt
		out.LastElectionAt = &t
	}
	return out
}

// LogEntry is one command in a cluster's replicated log.
type LogEntry struct {
	CreatedAt   time.Time  `json:"created_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
	Type        EntryType  `json:"type"`
	Checksum    string     `json:"checksum"`
	Command     []byte     `json:"command"`
	Index       int64      `json:"index"`
	Term        uint64     `json:"term"`
}

// Committed reports whether the entry reached quorum.
func (e *LogEntry) Committed() bool { return e.CommittedAt != nil }

func (e *LogEntry) clone() LogEntry {
	c := *e
	c.Command = slices.Clone(e.Command)
	if e.CommittedAt != nil {
		t := *e.CommittedAt
		c.CommittedAt = &t
	}
	if e.AppliedAt != nil {
		t := *e.AppliedAt
		c.AppliedAt = &t
	}
	return c
}

// Checksum returns the FNV-1a 64-bit digest of command as hex.
func Checksum(command []byte) string {
	h := fnv.New64a()
	h.Write(command)
	return fmt.Sprintf("%016x", h.Sum64())
}

// AppliedCommand records a committed entry handed to the state machine.
type AppliedCommand struct {
	AppliedAt time.Time `json:"applied_at"`
	Type      EntryType `json:"type"`
	Command   []byte    `json:"command"`
	Index     int64     `json:"index"`
	Term      uint64    `json:"term"`
}

// VoteState is a single member's answer to a proposal.
type VoteState string

const (
	VoteGranted VoteState = "granted"
	VoteDenied  VoteState = "denied"
	VotePending VoteState = "pending"
)

// ProposalStatus is where a proposal is in its lifecycle.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalCommitted ProposalStatus = "committed"
)

// Proposal is a one-shot quorum vote on a command.
type Proposal struct {
	CreatedAt      time.Time            `json:"created_at"`
	Votes          map[string]VoteState `json:"votes"`
	ID             string               `json:"id"`
	ClusterID      string               `json:"cluster_id"`
	ProposerNodeID string               `json:"proposer_node_id"`
	Status         ProposalStatus       `json:"status"`
	Command        []byte               `json:"command"`
	Term           uint64               `json:"term"`
	LogIndex       int64                `json:"log_index"`
	QuorumRequired int                  `json:"quorum_required"`
	VotesGranted   int                  `json:"votes_granted"`
}

func (p *Proposal) clone() Proposal {
	c := *p
	c.Command = slices.Clone(p.Command)
	c.Votes = make(map[string]VoteState, len(p.Votes))
	for k, v := range p.Votes {
		c.Votes[k] = v
	}
	return c
}

// ElectionResult is the immutable record of one election attempt.
type ElectionResult struct {
	Timestamp     time.Time     `json:"timestamp"`
	ID            string        `json:"id"`
	ClusterID     string        `json:"cluster_id"`
	WinnerID      string        `json:"winner_id"`
	TriggeredBy   string        `json:"triggered_by"`
	Term          uint64        `json:"term"`
	Duration      time.Duration `json:"duration"`
	VotesReceived int           `json:"votes_received"`
	TotalVoters   int           `json:"total_voters"`
	QuorumReached bool          `json:"quorum_reached"`
}
