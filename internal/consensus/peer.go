package consensus

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Peer is the replica side of the protocol: it answers append, vote and
// heartbeat requests for a single node and keeps that node's own copy of the
// log. Term and vote are persisted before a vote is granted.
type Peer struct {
	storage     Storage
	logger      hclog.Logger
	id          string
	clusterID   string
	leaderID    string
	votedFor    string
	log         []LogEntry
	term        uint64
	commitIndex int64
	mu          sync.Mutex
}

// PeerStatus is a snapshot of a Peer.
type PeerStatus struct {
	ID          string   `json:"id"`
	ClusterID   string   `json:"cluster_id"`
	LeaderID    string   `json:"leader_id,omitempty"`
	VotedFor    string   `json:"voted_for,omitempty"`
	Role        NodeRole `json:"role"`
	Term        uint64   `json:"term"`
	LastIndex   int64    `json:"last_index"`
	CommitIndex int64    `json:"commit_index"`
}

// NewPeer restores a peer's term, vote and log from storage. A nil storage
// keeps everything in memory; a nil logger discards output.
func NewPeer(id, clusterID string, storage Storage, logger hclog.Logger) (*Peer, error) {
	if storage == nil {
		storage = discardStorage{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	term, votedFor, err := storage.LoadNodeState(id)
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", id, err)
	}
	entries, err := storage.Entries(clusterID)
	if err != nil {
		return nil, fmt.Errorf("load log of %s: %w", clusterID, err)
	}
	return &Peer{
		id:          id,
		clusterID:   clusterID,
		storage:     storage,
		logger:      logger,
		term:        term,
		votedFor:    votedFor,
		log:         entries,
		commitIndex: NoIndex,
	}, nil
}

// ID returns the node ID this peer answers for.
func (p *Peer) ID() string { return p.id }

// Status returns a snapshot of the peer's state.
func (p *Peer) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, _ := p.lastLog()
	role := RoleFollower
	if p.leaderID == p.id {
		role = RoleLeader
	}
	return PeerStatus{
		ID:          p.id,
		ClusterID:   p.clusterID,
		LeaderID:    p.leaderID,
		VotedFor:    p.votedFor,
		Role:        role,
		Term:        p.term,
		LastIndex:   last,
		CommitIndex: p.commitIndex,
	}
}

// Entries returns a copy of the peer's log.
func (p *Peer) Entries() []LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LogEntry, len(p.log))
	for i := range p.log {
		out[i] = p.log[i].clone()
	}
	return out
}

// HandleAppend applies an AppendRequest from a leader.
//
// Requests from an older term are refused with the peer's term. A request
// whose PrevLogIndex the peer does not hold, or holds with another term, is
// refused with the peer's last index as a hint. Conflicting suffixes are
// truncated before new entries are appended.
func (p *Peer) HandleAppend(req AppendRequest) (AppendResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Term < p.term {
		last, _ := p.lastLog()
		return AppendResponse{Term: p.term, MatchIndex: last}, nil
	}
	if err := p.adoptTerm(req.Term, req.LeaderID); err != nil {
		return AppendResponse{}, err
	}

	if req.PrevLogIndex != NoIndex {
		if pos := p.position(req.PrevLogIndex); pos < 0 || p.log[pos].Term != req.PrevLogTerm {
			last, _ := p.lastLog()
			if pos >= 0 {
				last = req.PrevLogIndex - 1
			}
			p.logger.Debug("append rejected, log mismatch", "prev_index", req.PrevLogIndex,
				"prev_term", req.PrevLogTerm, "last_index", last)
			return AppendResponse{Term: p.term, MatchIndex: last}, nil
		}
	}

	for _, entry := range req.Entries {
		if pos := p.position(entry.Index); pos >= 0 {
			if p.log[pos].Term == entry.Term {
				continue
			}
			p.logger.Warn("truncating conflicting entries", "from_index", entry.Index)
			if err := p.storage.TruncateSuffix(p.clusterID, entry.Index); err != nil {
				return AppendResponse{}, fmt.Errorf("truncate from %d: %w", entry.Index, err)
			}
			p.log = p.log[:pos]
		}
		if err := p.storage.AppendEntry(p.clusterID, entry); err != nil {
			return AppendResponse{}, fmt.Errorf("persist entry %d: %w", entry.Index, err)
		}
		p.log = append(p.log, entry)
	}

	// Only entries up to match are known to agree with the leader; anything
	// past it may be a stale tail from an older term.
	match := req.PrevLogIndex
	if n := len(req.Entries); n > 0 {
		match = req.Entries[n-1].Index
	}
	if commit := min(req.LeaderCommit, match); commit > p.commitIndex {
		p.commitIndex = commit
	}
	return AppendResponse{Term: p.term, Success: true, MatchIndex: match}, nil
}

// HandleVote answers a VoteRequest. At most one candidate gets the vote per
// term, and only if its log is at least as up to date as the peer's.
func (p *Peer) HandleVote(req VoteRequest) (VoteResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Term < p.term {
		return VoteResponse{Term: p.term}, nil
	}
	if err := p.adoptTerm(req.Term, ""); err != nil {
		return VoteResponse{}, err
	}
	if p.votedFor != "" && p.votedFor != req.CandidateID {
		return VoteResponse{Term: p.term}, nil
	}
	lastIndex, lastTerm := p.lastLog()
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		p.logger.Debug("vote refused, candidate log behind", "candidate", req.CandidateID, "term", req.Term)
		return VoteResponse{Term: p.term}, nil
	}

	if err := p.storage.SaveNodeState(p.id, p.term, req.CandidateID); err != nil {
		return VoteResponse{}, fmt.Errorf("persist vote: %w", err)
	}
	p.votedFor = req.CandidateID
	p.logger.Info("vote granted", "candidate", req.CandidateID, "term", p.term)
	return VoteResponse{Term: p.term, Granted: true}, nil
}

// HandleHeartbeat answers a heartbeat. A heartbeat without a leader only reports
// the peer's term.
func (p *Peer) HandleHeartbeat(req HeartbeatRequest) (HeartbeatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.LeaderID == "" || req.Term < p.term {
		return HeartbeatResponse{Term: p.term, OK: true}, nil
	}
	if err := p.adoptTerm(req.Term, req.LeaderID); err != nil {
		return HeartbeatResponse{}, err
	}
	return HeartbeatResponse{Term: p.term, OK: true}, nil
}

// adoptTerm moves the peer to term if it is newer, clearing its vote, and
// records leaderID when given. Callers hold p.mu.
func (p *Peer) adoptTerm(term uint64, leaderID string) error {
	if term > p.term {
		if err := p.storage.SaveNodeState(p.id, term, ""); err != nil {
			return fmt.Errorf("persist term %d: %w", term, err)
		}
		p.logger.Info("term advanced", "from", p.term, "to", term, "leader", leaderID)
		p.term = term
		p.votedFor = ""
		p.leaderID = ""
	}
	if leaderID != "" {
		p.leaderID = leaderID
	}
	return nil
}

func (p *Peer) lastLog() (int64, uint64) {
	if n := len(p.log); n > 0 {
		return p.log[n-1].Index, p.log[n-1].Term
	}
	return NoIndex, 0
}

// position returns the slice position of index, or -1.
func (p *Peer) position(index int64) int {
	if len(p.log) == 0 {
		return -1
	}
	pos := index - p.log[0].Index
	if pos < 0 || pos >= int64(len(p.log)) {
		return -1
	}
	return int(pos)
}
