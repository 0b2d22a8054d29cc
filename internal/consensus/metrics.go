package consensus

import "time"

// ClusterMetrics is a point-in-time summary of one cluster.
type ClusterMetrics struct {
	LastElectionAt     *time.Time `json:"last_election_at,omitempty"`
	ClusterID          string     `json:"cluster_id"`
	Protocol           Protocol   `json:"protocol"`
	LeaderID           string     `json:"leader_id,omitempty"`
	CurrentTerm        uint64     `json:"current_term"`
	CommitIndex        int64      `json:"commit_index"`
	TotalNodes         int        `json:"total_nodes"`
	OnlineNodes        int        `json:"online_nodes"`
	QuorumSize         int        `json:"quorum_size"`
	QuorumHealth       float64    `json:"quorum_health"`
	TotalEntries       int        `json:"total_entries"`
	CommittedEntries   int        `json:"committed_entries"`
	PendingEntries     int        `json:"pending_entries"`
	AppliedCommands    int        `json:"applied_commands"`
	Elections          int        `json:"elections"`
	Proposals          int        `json:"proposals"`
	HasQuorum          bool       `json:"has_quorum"`
	SplitBrainDetected bool       `json:"split_brain_detected"`
}

// ReplicationStatus describes how far one member trails the leader.
type ReplicationStatus struct {
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	NodeID          string     `json:"node_id"`
	Role            NodeRole   `json:"role"`
	Status          NodeStatus `json:"status"`
	Term            uint64     `json:"term"`
	CommitIndex     int64      `json:"commit_index"`
	LastApplied     int64      `json:"last_applied"`
	MatchIndex      int64      `json:"match_index"`
	NextIndex       int64      `json:"next_index"`
	// Lag is the leader's commit index minus this node's, 0 without a leader.
	Lag int64 `json:"lag"`
}

// GetClusterMetrics aggregates counts for clusterID. It does not change state.
// TotalNodes counts listed members, registered or not.
func (e *Engine) GetClusterMetrics(clusterID string) (ClusterMetrics, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return ClusterMetrics{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c := cs.cluster
	m := ClusterMetrics{
		ClusterID:          c.ID,
		Protocol:           c.Protocol,
		LeaderID:           c.LeaderID,
		CurrentTerm:        c.CurrentTerm,
		CommitIndex:        NoIndex,
		TotalNodes:         len(c.Members),
		QuorumSize:         c.QuorumSize,
		TotalEntries:       int(cs.nextIndex),
		AppliedCommands:    len(cs.applied),
		Elections:          len(cs.elections),
		Proposals:          len(cs.proposals),
		SplitBrainDetected: c.SplitBrainDetected,
	}
	if c.LastElectionAt != nil {
		t := *c.LastElectionAt
		m.LastElectionAt = &t
	}
	if l := cs.nodes[c.LeaderID]; l != nil {
		m.CommitIndex = l.CommitIndex
	}

	onlineVoters := 0
	for _, n := range cs.members() {
		if n.Status != StatusOnline {
			continue
		}
		m.OnlineNodes++
		if n.votes() {
			onlineVoters++
		}
	}
	if m.TotalNodes > 0 {
		m.QuorumHealth = float64(m.OnlineNodes) / float64(m.TotalNodes)
	}
	m.HasQuorum = onlineVoters >= c.QuorumSize

	// Evicted entries were all applied, hence committed.
	m.CommittedEntries = int(cs.compactedIndex + 1)
	for _, entry := range cs.log {
		if entry.Committed() {
			m.CommittedEntries++
		} else {
			m.PendingEntries++
		}
	}
	return m, nil
}

// GetReplicationStatus reports every registered member's replication
// position, in membership order. It does not change state.
func (e *Engine) GetReplicationStatus(clusterID string) ([]ReplicationStatus, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	leader := cs.nodes[cs.cluster.LeaderID]
	members := cs.members()
	out := make([]ReplicationStatus, 0, len(members))
	for _, n := range members {
		s := ReplicationStatus{
			NodeID:          n.ID,
			Role:            n.Role,
			Status:          n.Status,
			Term:            n.Term,
			CommitIndex:     n.CommitIndex,
			LastApplied:     n.LastApplied,
			MatchIndex:      n.CommitIndex,
			NextIndex:       n.CommitIndex + 1,
			LastHeartbeatAt: n.LastHeartbeatAt,
		}
		if leader != nil {
			s.Lag = leader.CommitIndex - n.CommitIndex
			if n == leader {
				s.MatchIndex, _ = cs.lastLog()
				s.NextIndex = s.MatchIndex + 1
			} else {
				if match, ok := leader.MatchIndex[n.ID]; ok {
					s.MatchIndex = match
				}
				if next, ok := leader.NextIndex[n.ID]; ok {
					s.NextIndex = next
				}
			}
		}
		out = append(out, s)
	}
	return out, nil
}
