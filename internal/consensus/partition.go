package consensus

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

// SplitBrainReport is the outcome of DetectSplitBrain.
type SplitBrainReport struct {
	// Groups maps each vote target to the online voters that voted for it.
	Groups    map[string][]string `json:"groups"`
	ClusterID string              `json:"cluster_id"`
	// QuorumGroups lists the vote targets whose group reaches quorum.
	QuorumGroups []string `json:"quorum_groups"`
	Detected     bool     `json:"detected"`
}

// DetectSplitBrain groups the cluster's online voters by VotedFor and flags
// the cluster when more than one group independently reaches quorum. That can
// only happen if stale or conflicting vote state already broke the one
// leader per term rule, so this is a diagnostic, not a safeguard. The
// cluster's SplitBrainDetected flag is set to the result.
func (e *Engine) DetectSplitBrain(clusterID string) (SplitBrainReport, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return SplitBrainReport{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	report := SplitBrainReport{ClusterID: clusterID, Groups: map[string][]string{}}
	for _, n := range cs.members() {
		if !n.votes() || n.Status != StatusOnline || n.VotedFor == "" {
			continue
		}
		report.Groups[n.VotedFor] = append(report.Groups[n.VotedFor], n.ID)
	}
	for target, group := range report.Groups {
		if len(group) >= cs.cluster.QuorumSize {
			report.QuorumGroups = append(report.QuorumGroups, target)
		}
	}
	slices.Sort(report.QuorumGroups)
	report.Detected = len(report.QuorumGroups) > 1

	if report.Detected && !cs.cluster.SplitBrainDetected {
		e.logger.Error("split brain detected", "cluster", clusterID, "groups", report.QuorumGroups)
	}
	cs.cluster.SplitBrainDetected = report.Detected
	return report, nil
}

// SendHeartbeats sends a heartbeat to every registered member of clusterID,
// the leader included. A reply marks the node online, refreshing LastHeartbeatAt; a
// failure marks it unreachable, so an unreachable leader no longer counts as
// active. The returned map holds the failure per node ID, nil on success. A
// reply carrying a newer term makes the leader step down.
func (e *Engine) SendHeartbeats(ctx context.Context, clusterID string) (map[string]error, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c := cs.cluster
	req := HeartbeatRequest{ClusterID: c.ID, Term: c.CurrentTerm}
	if l := cs.leader(); l != nil {
		req.LeaderID = l.ID
	}

	type reply struct {
		err  error
		node *Node
		resp HeartbeatResponse
	}
	members := cs.members()
	replies := make(chan reply, len(members))
	var wg sync.WaitGroup
	for _, n := range members {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, e.cfg.HeartbeatTimeout)
			defer cancel()
			resp, err := e.transport.SendHeartbeat(rctx, n.ID, req)
			replies <- reply{node: n, resp: resp, err: err}
		}(n)
	}
	wg.Wait()
	close(replies)

	results := make(map[string]error, len(members))
	for r := range replies {
		results[r.node.ID] = r.err
		if r.err != nil {
			e.setStatus(cs, r.node, StatusUnreachable)
			continue
		}
		e.setStatus(cs, r.node, StatusOnline)
		if req.LeaderID != "" {
			e.observeTerm(cs, r.node.ID, r.resp.Term)
		}
	}
	return results, nil
}
