package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// candidate orders nodes for leadership: higher commit index wins outright,
// the random tiebreak only separates equal commit indices.
type candidate struct {
	node     *Node
	tiebreak uint64
}

func (c candidate) outranks(o candidate) bool {
	if c.node.CommitIndex != o.node.CommitIndex {
		return c.node.CommitIndex > o.node.CommitIndex
	}
	return c.tiebreak > o.tiebreak
}

// TriggerElection runs one election in clusterID.
//
// If fewer online voters than the quorum exist, the attempt is recorded with
// QuorumReached false and the term is left alone; this is not an error. Otherwise
// the online voter with the highest commit index is chosen, votes for the next
// term are solicited from the other online voters, and on a quorum of grants
// the term advances, the winner becomes leader and every other member a
// follower that voted for it. A leader that inherits uncommitted entries
// appends a leader change entry and replicates it at once.
func (e *Engine) TriggerElection(ctx context.Context, clusterID, triggeredBy string) (ElectionResult, error) {
	start := e.now()
	cs, err := e.state(clusterID)
	if err != nil {
		return ElectionResult{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c := cs.cluster
	result := ElectionResult{
		ID:          uuid.NewString(),
		ClusterID:   c.ID,
		TriggeredBy: triggeredBy,
		Term:        c.CurrentTerm,
		TotalVoters: cs.voterCount(),
	}

	var online []candidate
	for _, n := range cs.members() {
		if n.votes() && n.Status == StatusOnline {
			online = append(online, candidate{node: n, tiebreak: e.tiebreak()})
		}
	}
	if len(online) < c.QuorumSize {
		e.logger.Warn("election skipped, quorum unavailable", "cluster", c.ID,
			"online", len(online), "quorum", c.QuorumSize, "term", c.CurrentTerm)
		return e.recordElection(cs, result, start), nil
	}

	best := online[0]
	for _, cand := range online[1:] {
		if cand.outranks(best) {
			best = cand
		}
	}
	winner := best.node
	term := c.CurrentTerm + 1

	winner.Role = RoleCandidate
	granted, higher := e.solicitVotes(ctx, cs, winner, online, term)
	result.VotesReceived = granted

	if higher > term || granted < c.QuorumSize {
		e.logger.Warn("election lost", "cluster", c.ID, "candidate", winner.ID,
			"term", term, "granted", granted, "quorum", c.QuorumSize, "higher_term", higher)
		winner.Role = RoleFollower
		if c.LeaderID == winner.ID {
			c.LeaderID = ""
		}
		if higher >= term {
			// Voters already moved to this term or beyond; the next attempt starts above it.
			e.observeTerm(cs, "", higher)
		}
		result.Term = c.CurrentTerm
		return e.recordElection(cs, result, start), nil
	}

	members := cs.members()
	for _, n := range members {
		votedFor := winner.ID
		if !n.votes() {
			votedFor = n.VotedFor
		}
		if err := e.storage.SaveNodeState(n.ID, term, votedFor); err != nil {
			return ElectionResult{}, fmt.Errorf("persist state of node %s: %w", n.ID, err)
		}
	}

	c.CurrentTerm = term
	for _, n := range members {
		if n == winner {
			continue
		}
		votedFor := winner.ID
		if !n.votes() {
			votedFor = n.VotedFor
		}
		n.becomeFollower(term, votedFor)
	}
	winner.Role = RoleLeader
	winner.Term = term
	winner.VotedFor = winner.ID
	winner.NextIndex = make(map[string]int64, len(members)-1)
	winner.MatchIndex = make(map[string]int64, len(members)-1)
	for _, n := range members {
		if n == winner {
			continue
		}
		winner.MatchIndex[n.ID] = n.CommitIndex
		winner.NextIndex[n.ID] = n.CommitIndex + 1
	}

	now := e.now()
	c.LeaderID = winner.ID
	c.LastElectionAt = &now
	result.Term = term
	result.WinnerID = winner.ID
	result.QuorumReached = true

	e.logger.Info("leader elected", "cluster", c.ID, "leader", winner.ID, "term", term,
		"votes", granted, "voters", result.TotalVoters, "triggered_by", triggeredBy)

	// Entries of earlier terms only commit behind an entry of the current
	// term, so a leader inheriting uncommitted entries opens its term with a
	// leader change entry.
	if last, _ := cs.lastLog(); last > winner.CommitIndex {
		if _, err := e.appendLocked(ctx, cs, nil, EntryLeaderChange); err != nil {
			e.logger.Error("leader change entry not appended", "cluster", c.ID, "leader", winner.ID,
				"term", term, "error", err)
		}
	}
	return e.recordElection(cs, result, start), nil
}

// solicitVotes asks every online voter except the candidate for a vote in
// term, concurrently. The candidate's own vote is included in granted. higher
// is the largest term carried by a denial, 0 if none. Callers hold cs.mu.
func (e *Engine) solicitVotes(ctx context.Context, cs *clusterState, cand *Node, online []candidate, term uint64) (granted int, higher uint64) {
	lastIndex, lastTerm := cs.lastLog()
	req := VoteRequest{
		ClusterID:    cs.cluster.ID,
		CandidateID:  cand.ID,
		Term:         term,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	type reply struct {
		err  error
		node string
		resp VoteResponse
	}
	replies := make(chan reply, len(online))
	var wg sync.WaitGroup
	for _, o := range online {
		if o.node == cand {
			continue
		}
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, e.cfg.VoteTimeout)
			defer cancel()
			resp, err := e.transport.SendVoteRequest(rctx, nodeID, req)
			replies <- reply{node: nodeID, resp: resp, err: err}
		}(o.node.ID)
	}
	wg.Wait()
	close(replies)

	granted = 1
	for r := range replies {
		switch {
		case r.err != nil:
			e.logger.Debug("vote request unanswered", "cluster", cs.cluster.ID, "node", r.node, "error", r.err)
		case r.resp.Granted:
			granted++
		case r.resp.Term > higher:
			higher = r.resp.Term
		}
	}
	return granted, higher
}

// recordElection stamps the duration and timestamp, appends the result to the
// bounded history and returns it. Callers hold cs.mu.
func (e *Engine) recordElection(cs *clusterState, r ElectionResult, start time.Time) ElectionResult {
	r.Timestamp = e.now()
	r.Duration = r.Timestamp.Sub(start)
	cs.elections = append(cs.elections, r)
	if over := len(cs.elections) - e.cfg.MaxElectionHistory; over > 0 {
		cs.elections = append([]ElectionResult(nil), cs.elections[over:]...)
	}
	return r
}

// ElectionHistory returns the recorded election attempts, oldest first.
func (e *Engine) ElectionHistory(clusterID string) ([]ElectionResult, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]ElectionResult(nil), cs.elections...), nil
}

// voterCount is the number of members that may vote: every listed member
// except registered observers. Callers hold cs.mu.
func (cs *clusterState) voterCount() int {
	count := 0
	for _, id := range cs.cluster.Members {
		if n := cs.nodes[id]; n != nil && !n.votes() {
			continue
		}
		count++
	}
	return count
}
