package consensus

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Propose puts command to a single-round vote among the cluster's voters.
//
// A member grants its vote when it is online and its term is not ahead of
// the proposal's. With a quorum of grants the proposal is accepted and the
// command appended to the log; it is committed when that append commits.
// Otherwise it is rejected. Proposals in one cluster are serialised by the
// cluster lock, so two proposers never interleave.
func (e *Engine) Propose(ctx context.Context, clusterID string, command []byte, proposerNodeID string) (Proposal, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return Proposal{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.nodes[proposerNodeID] == nil {
		return Proposal{}, fmt.Errorf("%w: proposer %s in cluster %s", ErrNodeNotFound, proposerNodeID, clusterID)
	}
	if cs.leader() == nil {
		return Proposal{}, fmt.Errorf("%w: cluster %s", ErrNoLeader, clusterID)
	}

	c := cs.cluster
	p := &Proposal{
		ID:             uuid.NewString(),
		ClusterID:      c.ID,
		ProposerNodeID: proposerNodeID,
		Command:        append([]byte(nil), command...),
		Term:           c.CurrentTerm,
		LogIndex:       cs.nextIndex,
		Votes:          make(map[string]VoteState, len(c.Members)),
		Status:         ProposalPending,
		QuorumRequired: c.QuorumSize,
		CreatedAt:      e.now(),
	}
	for _, id := range c.Members {
		n := cs.nodes[id]
		if n != nil && !n.votes() {
			continue
		}
		p.Votes[id] = VotePending
	}

	for id := range p.Votes {
		n := cs.nodes[id]
		if n != nil && n.Status == StatusOnline && n.Term <= p.Term {
			p.Votes[id] = VoteGranted
			p.VotesGranted++
		} else {
			p.Votes[id] = VoteDenied
		}
	}

	if p.VotesGranted >= p.QuorumRequired {
		p.Status = ProposalAccepted
		entry, err := e.appendLocked(ctx, cs, command, EntryStateUpdate)
		if err != nil {
			return Proposal{}, fmt.Errorf("append accepted proposal %s: %w", p.ID, err)
		}
		p.LogIndex = entry.Index
		if entry.Committed() {
			p.Status = ProposalCommitted
		}
	} else {
		p.Status = ProposalRejected
	}

	cs.proposals = append(cs.proposals, p.ID)
	over := len(cs.proposals) - e.cfg.MaxProposals
	e.mu.Lock()
	e.proposals[p.ID] = p
	for _, id := range cs.proposals[:max(over, 0)] {
		delete(e.proposals, id)
	}
	e.mu.Unlock()
	if over > 0 {
		cs.proposals = append([]string(nil), cs.proposals[over:]...)
	}

	e.logger.Info("proposal decided", "cluster", c.ID, "proposal", p.ID, "proposer", proposerNodeID,
		"status", p.Status, "granted", p.VotesGranted, "quorum", p.QuorumRequired)
	return p.clone(), nil
}

// GetProposal returns a copy of a recorded proposal.
func (e *Engine) GetProposal(id string) (Proposal, error) {
	e.mu.RLock()
	p := e.proposals[id]
	e.mu.RUnlock()
	if p == nil {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	cs, err := e.state(p.ClusterID)
	if err != nil {
		return Proposal{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	e.refreshProposal(cs, p)
	return p.clone(), nil
}

// Proposals returns the proposals made in clusterID, oldest first.
func (e *Engine) Proposals(clusterID string) ([]Proposal, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]Proposal, 0, len(cs.proposals))
	for _, id := range cs.proposals {
		e.mu.RLock()
		p := e.proposals[id]
		e.mu.RUnlock()
		if p == nil {
			continue
		}
		e.refreshProposal(cs, p)
		out = append(out, p.clone())
	}
	return out, nil
}

// refreshProposal promotes an accepted proposal to committed once its entry
// committed in a later replication round. Callers hold cs.mu.
func (e *Engine) refreshProposal(cs *clusterState, p *Proposal) {
	if p.Status != ProposalAccepted {
		return
	}
	if p.LogIndex <= cs.compactedIndex {
		// Only applied entries are evicted.
		p.Status = ProposalCommitted
		return
	}
	if entry := cs.entry(p.LogIndex); entry != nil && entry.Committed() {
		p.Status = ProposalCommitted
	}
}
