package consensus

import (
	"context"
	"fmt"
	"sync"
)

// AppendEntry appends command to the cluster log through the current leader
// and runs one replication round.
//
// The returned entry carries CommittedAt and AppliedAt when a quorum
// acknowledged it during this call. Followers that did not answer are not
// retried; the entry stays uncommitted until a later AppendEntry or Replicate
// gathers enough acknowledgements. Replication failures are never returned as
// errors; they show up as replication lag.
func (e *Engine) AppendEntry(ctx context.Context, clusterID string, command []byte, typ EntryType) (LogEntry, error) {
	if typ == "" {
		typ = EntryStateUpdate
	}
	if !typ.Valid() {
		return LogEntry{}, fmt.Errorf("%w: unknown entry type %q", ErrInvalidOperation, typ)
	}
	cs, err := e.state(clusterID)
	if err != nil {
		return LogEntry{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, err := e.appendLocked(ctx, cs, command, typ)
	if err != nil {
		return LogEntry{}, err
	}
	return entry.clone(), nil
}

// appendLocked is AppendEntry for callers already holding cs.mu.
func (e *Engine) appendLocked(ctx context.Context, cs *clusterState, command []byte, typ EntryType) (*LogEntry, error) {
	leader := cs.leader()
	if leader == nil {
		return nil, fmt.Errorf("%w: cluster %s", ErrNoLeader, cs.cluster.ID)
	}

	entry := &LogEntry{
		Index:     cs.nextIndex,
		Term:      cs.cluster.CurrentTerm,
		Type:      typ,
		Command:   append([]byte(nil), command...),
		Checksum:  Checksum(command),
		CreatedAt: e.now(),
	}
	if err := e.storage.AppendEntry(cs.cluster.ID, *entry); err != nil {
		return nil, fmt.Errorf("persist entry %d: %w", entry.Index, err)
	}
	cs.log = append(cs.log, entry)
	cs.nextIndex++

	e.logger.Debug("entry appended", "cluster", cs.cluster.ID, "index", entry.Index,
		"term", entry.Term, "type", typ)

	e.replicate(ctx, cs, leader)
	e.evict(cs)
	return entry, nil
}

// Replicate runs one replication round for clusterID, sending every follower
// the entries it is missing. It returns how many entries became committed.
func (e *Engine) Replicate(ctx context.Context, clusterID string) (int, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return 0, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	leader := cs.leader()
	if leader == nil {
		return 0, fmt.Errorf("%w: cluster %s", ErrNoLeader, clusterID)
	}
	committed := e.replicate(ctx, cs, leader)
	e.evict(cs)
	return committed, nil
}

type appendReply struct {
	err      error
	node     *Node
	resp     AppendResponse
	sentLast int64
	sentNext int64
}

// replicate sends each online follower the entries from its next index to the
// end of the log, concurrently, then advances the commit index. It returns
// the number of newly committed entries. Callers hold cs.mu.
func (e *Engine) replicate(ctx context.Context, cs *clusterState, leader *Node) int {
	c := cs.cluster
	lastIndex, _ := cs.lastLog()
	first := cs.firstIndex()

	replies := make(chan appendReply, len(c.Members))
	var wg sync.WaitGroup
	for _, f := range cs.members() {
		if f == leader || f.Status != StatusOnline {
			continue
		}
		next, ok := leader.NextIndex[f.ID]
		if !ok {
			next = f.CommitIndex + 1
		}
		if next < first {
			e.logger.Warn("follower is behind the compacted log", "cluster", c.ID, "node", f.ID,
				"next_index", next, "first_index", first)
			next = first
		}
		if next > lastIndex+1 {
			next = lastIndex + 1
		}
		req := AppendRequest{
			ClusterID:    c.ID,
			LeaderID:     leader.ID,
			Term:         c.CurrentTerm,
			PrevLogIndex: next - 1,
			PrevLogTerm:  cs.termAt(next - 1),
			Entries:      cs.slice(next, lastIndex),
			LeaderCommit: leader.CommitIndex,
		}

		wg.Add(1)
		go func(f *Node, req AppendRequest, next int64) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, e.cfg.ReplicationTimeout)
			defer cancel()
			resp, err := e.transport.SendAppend(rctx, f.ID, req)
			replies <- appendReply{node: f, resp: resp, err: err, sentNext: next, sentLast: lastIndex}
		}(f, req, next)
	}
	wg.Wait()
	close(replies)

	for r := range replies {
		f := r.node
		switch {
		case r.err != nil:
			e.logger.Debug("append unanswered", "cluster", c.ID, "node", f.ID, "error", r.err)
		case r.resp.Term > c.CurrentTerm:
			e.observeTerm(cs, f.ID, r.resp.Term)
		case r.resp.Success:
			if cur, ok := leader.MatchIndex[f.ID]; !ok || r.sentLast > cur {
				leader.MatchIndex[f.ID] = r.sentLast
			}
			leader.NextIndex[f.ID] = leader.MatchIndex[f.ID] + 1
		default:
			next := r.sentNext - 1
			if r.resp.MatchIndex+1 < next {
				next = r.resp.MatchIndex + 1
			}
			if next < first {
				next = first
			}
			leader.NextIndex[f.ID] = next
			e.logger.Debug("append rejected", "cluster", c.ID, "node", f.ID, "next_index", next)
		}
	}

	if leader.Role != RoleLeader {
		// Stepped down on a higher term; nothing may be committed under the old one.
		return 0
	}
	return e.advanceCommit(cs, leader)
}

// advanceCommit commits up to the highest index of the current term held by
// a quorum (the leader counts itself), together with every earlier entry, and
// applies them in order. Callers hold cs.mu.
func (e *Engine) advanceCommit(cs *clusterState, leader *Node) int {
	c := cs.cluster
	lastIndex, _ := cs.lastLog()

	target := NoIndex
	for n := lastIndex; n > leader.CommitIndex; n-- {
		entry := cs.entry(n)
		if entry == nil {
			break
		}
		if entry.Term != c.CurrentTerm {
			continue
		}
		if cs.acks(leader, n) >= c.QuorumSize {
			target = n
			break
		}
	}

	committed := 0
	if target != NoIndex {
		now := e.now()
		for i := leader.CommitIndex + 1; i <= target; i++ {
			entry := cs.entry(i)
			if entry == nil {
				continue
			}
			if entry.CommittedAt == nil {
				t := now
				entry.CommittedAt = &t
				committed++
			}
			e.applyEntry(cs, entry)
		}
		leader.CommitIndex = target
		leader.LastApplied = target
		e.logger.Debug("entries committed", "cluster", c.ID, "commit_index", target, "count", committed)
	}

	// A follower knows the commit index as far as its log matches the leader's.
	for _, f := range cs.members() {
		if f == leader {
			continue
		}
		match, ok := leader.MatchIndex[f.ID]
		if !ok {
			continue
		}
		if known := min(match, leader.CommitIndex); known > f.CommitIndex {
			f.CommitIndex = known
			f.LastApplied = known
		}
	}
	return committed
}

// acks counts the leader plus every voting follower whose match index has
// reached index. Callers hold cs.mu.
func (cs *clusterState) acks(leader *Node, index int64) int {
	count := 1
	for _, f := range cs.members() {
		if f == leader || !f.votes() {
			continue
		}
		if match, ok := leader.MatchIndex[f.ID]; ok && match >= index {
			count++
		}
	}
	return count
}

// applyEntry hands a committed entry to the apply log. Callers hold cs.mu.
func (e *Engine) applyEntry(cs *clusterState, entry *LogEntry) {
	if entry.AppliedAt != nil || entry.CommittedAt == nil {
		return
	}
	now := e.now()
	entry.AppliedAt = &now
	cs.applied = append(cs.applied, AppliedCommand{
		Index:     entry.Index,
		Term:      entry.Term,
		Type:      entry.Type,
		Command:   append([]byte(nil), entry.Command...),
		AppliedAt: now,
	})
	if over := len(cs.applied) - e.cfg.MaxAppliedCommands; over > 0 {
		cs.applied = append([]AppliedCommand(nil), cs.applied[over:]...)
	}
}

// evict drops the oldest entries while the log is over its bound, stopping
// at the first entry that has not been applied. Callers hold cs.mu.
func (e *Engine) evict(cs *clusterState) {
	dropped := 0
	for len(cs.log)-dropped > e.cfg.MaxLogSize && cs.log[dropped].AppliedAt != nil {
		cs.compactedIndex = cs.log[dropped].Index
		cs.compactedTerm = cs.log[dropped].Term
		dropped++
	}
	if dropped > 0 {
		cs.log = append([]*LogEntry(nil), cs.log[dropped:]...)
	}
	if len(cs.log) > e.cfg.MaxLogSize {
		e.logger.Warn("log over capacity, oldest entry not yet applied", "cluster", cs.cluster.ID,
			"size", len(cs.log), "max", e.cfg.MaxLogSize, "oldest_index", cs.log[0].Index)
	}
}

// firstIndex is the index of the oldest entry still held in memory.
func (cs *clusterState) firstIndex() int64 {
	return cs.compactedIndex + 1
}

// lastLog returns the index and term of the newest entry, or of the last
// evicted one when the log is empty.
func (cs *clusterState) lastLog() (int64, uint64) {
	if n := len(cs.log); n > 0 {
		last := cs.log[n-1]
		return last.Index, last.Term
	}
	return cs.compactedIndex, cs.compactedTerm
}

func (cs *clusterState) entry(index int64) *LogEntry {
	offset := index - cs.firstIndex()
	if offset < 0 || offset >= int64(len(cs.log)) {
		return nil
	}
	return cs.log[offset]
}

func (cs *clusterState) termAt(index int64) uint64 {
	if index == cs.compactedIndex {
		return cs.compactedTerm
	}
	if entry := cs.entry(index); entry != nil {
		return entry.Term
	}
	return 0
}

// slice copies the entries in [from, to].
func (cs *clusterState) slice(from, to int64) []LogEntry {
	if to < from {
		return nil
	}
	out := make([]LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		if entry := cs.entry(i); entry != nil {
			out = append(out, entry.clone())
		}
	}
	return out
}

// Entries returns copies of the entries still held in memory, oldest first.
func (e *Engine) Entries(clusterID string) ([]LogEntry, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.slice(cs.firstIndex(), cs.nextIndex-1), nil
}

// AppliedCommands returns the bounded apply log, oldest first.
func (e *Engine) AppliedCommands(clusterID string) ([]AppliedCommand, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]AppliedCommand, len(cs.applied))
	for i, a := range cs.applied {
		a.Command = append([]byte(nil), a.Command...)
		out[i] = a
	}
	return out, nil
}
