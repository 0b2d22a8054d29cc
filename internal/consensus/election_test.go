package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerElectionElectsLeader(t *testing.T) {
	store := newMemStorage()
	e := newTestEngine(t, nil, WithStorage(store))
	newTestCluster(t, e, "c1", 0, "a", "b", "c")

	r := mustElect(t, e, "c1")
	assert.Equal(t, "a", r.WinnerID)
	assert.Equal(t, uint64(1), r.Term)
	assert.Equal(t, 3, r.VotesReceived)
	assert.Equal(t, 3, r.TotalVoters)
	assert.Equal(t, "test", r.TriggeredBy)
	assert.NotEmpty(t, r.ID)
	assert.Positive(t, r.Duration)

	c, err := e.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, "a", c.LeaderID)
	assert.Equal(t, uint64(1), c.CurrentTerm)
	require.NotNil(t, c.LastElectionAt)

	for _, id := range []string{"a", "b", "c"} {
		n, err := e.GetNode(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n.Term, id)
		assert.Equal(t, "a", n.VotedFor, id)

		term, votedFor, err := store.LoadNodeState(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), term, "persisted term of %s", id)
		assert.Equal(t, "a", votedFor, "persisted vote of %s", id)
	}
	assert.Equal(t, []string{"a"}, leaders(e, "c1"))

	history, err := e.ElectionHistory("c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, r, history[0])
}

func TestTriggerElectionUnknownCluster(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.TriggerElection(context.Background(), "missing", "test")
	assert.ErrorIs(t, err, ErrClusterNotFound)
}

func TestTriggerElectionWithoutQuorum(t *testing.T) {
	e := newTestEngine(t, nil)
	newTestCluster(t, e, "c1", 3, "a", "b", "c", "d", "e")
	for _, id := range []string{"c", "d", "e"} {
		require.NoError(t, e.UpdateNodeStatus(id, StatusOffline))
	}

	r, err := e.TriggerElection(context.Background(), "c1", "test")
	require.NoError(t, err)
	assert.False(t, r.QuorumReached)
	assert.Empty(t, r.WinnerID)
	assert.Equal(t, uint64(0), r.Term)
	assert.Equal(t, 5, r.TotalVoters)

	c, err := e.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.CurrentTerm)
	assert.Empty(t, c.LeaderID)
	assert.Empty(t, leaders(e, "c1"))

	history, err := e.ElectionHistory("c1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "failed attempts are recorded too")
}

func TestTriggerElectionPrefersHighestCommitIndex(t *testing.T) {
	tr := newFakeTransport()
	// Ties would go to the last member, so only the commit index can make b win.
	e := newTestEngine(t, tr, WithTiebreaker(lastWins()))
	newTestCluster(t, e, "c1", 2, "a", "b", "c")
	mustElect(t, e, "c1")
	require.Equal(t, []string{"c"}, leaders(e, "c1"))

	tr.setDown(true, "a")
	_, err := e.AppendEntry(context.Background(), "c1", []byte("x"), EntryStateUpdate)
	require.NoError(t, err)
	tr.setDown(false, "a")

	b, err := e.GetNode("b")
	require.NoError(t, err)
	require.Equal(t, int64(0), b.CommitIndex)

	require.NoError(t, e.UpdateNodeStatus("c", StatusOffline))
	r := mustElect(t, e, "c1")
	assert.Equal(t, "b", r.WinnerID)
	assert.Equal(t, uint64(2), r.Term)
}

func TestTriggerElectionVotesUnanswered(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr)
	newTestCluster(t, e, "c1", 0, "a", "b", "c")
	tr.setDown(true, "b", "c")

	r, err := e.TriggerElection(context.Background(), "c1", "test")
	require.NoError(t, err)
	assert.False(t, r.QuorumReached)
	assert.Equal(t, 1, r.VotesReceived, "only the candidate's own vote")
	assert.Equal(t, uint64(0), r.Term)

	a, err := e.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, a.Role, "a losing candidate reverts to follower")

	c, err := e.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.CurrentTerm, "timeouts are not denials and do not move the term")
}

func TestTriggerElectionDeniedByHigherTerm(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr)
	newTestCluster(t, e, "c1", 0, "a", "b", "c")
	tr.voteDenyTerm["b"] = 7

	r, err := e.TriggerElection(context.Background(), "c1", "test")
	require.NoError(t, err)
	assert.False(t, r.QuorumReached)
	assert.Equal(t, uint64(7), r.Term)

	c, err := e.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.CurrentTerm)
	assert.Empty(t, c.LeaderID)

	delete(tr.voteDenyTerm, "b")
	r = mustElect(t, e, "c1")
	assert.Equal(t, uint64(8), r.Term)
}

func TestTriggerElectionSkipsObservers(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateCluster(ClusterSpec{ID: "c1", Members: []string{"obs", "b", "c"}})
	require.NoError(t, err)
	_, err = e.RegisterNode(NodeSpec{ID: "obs", ClusterID: "c1", Role: RoleObserver})
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		_, err = e.RegisterNode(NodeSpec{ID: id, ClusterID: "c1"})
		require.NoError(t, err)
	}

	r := mustElect(t, e, "c1")
	assert.Equal(t, "b", r.WinnerID)
	assert.Equal(t, 2, r.TotalVoters)
	assert.Equal(t, 2, r.VotesReceived)

	obs, err := e.GetNode("obs")
	require.NoError(t, err)
	assert.Equal(t, RoleObserver, obs.Role)
	assert.Empty(t, obs.VotedFor)
	assert.Equal(t, uint64(1), obs.Term)
}

func TestTermsOnlyMoveForward(t *testing.T) {
	e := newTestEngine(t, nil)
	newTestCluster(t, e, "c1", 0, "a", "b", "c", "d", "e")

	var last uint64
	for i := 0; i < 10; i++ {
		if i == 4 {
			require.NoError(t, e.UpdateNodeStatus("a", StatusOffline))
		}
		r := mustElect(t, e, "c1")
		assert.Equal(t, last+1, r.Term, "each won election advances the term by one")
		last = r.Term

		got := leaders(e, "c1")
		require.Len(t, got, 1, "exactly one leader per term")
		assert.Equal(t, r.WinnerID, got[0])

		for _, n := range e.ListNodes("c1", "") {
			assert.LessOrEqual(t, n.Term, r.Term)
		}
	}
}

func TestElectionHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxElectionHistory = 3
	e := NewEngine(cfg)
	newTestCluster(t, e, "c1", 0, "a")

	for i := 0; i < 5; i++ {
		mustElect(t, e, "c1")
	}
	history, err := e.ElectionHistory("c1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(3), history[0].Term)
	assert.Equal(t, uint64(5), history[2].Term)
}
