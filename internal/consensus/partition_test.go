package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectSplitBrainAfterElection(t *testing.T) {
	e := newTestEngine(t, nil)
	newTestCluster(t, e, "c1", 0, "a", "b", "c")
	mustElect(t, e, "c1")

	r, err := e.DetectSplitBrain("c1")
	require.NoError(t, err)
	assert.False(t, r.Detected)
	assert.Equal(t, []string{"a"}, r.QuorumGroups)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, r.Groups["a"])
}

func TestDetectSplitBrainConflictingVotes(t *testing.T) {
	e := newTestEngine(t, nil)
	newTestCluster(t, e, "c1", 2, "a", "b", "c", "d", "e")

	// Stale vote state restored from two different terms.
	cs, err := e.state("c1")
	require.NoError(t, err)
	cs.mu.Lock()
	cs.nodes["a"].VotedFor = "a"
	cs.nodes["b"].VotedFor = "a"
	cs.nodes["c"].VotedFor = "c"
	cs.nodes["d"].VotedFor = "c"
	cs.mu.Unlock()

	r, err := e.DetectSplitBrain("c1")
	require.NoError(t, err)
	assert.True(t, r.Detected)
	assert.Equal(t, []string{"a", "c"}, r.QuorumGroups)

	c, err := e.GetCluster("c1")
	require.NoError(t, err)
	assert.True(t, c.SplitBrainDetected)

	m, err := e.GetClusterMetrics("c1")
	require.NoError(t, err)
	assert.True(t, m.SplitBrainDetected)

	// Offline voters are not counted.
	require.NoError(t, e.UpdateNodeStatus("d", StatusOffline))
	r, err = e.DetectSplitBrain("c1")
	require.NoError(t, err)
	assert.False(t, r.Detected)
	assert.Equal(t, []string{"a"}, r.QuorumGroups)

	c, err = e.GetCluster("c1")
	require.NoError(t, err)
	assert.False(t, c.SplitBrainDetected, "the flag follows the latest check")
}

func TestDetectSplitBrainNoVotes(t *testing.T) {
	e := newTestEngine(t, nil)
	newTestCluster(t, e, "c1", 0, "a", "b", "c")

	r, err := e.DetectSplitBrain("c1")
	require.NoError(t, err)
	assert.False(t, r.Detected)
	assert.Empty(t, r.Groups)

	_, err = e.DetectSplitBrain("missing")
	assert.ErrorIs(t, err, ErrClusterNotFound)
}

func TestSendHeartbeats(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr)
	newTestCluster(t, e, "c1", 2, "a", "b", "c")
	mustElect(t, e, "c1")
	tr.setDown(true, "c")

	results, err := e.SendHeartbeats(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results["a"])
	assert.NoError(t, results["b"])
	assert.Error(t, results["c"])

	c, err := e.GetNode("c")
	require.NoError(t, err)
	assert.Equal(t, StatusUnreachable, c.Status)

	tr.setDown(false, "c")
	results, err = e.SendHeartbeats(context.Background(), "c1")
	require.NoError(t, err)
	assert.NoError(t, results["c"])

	c, err = e.GetNode("c")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, c.Status)
}

func TestSendHeartbeatsLeaderUnreachable(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr)
	newTestCluster(t, e, "c1", 2, "a", "b", "c")
	mustElect(t, e, "c1")
	tr.setDown(true, "a")

	results, err := e.SendHeartbeats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Error(t, results["a"])

	a, err := e.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, StatusUnreachable, a.Status)
	assert.Equal(t, RoleLeader, a.Role, "an unreachable leader keeps its role until replaced")

	_, err = e.AppendEntry(context.Background(), "c1", []byte("x"), EntryStateUpdate)
	assert.ErrorIs(t, err, ErrNoLeader)

	r, err := e.TriggerElection(context.Background(), "c1", "test")
	require.NoError(t, err)
	require.True(t, r.QuorumReached)
	assert.NotEqual(t, "a", r.WinnerID)

	a, err = e.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, a.Role)
}

func TestSendHeartbeatsWithoutLeader(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr)
	newTestCluster(t, e, "c1", 0, "a", "b")
	require.NoError(t, e.UpdateNodeStatus("b", StatusOffline))

	results, err := e.SendHeartbeats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, results, 2, "every member gets a heartbeat")

	b, err := e.GetNode("b")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, b.Status, "a reachable node comes back online")
}

func TestSendHeartbeatsStepsDownOnHigherTerm(t *testing.T) {
	tr := newFakeTransport()
	e := newTestEngine(t, tr)
	newTestCluster(t, e, "c1", 2, "a", "b", "c")
	mustElect(t, e, "c1")
	tr.heartbeatTerm["c"] = 9

	_, err := e.SendHeartbeats(context.Background(), "c1")
	require.NoError(t, err)

	cl, err := e.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cl.CurrentTerm)
	assert.Empty(t, cl.LeaderID)
	assert.Empty(t, leaders(e, "c1"))

	c, err := e.GetNode("c")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), c.Term)
}
