package consensus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport acknowledges like AckTransport unless told otherwise per node.
type fakeTransport struct {
	AckTransport
	down          map[string]bool
	dropAppends   map[string]bool
	voteDenyTerm  map[string]uint64
	appendTerm    map[string]uint64
	heartbeatTerm map[string]uint64
	appends       map[string]int
	mu            sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		down:          map[string]bool{},
		dropAppends:   map[string]bool{},
		voteDenyTerm:  map[string]uint64{},
		appendTerm:    map[string]uint64{},
		heartbeatTerm: map[string]uint64{},
		appends:       map[string]int{},
	}
}

func (f *fakeTransport) setDown(down bool, nodes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range nodes {
		f.down[n] = down
	}
}

func (f *fakeTransport) SendAppend(ctx context.Context, nodeID string, req AppendRequest) (AppendResponse, error) {
	f.mu.Lock()
	down, term := f.down[nodeID] || f.dropAppends[nodeID], f.appendTerm[nodeID]
	f.appends[nodeID]++
	f.mu.Unlock()
	if down {
		return AppendResponse{}, fmt.Errorf("append to %s: %w", nodeID, context.DeadlineExceeded)
	}
	if term > 0 {
		return AppendResponse{Term: term}, nil
	}
	return f.AckTransport.SendAppend(ctx, nodeID, req)
}

func (f *fakeTransport) SendVoteRequest(ctx context.Context, nodeID string, req VoteRequest) (VoteResponse, error) {
	f.mu.Lock()
	down, term := f.down[nodeID], f.voteDenyTerm[nodeID]
	f.mu.Unlock()
	if down {
		return VoteResponse{}, fmt.Errorf("vote from %s: %w", nodeID, context.DeadlineExceeded)
	}
	if term > 0 {
		return VoteResponse{Term: term}, nil
	}
	return f.AckTransport.SendVoteRequest(ctx, nodeID, req)
}

func (f *fakeTransport) SendHeartbeat(ctx context.Context, nodeID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	f.mu.Lock()
	down, term := f.down[nodeID], f.heartbeatTerm[nodeID]
	f.mu.Unlock()
	if down {
		return HeartbeatResponse{}, fmt.Errorf("heartbeat to %s: %w", nodeID, context.DeadlineExceeded)
	}
	if term > 0 {
		return HeartbeatResponse{Term: term, OK: true}, nil
	}
	return f.AckTransport.SendHeartbeat(ctx, nodeID, req)
}

type nodeState struct {
	votedFor string
	term     uint64
}

// memStorage is a Storage kept in maps, recording every call.
type memStorage struct {
	entries map[string][]LogEntry
	state   map[string]nodeState
	saves   int
	mu      sync.Mutex
}

func newMemStorage() *memStorage {
	return &memStorage{entries: map[string][]LogEntry{}, state: map[string]nodeState{}}
}

func (m *memStorage) AppendEntry(clusterID string, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[clusterID] = append(m.entries[clusterID], entry.clone())
	return nil
}

func (m *memStorage) TruncateSuffix(clusterID string, from int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[clusterID][:0]
	for _, e := range m.entries[clusterID] {
		if e.Index < from {
			kept = append(kept, e)
		}
	}
	m.entries[clusterID] = kept
	return nil
}

func (m *memStorage) SaveNodeState(nodeID string, term uint64, votedFor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[nodeID] = nodeState{term: term, votedFor: votedFor}
	m.saves++
	return nil
}

func (m *memStorage) LoadNodeState(nodeID string) (uint64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state[nodeID]
	return s.term, s.votedFor, nil
}

func (m *memStorage) Entries(clusterID string) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.entries[clusterID]...), nil
}

// firstWins returns a tiebreaker that favours candidates in membership order.
func firstWins() func() uint64 {
	next := uint64(math.MaxUint64)
	var mu sync.Mutex
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		next--
		return next
	}
}

// lastWins returns a tiebreaker that favours the last candidate in membership order.
func lastWins() func() uint64 {
	var next uint64
	var mu sync.Mutex
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	}
}

// stepClock returns a clock that advances one millisecond per call.
func stepClock() func() time.Time {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func newTestEngine(t *testing.T, tr Transport, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithTiebreaker(firstWins()), WithClock(stepClock())}
	if tr != nil {
		base = append(base, WithTransport(tr))
	}
	return NewEngine(DefaultConfig(), append(base, opts...)...)
}

// newTestCluster creates a cluster and registers every member as a follower.
func newTestCluster(t *testing.T, e *Engine, id string, quorum int, members ...string) Cluster {
	t.Helper()
	c, err := e.CreateCluster(ClusterSpec{ID: id, Members: members, QuorumSize: quorum})
	require.NoError(t, err)
	for _, m := range members {
		_, err := e.RegisterNode(NodeSpec{ID: m, ClusterID: id, Address: "http://" + m + ":7000"})
		require.NoError(t, err)
	}
	return *c
}

func mustElect(t *testing.T, e *Engine, clusterID string) ElectionResult {
	t.Helper()
	r, err := e.TriggerElection(context.Background(), clusterID, "test")
	require.NoError(t, err)
	require.True(t, r.QuorumReached, "election should reach quorum")
	return r
}

// leaders returns the IDs of nodes in the leader role.
func leaders(e *Engine, clusterID string) []string {
	var out []string
	for _, n := range e.ListNodes(clusterID, RoleLeader) {
		out = append(out, n.ID)
	}
	return out
}
