package consensus

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config holds the engine's tunables.
type Config struct {
	// MaxLogSize bounds the in-memory log. Only applied entries are evicted.
	MaxLogSize int
	// MaxAppliedCommands bounds the apply log kept per cluster.
	MaxAppliedCommands int
	// MaxElectionHistory bounds the election results kept per cluster.
	MaxElectionHistory int
	// MaxProposals bounds the proposals kept per cluster. The oldest are
	// forgotten first.
	MaxProposals int
	// ReplicationTimeout bounds each append RPC.
	ReplicationTimeout time.Duration
	// VoteTimeout bounds each vote RPC.
	VoteTimeout time.Duration
	// HeartbeatTimeout bounds each heartbeat RPC.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxLogSize:         10000,
		MaxAppliedCommands: 1000,
		MaxElectionHistory: 100,
		MaxProposals:       1000,
		ReplicationTimeout: 2 * time.Second,
		VoteTimeout:        time.Second,
		HeartbeatTimeout:   time.Second,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithTransport sets how the engine reaches cluster members.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithStorage sets the durable store for log entries and node state.
func WithStorage(s Storage) Option {
	return func(e *Engine) { e.storage = s }
}

// WithLogger sets the engine's logger.
func WithLogger(l hclog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTiebreaker replaces the random source used to separate candidates with
// equal commit indices.
func WithTiebreaker(f func() uint64) Option {
	return func(e *Engine) { e.tiebreak = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns every cluster, node and proposal. Clusters and nodes refer to
// each other only by ID.
//
// Each cluster has its own lock that serialises all operations touching the
// cluster, its nodes and its log. The engine lock only guards the lookup
// tables and is never held during transport calls. When both are needed the
// cluster lock is taken first.
type Engine struct {
	clusters  map[string]*clusterState
	nodeIndex map[string]string // node ID -> cluster ID
	addresses map[string]string // node ID -> address, readable during RPCs
	proposals map[string]*Proposal
	transport Transport
	storage   Storage
	logger    hclog.Logger
	tiebreak  func() uint64
	now       func() time.Time
	cfg       Config
	mu        sync.RWMutex
}

type clusterState struct {
	cluster   *Cluster
	nodes     map[string]*Node
	log       []*LogEntry
	applied   []AppliedCommand
	elections []ElectionResult
	proposals []string
	nextIndex int64
	// compactedIndex and compactedTerm describe the newest evicted entry.
	compactedIndex int64
	compactedTerm  uint64
	mu             sync.Mutex
}

// NewEngine creates an engine. Zero fields in cfg fall back to DefaultConfig.
// Without options it acknowledges every transport request, persists nothing
// and logs nothing.
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxLogSize <= 0 {
		cfg.MaxLogSize = def.MaxLogSize
	}
	if cfg.MaxAppliedCommands <= 0 {
		cfg.MaxAppliedCommands = def.MaxAppliedCommands
	}
	if cfg.MaxElectionHistory <= 0 {
		cfg.MaxElectionHistory = def.MaxElectionHistory
	}
	if cfg.MaxProposals <= 0 {
		cfg.MaxProposals = def.MaxProposals
	}
	if cfg.ReplicationTimeout <= 0 {
		cfg.ReplicationTimeout = def.ReplicationTimeout
	}
	if cfg.VoteTimeout <= 0 {
		cfg.VoteTimeout = def.VoteTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}

	e := &Engine{
		cfg:       cfg,
		clusters:  make(map[string]*clusterState),
		nodeIndex: make(map[string]string),
		addresses: make(map[string]string),
		proposals: make(map[string]*Proposal),
		transport: AckTransport{},
		storage:   discardStorage{},
		logger:    hclog.NewNullLogger(),
		tiebreak:  rand.Uint64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) state(clusterID string) (*clusterState, error) {
	e.mu.RLock()
	cs := e.clusters[clusterID]
	e.mu.RUnlock()
	if cs == nil {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	return cs, nil
}

func (e *Engine) stateForNode(nodeID string) (*clusterState, error) {
	e.mu.RLock()
	clusterID, ok := e.nodeIndex[nodeID]
	cs := e.clusters[clusterID]
	e.mu.RUnlock()
	if !ok || cs == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return cs, nil
}

// leader returns the cluster's leader if it is registered, online and still
// in the leader role. Callers hold cs.mu.
func (cs *clusterState) leader() *Node {
	if cs.cluster.LeaderID == "" {
		return nil
	}
	n := cs.nodes[cs.cluster.LeaderID]
	if n == nil || n.Status != StatusOnline || n.Role != RoleLeader {
		return nil
	}
	return n
}

// members returns registered member nodes in membership order. Callers hold cs.mu.
func (cs *clusterState) members() []*Node {
	out := make([]*Node, 0, len(cs.cluster.Members))
	for _, id := range cs.cluster.Members {
		if n := cs.nodes[id]; n != nil {
			out = append(out, n)
		}
	}
	return out
}

// observeTerm adopts a term seen from another node when it is newer than the
// cluster's. Any leader steps down and leader-only work is abandoned. It
// reports whether the term was newer. Callers hold cs.mu.
func (e *Engine) observeTerm(cs *clusterState, from string, term uint64) bool {
	if term <= cs.cluster.CurrentTerm {
		return false
	}
	e.logger.Warn("higher term observed, stepping down",
		"cluster", cs.cluster.ID, "from", from, "term", term, "current_term", cs.cluster.CurrentTerm)
	if l := cs.nodes[cs.cluster.LeaderID]; l != nil && l.Role == RoleLeader {
		l.becomeFollower(term, "")
	}
	if n := cs.nodes[from]; n != nil && n.Term < term {
		n.becomeFollower(term, n.VotedFor)
	}
	cs.cluster.CurrentTerm = term
	cs.cluster.LeaderID = ""
	return true
}
