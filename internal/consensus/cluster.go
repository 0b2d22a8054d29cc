package consensus

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// ClusterSpec describes a cluster to create.
type ClusterSpec struct {
	// ID is generated when empty.
	ID       string   `json:"id,omitempty"`
	Protocol Protocol `json:"protocol"`
	Members  []string `json:"members"`
	// QuorumSize defaults to DefaultQuorum(Protocol, len(Members)) when zero.
	QuorumSize        int `json:"quorum_size,omitempty"`
	ReplicationFactor int `json:"replication_factor,omitempty"`
}

// CreateCluster validates spec and registers a new, leaderless cluster at term 0.
// Member nodes are registered separately with RegisterNode.
func (e *Engine) CreateCluster(spec ClusterSpec) (*Cluster, error) {
	if spec.Protocol == "" {
		spec.Protocol = ProtocolRaft
	}
	if !spec.Protocol.Valid() {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidCluster, spec.Protocol)
	}
	if len(spec.Members) == 0 {
		return nil, fmt.Errorf("%w: no members", ErrInvalidCluster)
	}
	members := make([]string, 0, len(spec.Members))
	for _, id := range spec.Members {
		if id == "" {
			return nil, fmt.Errorf("%w: empty member id", ErrInvalidCluster)
		}
		if slices.Contains(members, id) {
			return nil, fmt.Errorf("%w: member %s listed twice", ErrInvalidCluster, id)
		}
		members = append(members, id)
	}
	quorum := spec.QuorumSize
	if quorum == 0 {
		quorum = DefaultQuorum(spec.Protocol, len(members))
	}
	if quorum < 1 || quorum > len(members) {
		return nil, fmt.Errorf("%w: quorum %d outside [1, %d]", ErrInvalidCluster, quorum, len(members))
	}
	replication := spec.ReplicationFactor
	if replication <= 0 {
		replication = len(members)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	c := &Cluster{
		ID:                spec.ID,
		Protocol:          spec.Protocol,
		Members:           members,
		QuorumSize:        quorum,
		ReplicationFactor: replication,
		CreatedAt:         e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.clusters[c.ID]; exists {
		return nil, fmt.Errorf("%w: cluster %s already exists", ErrInvalidCluster, c.ID)
	}
	e.clusters[c.ID] = &clusterState{
		cluster:        c,
		nodes:          make(map[string]*Node),
		compactedIndex: NoIndex,
	}

	e.logger.Info("cluster created", "cluster", c.ID, "protocol", c.Protocol,
		"members", len(members), "quorum", quorum)
	out := c.clone()
	return &out, nil
}

// GetCluster returns a copy of the cluster.
func (e *Engine) GetCluster(clusterID string) (Cluster, error) {
	cs, err := e.state(clusterID)
	if err != nil {
		return Cluster{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cluster.clone(), nil
}

// ListClusters returns copies of all clusters sorted by ID.
func (e *Engine) ListClusters() []Cluster {
	e.mu.RLock()
	states := make([]*clusterState, 0, len(e.clusters))
	for _, cs := range e.clusters {
		states = append(states, cs)
	}
	e.mu.RUnlock()

	out := make([]Cluster, 0, len(states))
	for _, cs := range states {
		cs.mu.Lock()
		out = append(out, cs.cluster.clone())
		cs.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Cluster) int { return strings.Compare(a.ID, b.ID) })
	return out
}
