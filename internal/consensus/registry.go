package consensus

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// NodeSpec describes a node joining a cluster it is already a listed member of.
type NodeSpec struct {
	ID        string `json:"id"`
	ClusterID string `json:"cluster_id"`
	Address   string `json:"address"`
	Region    string `json:"region,omitempty"`
	// Role may be empty (follower) or RoleObserver.
	Role NodeRole `json:"role,omitempty"`
}

// RegisterNode records a node as online follower at term 0 with empty commit
// and apply indices.
//
// Returns ErrDuplicateNode if the ID is taken, ErrClusterNotFound if the
// cluster does not exist, and ErrInvalidOperation if the node is not one of
// the cluster's members.
func (e *Engine) RegisterNode(spec NodeSpec) (*Node, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: node id required", ErrInvalidOperation)
	}
	e.mu.RLock()
	_, dup := e.nodeIndex[spec.ID]
	e.mu.RUnlock()
	if dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, spec.ID)
	}

	role := spec.Role
	switch role {
	case "":
		role = RoleFollower
	case RoleFollower, RoleObserver:
	default:
		return nil, fmt.Errorf("%w: nodes cannot register as %s", ErrInvalidOperation, role)
	}

	cs, err := e.state(spec.ClusterID)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !slices.Contains(cs.cluster.Members, spec.ID) {
		return nil, fmt.Errorf("%w: %s is not a member of cluster %s", ErrInvalidOperation, spec.ID, spec.ClusterID)
	}

	e.mu.Lock()
	if _, dup := e.nodeIndex[spec.ID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, spec.ID)
	}
	e.nodeIndex[spec.ID] = spec.ClusterID
	e.addresses[spec.ID] = spec.Address
	e.mu.Unlock()

	now := e.now()
	n := &Node{
		ID:              spec.ID,
		ClusterID:       spec.ClusterID,
		Address:         spec.Address,
		Region:          spec.Region,
		Role:            role,
		Status:          StatusOnline,
		CommitIndex:     NoIndex,
		LastApplied:     NoIndex,
		NextIndex:       map[string]int64{},
		MatchIndex:      map[string]int64{},
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}
	cs.nodes[n.ID] = n

	e.logger.Info("node registered", "cluster", spec.ClusterID, "node", n.ID, "role", role, "address", n.Address)
	out := n.clone()
	return &out, nil
}

// UpdateNodeStatus sets a node's status. Moving to online refreshes
// LastHeartbeatAt.
func (e *Engine) UpdateNodeStatus(nodeID string, status NodeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOperation, status)
	}
	cs, err := e.stateForNode(nodeID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	n := cs.nodes[nodeID]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	e.setStatus(cs, n, status)
	return nil
}

// setStatus is UpdateNodeStatus without the lookups. Callers hold cs.mu.
func (e *Engine) setStatus(cs *clusterState, n *Node, status NodeStatus) {
	if status == StatusOnline {
		n.LastHeartbeatAt = e.now()
	}
	if n.Status != status {
		e.logger.Info("node status changed", "cluster", cs.cluster.ID, "node", n.ID,
			"from", n.Status, "to", status)
	}
	n.Status = status
}

// GetNode returns a copy of a registered node.
func (e *Engine) GetNode(nodeID string) (Node, error) {
	cs, err := e.stateForNode(nodeID)
	if err != nil {
		return Node{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := cs.nodes[nodeID]
	if n == nil {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return n.clone(), nil
}

// NodeAddress returns the address a node registered with. It does not take
// any cluster lock, so transports may call it while an operation is running.
func (e *Engine) NodeAddress(nodeID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr, ok := e.addresses[nodeID]
	return addr, ok
}

// ListNodes returns copies of registered nodes sorted by ID. Empty clusterID
// or role means no filter on that field.
func (e *Engine) ListNodes(clusterID string, role NodeRole) []Node {
	e.mu.RLock()
	states := make([]*clusterState, 0, len(e.clusters))
	if clusterID != "" {
		if cs := e.clusters[clusterID]; cs != nil {
			states = append(states, cs)
		}
	} else {
		for _, cs := range e.clusters {
			states = append(states, cs)
		}
	}
	e.mu.RUnlock()

	var out []Node
	for _, cs := range states {
		cs.mu.Lock()
		for _, n := range cs.nodes {
			if role == "" || n.Role == role {
				out = append(out, n.clone())
			}
		}
		cs.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}
