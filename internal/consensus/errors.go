package consensus

import "errors"

var (
	// ErrClusterNotFound is returned when a cluster ID is not known to the engine.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrNodeNotFound is returned when a node ID is not registered.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when registering a node ID twice.
	ErrDuplicateNode = errors.New("duplicate node")

	// ErrProposalNotFound is returned when a proposal ID is not known.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrNoLeader is returned when an append or proposal needs an active leader
	// and the cluster has none.
	ErrNoLeader = errors.New("no active leader")

	// ErrInvalidCluster is returned when a cluster spec fails validation.
	ErrInvalidCluster = errors.New("invalid cluster spec")

	// ErrInvalidOperation is returned for requests the engine refuses to
	// perform, such as registering a node outside its cluster's membership.
	ErrInvalidOperation = errors.New("invalid operation")
)
