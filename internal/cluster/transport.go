package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/quorum/internal/consensus"
)

// ErrUnknownAddress is returned when a node has no address to send to.
var ErrUnknownAddress = errors.New("no address for node")

// Resolver maps a node ID to the base URL the node registered with.
type Resolver func(nodeID string) (string, bool)

// HTTPTransport reaches peers over HTTP with JSON bodies. It implements
// consensus.Transport; every failure, including non-2xx answers, is reported
// as an error and so counts as "no answer" to the engine.
type HTTPTransport struct {
	resolve Resolver
	logger  hclog.Logger
}

var _ consensus.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a transport that looks addresses up with resolve,
// typically Engine.NodeAddress.
func NewHTTPTransport(resolve Resolver, logger hclog.Logger) *HTTPTransport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HTTPTransport{resolve: resolve, logger: logger}
}

func (t *HTTPTransport) url(nodeID, path string) (string, error) {
	addr, ok := t.resolve(nodeID)
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownAddress, nodeID)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path, nil
}

func (t *HTTPTransport) post(ctx context.Context, nodeID, path string, body, out any) error {
	url, err := t.url(nodeID, path)
	if err != nil {
		return err
	}
	if err := PostJSON(ctx, url, body, out); err != nil {
		t.logger.Trace("request failed", "node", nodeID, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", nodeID, path, err)
	}
	return nil
}

func (t *HTTPTransport) SendAppend(ctx context.Context, nodeID string, req consensus.AppendRequest) (consensus.AppendResponse, error) {
	var resp consensus.AppendResponse
	err := t.post(ctx, nodeID, PathAppend, req, &resp)
	return resp, err
}

func (t *HTTPTransport) SendVoteRequest(ctx context.Context, nodeID string, req consensus.VoteRequest) (consensus.VoteResponse, error) {
	var resp consensus.VoteResponse
	err := t.post(ctx, nodeID, PathVote, req, &resp)
	return resp, err
}

func (t *HTTPTransport) SendHeartbeat(ctx context.Context, nodeID string, req consensus.HeartbeatRequest) (consensus.HeartbeatResponse, error) {
	var resp consensus.HeartbeatResponse
	err := t.post(ctx, nodeID, PathHeartbeat, req, &resp)
	return resp, err
}
