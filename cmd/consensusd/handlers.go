package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/quorum/internal/consensus"
	"github.com/dreamware/quorum/internal/crdt"
)

type server struct {
	engine *consensus.Engine
	crdts  *crdt.Store
	logger hclog.Logger
}

func newServer(engine *consensus.Engine, crdts *crdt.Store, logger hclog.Logger) *server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &server{engine: engine, crdts: crdts, logger: logger}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /clusters", s.handleCreateCluster)
	mux.HandleFunc("GET /clusters", s.handleListClusters)
	mux.HandleFunc("GET /clusters/{id}", s.handleGetCluster)
	mux.HandleFunc("POST /clusters/{id}/elections", s.handleTriggerElection)
	mux.HandleFunc("GET /clusters/{id}/elections", s.handleElectionHistory)
	mux.HandleFunc("POST /clusters/{id}/entries", s.handleAppendEntry)
	mux.HandleFunc("GET /clusters/{id}/entries", s.handleEntries)
	mux.HandleFunc("POST /clusters/{id}/replicate", s.handleReplicate)
	mux.HandleFunc("GET /clusters/{id}/applied", s.handleApplied)
	mux.HandleFunc("POST /clusters/{id}/proposals", s.handlePropose)
	mux.HandleFunc("GET /clusters/{id}/proposals", s.handleProposals)
	mux.HandleFunc("POST /clusters/{id}/heartbeats", s.handleHeartbeats)
	mux.HandleFunc("POST /clusters/{id}/split-brain", s.handleSplitBrain)
	mux.HandleFunc("GET /clusters/{id}/metrics", s.handleMetrics)
	mux.HandleFunc("GET /clusters/{id}/replication", s.handleReplication)
	mux.HandleFunc("GET /proposals/{id}", s.handleGetProposal)

	mux.HandleFunc("POST /nodes", s.handleRegisterNode)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /nodes/{id}", s.handleGetNode)
	mux.HandleFunc("POST /nodes/{id}/status", s.handleUpdateNodeStatus)

	mux.HandleFunc("POST /crdts", s.handleCreateCRDT)
	mux.HandleFunc("GET /crdts", s.handleListCRDTs)
	mux.HandleFunc("POST /crdts/merge", s.handleMergeCRDTs)
	mux.HandleFunc("GET /crdts/{id}", s.handleGetCRDT)
	mux.HandleFunc("POST /crdts/{id}/increment", s.handleIncrement)
	mux.HandleFunc("POST /crdts/{id}/decrement", s.handleDecrement)
	return mux
}

// statusFor maps engine and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, consensus.ErrClusterNotFound),
		errors.Is(err, consensus.ErrNodeNotFound),
		errors.Is(err, consensus.ErrProposalNotFound),
		errors.Is(err, crdt.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, consensus.ErrDuplicateNode):
		return http.StatusConflict
	case errors.Is(err, consensus.ErrNoLeader):
		return http.StatusServiceUnavailable
	case errors.Is(err, consensus.ErrInvalidCluster),
		errors.Is(err, consensus.ErrInvalidOperation),
		errors.Is(err, crdt.ErrTypeMismatch),
		errors.Is(err, crdt.ErrInvalidOperation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	var spec consensus.ClusterSpec
	if !decode(w, r, &spec) {
		return
	}
	c, err := s.engine.CreateCluster(spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Clusters []consensus.Cluster `json:"clusters"`
	}{Clusters: s.engine.ListClusters()})
}

func (s *server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCluster(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) handleTriggerElection(w http.ResponseWriter, r *http.Request) {
	req := struct {
		TriggeredBy string `json:"triggered_by"`
	}{TriggeredBy: "api"}
	if !decode(w, r, &req) {
		return
	}
	result, err := s.engine.TriggerElection(r.Context(), r.PathValue("id"), req.TriggeredBy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleElectionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.ElectionHistory(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Elections []consensus.ElectionResult `json:"elections"`
	}{Elections: history})
}

// commandRequest carries a command as raw JSON so clients can post any
// document without encoding it first.
type commandRequest struct {
	Command  json.RawMessage     `json:"command"`
	Type     consensus.EntryType `json:"type,omitempty"`
	Proposer string              `json:"proposer,omitempty"`
}

func (s *server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Command) == 0 {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}
	entry, err := s.engine.AppendEntry(r.Context(), r.PathValue("id"), req.Command, req.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *server) handleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Entries(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entries []consensus.LogEntry `json:"entries"`
	}{Entries: entries})
}

func (s *server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Replicate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Committed int `json:"committed"`
	}{Committed: n})
}

func (s *server) handleApplied(w http.ResponseWriter, r *http.Request) {
	applied, err := s.engine.AppliedCommands(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Applied []consensus.AppliedCommand `json:"applied"`
	}{Applied: applied})
}

func (s *server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Proposer == "" {
		http.Error(w, "proposer required", http.StatusBadRequest)
		return
	}
	p, err := s.engine.Propose(r.Context(), r.PathValue("id"), req.Command, req.Proposer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.engine.Proposals(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Proposals []consensus.Proposal `json:"proposals"`
	}{Proposals: proposals})
}

func (s *server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProposal(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.SendHeartbeats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(results))
	for id, hbErr := range results {
		res := result{NodeID: id}
		if hbErr != nil {
			res.Err = hbErr.Error()
		}
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, struct {
		Results []result `json:"results"`
	}{Results: out})
}

func (s *server) handleSplitBrain(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.DetectSplitBrain(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetClusterMetrics(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) handleReplication(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetReplicationStatus(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []consensus.ReplicationStatus `json:"nodes"`
	}{Nodes: status})
}

func (s *server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var spec consensus.NodeSpec
	if !decode(w, r, &spec) {
		return
	}
	if spec.ID == "" || spec.ClusterID == "" {
		http.Error(w, "missing id/cluster_id", http.StatusBadRequest)
		return
	}
	n, err := s.engine.RegisterNode(spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("node registered", "node", n.ID, "cluster", n.ClusterID, "address", n.Address)
	writeJSON(w, http.StatusCreated, n)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, struct {
		Nodes []consensus.Node `json:"nodes"`
	}{Nodes: s.engine.ListNodes(q.Get("cluster"), consensus.NodeRole(q.Get("role")))})
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.GetNode(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *server) handleUpdateNodeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status consensus.NodeStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.UpdateNodeStatus(r.PathValue("id"), req.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// counterView is a counter together with its current value.
type counterView struct {
	crdt.Counter
	Value int64 `json:"value"`
}

func viewOf(c crdt.Counter) counterView {
	return counterView{Counter: c, Value: c.Value()}
}

func (s *server) handleCreateCRDT(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  crdt.Type `json:"type"`
		Nodes []string  `json:"nodes"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.crdts.Create(req.Type, req.Nodes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(c))
}

func (s *server) handleListCRDTs(w http.ResponseWriter, r *http.Request) {
	counters := s.crdts.List()
	out := make([]counterView, 0, len(counters))
	for _, c := range counters {
		out = append(out, viewOf(c))
	}
	writeJSON(w, http.StatusOK, struct {
		Counters []counterView `json:"counters"`
	}{Counters: out})
}

func (s *server) handleGetCRDT(w http.ResponseWriter, r *http.Request) {
	c, err := s.crdts.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

type amountRequest struct {
	NodeID string `json:"node_id"`
	Amount uint64 `json:"amount"`
}

func (s *server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	s.handleCounterUpdate(w, r, s.crdts.Increment)
}

func (s *server) handleDecrement(w http.ResponseWriter, r *http.Request) {
	s.handleCounterUpdate(w, r, s.crdts.Decrement)
}

func (s *server) handleCounterUpdate(w http.ResponseWriter, r *http.Request, update func(id, nodeID string, amount uint64) (crdt.Counter, error)) {
	req := amountRequest{Amount: 1}
	if !decode(w, r, &req) {
		return
	}
	if amount := r.URL.Query().Get("amount"); amount != "" {
		n, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			http.Error(w, "bad amount", http.StatusBadRequest)
			return
		}
		req.Amount = n
	}
	c, err := update(r.PathValue("id"), req.NodeID, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}

func (s *server) handleMergeCRDTs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		A string `json:"a"`
		B string `json:"b"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.crdts.Merge(req.A, req.B)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c))
}
