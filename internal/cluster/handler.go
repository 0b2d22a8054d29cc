package cluster

import (
	"encoding/json"
	"net/http"

	"github.com/hashicorp/go-hclog"

	"github.com/dreamware/quorum/internal/consensus"
)

// NewPeerHandler serves the peer side of HTTPTransport for p: the three raft
// routes plus /health and /info.
func NewPeerHandler(p *consensus.Peer, logger hclog.Logger) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathAppend, serveRPC(logger, p.HandleAppend))
	mux.HandleFunc("POST "+PathVote, serveRPC(logger, p.HandleVote))
	mux.HandleFunc("POST "+PathHeartbeat, serveRPC(logger, p.HandleHeartbeat))
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET "+PathInfo, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, p.Status())
	})
	return mux
}

// serveRPC decodes a request of type Req, hands it to handle and writes the
// response. A failing handler means the peer could not persist its state.
func serveRPC[Req, Resp any](logger hclog.Logger, handle func(Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		resp, err := handle(req)
		if err != nil {
			logger.Error("rpc failed", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
