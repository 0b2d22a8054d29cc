package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorum/internal/consensus"
)

// votePeer answers vote requests the way a peer that already voted for "a"
// in term 3 would.
func votePeer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req consensus.VoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(consensus.VoteResponse{
			Term:    3,
			Granted: req.CandidateID == "a" && req.Term >= 3,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPostJSON(t *testing.T) {
	srv := votePeer(t)

	tests := []struct {
		name    string
		req     consensus.VoteRequest
		granted bool
	}{
		{name: "same candidate", req: consensus.VoteRequest{ClusterID: "c1", CandidateID: "a", Term: 3}, granted: true},
		{name: "other candidate", req: consensus.VoteRequest{ClusterID: "c1", CandidateID: "b", Term: 3}},
		{name: "stale term", req: consensus.VoteRequest{ClusterID: "c1", CandidateID: "a", Term: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp consensus.VoteResponse
			require.NoError(t, PostJSON(context.Background(), srv.URL+PathVote, tt.req, &resp))
			assert.Equal(t, tt.granted, resp.Granted)
			assert.Equal(t, uint64(3), resp.Term)
		})
	}
}

func TestPostJSONNilOut(t *testing.T) {
	var got consensus.NodeSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"a"}`))
	}))
	defer srv.Close()

	spec := consensus.NodeSpec{ID: "a", ClusterID: "c1", Address: "http://a"}
	require.NoError(t, PostJSON(context.Background(), srv.URL+"/nodes", spec, nil))
	assert.Equal(t, spec, got)
}

func TestPostJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no leader", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.URL+"/x", map[string]string{}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "no leader", se.Body)
	assert.Contains(t, err.Error(), "503")
}

func TestStatusErrorWithoutBody(t *testing.T) {
	err := &StatusError{URL: "http://a/raft/vote", Code: http.StatusNotFound}
	assert.Equal(t, "http http://a/raft/vote: 404", err.Error())
}

func TestPostJSONFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, PostJSON(ctx, slow.URL, consensus.HeartbeatRequest{ClusterID: "c1"}, nil), context.DeadlineExceeded)

	assert.Error(t, PostJSON(context.Background(), "://bad", consensus.HeartbeatRequest{}, nil), "malformed url")
	assert.Error(t, PostJSON(context.Background(), slow.URL, make(chan int), nil), "unencodable body")
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case PathInfo:
			_, _ = w.Write([]byte(`{"id":"b","cluster_id":"c1","term":4,"voted_for":"a","last_index":9}`))
		case "/garbled":
			_, _ = w.Write([]byte(`{"id":`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var st consensus.PeerStatus
	require.NoError(t, GetJSON(context.Background(), srv.URL+PathInfo, &st))
	assert.Equal(t, "b", st.ID)
	assert.Equal(t, uint64(4), st.Term)
	assert.Equal(t, "a", st.VotedFor)
	assert.Equal(t, int64(9), st.LastIndex)

	var se *StatusError
	require.ErrorAs(t, GetJSON(context.Background(), srv.URL+"/missing", &st), &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	assert.Error(t, GetJSON(context.Background(), srv.URL+"/garbled", &st))
}

// The shared client must time out so a hung peer cannot stall a round.
func TestHTTPClientTimeout(t *testing.T) {
	require.NotNil(t, httpClient)
	assert.Equal(t, 5*time.Second, httpClient.Timeout)
}
