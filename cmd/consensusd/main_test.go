package main

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/quorum/internal/consensus"
	"github.com/dreamware/quorum/internal/storage"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	t.Setenv("CONSENSUSD_TEST_SET", "value")
	t.Setenv("CONSENSUSD_TEST_EMPTY", "")

	assert.Equal(t, "value", getenv("CONSENSUSD_TEST_SET", "default"))
	assert.Equal(t, "fallback", getenv("CONSENSUSD_TEST_EMPTY", "fallback"))
	assert.Equal(t, "default", getenv("CONSENSUSD_TEST_UNSET", "default"))
}

// TestLoadConfig checks defaults, overrides and rejected values.
func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    config
		wantErr bool
	}{
		{
			name: "defaults",
			want: config{Addr: ":8080", Transport: "http", LogLevel: "info", HeartbeatInterval: 2 * time.Second, MaxLogSize: 10000},
		},
		{
			name: "overrides",
			env: map[string]string{
				"CONSENSUSD_ADDR":    ":9090",
				"TRANSPORT":          "ack",
				"HEARTBEAT_INTERVAL": "0s",
				"MAX_LOG_SIZE":       "50",
				"LOG_LEVEL":          "debug",
				"DATA_DIR":           "/var/lib/consensusd",
			},
			want: config{Addr: ":9090", Transport: "ack", LogLevel: "debug", MaxLogSize: 50, DataDir: "/var/lib/consensusd"},
		},
		{name: "unknown transport", env: map[string]string{"TRANSPORT": "grpc"}, wantErr: true},
		{name: "bad interval", env: map[string]string{"HEARTBEAT_INTERVAL": "soon"}, wantErr: true},
		{name: "bad log size", env: map[string]string{"MAX_LOG_SIZE": "many"}, wantErr: true},
		{name: "zero log size", env: map[string]string{"MAX_LOG_SIZE": "-3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"CONSENSUSD_ADDR", "TRANSPORT", "HEARTBEAT_INTERVAL", "MAX_LOG_SIZE", "LOG_LEVEL", "DATA_DIR"} {
				t.Setenv(k, tt.env[k])
			}
			cfg, err := loadConfig()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}

// TestNewEngine checks the configured log size reaches the engine and the
// ack transport lets a cluster elect without any peers running.
func TestNewEngine(t *testing.T) {
	engine := newEngine(config{Transport: "ack", MaxLogSize: 7}, storage.NewInmemRaftStore(), hclog.NewNullLogger())
	assert.Equal(t, 7, engine.Config().MaxLogSize)

	_, err := engine.CreateCluster(consensus.ClusterSpec{ID: "c1", Members: []string{"a", "b"}})
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := engine.RegisterNode(consensus.NodeSpec{ID: id, ClusterID: "c1"})
		require.NoError(t, err)
	}
	r, err := engine.TriggerElection(context.Background(), "c1", "test")
	require.NoError(t, err)
	assert.True(t, r.QuorumReached)
}

// TestNewEngineHTTPTransport checks that with the HTTP transport a node
// without a reachable address never answers.
func TestNewEngineHTTPTransport(t *testing.T) {
	engine := newEngine(config{Transport: "http", MaxLogSize: 10}, storage.NewInmemRaftStore(), hclog.NewNullLogger())

	_, err := engine.CreateCluster(consensus.ClusterSpec{ID: "c1", Members: []string{"a", "b", "c"}})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, err := engine.RegisterNode(consensus.NodeSpec{ID: id, ClusterID: "c1"})
		require.NoError(t, err)
	}
	results, err := engine.SendHeartbeats(context.Background(), "c1")
	require.NoError(t, err)
	for id, hbErr := range results {
		assert.Error(t, hbErr, id)
	}
}

// TestNewEngineDataDir checks that with DATA_DIR set, election outcomes land
// on disk and outlive the process's store.
func TestNewEngineDataDir(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)

	engine := newEngine(config{Transport: "ack", MaxLogSize: 10, DataDir: dir}, store, hclog.NewNullLogger())
	_, err = engine.CreateCluster(consensus.ClusterSpec{ID: "c1", Members: []string{"a", "b"}})
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := engine.RegisterNode(consensus.NodeSpec{ID: id, ClusterID: "c1"})
		require.NoError(t, err)
	}
	r, err := engine.TriggerElection(context.Background(), "c1", "test")
	require.NoError(t, err)
	require.True(t, r.QuorumReached)
	_, err = engine.AppendEntry(context.Background(), "c1", []byte("x"), consensus.EntryStateUpdate)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := storage.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	term, vote, err := reopened.LoadNodeState("b")
	require.NoError(t, err)
	assert.Equal(t, r.Term, term)
	assert.Equal(t, r.WinnerID, vote)
	entries, err := reopened.Entries("c1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
