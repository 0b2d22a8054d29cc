package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/dreamware/quorum/internal/consensus"
)

// RaftStore persists consensus state in hashicorp/raft stores: one LogStore
// per cluster for log entries and a shared StableStore for node terms and
// votes. It implements consensus.Storage and is safe for concurrent use.
//
// Raft log indices start at 1, so entry i is stored at raft index i+1.
type RaftStore struct {
	stable      raft.StableStore
	newLogStore func(clusterID string) (raft.LogStore, error)
	logs        map[string]raft.LogStore
	mu          sync.Mutex
}

var _ consensus.Storage = (*RaftStore)(nil)

// NewRaftStore builds a RaftStore on stable, creating a log store with
// newLogStore the first time a cluster is written or read.
func NewRaftStore(stable raft.StableStore, newLogStore func(clusterID string) (raft.LogStore, error)) *RaftStore {
	return &RaftStore{
		stable:      stable,
		newLogStore: newLogStore,
		logs:        make(map[string]raft.LogStore),
	}
}

// NewInmemRaftStore returns a RaftStore backed by raft.InmemStore. Nothing
// survives the process; it is meant for tests and single-process runs.
func NewInmemRaftStore() *RaftStore {
	return NewRaftStore(raft.NewInmemStore(), func(string) (raft.LogStore, error) {
		return raft.NewInmemStore(), nil
	})
}

// OpenBoltRaftStore returns a RaftStore kept in BoltDB files under dir:
// stable.db for node state and one log-<cluster>.db per cluster. The
// directory is created if needed. Close releases the files.
func OpenBoltRaftStore(dir string) (*RaftStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	stable, err := raftboltdb.NewBoltStore(filepath.Join(dir, "stable.db"))
	if err != nil {
		return nil, fmt.Errorf("open stable store: %w", err)
	}
	return NewRaftStore(stable, func(clusterID string) (raft.LogStore, error) {
		path := filepath.Join(dir, "log-"+url.PathEscape(clusterID)+".db")
		ls, err := raftboltdb.NewBoltStore(path)
		if err != nil {
			return nil, fmt.Errorf("open log store of %s: %w", clusterID, err)
		}
		return ls, nil
	}), nil
}

// Open returns a BoltDB-backed store under dir, or an in-memory one when dir
// is empty.
func Open(dir string) (*RaftStore, error) {
	if dir == "" {
		return NewInmemRaftStore(), nil
	}
	return OpenBoltRaftStore(dir)
}

// Close closes every underlying store that holds resources.
func (s *RaftStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, ls := range s.logs {
		if c, ok := ls.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log store of %s: %w", id, err))
			}
		}
		delete(s.logs, id)
	}
	if c, ok := s.stable.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stable store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *RaftStore) logStore(clusterID string) (raft.LogStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.logs[clusterID]; ok {
		return ls, nil
	}
	ls, err := s.newLogStore(clusterID)
	if err != nil {
		return nil, err
	}
	s.logs[clusterID] = ls
	return ls, nil
}

// AppendEntry stores entry, replacing any entry already at its index.
func (s *RaftStore) AppendEntry(clusterID string, entry consensus.LogEntry) error {
	if entry.Index < 0 {
		return fmt.Errorf("append to %s: negative index %d", clusterID, entry.Index)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %d: %w", entry.Index, err)
	}
	ls, err := s.logStore(clusterID)
	if err != nil {
		return err
	}
	return ls.StoreLog(&raft.Log{
		Index:      uint64(entry.Index) + 1,
		Term:       entry.Term,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: entry.CreatedAt,
	})
}

// TruncateSuffix deletes every entry with an index >= from.
func (s *RaftStore) TruncateSuffix(clusterID string, from int64) error {
	if from < 0 {
		from = 0
	}
	ls, err := s.logStore(clusterID)
	if err != nil {
		return err
	}
	last, err := ls.LastIndex()
	if err != nil {
		return fmt.Errorf("last index of %s: %w", clusterID, err)
	}
	lo := uint64(from) + 1
	if last < lo {
		return nil
	}
	if err := ls.DeleteRange(lo, last); err != nil {
		return fmt.Errorf("truncate %s from %d: %w", clusterID, from, err)
	}
	return nil
}

// Entries returns the stored entries of clusterID, oldest first.
func (s *RaftStore) Entries(clusterID string) ([]consensus.LogEntry, error) {
	ls, err := s.logStore(clusterID)
	if err != nil {
		return nil, err
	}
	first, err := ls.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("first index of %s: %w", clusterID, err)
	}
	last, err := ls.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("last index of %s: %w", clusterID, err)
	}
	if first == 0 || last < first {
		return nil, nil
	}

	out := make([]consensus.LogEntry, 0, last-first+1)
	for i := first; i <= last; i++ {
		var l raft.Log
		if err := ls.GetLog(i, &l); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return nil, fmt.Errorf("read %s entry %d: %w", clusterID, i-1, err)
		}
		var entry consensus.LogEntry
		if err := json.Unmarshal(l.Data, &entry); err != nil {
			return nil, fmt.Errorf("decode %s entry %d: %w", clusterID, i-1, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func termKey(nodeID string) []byte { return []byte("node/" + nodeID + "/term") }
func voteKey(nodeID string) []byte { return []byte("node/" + nodeID + "/voted_for") }

// SaveNodeState records a node's term and vote. The vote is written first so
// a term is never visible without the vote that goes with it.
func (s *RaftStore) SaveNodeState(nodeID string, term uint64, votedFor string) error {
	if err := s.stable.Set(voteKey(nodeID), []byte(votedFor)); err != nil {
		return fmt.Errorf("save vote of %s: %w", nodeID, err)
	}
	if err := s.stable.SetUint64(termKey(nodeID), term); err != nil {
		return fmt.Errorf("save term of %s: %w", nodeID, err)
	}
	return nil
}

// LoadNodeState returns a node's saved term and vote, or zero values if none
// was saved.
func (s *RaftStore) LoadNodeState(nodeID string) (uint64, string, error) {
	term, err := s.stable.GetUint64(termKey(nodeID))
	if err != nil && !errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, "", fmt.Errorf("load term of %s: %w", nodeID, err)
	}
	if term == 0 {
		return 0, "", nil
	}
	vote, err := s.stable.Get(voteKey(nodeID))
	if err != nil && !errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return 0, "", fmt.Errorf("load vote of %s: %w", nodeID, err)
	}
	return term, string(vote), nil
}
