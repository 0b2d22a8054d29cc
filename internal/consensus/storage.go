package consensus

// Storage persists what must survive a restart: log entries as they are
// appended, and each node's term and vote. SaveNodeState must complete before
// a vote is granted.
type Storage interface {
	AppendEntry(clusterID string, entry LogEntry) error
	// TruncateSuffix drops every entry with an index >= from.
	TruncateSuffix(clusterID string, from int64) error
	SaveNodeState(nodeID string, term uint64, votedFor string) error
	LoadNodeState(nodeID string) (term uint64, votedFor string, err error)
	Entries(clusterID string) ([]LogEntry, error)
}

// discardStorage keeps nothing. It is the engine's default so the core can run
// without a storage backend.
type discardStorage struct{}

func (discardStorage) AppendEntry(string, LogEntry) error          { return nil }
func (discardStorage) TruncateSuffix(string, int64) error          { return nil }
func (discardStorage) SaveNodeState(string, uint64, string) error  { return nil }
func (discardStorage) LoadNodeState(string) (uint64, string, error) { return 0, "", nil }
func (discardStorage) Entries(string) ([]LogEntry, error)           { return nil, nil }
