package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Store holds named counters. It is safe for concurrent use and returns
// copies, never its own state.
type Store struct {
	counters map[string]*Counter
	mu       sync.RWMutex
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{counters: make(map[string]*Counter)}
}

// Create stores a new zeroed counter with a slot for each initial node.
func (s *Store) Create(t Type, initialNodes []string) (Counter, error) {
	c, err := NewCounter(uuid.NewString(), t, initialNodes...)
	if err != nil {
		return Counter{}, err
	}
	s.mu.Lock()
	s.counters[c.ID] = &c
	s.mu.Unlock()
	return c.Clone(), nil
}

// Get returns a copy of a counter.
func (s *Store) Get(id string) (Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[id]
	if !ok {
		return Counter{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// List returns copies of all counters sorted by ID.
func (s *Store) List() []Counter {
	s.mu.RLock()
	out := make([]Counter, 0, len(s.counters))
	for _, c := range s.counters {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Counter) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Increment adds amount to nodeID's slot of counter id.
func (s *Store) Increment(id, nodeID string, amount uint64) (Counter, error) {
	return s.update(id, func(c *Counter) error { return c.Increment(nodeID, amount) })
}

// Decrement adds amount to nodeID's decrement slot of counter id. It fails
// with ErrInvalidOperation on a G-Counter.
func (s *Store) Decrement(id, nodeID string, amount uint64) (Counter, error) {
	return s.update(id, func(c *Counter) error { return c.Decrement(nodeID, amount) })
}

func (s *Store) update(id string, fn func(*Counter) error) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[id]
	if !ok {
		return Counter{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := c.Clone()
	if err := fn(&next); err != nil {
		return Counter{}, err
	}
	*c = next
	return next.Clone(), nil
}

// Value returns the current value of counter id.
func (s *Store) Value(id string) (int64, error) {
	c, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return c.Value(), nil
}

// Merge joins counter bID into counter aID and returns the new state of a.
// b is left unchanged. Counters of different types fail with ErrTypeMismatch
// and nothing is modified.
func (s *Store) Merge(aID, bID string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.counters[aID]
	if !ok {
		return Counter{}, fmt.Errorf("%w: %s", ErrNotFound, aID)
	}
	b, ok := s.counters[bID]
	if !ok {
		return Counter{}, fmt.Errorf("%w: %s", ErrNotFound, bID)
	}
	merged, err := Merge(*a, *b)
	if err != nil {
		return Counter{}, err
	}
	*a = merged
	return merged.Clone(), nil
}
