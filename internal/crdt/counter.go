// Package crdt implements state-based counters that converge without
// coordination: a grow-only G-Counter and a PN-Counter built from two of them.
//
// Every node only grows its own slot. Merging takes the per-node maximum, which
// makes Merge commutative, associative and idempotent, so replicas can
// exchange state in any order, any number of times, and agree.
package crdt

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var (
	// ErrNotFound is returned when a counter ID is not in the store.
	ErrNotFound = errors.New("crdt not found")

	// ErrTypeMismatch is returned when merging counters of different types.
	ErrTypeMismatch = errors.New("crdt type mismatch")

	// ErrInvalidOperation is returned for operations the counter type does not
	// support, such as decrementing a G-Counter.
	ErrInvalidOperation = errors.New("invalid crdt operation")
)

// Type is the kind of counter.
type Type string

const (
	GCounter  Type = "gcounter"
	PNCounter Type = "pncounter"
)

// Valid reports whether t is a known counter type.
func (t Type) Valid() bool {
	return t == GCounter || t == PNCounter
}

// Counter is a G-Counter or PN-Counter state. Decrements is always empty for
// a G-Counter.
type Counter struct {
	Increments map[string]uint64 `json:"increments"`
	Decrements map[string]uint64 `json:"decrements"`
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
}

// NewCounter returns a zeroed counter with a slot for each node.
func NewCounter(id string, t Type, nodes ...string) (Counter, error) {
	if !t.Valid() {
		return Counter{}, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, t)
	}
	c := Counter{
		ID:         id,
		Type:       t,
		Increments: make(map[string]uint64, len(nodes)),
		Decrements: make(map[string]uint64),
	}
	for _, n := range nodes {
		c.Increments[n] = 0
		if t == PNCounter {
			c.Decrements[n] = 0
		}
	}
	return c, nil
}

// Value is the sum of increments minus the sum of decrements, clamped to the
// int64 range.
func (c Counter) Value() int64 {
	inc, dec := total(c.Increments), total(c.Decrements)
	if inc >= dec {
		if d := inc - dec; d <= math.MaxInt64 {
			return int64(d)
		}
		return math.MaxInt64
	}
	if d := dec - inc; d <= math.MaxInt64 {
		return -int64(d)
	}
	return math.MinInt64
}

// total sums slots, saturating at math.MaxUint64 so merged state from many
// nodes can never wrap.
func total(slots map[string]uint64) uint64 {
	var sum uint64
	for _, n := range slots {
		s, carry := bits.Add64(sum, n, 0)
		if carry != 0 {
			return math.MaxUint64
		}
		sum = s
	}
	return sum
}

// grow adds amount to slot. A slot never exceeds math.MaxInt64, so it only
// ever grows and one node's contribution always fits a Value.
func grow(slot, amount uint64) (uint64, error) {
	sum, carry := bits.Add64(slot, amount, 0)
	if carry != 0 || sum > math.MaxInt64 {
		return slot, fmt.Errorf("%w: slot overflow adding %d to %d", ErrInvalidOperation, amount, slot)
	}
	return sum, nil
}

// Increment adds amount to nodeID's own increment slot.
func (c *Counter) Increment(nodeID string, amount uint64) error {
	if nodeID == "" {
		return fmt.Errorf("%w: node id required", ErrInvalidOperation)
	}
	n, err := grow(c.Increments[nodeID], amount)
	if err != nil {
		return err
	}
	c.Increments[nodeID] = n
	return nil
}

// Decrement adds amount to nodeID's own decrement slot. Only PN-Counters
// support it.
func (c *Counter) Decrement(nodeID string, amount uint64) error {
	if c.Type != PNCounter {
		return fmt.Errorf("%w: decrement on %s", ErrInvalidOperation, c.Type)
	}
	if nodeID == "" {
		return fmt.Errorf("%w: node id required", ErrInvalidOperation)
	}
	n, err := grow(c.Decrements[nodeID], amount)
	if err != nil {
		return err
	}
	c.Decrements[nodeID] = n
	return nil
}

// Clone returns a deep copy of c.
func (c Counter) Clone() Counter {
	out := Counter{
		ID:         c.ID,
		Type:       c.Type,
		Increments: make(map[string]uint64, len(c.Increments)),
		Decrements: make(map[string]uint64, len(c.Decrements)),
	}
	for k, v := range c.Increments {
		out.Increments[k] = v
	}
	for k, v := range c.Decrements {
		out.Decrements[k] = v
	}
	return out
}

// Equal reports whether a and b hold the same type and contributions. Missing
// slots count as zero; IDs are ignored.
func Equal(a, b Counter) bool {
	return a.Type == b.Type && slotsEqual(a.Increments, b.Increments) && slotsEqual(a.Decrements, b.Decrements)
}

func slotsEqual(a, b map[string]uint64) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v {
			return false
		}
	}
	return true
}

// Merge joins two counters of the same type by taking each node's larger
// contribution. The result keeps a's ID.
func Merge(a, b Counter) (Counter, error) {
	if a.Type != b.Type {
		return Counter{}, fmt.Errorf("%w: %s and %s", ErrTypeMismatch, a.Type, b.Type)
	}
	out := a.Clone()
	joinSlots(out.Increments, b.Increments)
	joinSlots(out.Decrements, b.Decrements)
	return out, nil
}

func joinSlots(dst, src map[string]uint64) {
	for node, v := range src {
		if v > dst[node] {
			dst[node] = v
		} else if _, ok := dst[node]; !ok {
			dst[node] = v
		}
	}
}
