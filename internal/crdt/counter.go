package crdt

import (
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// GCounter is a grow-only counter: one non-negative entry per node
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter creates an empty grow-only counter
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

// Type implements State
func (c *GCounter) Type() model.CRDTType { return model.CRDTGCounter }

// Increment adds delta to the node's own entry
func (c *GCounter) Increment(nodeID string, delta uint64) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	c.Counts[nodeID] += delta
}

// Value returns the sum of all entries
func (c *GCounter) Value() uint64 {
	var sum uint64
	for _, n := range c.Counts {
		sum += n
	}
	return sum
}

// Merge takes the pointwise maximum of both counters
func (c *GCounter) Merge(other *GCounter) {
	if other == nil {
		return
	}
	if c.Counts == nil {
		c.Counts = make(map[string]uint64, len(other.Counts))
	}
	for node, n := range other.Counts {
		if n > c.Counts[node] {
			c.Counts[node] = n
		}
	}
}

// Clone returns a deep copy
func (c *GCounter) Clone() *GCounter {
	out := NewGCounter()
	for node, n := range c.Counts {
		out.Counts[node] = n
	}
	return out
}

func (c *GCounter) cloneState() State { return c.Clone() }

// PNCounter supports increments and decrements as a pair of grow-only counters
type PNCounter struct {
	Positive *GCounter `json:"positive"`
	Negative *GCounter `json:"negative"`
}

// NewPNCounter creates an empty PN counter
func NewPNCounter() *PNCounter {
	return &PNCounter{Positive: NewGCounter(), Negative: NewGCounter()}
}

// Type implements State
func (c *PNCounter) Type() model.CRDTType { return model.CRDTPNCounter }

// Increment adds delta on behalf of nodeID
func (c *PNCounter) Increment(nodeID string, delta uint64) {
	c.ensure()
	c.Positive.Increment(nodeID, delta)
}

// Decrement subtracts delta on behalf of nodeID
func (c *PNCounter) Decrement(nodeID string, delta uint64) {
	c.ensure()
	c.Negative.Increment(nodeID, delta)
}

// Value returns positive minus negative
func (c *PNCounter) Value() int64 {
	c.ensure()
	return int64(c.Positive.Value()) - int64(c.Negative.Value())
}

// Merge merges both halves independently
func (c *PNCounter) Merge(other *PNCounter) {
	if other == nil {
		return
	}
	c.ensure()
	c.Positive.Merge(other.Positive)
	c.Negative.Merge(other.Negative)
}

// Clone returns a deep copy
func (c *PNCounter) Clone() *PNCounter {
	c.ensure()
	return &PNCounter{Positive: c.Positive.Clone(), Negative: c.Negative.Clone()}
}

func (c *PNCounter) cloneState() State { return c.Clone() }

func (c *PNCounter) ensure() {
	if c.Positive == nil {
		c.Positive = NewGCounter()
	}
	if c.Negative == nil {
		c.Negative = NewGCounter()
	}
}
