package model

import (
	"fmt"
	"sort"
	"strings"
)

// VectorClock maps a node identifier to its logical counter.
// A node missing from the map has counter 0.
type VectorClock map[string]uint64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for a node
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Clone returns a deep copy of the clock
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for node, counter := range vc {
		out[node] = counter
	}
	return out
}

// Nodes returns the node ids present in the clock, sorted
func (vc VectorClock) Nodes() []string {
	nodes := make([]string, 0, len(vc))
	for node := range vc {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// String renders the clock deterministically, e.g. {a:1,b:3}
func (vc VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, node := range vc.Nodes() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", node, vc[node])
	}
	b.WriteByte('}')
	return b.String()
}

// VectorClockComparison represents the result of comparing two vector clocks
type VectorClockComparison int

const (
	// VectorClockEqual means both vector clocks are identical
	VectorClockEqual VectorClockComparison = iota
	// VectorClockBefore means first happens before second
	VectorClockBefore
	// VectorClockAfter means first happens after second
	VectorClockAfter
	// VectorClockConcurrent means neither clock dominates the other
	VectorClockConcurrent
)

func (c VectorClockComparison) String() string {
	switch c {
	case VectorClockEqual:
		return "equal"
	case VectorClockBefore:
		return "before"
	case VectorClockAfter:
		return "after"
	case VectorClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}
