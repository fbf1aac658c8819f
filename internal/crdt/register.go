package crdt

import (
	"sort"

	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// LWWRegister keeps the value written with the latest timestamp.
// Equal timestamps are ordered by node id, then by value.
type LWWRegister struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

// NewLWWRegister creates an unset register
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

// Type implements State
func (r *LWWRegister) Type() model.CRDTType { return model.CRDTLWWRegister }

// Set writes value if (timestamp, nodeID) is newer than the current write.
// It reports whether the register changed.
func (r *LWWRegister) Set(value string, timestamp int64, nodeID string) bool {
	candidate := LWWRegister{Value: value, Timestamp: timestamp, NodeID: nodeID}
	if !candidate.newerThan(r) {
		return false
	}
	*r = candidate
	return true
}

// Merge keeps whichever write is newer
func (r *LWWRegister) Merge(other *LWWRegister) {
	if other == nil {
		return
	}
	if other.newerThan(r) {
		*r = *other
	}
}

// Clone returns a copy
func (r *LWWRegister) Clone() *LWWRegister {
	out := *r
	return &out
}

func (r *LWWRegister) cloneState() State { return r.Clone() }

func (r *LWWRegister) newerThan(other *LWWRegister) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp > other.Timestamp
	}
	if r.NodeID != other.NodeID {
		return r.NodeID > other.NodeID
	}
	return r.Value > other.Value
}

// MVEntry is one concurrently written value and the clock it was written at
type MVEntry struct {
	Value string            `json:"value"`
	Clock model.VectorClock `json:"clock"`
}

// MVRegister keeps every value whose write is not causally dominated by another
type MVRegister struct {
	Entries []MVEntry `json:"entries"`
}

// NewMVRegister creates an empty multi-value register
func NewMVRegister() *MVRegister {
	return &MVRegister{}
}

// Type implements State
func (r *MVRegister) Type() model.CRDTType { return model.CRDTMVRegister }

// Assign writes value locally: the new clock succeeds every current entry,
// so the register collapses to a single value.
func (r *MVRegister) Assign(value, nodeID string) model.VectorClock {
	clocks := make([]model.VectorClock, 0, len(r.Entries))
	for _, e := range r.Entries {
		clocks = append(clocks, e.Clock)
	}
	clock := vcOps.Increment(vcOps.Merge(clocks...), nodeID)
	r.Set(value, clock)
	return clock
}

// Set records value written at clock, dropping entries it dominates
func (r *MVRegister) Set(value string, clock model.VectorClock) {
	r.Entries = maximalEntries(append(r.Entries, MVEntry{Value: value, Clock: clock.Clone()}))
}

// Merge keeps the causally maximal entries of both registers
func (r *MVRegister) Merge(other *MVRegister) {
	if other == nil {
		return
	}
	combined := make([]MVEntry, 0, len(r.Entries)+len(other.Entries))
	combined = append(combined, r.Entries...)
	for _, e := range other.Entries {
		combined = append(combined, MVEntry{Value: e.Value, Clock: e.Clock.Clone()})
	}
	r.Entries = maximalEntries(combined)
}

// Values returns the current concurrent values, sorted
func (r *MVRegister) Values() []string {
	out := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e.Value)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy
func (r *MVRegister) Clone() *MVRegister {
	out := &MVRegister{Entries: make([]MVEntry, 0, len(r.Entries))}
	for _, e := range r.Entries {
		out.Entries = append(out.Entries, MVEntry{Value: e.Value, Clock: e.Clock.Clone()})
	}
	return out
}

func (r *MVRegister) cloneState() State { return r.Clone() }

// maximalEntries drops duplicates and every entry strictly dominated by another,
// returning the survivors in canonical order.
func maximalEntries(entries []MVEntry) []MVEntry {
	seen := make(map[string]struct{}, len(entries))
	unique := make([]MVEntry, 0, len(entries))
	for _, e := range entries {
		k := e.Clock.String() + "|" + e.Value
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, e)
	}

	out := make([]MVEntry, 0, len(unique))
	for i, e := range unique {
		dominated := false
		for j, other := range unique {
			if i != j && vcOps.Compare(e.Clock, other.Clock) == model.VectorClockBefore {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Clock.String(), out[j].Clock.String()
		if ci != cj {
			return ci < cj
		}
		return out[i].Value < out[j].Value
	})
	return out
}
