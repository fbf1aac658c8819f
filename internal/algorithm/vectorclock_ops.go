package algorithm

import (
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// VectorClockOps provides pure operations on vector clocks
type VectorClockOps struct{}

// NewVectorClockOps creates a new VectorClockOps
func NewVectorClockOps() *VectorClockOps {
	return &VectorClockOps{}
}

// Compare compares two vector clocks
func (v *VectorClockOps) Compare(vc1, vc2 model.VectorClock) model.VectorClockComparison {
	allBefore := true
	allAfter := true

	// Missing components count as zero, so walk the union of both key sets
	for nodeID, ts1 := range vc1 {
		ts2 := vc2[nodeID]
		if ts1 < ts2 {
			allAfter = false
		} else if ts1 > ts2 {
			allBefore = false
		}
	}
	for nodeID, ts2 := range vc2 {
		if _, seen := vc1[nodeID]; seen {
			continue
		}
		if ts2 > 0 {
			allAfter = false
		}
	}

	if allBefore && allAfter {
		return model.VectorClockEqual
	}
	if allBefore {
		return model.VectorClockBefore
	}
	if allAfter {
		return model.VectorClockAfter
	}
	return model.VectorClockConcurrent
}

// LessOrEqual reports a <= b componentwise
func (v *VectorClockOps) LessOrEqual(a, b model.VectorClock) bool {
	for nodeID, ts := range a {
		if ts > b[nodeID] {
			return false
		}
	}
	return true
}

// Descends reports whether a has observed everything b has (b <= a)
func (v *VectorClockOps) Descends(a, b model.VectorClock) bool {
	return v.LessOrEqual(b, a)
}

// Concurrent reports whether neither clock dominates the other
func (v *VectorClockOps) Concurrent(a, b model.VectorClock) bool {
	return v.Compare(a, b) == model.VectorClockConcurrent
}

// Merge merges multiple vector clocks into their pointwise maximum
func (v *VectorClockOps) Merge(clocks ...model.VectorClock) model.VectorClock {
	merged := make(model.VectorClock)

	for _, clock := range clocks {
		for nodeID, timestamp := range clock {
			if existing, exists := merged[nodeID]; !exists || timestamp > existing {
				merged[nodeID] = timestamp
			}
		}
	}

	return merged
}

// Increment returns a copy of the clock with nodeID's counter advanced by one
func (v *VectorClockOps) Increment(vc model.VectorClock, nodeID string) model.VectorClock {
	out := vc.Clone()
	out[nodeID]++
	return out
}

// GetMaxTimestamp returns the maximum counter in the vector clock
func (v *VectorClockOps) GetMaxTimestamp(vc model.VectorClock) uint64 {
	var max uint64
	for _, ts := range vc {
		if ts > max {
			max = ts
		}
	}
	return max
}

// Sum returns the total number of events reflected in the clock
func (v *VectorClockOps) Sum(vc model.VectorClock) uint64 {
	var sum uint64
	for _, ts := range vc {
		sum += ts
	}
	return sum
}
