package service

import (
	"sync"

	"github.com/lspecian/vexfs/eventsync/internal/algorithm"
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// VectorClockService owns the local node's vector clock
type VectorClockService struct {
	nodeID string
	mu     sync.RWMutex
	clock  model.VectorClock
	vcOps  *algorithm.VectorClockOps
}

// NewVectorClockService creates a new vector clock service
func NewVectorClockService(nodeID string) *VectorClockService {
	return &VectorClockService{
		nodeID: nodeID,
		clock:  model.NewVectorClock(),
		vcOps:  algorithm.NewVectorClockOps(),
	}
}

// NodeID returns the id whose counter this service advances
func (s *VectorClockService) NodeID() string {
	return s.nodeID
}

// Increment records a local event and returns a snapshot of the new clock
func (s *VectorClockService) Increment() model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock[s.nodeID]++
	return s.clock.Clone()
}

// Update merges a remote clock into the local one without advancing the
// local counter, and returns a snapshot of the result
func (s *VectorClockService) Update(other model.VectorClock) model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	for nodeID, ts := range other {
		if ts > s.clock[nodeID] {
			s.clock[nodeID] = ts
		}
	}
	return s.clock.Clone()
}

// Snapshot returns a copy of the local clock
func (s *VectorClockService) Snapshot() model.VectorClock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Clone()
}

// Merge merges multiple vector clocks
func (s *VectorClockService) Merge(clocks ...model.VectorClock) model.VectorClock {
	return s.vcOps.Merge(clocks...)
}

// Compare compares two vector clocks
func (s *VectorClockService) Compare(vc1, vc2 model.VectorClock) model.VectorClockComparison {
	return s.vcOps.Compare(vc1, vc2)
}

// Reflects reports whether the local clock already covers vc
func (s *VectorClockService) Reflects(vc model.VectorClock) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vcOps.Descends(s.clock, vc)
}
