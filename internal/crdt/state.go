// Package crdt implements the state-based replicated data types the
// synchronization engine merges without coordination, and the Manager that
// holds named instances of them.
//
// Every Merge is commutative, associative and idempotent, so replicas that
// exchange states in any order and any number of times converge.
package crdt

import (
	"github.com/lspecian/vexfs/eventsync/internal/algorithm"
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

// State is implemented by every CRDT type in this package
type State interface {
	Type() model.CRDTType
	cloneState() State
}

var vcOps = algorithm.NewVectorClockOps()

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
