package causality

import (
	"testing"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Requirements(t *testing.T) {
	tr := NewTracker(10, nil)

	reqs := tr.Requirements("A", model.VectorClock{"A": 3, "B": 2, "C": 0})
	assert.Equal(t, []Requirement{{NodeID: "A", Counter: 2}, {NodeID: "B", Counter: 2}}, reqs)

	assert.Empty(t, tr.Requirements("A", model.VectorClock{"A": 1}))
	assert.Empty(t, tr.Requirements("A", model.VectorClock{}))
}

func TestTracker_UnsatisfiedFollowsAppliedClock(t *testing.T) {
	tr := NewTracker(10, nil)
	reqs := []Requirement{{NodeID: "A", Counter: 2}, {NodeID: "B", Counter: 1}}

	assert.Len(t, tr.Unsatisfied(reqs), 2)

	tr.MarkApplied("A", model.VectorClock{"A": 1})
	tr.MarkApplied("A", model.VectorClock{"A": 2})
	assert.Equal(t, []Requirement{{NodeID: "B", Counter: 1}}, tr.Unsatisfied(reqs))

	// applying an older event never moves the clock backwards
	tr.MarkApplied("A", model.VectorClock{"A": 1})
	assert.Equal(t, uint64(2), tr.Applied()["A"])

	tr.MarkApplied("B", model.VectorClock{"A": 2, "B": 1})
	assert.Empty(t, tr.Unsatisfied(reqs))
}

func TestTracker_AppliedClockWaitsForGaps(t *testing.T) {
	tr := NewTracker(10, nil)
	reqA1 := []Requirement{{NodeID: "A", Counter: 1}}
	reqA3 := []Requirement{{NodeID: "A", Counter: 3}}

	// A2 and A3 applied before A1: nothing from A is covered yet
	tr.MarkApplied("A", model.VectorClock{"A": 3})
	tr.MarkApplied("A", model.VectorClock{"A": 2})
	assert.Equal(t, reqA1, tr.Unsatisfied(reqA1))
	assert.Equal(t, reqA3, tr.Unsatisfied(reqA3))
	assert.Zero(t, tr.Applied()["A"])

	// closing the gap absorbs the held counters
	tr.MarkApplied("A", model.VectorClock{"A": 1})
	assert.Empty(t, tr.Unsatisfied(reqA3))
	assert.Equal(t, uint64(3), tr.Applied()["A"])

	tr.MarkApplied("A", model.VectorClock{"A": 5})
	assert.Equal(t, uint64(3), tr.Applied()["A"])
	tr.MarkApplied("A", model.VectorClock{"A": 4})
	assert.Equal(t, uint64(5), tr.Applied()["A"])
}

func TestTracker_IndexAndRelations(t *testing.T) {
	tr := NewTracker(10, nil)
	tr.Record("e1", "A", model.VectorClock{"A": 1})
	tr.Record("e2", "B", model.VectorClock{"A": 1, "B": 1})
	tr.Record("e3", "C", model.VectorClock{"C": 1})

	id, ok := tr.Lookup(Requirement{NodeID: "A", Counter: 1})
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	assert.True(t, tr.HappensBefore("e1", "e2"))
	assert.False(t, tr.HappensBefore("e2", "e1"))
	assert.True(t, tr.Concurrent("e2", "e3"))
	assert.False(t, tr.Concurrent("e1", "missing"))

	tr.Forget("e1")
	_, ok = tr.Lookup(Requirement{NodeID: "A", Counter: 1})
	assert.False(t, ok)
	_, ok = tr.Clock("e1")
	assert.False(t, ok)
}

func TestTracker_CheckOrdering(t *testing.T) {
	tr := NewTracker(10, nil)
	tr.Record("dep", "A", model.VectorClock{"A": 1})
	tr.Record("late", "B", model.VectorClock{"B": 5})

	assert.NoError(t, tr.CheckOrdering("ok", model.VectorClock{"A": 2}, []string{"dep", "unknown"}, nil))

	err := tr.CheckOrdering("bad", model.VectorClock{"A": 1}, []string{"dep"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCausalityViolation))

	// a dependency arriving after its dependent must precede it as well
	err = tr.CheckOrdering("dep2", model.VectorClock{"B": 9}, nil, []string{"late"})
	require.Error(t, err)

	violations := tr.Violations()
	require.Len(t, violations, 2)
	assert.Equal(t, InconsistentVectorClocks, violations[0].Type)
	assert.Equal(t, []string{"dep"}, violations[0].Related)
	assert.Equal(t, uint64(2), tr.ViolationCount())
}

func TestTracker_ViolationLogBounded(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.RecordViolation(PrematureDelivery, "a", nil, "x")
	tr.RecordViolation(PrematureDelivery, "b", nil, "x")
	tr.RecordViolation(CircularDependency, "c", nil, "x")

	v := tr.Violations()
	require.Len(t, v, 2)
	assert.Equal(t, "b", v[0].EventID)
	assert.Equal(t, uint64(3), tr.ViolationCount())
}
