package algorithm

import (
	"testing"

	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestVectorClockOps_Compare(t *testing.T) {
	ops := NewVectorClockOps()

	tests := []struct {
		name     string
		a        model.VectorClock
		b        model.VectorClock
		expected model.VectorClockComparison
	}{
		{
			name:     "both empty",
			a:        model.VectorClock{},
			b:        model.VectorClock{},
			expected: model.VectorClockEqual,
		},
		{
			name:     "explicit zero equals missing",
			a:        model.VectorClock{"a": 0},
			b:        model.VectorClock{},
			expected: model.VectorClockEqual,
		},
		{
			name:     "before",
			a:        model.VectorClock{"a": 1},
			b:        model.VectorClock{"a": 2, "b": 1},
			expected: model.VectorClockBefore,
		},
		{
			name:     "after",
			a:        model.VectorClock{"a": 3, "b": 1},
			b:        model.VectorClock{"a": 2},
			expected: model.VectorClockAfter,
		},
		{
			name:     "concurrent",
			a:        model.VectorClock{"a": 1},
			b:        model.VectorClock{"b": 1},
			expected: model.VectorClockConcurrent,
		},
		{
			name:     "concurrent with shared node",
			a:        model.VectorClock{"a": 2, "b": 1},
			b:        model.VectorClock{"a": 1, "b": 2},
			expected: model.VectorClockConcurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ops.Compare(tt.a, tt.b))
		})
	}
}

func TestVectorClockOps_PartialOrderProperties(t *testing.T) {
	ops := NewVectorClockOps()
	clocks := []model.VectorClock{
		{},
		{"a": 1},
		{"a": 2, "b": 1},
		{"b": 3},
		{"a": 1, "b": 1, "c": 4},
		{"a": 2, "b": 3, "c": 4},
	}

	for _, a := range clocks {
		// reflexive
		assert.True(t, ops.LessOrEqual(a, a))
		assert.Equal(t, model.VectorClockEqual, ops.Compare(a, a))

		for _, b := range clocks {
			// antisymmetric
			if ops.LessOrEqual(a, b) && ops.LessOrEqual(b, a) {
				assert.Equal(t, model.VectorClockEqual, ops.Compare(a, b))
			}

			// merge dominates both inputs
			merged := ops.Merge(a, b)
			assert.True(t, ops.LessOrEqual(a, merged), "merge(%s,%s) >= %s", a, b, a)
			assert.True(t, ops.LessOrEqual(b, merged), "merge(%s,%s) >= %s", a, b, b)

			// compare is mirror-consistent
			switch ops.Compare(a, b) {
			case model.VectorClockBefore:
				assert.Equal(t, model.VectorClockAfter, ops.Compare(b, a))
			case model.VectorClockConcurrent:
				assert.True(t, ops.Concurrent(b, a))
			}
		}
	}
}

func TestVectorClockOps_IncrementIsPure(t *testing.T) {
	ops := NewVectorClockOps()
	original := model.VectorClock{"a": 1}

	next := ops.Increment(original, "a")

	assert.Equal(t, uint64(1), original["a"])
	assert.Equal(t, uint64(2), next["a"])
	assert.Equal(t, model.VectorClockBefore, ops.Compare(original, next))
}

func TestVectorClockOps_Descends(t *testing.T) {
	ops := NewVectorClockOps()

	assert.True(t, ops.Descends(model.VectorClock{"a": 2, "b": 1}, model.VectorClock{"a": 1}))
	assert.True(t, ops.Descends(model.VectorClock{"a": 1}, model.VectorClock{"a": 1}))
	assert.False(t, ops.Descends(model.VectorClock{"a": 1}, model.VectorClock{"b": 1}))
}

func TestVectorClockOps_MaxAndSum(t *testing.T) {
	ops := NewVectorClockOps()
	vc := model.VectorClock{"a": 4, "b": 7, "c": 1}

	assert.Equal(t, uint64(7), ops.GetMaxTimestamp(vc))
	assert.Equal(t, uint64(12), ops.Sum(vc))
}

func TestQuorumCalculator_GetRequiredReplicas(t *testing.T) {
	q := NewQuorumCalculator()

	tests := []struct {
		name     string
		protocol model.SyncProtocol
		rf       int
		expected int
	}{
		{"strong rf3", model.ProtocolStrong, 3, 2},
		{"strong rf5", model.ProtocolStrong, 5, 3},
		{"strong rf4", model.ProtocolStrong, 4, 3},
		{"linearizable rf3", model.ProtocolLinearizable, 3, 3},
		{"eventual needs none", model.ProtocolEventual, 3, 0},
		{"causal needs none", model.ProtocolCausal, 3, 0},
		{"zero rf treated as one", model.ProtocolStrong, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, q.GetRequiredReplicas(tt.protocol, tt.rf))
		})
	}

	assert.True(t, q.IsQuorumReached(model.ProtocolStrong, 2, 3))
	assert.False(t, q.IsQuorumReached(model.ProtocolLinearizable, 2, 3))
}
