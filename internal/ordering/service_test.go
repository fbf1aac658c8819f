package ordering

import (
	"fmt"
	"testing"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(node string, seq uint64) *model.DistributedSemanticEvent {
	return &model.DistributedSemanticEvent{
		Event:       &model.SemanticEvent{ID: fmt.Sprintf("%s-%d", node, seq), Origin: node},
		VectorClock: model.VectorClock{node: seq},
	}
}

func ids(ds []Delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Event.ID())
	}
	return out
}

func TestService_PerNodeFIFO(t *testing.T) {
	s := NewService(10, nil)

	for _, seq := range []uint64{3, 1, 4, 2} {
		_, err := s.Submit(event("A", seq), seq)
		require.NoError(t, err)
	}
	n, err := s.Submit(event("B", 1), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	delivered := s.Drain(0)
	assert.Equal(t, []string{"A-1", "A-2", "A-3", "A-4", "B-1"}, ids(delivered))
	for i, d := range delivered {
		assert.Equal(t, uint64(i+1), d.GlobalSequence)
	}
	assert.Equal(t, 0, s.Buffered())
	assert.Equal(t, uint64(5), s.Expected("A"))
	assert.Equal(t, uint64(5), s.GlobalSequence())
}

func TestService_ReleaseCount(t *testing.T) {
	s := NewService(10, nil)
	n, err := s.Submit(event("A", 2), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, s.Buffered())

	n, err = s.Submit(event("A", 1), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestService_BoundedBuffer(t *testing.T) {
	s := NewService(2, nil)
	_, err := s.Submit(event("A", 2), 2)
	require.NoError(t, err)
	_, err = s.Submit(event("A", 3), 3)
	require.NoError(t, err)
	assert.True(t, s.Full())

	_, err = s.Submit(event("A", 4), 4)
	assert.True(t, errors.IsCode(err, errors.ErrCodeResourceExhausted))

	// in-order events are never blocked by a full buffer
	n, err := s.Submit(event("A", 1), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestService_RejectsDuplicatesAndStale(t *testing.T) {
	s := NewService(10, nil)
	_, err := s.Submit(event("A", 1), 1)
	require.NoError(t, err)

	_, err = s.Submit(event("A", 1), 1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = s.Submit(event("A", 3), 3)
	require.NoError(t, err)
	_, err = s.Submit(event("A", 3), 3)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = s.Submit(event("A", 0), 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestService_DeclareLostSkipsGap(t *testing.T) {
	s := NewService(10, nil)
	_, _ = s.Submit(event("A", 3), 3)
	_, _ = s.Submit(event("A", 5), 5)

	assert.Equal(t, 0, s.DeclareLost("A", 0))
	released := s.DeclareLost("A", 2)
	assert.Equal(t, 1, released)
	assert.Equal(t, []string{"A-3"}, ids(s.Drain(0)))
	assert.Equal(t, uint64(4), s.Expected("A"))

	released = s.DeclareLost("A", 4)
	assert.Equal(t, 1, released)
	assert.Equal(t, []string{"A-5"}, ids(s.Drain(0)))
}

func TestService_ExpireStale(t *testing.T) {
	s := NewService(10, nil)
	_, _ = s.Submit(event("A", 2), 2)

	assert.Equal(t, 0, s.ExpireStale(time.Hour))
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, s.ExpireStale(time.Millisecond))
	assert.Equal(t, []string{"A-2"}, ids(s.Drain(0)))
}

func TestService_DrainPartialAndDiscard(t *testing.T) {
	s := NewService(10, nil)
	for seq := uint64(1); seq <= 3; seq++ {
		_, _ = s.Submit(event("A", seq), seq)
	}
	assert.Equal(t, []string{"A-1", "A-2"}, ids(s.Drain(2)))
	assert.Equal(t, []string{"A-3"}, ids(s.Drain(5)))
	assert.Empty(t, s.Drain(0))

	_, _ = s.Submit(event("B", 2), 2)
	assert.True(t, s.Discard("B-2"))
	assert.False(t, s.Discard("B-2"))
	assert.Equal(t, 0, s.Buffered())
}

func TestService_InstancesDoNotShareCounters(t *testing.T) {
	a := NewService(10, nil)
	b := NewService(10, nil)
	_, _ = a.Submit(event("A", 1), 1)
	assert.Equal(t, uint64(1), a.GlobalSequence())
	assert.Equal(t, uint64(0), b.GlobalSequence())
	assert.Equal(t, uint64(1), b.Expected("A"))
}
