package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/batch"
	"github.com/lspecian/vexfs/eventsync/internal/causality"
	"github.com/lspecian/vexfs/eventsync/internal/conflict"
	"github.com/lspecian/vexfs/eventsync/internal/crdt"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockQuorum struct {
	mock.Mock
}

func (m *mockQuorum) AwaitQuorum(ctx context.Context, ev *model.DistributedSemanticEvent, required int) (int, error) {
	args := m.Called(ctx, ev, required)
	return args.Int(0), args.Error(1)
}

type recordingTransport struct {
	mu   sync.Mutex
	envs []*batch.Envelope
}

func (r *recordingTransport) Send(_ context.Context, env *batch.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingTransport) sent() []*batch.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*batch.Envelope(nil), r.envs...)
}

func newTestManager(t *testing.T, mutate func(*ManagerConfig), deps Dependencies) *EventSynchronizationManager {
	t.Helper()
	cfg := DefaultManagerConfig("node-local")
	if mutate != nil {
		mutate(&cfg)
	}
	deps.Logger = zap.NewNop()
	m, err := NewEventSynchronizationManager(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(time.Second) })
	return m
}

func dse(id, origin string, clock model.VectorClock, level model.ConsistencyLevel, deps ...string) *model.DistributedSemanticEvent {
	return &model.DistributedSemanticEvent{
		Event: &model.SemanticEvent{
			ID:           id,
			Type:         model.EventTypeGraphEdgeAdd,
			Origin:       origin,
			Timestamp:    time.Now(),
			Dependencies: deps,
		},
		VectorClock: clock,
		Metadata:    model.CoordinationMetadata{ConsistencyLevel: level},
	}
}

func syncedIDs(events []model.SynchronizedEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Metadata.SourceEventID)
	}
	return out
}

func TestManager_CausalWaitsForDeclaredDependency(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	id, err := m.SynchronizeEvent(ctx, dse("X", "A", model.VectorClock{"A": 1}, model.ConsistencyCausal, "Y"))
	require.NoError(t, err)
	assert.Equal(t, "X", id)

	pe, ok := m.PendingEvent("X")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusWaitingForDependencies, pe.State.Status)
	assert.Equal(t, []string{"Y"}, pe.UnresolvedDependencies)
	assert.Zero(t, m.SynchronizedLen())

	_, err = m.SynchronizeEvent(ctx, dse("Y", "A", model.VectorClock{"A": 0}, model.ConsistencyCausal))
	require.NoError(t, err)

	_, ok = m.PendingEvent("X")
	assert.False(t, ok)
	assert.Equal(t, []string{"Y", "X"}, syncedIDs(m.DrainSynchronized(0)))
	assert.NoError(t, m.AwaitEvent(ctx, "X"))
	assert.Empty(t, m.CausalityViolations())
}

func TestManager_CausalWaitsForClockRequirement(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	_, err := m.SynchronizeEvent(ctx, dse("B1", "B", model.VectorClock{"A": 1, "B": 1}, model.ConsistencyCausal))
	require.NoError(t, err)
	pe, ok := m.PendingEvent("B1")
	require.True(t, ok)
	assert.Equal(t, []string{"A@1"}, pe.UnresolvedDependencies)

	_, err = m.SynchronizeEvent(ctx, dse("A1", "A", model.VectorClock{"A": 1}, model.ConsistencyCausal))
	require.NoError(t, err)

	synced := m.DrainSynchronized(0)
	assert.Equal(t, []string{"A1", "B1"}, syncedIDs(synced))
	assert.Equal(t, model.ProtocolCausal, synced[1].Metadata.Protocol)
	assert.Equal(t, model.VectorClock{"A": 1, "B": 1}, m.Clock())
}

func TestManager_CycleRejected(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	_, err := m.SynchronizeEvent(ctx, dse("P", "A", model.VectorClock{"A": 1}, model.ConsistencyCausal, "Q"))
	require.NoError(t, err)

	id, err := m.SynchronizeEvent(ctx, dse("Q", "B", model.VectorClock{"B": 1}, model.ConsistencyCausal, "P"))
	assert.Equal(t, "Q", id)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCausalityViolation))

	violations := m.CausalityViolations()
	require.Len(t, violations, 1)
	assert.Equal(t, causality.CircularDependency, violations[0].Type)

	pe, ok := m.PendingEvent("Q")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusFailed, pe.State.Status)
	assert.Zero(t, m.SynchronizedLen())

	// rejected at admission: nothing to retry, but it can be discarded
	assert.True(t, errors.IsCode(m.RetryFailed(ctx, "Q"), errors.ErrCodeInvalidArgument))
	require.NoError(t, m.DiscardFailed("Q"))
	_, ok = m.PendingEvent("Q")
	assert.False(t, ok)

	// P keeps waiting
	pe, ok = m.PendingEvent("P")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusWaitingForDependencies, pe.State.Status)
	assert.Equal(t, uint64(1), m.GetSyncMetrics().CausalityViolations)
}

func TestManager_PendingCapacity(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.MaxPendingEvents = 2 }, Dependencies{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.SynchronizeEvent(ctx, dse(fmt.Sprintf("e%d", i), "A", model.VectorClock{"A": uint64(i + 1)},
			model.ConsistencyCausal, "missing"))
		require.NoError(t, err)
	}

	_, err := m.SynchronizeEvent(ctx, dse("e2", "A", model.VectorClock{"A": 3}, model.ConsistencyCausal, "missing"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeResourceExhausted))

	metrics := m.GetSyncMetrics()
	assert.Equal(t, uint64(1), metrics.RejectedEvents)
	assert.Equal(t, 2, metrics.PendingEvents)
	assert.Len(t, m.PendingEvents(), 2)
}

func TestManager_EventualAppliesCRDT(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	ev := dse("inc-b", "B", model.VectorClock{"B": 1}, model.ConsistencyEventual, "never-arrives")
	ev.Event.CRDT = &model.CRDTMutation{Type: model.CRDTGCounter, Key: "visits", Op: model.CRDTOpIncrement, Amount: 3}
	_, err := m.SynchronizeEvent(ctx, ev)
	require.NoError(t, err)

	ev = dse("inc-c", "C", model.VectorClock{"C": 1}, model.ConsistencyEventual)
	ev.Event.CRDT = &model.CRDTMutation{Type: model.CRDTGCounter, Key: "visits", Op: model.CRDTOpIncrement, Amount: 5}
	_, err = m.SynchronizeEvent(ctx, ev)
	require.NoError(t, err)

	v, ok := m.CRDTs().GCounterValue("visits")
	require.True(t, ok)
	assert.Equal(t, uint64(8), v)
	assert.Equal(t, 2, m.SynchronizedLen())
	assert.Equal(t, uint64(2), m.GetSyncMetrics().SuccessfulSyncs)
}

func TestManager_InvalidCRDTOperationFails(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})

	ev := dse("bad", "B", model.VectorClock{"B": 1}, model.ConsistencyEventual)
	ev.Event.CRDT = &model.CRDTMutation{Type: model.CRDTTwoPhaseSet, Key: "tags", Op: model.CRDTOpIncrement}
	_, err := m.SynchronizeEvent(context.Background(), ev)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	pe, ok := m.PendingEvent("bad")
	require.True(t, ok)
	assert.Equal(t, "crdt operation rejected", pe.State.Reason)
}

func TestManager_StrongQuorum(t *testing.T) {
	quorum := &mockQuorum{}
	quorum.On("AwaitQuorum", mock.Anything, mock.Anything, 2).Return(2, nil).Once()
	m := newTestManager(t, nil, Dependencies{Quorum: quorum})

	ev := dse("s1", "A", model.VectorClock{"A": 1}, model.ConsistencyStrong)
	ev.Metadata.ReplicationFactor = 3
	_, err := m.SynchronizeEvent(context.Background(), ev)
	require.NoError(t, err)

	synced := m.DrainSynchronized(0)
	require.Len(t, synced, 1)
	assert.Equal(t, 2, synced[0].Metadata.NodeCount)
	assert.Equal(t, model.ConsistencyStrong, synced[0].Metadata.ConsistencyLevel)
	quorum.AssertExpectations(t)
}

func TestManager_LinearizableQuorumFailsAfterAttempts(t *testing.T) {
	quorum := &mockQuorum{}
	quorum.On("AwaitQuorum", mock.Anything, mock.Anything, 3).Return(1, nil)
	m := newTestManager(t, func(c *ManagerConfig) { c.SyncAttempts = 3 }, Dependencies{Quorum: quorum})

	ev := dse("l1", "A", model.VectorClock{"A": 1}, model.ConsistencyLinearizable)
	ev.Metadata.ReplicationFactor = 3
	_, err := m.SynchronizeEvent(context.Background(), ev)
	assert.True(t, errors.IsCode(err, errors.ErrCodeQuorumFailed))

	quorum.AssertNumberOfCalls(t, "AwaitQuorum", 3)
	pe, ok := m.PendingEvent("l1")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusFailed, pe.State.Status)
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, uint64(1), m.GetSyncMetrics().ConsistencyViolations)
	assert.True(t, errors.IsCode(m.AwaitEvent(context.Background(), "l1"), errors.ErrCodeQuorumFailed))
}

func TestManager_SequentialUsesOrderingService(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	ev2 := dse("A2", "A", model.VectorClock{"A": 2}, model.ConsistencySequential)
	_, err := m.SynchronizeEvent(ctx, ev2)
	require.NoError(t, err)
	pe, ok := m.PendingEvent("A2")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusReadyForSync, pe.State.Status)

	_, err = m.SynchronizeEvent(ctx, dse("A1", "A", model.VectorClock{"A": 1}, model.ConsistencySequential))
	require.NoError(t, err)

	synced := m.DrainSynchronized(0)
	require.Equal(t, []string{"A1", "A2"}, syncedIDs(synced))
	assert.Equal(t, uint64(1), synced[0].Metadata.GlobalSequence)
	assert.Equal(t, uint64(2), synced[1].Metadata.GlobalSequence)
}

func TestManager_ConcurrentWritesResolvedLWW(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()
	base := time.Now()

	a := dse("wa", "A", model.VectorClock{"A": 1}, model.ConsistencyEventual)
	a.Event.Timestamp = base.Add(time.Second)
	a.Event.Resources = []model.ResourceAccess{{Key: "/vec/7", Access: model.AccessWrite}}
	a.Event.Payload = []byte("alice")

	b := dse("wb", "B", model.VectorClock{"B": 1}, model.ConsistencyEventual)
	b.Event.Timestamp = base
	b.Event.Resources = []model.ResourceAccess{{Key: "/vec/7", Access: model.AccessWrite}}
	b.Event.Payload = []byte("bob")

	_, err := m.SynchronizeEvent(ctx, a)
	require.NoError(t, err)
	_, err = m.SynchronizeEvent(ctx, b)
	require.NoError(t, err)

	synced := m.DrainSynchronized(0)
	require.Len(t, synced, 2)
	assert.Equal(t, "wa", synced[0].Event.ID())
	assert.Empty(t, synced[0].Metadata.SupersededBy)

	// wb loses to the already synchronized wa and is not emitted as wa again
	loser := synced[1]
	assert.Equal(t, "wb", loser.Metadata.SourceEventID)
	assert.Equal(t, "wb", loser.Event.ID())
	assert.Equal(t, []byte("bob"), loser.Event.Event.Payload)
	assert.Equal(t, "wa", loser.Metadata.SupersededBy)
	assert.Equal(t, 1, loser.Metadata.ConflictsResolved)
	assert.Equal(t, []string{"wa", "wb"}, loser.Metadata.ResolvedFrom)

	history := m.ResolutionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, conflict.LastWriterWins, history[0].Strategy)

	metrics := m.GetSyncMetrics()
	assert.Equal(t, uint64(1), metrics.ConflictsDetected)
	assert.Equal(t, uint64(1), metrics.ConflictsResolved)
}

func TestManager_UnresolvableConflictHeld(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) {
		c.Detector = conflict.DetectorConfig{
			BurstThreshold: 1,
			Rules: []conflict.ConflictDetectionRule{
				{Name: "burst", Condition: conflict.Custom, Detector: conflict.DetectorSameOriginBurst},
			},
		}
	}, Dependencies{})
	ctx := context.Background()

	first := dse("w1", "A", model.VectorClock{"A": 1}, model.ConsistencyEventual)
	first.Event.Resources = []model.ResourceAccess{{Key: "/fs/a.txt", Access: model.AccessWrite}}
	second := dse("w2", "A", model.VectorClock{"A": 2}, model.ConsistencyEventual)
	second.Event.Resources = []model.ResourceAccess{{Key: "/fs/a.txt", Access: model.AccessWrite}}

	_, err := m.SynchronizeEvent(ctx, first)
	require.NoError(t, err)
	_, err = m.SynchronizeEvent(ctx, second)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflictResolutionFailed))

	pe, ok := m.PendingEvent("w2")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusFailed, pe.State.Status)
	assert.Equal(t, "conflict unresolved", pe.State.Reason)
	assert.True(t, errors.IsCode(m.RetryFailed(ctx, "w2"), errors.ErrCodeInvalidArgument))
	assert.Equal(t, 1, m.SynchronizedLen())
}

func TestManager_TimeoutThenRetry(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.SyncAttempts = 1 }, Dependencies{})
	ctx := context.Background()

	ev := dse("late", "A", model.VectorClock{"A": 1, "B": 1}, model.ConsistencyCausal, "dep")
	ev.Metadata.CoordinationTimeout = 10 * time.Millisecond
	_, err := m.SynchronizeEvent(ctx, ev)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.Maintain(ctx)

	pe, ok := m.PendingEvent("late")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusFailed, pe.State.Status)
	assert.True(t, errors.IsCode(m.AwaitEvent(ctx, "late"), errors.ErrCodeSynchronizationTimeout))

	require.NoError(t, m.RetryFailed(ctx, "late"))
	pe, _ = m.PendingEvent("late")
	assert.Equal(t, model.SyncStatusWaitingForDependencies, pe.State.Status)

	_, err = m.SynchronizeEvent(ctx, dse("dep", "B", model.VectorClock{"B": 1}, model.ConsistencyEventual))
	require.NoError(t, err)
	assert.NoError(t, m.AwaitEvent(ctx, "late"))
	assert.Equal(t, []string{"dep", "late"}, syncedIDs(m.DrainSynchronized(0)))
}

func TestManager_EmitLocalBatchesOutbound(t *testing.T) {
	transport := &recordingTransport{}
	m := newTestManager(t, nil, Dependencies{Transport: transport})
	ctx := context.Background()

	id, err := m.EmitLocal(ctx, model.SemanticEvent{Type: model.EventTypeVectorInsert}, model.CoordinationMetadata{
		ConsistencyLevel: model.ConsistencyEventual,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, uint64(1), m.Clock().Get("node-local"))

	require.NoError(t, m.Stop(time.Second))
	envs := transport.sent()
	require.Len(t, envs, 1)
	b, err := batch.DecodeEnvelope(envs[0])
	require.NoError(t, err)
	require.Len(t, b.Events, 1)
	assert.Equal(t, id, b.Events[0].ID())
	assert.Equal(t, "node-local", b.Events[0].Origin())
}

func TestManager_SynchronizeEventsFanOut(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})

	var events []*model.DistributedSemanticEvent
	for i := 1; i <= 10; i++ {
		events = append(events, dse(fmt.Sprintf("f%d", i), fmt.Sprintf("n%d", i),
			model.VectorClock{fmt.Sprintf("n%d", i): 1}, model.ConsistencyEventual))
	}
	ids, err := m.SynchronizeEvents(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "f1", ids[0])
	assert.Equal(t, "f10", ids[9])
	assert.Equal(t, 10, m.SynchronizedLen())
}

func TestManager_RejectsInvalidEvents(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	_, err := m.SynchronizeEvent(ctx, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = m.SynchronizeEvent(ctx, dse("x", "", nil, model.ConsistencyCausal))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = m.SynchronizeEvent(ctx, dse("x", "A", nil, "bogus"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = m.SynchronizeEvent(ctx, dse("dup", "A", model.VectorClock{"A": 1}, model.ConsistencyEventual))
	require.NoError(t, err)
	_, err = m.SynchronizeEvent(ctx, dse("dup", "A", model.VectorClock{"A": 1}, model.ConsistencyEventual))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	assert.True(t, errors.IsCode(m.AwaitEvent(ctx, "unknown"), errors.ErrCodeNotFound))
	assert.Equal(t, uint64(4), m.GetSyncMetrics().RejectedEvents)
}

func TestManager_DefaultLevelUsesPreferredProtocol(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.PreferredProtocol = model.ProtocolEventual }, Dependencies{})

	_, err := m.SynchronizeEvent(context.Background(), dse("d1", "A", model.VectorClock{"A": 5}, model.ConsistencyDefault))
	require.NoError(t, err)
	synced := m.DrainSynchronized(0)
	require.Len(t, synced, 1)
	assert.Equal(t, model.ProtocolEventual, synced[0].Metadata.Protocol)

	m.Consistency().SetPreferred(model.ProtocolCausal)
	_, err = m.SynchronizeEvent(context.Background(), dse("d2", "A", model.VectorClock{"A": 7}, model.ConsistencyDefault))
	require.NoError(t, err)
	pe, ok := m.PendingEvent("d2")
	require.True(t, ok)
	assert.Equal(t, model.ProtocolCausal, pe.Protocol)
}

func TestManager_ReceiveReplicatedEvents(t *testing.T) {
	quorum := &mockQuorum{}
	m := newTestManager(t, nil, Dependencies{Quorum: quorum})
	ctx := context.Background()

	ev := dse("r1", "peer", model.VectorClock{"peer": 1}, model.ConsistencyStrong)
	require.NoError(t, m.Receive(ctx, ev))
	// already known: accepted without a second admission
	require.NoError(t, m.Receive(ctx, ev))

	synced := m.DrainSynchronized(0)
	require.Len(t, synced, 1)
	assert.Equal(t, model.ProtocolCausal, synced[0].Metadata.Protocol)
	assert.Equal(t, uint64(1), m.GetSyncMetrics().TotalEvents)
	quorum.AssertNotCalled(t, "AwaitQuorum", mock.Anything, mock.Anything, mock.Anything)

	assert.True(t, errors.IsCode(m.Receive(ctx, nil), errors.ErrCodeInvalidArgument))
}

func TestManager_ConcurrentCRDTWritesMerge(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	inc := func(id, origin string, amount uint64, ts time.Time) *model.DistributedSemanticEvent {
		ev := dse(id, origin, model.VectorClock{origin: 1}, model.ConsistencyEventual)
		ev.Event.Timestamp = ts
		ev.Event.Resources = []model.ResourceAccess{{Key: "/counters/visits", Access: model.AccessWrite}}
		ev.Event.CRDT = &model.CRDTMutation{Type: model.CRDTGCounter, Key: "visits", Op: model.CRDTOpIncrement, Amount: amount}
		return ev
	}
	now := time.Now()
	_, err := m.SynchronizeEvent(ctx, inc("inc-b", "B", 3, now.Add(time.Second)))
	require.NoError(t, err)
	_, err = m.SynchronizeEvent(ctx, inc("inc-c", "C", 5, now))
	require.NoError(t, err)

	v, ok := m.CRDTs().GCounterValue("visits")
	require.True(t, ok)
	assert.Equal(t, uint64(8), v)

	synced := m.DrainSynchronized(0)
	require.Equal(t, []string{"inc-b", "inc-c"}, syncedIDs(synced))
	assert.Equal(t, "inc-c", synced[1].Event.ID())
	assert.Empty(t, synced[1].Metadata.SupersededBy)

	history := m.ResolutionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, conflict.CRDTMerge, history[0].Strategy)
}

// replicate hands every event synchronized on from to each of the targets
func replicate(t *testing.T, from *EventSynchronizationManager, to ...*EventSynchronizationManager) {
	t.Helper()
	for _, s := range from.DrainSynchronized(0) {
		for _, peer := range to {
			require.NoError(t, peer.Receive(context.Background(), s.Event))
		}
	}
}

func TestManager_ReplicatedLWWWritesConverge(t *testing.T) {
	a := newTestManager(t, func(c *ManagerConfig) { c.NodeID = "A" }, Dependencies{})
	b := newTestManager(t, func(c *ManagerConfig) { c.NodeID = "B" }, Dependencies{})
	ctx := context.Background()
	base := time.Now()

	set := func(m *EventSynchronizationManager, value string, ts time.Time) {
		_, err := m.EmitLocal(ctx, model.SemanticEvent{
			Type:      model.EventTypeVectorUpdate,
			Timestamp: ts,
			Resources: []model.ResourceAccess{{Key: "/vec/owner", Access: model.AccessWrite}},
			CRDT:      &model.CRDTMutation{Type: model.CRDTLWWRegister, Key: "owner", Op: model.CRDTOpSet, Value: value},
		}, model.CoordinationMetadata{ConsistencyLevel: model.ConsistencyEventual})
		require.NoError(t, err)
	}
	set(a, "alice", base)
	set(b, "bob", base.Add(time.Second))

	outA := a.DrainSynchronized(0)
	outB := b.DrainSynchronized(0)
	require.Len(t, outA, 1)
	require.Len(t, outB, 1)
	assert.Equal(t, base.UnixNano(), outA[0].Event.Event.CRDT.Timestamp)

	require.NoError(t, a.Receive(ctx, outB[0].Event))
	require.NoError(t, b.Receive(ctx, outA[0].Event))

	for _, m := range []*EventSynchronizationManager{a, b} {
		v, ok := m.CRDTs().LWWValue("owner")
		require.True(t, ok)
		assert.Equal(t, "bob", v)
	}
}

func TestManager_ReplicatedORSetRemoveKeepsConcurrentAdd(t *testing.T) {
	a := newTestManager(t, func(c *ManagerConfig) { c.NodeID = "A" }, Dependencies{})
	b := newTestManager(t, func(c *ManagerConfig) { c.NodeID = "B" }, Dependencies{})
	c := newTestManager(t, func(c *ManagerConfig) { c.NodeID = "C" }, Dependencies{})
	ctx := context.Background()

	emit := func(m *EventSynchronizationManager, op model.CRDTOpKind) {
		_, err := m.EmitLocal(ctx, model.SemanticEvent{
			Type: model.EventTypeGraphNodeAdd,
			CRDT: &model.CRDTMutation{Type: model.CRDTORSet, Key: "labels", Op: op, Value: "x"},
		}, model.CoordinationMetadata{ConsistencyLevel: model.ConsistencyEventual})
		require.NoError(t, err)
	}

	emit(a, model.CRDTOpAdd)
	replicate(t, a, b, c)
	b.DrainSynchronized(0)
	c.DrainSynchronized(0)

	// B removes the add it observed while C concurrently adds x again
	emit(b, model.CRDTOpRemove)
	emit(c, model.CRDTOpAdd)

	removes := b.DrainSynchronized(0)
	require.Len(t, removes, 1)
	assert.Len(t, removes[0].Event.Event.CRDT.Tags, 1)
	adds := c.DrainSynchronized(0)
	require.Len(t, adds, 1)

	require.NoError(t, a.Receive(ctx, removes[0].Event))
	require.NoError(t, a.Receive(ctx, adds[0].Event))
	require.NoError(t, b.Receive(ctx, adds[0].Event))
	require.NoError(t, c.Receive(ctx, removes[0].Event))

	for _, m := range []*EventSynchronizationManager{a, b, c} {
		assert.Equal(t, []string{"x"}, m.CRDTs().ORSetElements("labels"))
		assert.Equal(t, []string{adds[0].Event.ID()}, liveTags(m, "labels", "x"))
	}
}

func liveTags(m *EventSynchronizationManager, key, element string) []string {
	st, ok := m.CRDTs().State(model.CRDTORSet, key)
	if !ok {
		return nil
	}
	set := st.(*crdt.ORSet)
	var out []string
	for _, tag := range set.Tags(element) {
		if _, removed := set.Removes[element][tag]; !removed {
			out = append(out, tag)
		}
	}
	return out
}

func TestManager_CausalWaitsForContiguousOriginPrefix(t *testing.T) {
	m := newTestManager(t, nil, Dependencies{})
	ctx := context.Background()

	_, err := m.SynchronizeEvent(ctx, dse("A1", "A", model.VectorClock{"A": 1}, model.ConsistencyCausal, "missing"))
	require.NoError(t, err)
	// A2 is eventual and applies ahead of A1
	_, err = m.SynchronizeEvent(ctx, dse("A2", "A", model.VectorClock{"A": 2}, model.ConsistencyEventual))
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, syncedIDs(m.DrainSynchronized(0)))

	_, err = m.SynchronizeEvent(ctx, dse("B1", "B", model.VectorClock{"A": 1, "B": 1}, model.ConsistencyCausal))
	require.NoError(t, err)
	pe, ok := m.PendingEvent("B1")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusWaitingForDependencies, pe.State.Status)
	assert.Contains(t, pe.UnresolvedDependencies, "A1")

	_, err = m.SynchronizeEvent(ctx, dse("missing", "M", model.VectorClock{"M": 1}, model.ConsistencyEventual))
	require.NoError(t, err)
	assert.Equal(t, []string{"missing", "A1", "B1"}, syncedIDs(m.DrainSynchronized(0)))
	assert.Empty(t, m.PendingEvents())
}

func TestManager_SequentialParksWhenOrderingBufferFull(t *testing.T) {
	m := newTestManager(t, func(c *ManagerConfig) { c.OrderingBufferSize = 1 }, Dependencies{})
	ctx := context.Background()

	_, err := m.SynchronizeEvent(ctx, dse("A2", "A", model.VectorClock{"A": 2, "B": 1}, model.ConsistencySequential))
	require.NoError(t, err)
	_, err = m.SynchronizeEvent(ctx, dse("A3", "A", model.VectorClock{"A": 3}, model.ConsistencySequential))
	require.NoError(t, err)

	// B1 releases A2 while A3 holds the only buffer slot
	done := make(chan error, 1)
	go func() {
		_, err := m.SynchronizeEvent(ctx, dse("B1", "B", model.VectorClock{"B": 1}, model.ConsistencyEventual))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("admission did not return with the ordering buffer full")
	}

	pe, ok := m.PendingEvent("A2")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusReadyForSync, pe.State.Status)
	assert.Equal(t, []string{"B1"}, syncedIDs(m.DrainSynchronized(0)))

	_, err = m.SynchronizeEvent(ctx, dse("A1", "A", model.VectorClock{"A": 1}, model.ConsistencySequential))
	require.NoError(t, err)

	synced := m.DrainSynchronized(0)
	require.Equal(t, []string{"A1", "A2", "A3"}, syncedIDs(synced))
	for i, s := range synced {
		assert.Equal(t, uint64(i+1), s.Metadata.GlobalSequence)
	}
	assert.Empty(t, m.PendingEvents())
}

func TestManager_QuorumDispatchFailsWhenPoolUnavailable(t *testing.T) {
	quorum := &mockQuorum{}
	m := newTestManager(t, nil, Dependencies{Quorum: quorum})
	ctx := context.Background()

	ev := dse("s1", "A", model.VectorClock{"A": 1}, model.ConsistencyStrong, "dep")
	ev.Metadata.ReplicationFactor = 3
	_, err := m.SynchronizeEvent(ctx, ev)
	require.NoError(t, err)

	require.NoError(t, m.pool.Stop(time.Second))

	// releasing s1 from another admission hands its quorum round to the pool
	_, err = m.SynchronizeEvent(ctx, dse("dep", "B", model.VectorClock{"B": 1}, model.ConsistencyEventual))
	require.NoError(t, err)

	pe, ok := m.PendingEvent("s1")
	require.True(t, ok)
	assert.Equal(t, model.SyncStatusFailed, pe.State.Status)
	assert.Equal(t, "protocol pool saturated", pe.State.Reason)
	assert.True(t, errors.IsCode(m.AwaitEvent(ctx, "s1"), errors.ErrCodeUnavailable))
	quorum.AssertNotCalled(t, "AwaitQuorum", mock.Anything, mock.Anything, mock.Anything)
}
