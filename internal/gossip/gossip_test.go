package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/batch"
	"github.com/lspecian/vexfs/eventsync/internal/metrics"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingReceiver struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingReceiver) Receive(_ context.Context, ev *model.DistributedSemanticEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ev.ID())
	return r.err
}

func (r *recordingReceiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newOfflineService(nodeID string) *Service {
	return &Service{
		config:  Config{NodeID: nodeID, ReceiveTimeout: time.Second},
		nodeID:  nodeID,
		logger:  zap.NewNop(),
		metrics: metrics.NewMetrics(nodeID, nil),
		waiters: make(map[string]*ackWaiter),
	}
}

func testEvent(id, origin string) *model.DistributedSemanticEvent {
	return &model.DistributedSemanticEvent{
		Event: &model.SemanticEvent{
			ID:        id,
			Type:      model.EventTypeVectorInsert,
			Origin:    origin,
			Timestamp: time.Now(),
		},
		VectorClock: model.VectorClock{origin: 1},
		Metadata:    model.CoordinationMetadata{ConsistencyLevel: model.ConsistencyStrong},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	frame, err := encode(msgQuorumAck, quorumAck{RequestID: "r1", From: "b", OK: true})
	require.NoError(t, err)

	kind, body, err := decode(frame)
	require.NoError(t, err)
	assert.Equal(t, msgQuorumAck, kind)
	assert.JSONEq(t, `{"request_id":"r1","from":"b","ok":true}`, string(body))

	_, _, err = decode([]byte(`{"body":{}}`))
	assert.Error(t, err)
	_, _, err = decode([]byte("not json"))
	assert.Error(t, err)
}

func TestAckWaiter(t *testing.T) {
	s := newOfflineService("a")
	w := s.register("r1", 3)
	assert.Equal(t, 1, s.ackCount(w))

	s.recordAck(quorumAck{RequestID: "r1", From: "b", OK: true})
	s.recordAck(quorumAck{RequestID: "r1", From: "b", OK: true})
	s.recordAck(quorumAck{RequestID: "r1", From: "c", OK: false})
	s.recordAck(quorumAck{RequestID: "other", From: "c", OK: true})
	assert.Equal(t, 2, s.ackCount(w))
	select {
	case <-w.reached:
		t.Fatal("quorum reached early")
	default:
	}

	s.recordAck(quorumAck{RequestID: "r1", From: "c", OK: true})
	select {
	case <-w.reached:
	default:
		t.Fatal("quorum not reached")
	}
	assert.Equal(t, 3, s.ackCount(w))

	s.unregister("r1")
	s.recordAck(quorumAck{RequestID: "r1", From: "d", OK: true})
	assert.Equal(t, 3, s.ackCount(w))
}

func TestHandleBatch(t *testing.T) {
	s := newOfflineService("b")
	recv := &recordingReceiver{}
	s.SetReceiver(recv)

	env, err := batch.EncodeBatch(&batch.Batch{
		ID:     "batch-1",
		Origin: "a",
		Events: []*model.DistributedSemanticEvent{testEvent("e1", "a"), testEvent("e2", "a")},
	}, batch.CompressionFast)
	require.NoError(t, err)
	frame, err := encode(msgBatch, env)
	require.NoError(t, err)

	s.handle(frame)
	assert.Equal(t, []string{"e1", "e2"}, recv.received())

	// undecodable frames are dropped
	s.handle([]byte("garbage"))
	assert.Len(t, recv.received(), 2)
}

func TestAwaitQuorum_SingleReplica(t *testing.T) {
	s := newOfflineService("a")
	acks, err := s.AwaitQuorum(context.Background(), testEvent("e1", "a"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, acks)
}

func TestTwoNodeCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("starts real memberlist listeners")
	}

	newNode := func(name string, seeds []string) (*Service, *recordingReceiver) {
		svc, err := NewService(Config{
			NodeID:    name,
			BindAddr:  "127.0.0.1",
			BindPort:  0,
			SeedNodes: seeds,
		}, nil, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Shutdown() })
		recv := &recordingReceiver{}
		svc.SetReceiver(recv)
		return svc, recv
	}

	a, _ := newNode("node-a", nil)
	b, recvB := newNode("node-b", []string{a.Address()})

	require.Eventually(t, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acks, err := a.AwaitQuorum(ctx, testEvent("q1", "node-a"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, acks)
	assert.Contains(t, recvB.received(), "q1")

	env, err := batch.EncodeBatch(&batch.Batch{
		ID:     "batch-1",
		Origin: "node-a",
		Events: []*model.DistributedSemanticEvent{testEvent("b1", "node-a")},
	}, batch.CompressionDefault)
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, env))
	assert.Eventually(t, func() bool {
		for _, id := range recvB.received() {
			if id == "b1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
