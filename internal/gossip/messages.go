package gossip

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/lspecian/vexfs/eventsync/internal/model"
)

type messageType string

const (
	msgQuorumRequest messageType = "quorum_request"
	msgQuorumAck     messageType = "quorum_ack"
	msgBatch         messageType = "batch"
)

// wireMessage is the frame exchanged over memberlist's reliable channel
type wireMessage struct {
	Type messageType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

type quorumRequest struct {
	RequestID string                          `json:"request_id"`
	From      string                          `json:"from"`
	Event     *model.DistributedSemanticEvent `json:"event"`
}

type quorumAck struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

func encode(t messageType, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	frame, err := json.Marshal(wireMessage{Type: t, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return frame, nil
}

func decode(data []byte) (messageType, []byte, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return "", nil, fmt.Errorf("decode frame: missing type")
	}
	return msg.Type, msg.Body, nil
}

// ackWaiter counts acknowledgements for one quorum round. The local node
// counts as the first acknowledgement.
type ackWaiter struct {
	required int
	acks     map[string]struct{}
	reached  chan struct{}
	closed   bool
}

func newAckWaiter(self string, required int) *ackWaiter {
	w := &ackWaiter{
		required: required,
		acks:     map[string]struct{}{self: {}},
		reached:  make(chan struct{}),
	}
	w.check()
	return w
}

func (w *ackWaiter) check() {
	if !w.closed && len(w.acks) >= w.required {
		w.closed = true
		close(w.reached)
	}
}

func (w *ackWaiter) count() int {
	return len(w.acks)
}

func (s *Service) register(requestID string, required int) *ackWaiter {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	w := newAckWaiter(s.nodeID, required)
	s.waiters[requestID] = w
	return w
}

func (s *Service) unregister(requestID string) {
	s.waitMu.Lock()
	delete(s.waiters, requestID)
	s.waitMu.Unlock()
}

// recordAck counts a positive acknowledgement once per peer
func (s *Service) recordAck(ack quorumAck) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	w, ok := s.waiters[ack.RequestID]
	if !ok || !ack.OK {
		return
	}
	w.acks[ack.From] = struct{}{}
	w.check()
}

func (s *Service) ackCount(w *ackWaiter) int {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return w.count()
}
