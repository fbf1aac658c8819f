// Package ordering delivers each node's events in sequence order and stamps
// them with a global sequence number.
package ordering

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// Delivery is an event released in order
type Delivery struct {
	Event          *model.DistributedSemanticEvent
	NodeID         string
	NodeSequence   uint64
	GlobalSequence uint64
	DeliveredAt    time.Time
}

type buffered struct {
	event   *model.DistributedSemanticEvent
	arrived time.Time
}

// Service holds per-node expected sequence numbers, a bounded buffer for
// out-of-order arrivals and the FIFO delivery queue. Node sequences start at 1.
type Service struct {
	mu          sync.Mutex
	globalSeq   uint64
	expected    map[string]uint64
	buffers     map[string]map[uint64]buffered
	buffered    int
	maxBuffered int
	delivery    []Delivery
	logger      *zap.Logger
}

// NewService creates an ordering service buffering at most maxBuffered events
func NewService(maxBuffered int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBuffered <= 0 {
		maxBuffered = 1000
	}
	return &Service{
		expected:    make(map[string]uint64),
		buffers:     make(map[string]map[uint64]buffered),
		maxBuffered: maxBuffered,
		logger:      logger,
	}
}

// Submit accepts the event carrying nodeSeq for its origin. In-order events
// and any contiguous buffered run behind them move to the delivery queue;
// it returns how many were released.
func (s *Service) Submit(ev *model.DistributedSemanticEvent, nodeSeq uint64) (int, error) {
	node := ev.Origin()
	if node == "" {
		return 0, errors.InvalidArgument("event origin is required", nil)
	}
	if nodeSeq == 0 {
		return 0, errors.InvalidArgument("node sequence starts at 1", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.expectedLocked(node)
	if nodeSeq < next {
		return 0, errors.InvalidArgument(fmt.Sprintf("sequence %d of node %s already delivered", nodeSeq, node), nil)
	}
	if nodeSeq > next {
		buf := s.buffers[node]
		if _, dup := buf[nodeSeq]; dup {
			return 0, errors.InvalidArgument(fmt.Sprintf("sequence %d of node %s already buffered", nodeSeq, node), nil)
		}
		if s.buffered >= s.maxBuffered {
			return 0, errors.ResourceExhausted("ordering buffer", s.buffered, s.maxBuffered)
		}
		if buf == nil {
			buf = make(map[uint64]buffered)
			s.buffers[node] = buf
		}
		buf[nodeSeq] = buffered{event: ev.Clone(), arrived: time.Now()}
		s.buffered++
		s.logger.Debug("Buffered out-of-order event",
			zap.String("node_id", node),
			zap.Uint64("sequence", nodeSeq),
			zap.Uint64("expected", next))
		return 0, nil
	}

	s.deliverLocked(node, nodeSeq, ev.Clone())
	return 1 + s.releaseLocked(node), nil
}

func (s *Service) expectedLocked(node string) uint64 {
	next, ok := s.expected[node]
	if !ok {
		return 1
	}
	return next
}

func (s *Service) deliverLocked(node string, seq uint64, ev *model.DistributedSemanticEvent) {
	s.globalSeq++
	s.delivery = append(s.delivery, Delivery{
		Event:          ev,
		NodeID:         node,
		NodeSequence:   seq,
		GlobalSequence: s.globalSeq,
		DeliveredAt:    time.Now(),
	})
	s.expected[node] = seq + 1
}

// releaseLocked moves the contiguous buffered run for node to the delivery queue
func (s *Service) releaseLocked(node string) int {
	buf := s.buffers[node]
	released := 0
	for {
		next := s.expectedLocked(node)
		b, ok := buf[next]
		if !ok {
			break
		}
		delete(buf, next)
		s.buffered--
		s.deliverLocked(node, next, b.event)
		released++
	}
	if len(buf) == 0 {
		delete(s.buffers, node)
	}
	return released
}

// DeclareLost gives up on every missing sequence of node up to and including
// upTo: buffered events in that range are delivered in order and the gap is
// skipped. It returns how many events were released.
func (s *Service) DeclareLost(node string, upTo uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declareLostLocked(node, upTo)
}

func (s *Service) declareLostLocked(node string, upTo uint64) int {
	next := s.expectedLocked(node)
	if upTo < next {
		return 0
	}
	buf := s.buffers[node]
	seqs := make([]uint64, 0, len(buf))
	for seq := range buf {
		if seq <= upTo {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	released := 0
	for _, seq := range seqs {
		b := buf[seq]
		delete(buf, seq)
		s.buffered--
		s.deliverLocked(node, seq, b.event)
		released++
	}
	if s.expectedLocked(node) <= upTo {
		s.expected[node] = upTo + 1
	}
	s.logger.Warn("Declared sequence gap lost",
		zap.String("node_id", node),
		zap.Uint64("from", next),
		zap.Uint64("to", upTo))
	return released + s.releaseLocked(node)
}

// ExpireStale skips the gap in front of any node whose oldest buffered event
// has waited longer than maxAge, and returns how many events were released
func (s *Service) ExpireStale(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	nodes := make([]string, 0, len(s.buffers))
	for node := range s.buffers {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	released := 0
	for _, node := range nodes {
		var lowest uint64
		var oldest time.Time
		for seq, b := range s.buffers[node] {
			if lowest == 0 || seq < lowest {
				lowest = seq
			}
			if oldest.IsZero() || b.arrived.Before(oldest) {
				oldest = b.arrived
			}
		}
		if lowest > 0 && oldest.Before(cutoff) {
			released += s.declareLostLocked(node, lowest-1)
		}
	}
	return released
}

// Drain pops up to max delivered events in delivery order; max <= 0 drains all
func (s *Service) Drain(max int) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > len(s.delivery) {
		max = len(s.delivery)
	}
	out := make([]Delivery, max)
	copy(out, s.delivery[:max])
	s.delivery = append([]Delivery(nil), s.delivery[max:]...)
	return out
}

// Discard drops a buffered event, e.g. after its synchronization failed
func (s *Service) Discard(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for node, buf := range s.buffers {
		for seq, b := range buf {
			if b.event.ID() == eventID {
				delete(buf, seq)
				s.buffered--
				if len(buf) == 0 {
					delete(s.buffers, node)
				}
				return true
			}
		}
	}
	return false
}

// Expected returns the next sequence number expected from node
func (s *Service) Expected(node string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedLocked(node)
}

// Buffered returns the number of events waiting for a gap to close
func (s *Service) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Full reports whether the buffer has no room left
func (s *Service) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered >= s.maxBuffered
}

// GlobalSequence returns the last global sequence number assigned
func (s *Service) GlobalSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalSeq
}
