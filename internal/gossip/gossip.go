package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/memberlist"
	"github.com/lspecian/vexfs/eventsync/internal/batch"
	"github.com/lspecian/vexfs/eventsync/internal/metrics"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Receiver admits events replicated from peers
type Receiver interface {
	Receive(ctx context.Context, ev *model.DistributedSemanticEvent) error
}

// Config holds gossip protocol configuration
type Config struct {
	NodeID         string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	// ReceiveTimeout bounds how long an inbound event may take to be admitted
	ReceiveTimeout time.Duration
}

// Service manages cluster membership and carries quorum rounds and outbound
// batches between nodes. It implements service.QuorumCoordinator and
// batch.Transport.
type Service struct {
	config     Config
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	recvMu   sync.RWMutex
	receiver Receiver

	waitMu  sync.Mutex
	waiters map[string]*ackWaiter
}

// NewService creates a gossip service and joins the seed nodes
func NewService(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(cfg.NodeID, nil)
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 5 * time.Second
	}
	gs := &Service{
		config:  cfg,
		nodeID:  cfg.NodeID,
		logger:  logger,
		metrics: m,
		waiters: make(map[string]*ackWaiter),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &eventDelegate{service: gs}
	mlConfig.LogOutput = zapWriter{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	gs.updateMembers()

	return gs, nil
}

// SetReceiver installs the component that admits inbound events. Messages
// arriving before it is set are dropped.
func (s *Service) SetReceiver(r Receiver) {
	s.recvMu.Lock()
	s.receiver = r
	s.recvMu.Unlock()
}

// Address returns the host:port peers use to join this node
func (s *Service) Address() string {
	return s.memberlist.LocalNode().Address()
}

// Members returns the names of every live member, including this node
func (s *Service) Members() []string {
	members := s.memberlist.Members()
	names := make([]string, 0, len(members))
	for _, n := range members {
		names = append(names, n.Name)
	}
	return names
}

func (s *Service) peers() []*memberlist.Node {
	var out []*memberlist.Node
	for _, n := range s.memberlist.Members() {
		if n.Name != s.nodeID {
			out = append(out, n)
		}
	}
	return out
}

// AwaitQuorum replicates ev to every peer and counts acknowledgements, this
// node included, until required is reached or ctx ends
func (s *Service) AwaitQuorum(ctx context.Context, ev *model.DistributedSemanticEvent, required int) (int, error) {
	if required <= 1 {
		return 1, nil
	}
	requestID := fmt.Sprintf("%s/%d", ev.ID(), time.Now().UnixNano())
	w := s.register(requestID, required)
	defer s.unregister(requestID)

	frame, err := encode(msgQuorumRequest, quorumRequest{RequestID: requestID, From: s.nodeID, Event: ev})
	if err != nil {
		return 1, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range s.peers() {
		peer := peer
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.memberlist.SendReliable(peer, frame); err != nil {
				s.logger.Debug("Quorum request not delivered",
					zap.String("peer", peer.Name),
					zap.String("event_id", ev.ID()),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.ackCount(w), err
	}
	s.metrics.RecordGossipMessage(string(msgQuorumRequest))

	select {
	case <-w.reached:
		return s.ackCount(w), nil
	case <-ctx.Done():
		return s.ackCount(w), ctx.Err()
	}
}

// Send implements batch.Transport by delivering env to every peer
func (s *Service) Send(ctx context.Context, env *batch.Envelope) error {
	frame, err := encode(msgBatch, env)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range s.peers() {
		peer := peer
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.memberlist.SendReliable(peer, frame); err != nil {
				return fmt.Errorf("send batch %s to %s: %w", env.BatchID, peer.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.metrics.RecordGossipMessage(string(msgBatch))
	return nil
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate. Messages are handled off the
// memberlist goroutine.
func (s *Service) NotifyMsg(data []byte) {
	buf := append([]byte(nil), data...)
	go s.handle(buf)
}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func (s *Service) handle(data []byte) {
	kind, body, err := decode(data)
	if err != nil {
		s.logger.Warn("Failed to decode gossip message", zap.Error(err))
		return
	}
	s.metrics.RecordGossipMessage(string(kind))

	switch kind {
	case msgQuorumRequest:
		var req quorumRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Warn("Malformed quorum request", zap.Error(err))
			return
		}
		s.handleQuorumRequest(req)
	case msgQuorumAck:
		var ack quorumAck
		if err := json.Unmarshal(body, &ack); err != nil {
			s.logger.Warn("Malformed quorum ack", zap.Error(err))
			return
		}
		s.recordAck(ack)
	case msgBatch:
		var env batch.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			s.logger.Warn("Malformed batch", zap.Error(err))
			return
		}
		s.handleBatch(&env)
	default:
		s.logger.Warn("Unknown gossip message type", zap.String("type", string(kind)))
	}
}

func (s *Service) currentReceiver() Receiver {
	s.recvMu.RLock()
	defer s.recvMu.RUnlock()
	return s.receiver
}

func (s *Service) handleQuorumRequest(req quorumRequest) {
	r := s.currentReceiver()
	if r == nil || req.Event == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReceiveTimeout)
	defer cancel()

	ack := quorumAck{RequestID: req.RequestID, From: s.nodeID, OK: true}
	if err := r.Receive(ctx, req.Event); err != nil {
		ack.OK = false
		ack.Error = err.Error()
	}
	frame, err := encode(msgQuorumAck, ack)
	if err != nil {
		s.logger.Warn("Failed to encode quorum ack", zap.Error(err))
		return
	}
	for _, n := range s.memberlist.Members() {
		if n.Name == req.From {
			if err := s.memberlist.SendReliable(n, frame); err != nil {
				s.logger.Debug("Quorum ack not delivered",
					zap.String("peer", n.Name),
					zap.Error(err))
			}
			return
		}
	}
}

func (s *Service) handleBatch(env *batch.Envelope) {
	r := s.currentReceiver()
	if r == nil {
		return
	}
	b, err := batch.DecodeEnvelope(env)
	if err != nil {
		s.logger.Warn("Failed to decode batch",
			zap.String("batch_id", env.BatchID),
			zap.String("from", env.NodeID),
			zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReceiveTimeout)
	defer cancel()
	for _, ev := range b.Events {
		if err := r.Receive(ctx, ev); err != nil {
			s.logger.Debug("Replicated event not admitted",
				zap.String("event_id", ev.ID()),
				zap.String("batch_id", b.ID),
				zap.Error(err))
		}
	}
}

func (s *Service) updateMembers() {
	if s.memberlist == nil {
		return
	}
	s.metrics.UpdateGossipStats(s.memberlist.NumMembers())
}

// Shutdown leaves the cluster and stops the memberlist
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.updateMembers()
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.updateMembers()
}

// NotifyUpdate is called when a node is updated
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}

// zapWriter routes memberlist's standard logger output to zap at debug level
type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug("memberlist", zap.ByteString("line", p))
	return len(p), nil
}
