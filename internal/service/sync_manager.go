package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/batch"
	"github.com/lspecian/vexfs/eventsync/internal/causality"
	"github.com/lspecian/vexfs/eventsync/internal/conflict"
	"github.com/lspecian/vexfs/eventsync/internal/crdt"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/metrics"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/lspecian/vexfs/eventsync/internal/ordering"
	"github.com/lspecian/vexfs/eventsync/internal/util/workerpool"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ManagerConfig configures the synchronization engine
type ManagerConfig struct {
	NodeID                     string
	MaxPendingEvents           int
	SyncAttempts               int
	DefaultCoordinationTimeout time.Duration
	DefaultReplicationFactor   int
	PreferredProtocol          model.SyncProtocol
	MaintenanceInterval        time.Duration
	MaxViolations              int
	MaxRetired                 int
	OperationLogSize           int
	OrderingBufferSize         int
	ProtocolWorkers            int
	FanOutLimit                int
	// NetworkBudget is the outbound bytes per second treated as full utilization
	NetworkBudget float64
	Detector      conflict.DetectorConfig
	Resolver      conflict.ResolverConfig
	Batch         batch.Config
	Adaptive      batch.AdaptiveConfig
}

// DefaultManagerConfig returns the engine defaults for nodeID
func DefaultManagerConfig(nodeID string) ManagerConfig {
	return ManagerConfig{
		NodeID:                     nodeID,
		MaxPendingEvents:           10000,
		SyncAttempts:               3,
		DefaultCoordinationTimeout: 5 * time.Second,
		DefaultReplicationFactor:   3,
		PreferredProtocol:          model.ProtocolCausal,
		MaintenanceInterval:        250 * time.Millisecond,
		MaxViolations:              1000,
		MaxRetired:                 100000,
		OperationLogSize:           10000,
		OrderingBufferSize:         1000,
		ProtocolWorkers:            8,
		FanOutLimit:                16,
		NetworkBudget:              10 << 20,
		Batch:                      batch.DefaultConfig(),
	}
}

func (c *ManagerConfig) setDefaults() {
	d := DefaultManagerConfig(c.NodeID)
	if c.MaxPendingEvents <= 0 {
		c.MaxPendingEvents = d.MaxPendingEvents
	}
	if c.SyncAttempts <= 0 {
		c.SyncAttempts = d.SyncAttempts
	}
	if c.DefaultCoordinationTimeout <= 0 {
		c.DefaultCoordinationTimeout = d.DefaultCoordinationTimeout
	}
	if c.DefaultReplicationFactor <= 0 {
		c.DefaultReplicationFactor = d.DefaultReplicationFactor
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = d.MaxViolations
	}
	if c.MaxRetired <= 0 {
		c.MaxRetired = d.MaxRetired
	}
	if c.OperationLogSize <= 0 {
		c.OperationLogSize = d.OperationLogSize
	}
	if c.OrderingBufferSize <= 0 {
		c.OrderingBufferSize = d.OrderingBufferSize
	}
	if c.ProtocolWorkers <= 0 {
		c.ProtocolWorkers = d.ProtocolWorkers
	}
	if c.FanOutLimit <= 0 {
		c.FanOutLimit = d.FanOutLimit
	}
	if c.NetworkBudget <= 0 {
		c.NetworkBudget = d.NetworkBudget
	}
	c.Batch.NodeID = c.NodeID
	c.Resolver.NodeID = c.NodeID
}

// Dependencies are the optional collaborators of the engine
type Dependencies struct {
	Quorum    QuorumCoordinator
	Transport batch.Transport
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type pendingEntry struct {
	pe *model.PendingEvent
	// result is what gets synchronized: the event itself or its conflict resolution
	result       *model.DistributedSemanticEvent
	reqs         []causality.Requirement
	resolvedFrom []string
	// supersededBy is the conflict winner when this event lost
	supersededBy string
	admitted     bool
	retryable    bool
	// parked marks a ready sequential entry waiting for ordering buffer space
	parked bool
	done   chan struct{}
	err    error
}

// EventSynchronizationManager owns every synchronization component and drives
// events from admission to the synchronized queue
type EventSynchronizationManager struct {
	cfg    ManagerConfig
	logger *zap.Logger

	clock       *VectorClockService
	consistency *ConsistencyService
	crdts       *crdt.Manager
	tracker     *causality.Tracker
	graph       *causality.Graph
	detector    *conflict.Detector
	resolver    *conflict.Resolver
	ordering    *ordering.Service
	batcher     *batch.Processor
	adaptive    *batch.Controller
	quorum      QuorumCoordinator
	pool        *workerpool.WorkerPool
	metrics     *metrics.Metrics
	sampler     *sampler

	// serializes detection and resolution so the ledger sees admissions in order
	conflictSem *semaphore.Weighted

	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy

	pendingMu sync.RWMutex
	pending   map[string]*pendingEntry

	syncMu       sync.RWMutex
	synchronized []model.SynchronizedEvent

	totalEvents           uint64
	successfulSyncs       uint64
	failedSyncs           uint64
	rejectedEvents        uint64
	consistencyViolations uint64
	conflictsDetected     uint64
	conflictsResolved     uint64
	latencyNanos          uint64

	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewEventSynchronizationManager builds the engine and its components
func NewEventSynchronizationManager(cfg ManagerConfig, deps Dependencies) (*EventSynchronizationManager, error) {
	if cfg.NodeID == "" {
		return nil, errors.InvalidArgument("node id is required", nil)
	}
	cfg.setDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &EventSynchronizationManager{
		cfg:         cfg,
		logger:      logger,
		clock:       NewVectorClockService(cfg.NodeID),
		consistency: NewConsistencyService(cfg.PreferredProtocol),
		crdts:       crdt.NewManager(cfg.NodeID, cfg.OperationLogSize, logger),
		ordering:    ordering.NewService(cfg.OrderingBufferSize, logger),
		quorum:      deps.Quorum,
		metrics:     deps.Metrics,
		conflictSem: semaphore.NewWeighted(1),
		idEntropy:   ulid.Monotonic(rand.Reader, 0),
		pending:     make(map[string]*pendingEntry),
		stopCh:      make(chan struct{}),
	}
	if m.quorum == nil {
		m.quorum = LocalCoordinator{}
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMetrics(cfg.NodeID, nil)
	}

	m.tracker = causality.NewTracker(cfg.MaxViolations, logger)
	m.graph = causality.NewGraph(m.tracker, cfg.MaxRetired)

	var err error
	if m.detector, err = conflict.NewDetector(cfg.Detector, logger); err != nil {
		return nil, fmt.Errorf("failed to create conflict detector: %w", err)
	}
	if m.resolver, err = conflict.NewResolver(cfg.Resolver, logger); err != nil {
		return nil, fmt.Errorf("failed to create conflict resolver: %w", err)
	}

	batchCfg := cfg.Batch
	batchCfg.OnSend = func(env *batch.Envelope, err error, latency time.Duration) {
		m.metrics.RecordBatchSend(env.EventCount, len(env.Payload), latency.Seconds(), err)
	}
	m.batcher = batch.NewProcessor(batchCfg, deps.Transport, logger)

	m.sampler = newSampler(m)
	adaptiveCfg := cfg.Adaptive
	adaptiveCfg.OnDecision = func(d batch.AdaptationDecision) {
		m.metrics.RecordAdaptation(d.Rule, d.After.BatchSize)
	}
	if m.adaptive, err = batch.NewController(adaptiveCfg, m.sampler, m.batcher, m.consistency, logger); err != nil {
		return nil, fmt.Errorf("failed to create adaptive controller: %w", err)
	}

	m.pool = workerpool.NewWorkerPool(workerpool.Config{
		Name:       "sync-protocol",
		MaxWorkers: cfg.ProtocolWorkers,
		QueueSize:  cfg.MaxPendingEvents,
		Logger:     logger,
	})
	return m, nil
}

func (m *EventSynchronizationManager) newID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.idEntropy).String()
}

// SynchronizeEvent admits ev and drives it as far as its protocol allows. It
// returns once the event is synchronized, failed or queued behind its
// dependencies or ordering gap.
func (m *EventSynchronizationManager) SynchronizeEvent(ctx context.Context, in *model.DistributedSemanticEvent) (string, error) {
	ev, protocol, err := m.prepare(in)
	if err != nil {
		m.reject(err)
		return "", err
	}
	id := ev.ID()
	atomic.AddUint64(&m.totalEvents, 1)

	e, err := m.reserve(ev, protocol)
	if err != nil {
		m.reject(err)
		return "", err
	}
	m.metrics.RecordReceived(string(protocol))

	m.clock.Update(ev.VectorClock)

	var deps []string
	if waitsForDependencies(protocol) {
		deps, e.reqs = m.dependencies(ev, protocol)
	}
	// cycles are rejected before clocks are compared
	if err := m.graph.Insert(id, deps); err != nil {
		m.failAdmission(e, err)
		return id, err
	}
	if err := m.tracker.CheckOrdering(id, ev.VectorClock, deps, m.graph.Dependents(id)); err != nil {
		m.graph.Remove(id)
		m.failAdmission(e, err)
		return id, err
	}
	m.tracker.Record(id, ev.Origin(), ev.VectorClock)

	m.pendingMu.Lock()
	e.admitted = true
	e.pe.UnresolvedDependencies = m.unresolvedLocked(e)
	e.pe.State = model.SynchronizationState{Status: model.SyncStatusWaitingForDependencies}
	m.pendingMu.Unlock()

	if err := m.resolveConflicts(ctx, e); err != nil {
		return id, err
	}

	m.logger.Debug("Event admitted",
		zap.String("event_id", id),
		zap.String("origin", ev.Origin()),
		zap.String("protocol", string(protocol)),
		zap.Strings("dependencies", deps))

	m.advance(ctx, id)

	m.pendingMu.RLock()
	err = e.err
	m.pendingMu.RUnlock()
	return id, err
}

// SynchronizeEvents admits events concurrently and returns their ids in input
// order together with the first error encountered
func (m *EventSynchronizationManager) SynchronizeEvents(ctx context.Context, events []*model.DistributedSemanticEvent) ([]string, error) {
	ids := make([]string, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.FanOutLimit)
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			id, err := m.SynchronizeEvent(gctx, ev)
			ids[i] = id
			return err
		})
	}
	return ids, g.Wait()
}

// EmitLocal stamps a locally originated event with the next local clock and
// synchronizes it
func (m *EventSynchronizationManager) EmitLocal(ctx context.Context, ev model.SemanticEvent, meta model.CoordinationMetadata) (string, error) {
	local := ev.Clone()
	local.Origin = m.cfg.NodeID
	if local.ID == "" {
		local.ID = m.newID()
	}
	if local.Timestamp.IsZero() {
		local.Timestamp = time.Now()
	}
	clock := m.clock.Increment()
	if meta.NodeSequence == 0 {
		meta.NodeSequence = clock.Get(m.cfg.NodeID)
	}
	return m.SynchronizeEvent(ctx, &model.DistributedSemanticEvent{
		Event:       local,
		VectorClock: clock,
		Metadata:    meta,
	})
}

// prepare validates and normalizes a clone of in and selects its protocol
func (m *EventSynchronizationManager) prepare(in *model.DistributedSemanticEvent) (*model.DistributedSemanticEvent, model.SyncProtocol, error) {
	if in == nil || in.Event == nil {
		return nil, "", errors.InvalidArgument("event is required", nil)
	}
	ev := in.Clone()
	if ev.Event.Origin == "" {
		return nil, "", errors.InvalidArgument("event origin is required", nil)
	}
	if ev.Event.ID == "" {
		ev.Event.ID = m.newID()
	}
	if ev.Event.Timestamp.IsZero() {
		ev.Event.Timestamp = time.Now()
	}
	if ev.VectorClock == nil {
		ev.VectorClock = model.NewVectorClock()
	}
	if ev.Metadata.ReplicationFactor <= 0 {
		ev.Metadata.ReplicationFactor = m.cfg.DefaultReplicationFactor
	}
	if ev.Metadata.CoordinationTimeout <= 0 {
		ev.Metadata.CoordinationTimeout = m.cfg.DefaultCoordinationTimeout
	}
	protocol, err := m.consistency.ProtocolFor(ev.Metadata.ConsistencyLevel)
	if err != nil {
		return nil, "", err
	}
	if protocol == model.ProtocolSequential && ev.Metadata.NodeSequence == 0 {
		ev.Metadata.NodeSequence = ev.VectorClock.Get(ev.Origin())
	}
	m.resolveMutation(ev)
	return ev, protocol, nil
}

// resolveMutation fixes every value a CRDT mutation would otherwise pick when
// applied, so all replicas apply the same operation. Observed tags of an
// OR-Set remove are only read on the originating node; elsewhere a remove
// without tags tombstones nothing.
func (m *EventSynchronizationManager) resolveMutation(ev *model.DistributedSemanticEvent) {
	mut := ev.Event.CRDT
	if mut == nil {
		return
	}
	switch {
	case mut.Type == model.CRDTLWWRegister && mut.Op == model.CRDTOpSet && mut.Timestamp == 0:
		mut.Timestamp = ev.Event.Timestamp.UnixNano()
	case mut.Type == model.CRDTORSet && mut.Op == model.CRDTOpAdd && mut.Tag == "":
		mut.Tag = ev.ID()
	case mut.Type == model.CRDTORSet && mut.Op == model.CRDTOpRemove && mut.Tag == "" && len(mut.Tags) == 0:
		if ev.Origin() == m.cfg.NodeID {
			mut.Tags = m.crdts.ObservedTags(mut.Key, mut.Value)
		}
	}
}

// reserve claims a slot in the pending table
func (m *EventSynchronizationManager) reserve(ev *model.DistributedSemanticEvent, protocol model.SyncProtocol) (*pendingEntry, error) {
	id := ev.ID()
	if protocol == model.ProtocolSequential && m.ordering.Full() &&
		ev.Metadata.NodeSequence != m.ordering.Expected(ev.Origin()) {
		return nil, errors.ResourceExhausted("ordering buffer", m.ordering.Buffered(), m.cfg.OrderingBufferSize)
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, dup := m.pending[id]; dup || m.graph.Contains(id) || m.graph.Retired(id) {
		return nil, errors.InvalidArgument(fmt.Sprintf("event %s already submitted", id), nil)
	}
	if len(m.pending) >= m.cfg.MaxPendingEvents {
		return nil, errors.ResourceExhausted("pending events", len(m.pending), m.cfg.MaxPendingEvents)
	}
	now := time.Now()
	e := &pendingEntry{
		pe: &model.PendingEvent{
			Event:      ev,
			State:      model.SynchronizationState{Status: model.SyncStatusPending},
			Protocol:   protocol,
			ReceivedAt: now,
			Deadline:   now.Add(ev.Metadata.CoordinationTimeout),
		},
		result:    ev,
		retryable: true,
		done:      make(chan struct{}),
	}
	m.pending[id] = e
	return e, nil
}

func (m *EventSynchronizationManager) reject(err error) {
	atomic.AddUint64(&m.rejectedEvents, 1)
	m.metrics.RecordRejected(errors.GetCode(err).String())
}

// dependencies returns the declared dependencies plus the admitted events
// behind unsatisfied clock requirements, and the requirements left to wait on.
// Sequential events leave their own origin's order to the ordering service.
func (m *EventSynchronizationManager) dependencies(ev *model.DistributedSemanticEvent, protocol model.SyncProtocol) ([]string, []causality.Requirement) {
	reqs := m.tracker.Requirements(ev.Origin(), ev.VectorClock)
	if protocol == model.ProtocolSequential {
		kept := reqs[:0]
		for _, r := range reqs {
			if r.NodeID != ev.Origin() {
				kept = append(kept, r)
			}
		}
		reqs = kept
	}

	seen := make(map[string]struct{})
	var deps []string
	add := func(id string) {
		if id == "" || id == ev.ID() {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}
	for _, dep := range ev.Event.Dependencies {
		add(dep)
	}
	for _, r := range m.tracker.Unsatisfied(reqs) {
		if id, ok := m.tracker.Lookup(r); ok {
			add(id)
		}
	}
	return deps, reqs
}

// unresolvedLocked lists the graph dependencies and clock requirements that
// still hold e back
func (m *EventSynchronizationManager) unresolvedLocked(e *pendingEntry) []string {
	out := m.graph.Unresolved(e.pe.Event.ID())
	for _, r := range m.tracker.Unsatisfied(e.reqs) {
		out = append(out, r.String())
	}
	return out
}

func (m *EventSynchronizationManager) readyLocked(e *pendingEntry) bool {
	id := e.pe.Event.ID()
	return m.graph.IsReady(id) && len(m.tracker.Unsatisfied(e.reqs)) == 0
}

// failAdmission records a rejected admission as a failed entry so it stays visible
func (m *EventSynchronizationManager) failAdmission(e *pendingEntry, err error) {
	if errors.IsCode(err, errors.ErrCodeCausalityViolation) {
		m.metrics.RecordCausalityViolation(causalityKind(err))
	}
	m.pendingMu.Lock()
	e.retryable = false
	m.pendingMu.Unlock()
	m.fail(e, "causality violation", err)
}

func causalityKind(err error) string {
	if v, ok := errors.GetDetail(err, "violation"); ok {
		if kind, ok := v.(string); ok {
			return kind
		}
	}
	return "unknown"
}

// resolveConflicts runs detection for e and resolves whatever it finds. When
// another event wins any conflict, e is superseded: it is still synchronized
// but its CRDT mutation is not applied. Otherwise the last resolution becomes
// the synchronized payload.
func (m *EventSynchronizationManager) resolveConflicts(ctx context.Context, e *pendingEntry) error {
	if err := m.conflictSem.Acquire(ctx, 1); err != nil {
		lockErr := errors.LockError("conflict section", err)
		m.fail(e, "conflict section unavailable", lockErr)
		return lockErr
	}
	defer m.conflictSem.Release(1)

	m.pendingMu.RLock()
	ev := e.pe.Event.Clone()
	m.pendingMu.RUnlock()

	conflicts := m.detector.Detect(ev)
	if len(conflicts) == 0 {
		return nil
	}
	atomic.AddUint64(&m.conflictsDetected, uint64(len(conflicts)))

	result := ev
	supersededBy := ""
	resolvedFrom := make(map[string]struct{})
	for _, c := range conflicts {
		m.metrics.RecordConflict(string(c.Type))
		winner, err := m.resolver.Resolve(c)
		strategy := ""
		if winner != nil && winner.Metadata.Resolution != nil {
			strategy = winner.Metadata.Resolution.Strategy
		}
		m.metrics.RecordResolution(strategy, err)
		if err != nil {
			m.pendingMu.Lock()
			e.retryable = false
			m.pendingMu.Unlock()
			m.fail(e, "conflict unresolved", err)
			return err
		}
		atomic.AddUint64(&m.conflictsResolved, 1)
		for _, id := range c.EventIDs {
			resolvedFrom[id] = struct{}{}
		}
		if winner.ID() != ev.ID() {
			if supersededBy == "" {
				supersededBy = winner.ID()
			}
			continue
		}
		result = winner
	}
	if supersededBy != "" {
		result = ev
		m.logger.Debug("Event superseded by conflict resolution",
			zap.String("event_id", ev.ID()),
			zap.String("winner", supersededBy))
	}

	from := make([]string, 0, len(resolvedFrom))
	for id := range resolvedFrom {
		from = append(from, id)
	}
	sort.Strings(from)

	m.pendingMu.Lock()
	e.result = result
	e.resolvedFrom = from
	e.supersededBy = supersededBy
	e.pe.ConflictsResolved = len(conflicts)
	m.pendingMu.Unlock()
	return nil
}

// advance dispatches every waiting entry whose dependencies are met, repeating
// until nothing more becomes ready. Quorum-bound entries other than the
// caller's own run on the protocol pool.
func (m *EventSynchronizationManager) advance(ctx context.Context, callerID string) {
	for {
		ready := m.claimReady()
		if len(ready) == 0 {
			return
		}
		for _, e := range ready {
			id := e.pe.Event.ID()
			switch p := e.pe.Protocol; {
			case needsQuorum(p) && id != callerID:
				m.dispatchQuorumAsync(e)
			case needsQuorum(p):
				m.runQuorum(ctx, e)
			case p == model.ProtocolSequential:
				m.submitOrdered(e)
			default:
				m.finalize(e, model.SynchronizationMetadata{NodeCount: 1})
			}
		}
		m.drainOrdering()
	}
}

// claimReady moves every ready waiting entry to ReadyForSync and returns them
// in admission order
func (m *EventSynchronizationManager) claimReady() []*pendingEntry {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	var ready []*pendingEntry
	for _, e := range m.pending {
		if e.pe.State.Status != model.SyncStatusWaitingForDependencies {
			continue
		}
		if e.pe.Protocol != model.ProtocolEventual && !m.readyLocked(e) {
			e.pe.UnresolvedDependencies = m.unresolvedLocked(e)
			continue
		}
		e.pe.State = model.SynchronizationState{Status: model.SyncStatusReadyForSync}
		e.pe.UnresolvedDependencies = nil
		e.parked = false
		ready = append(ready, e)
	}
	sortByAdmission(ready)
	return ready
}

// dispatchQuorumAsync queues e on the protocol pool, waiting for a free slot
// no longer than e's coordination deadline. An entry the pool never takes
// fails rather than returning to the ready set.
func (m *EventSynchronizationManager) dispatchQuorumAsync(e *pendingEntry) {
	m.pendingMu.RLock()
	deadline := e.pe.Deadline
	m.pendingMu.RUnlock()

	submitCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	err := m.pool.SubmitWithContext(submitCtx, workerpool.Task{
		ID: e.pe.Event.ID(),
		Fn: func(ctx context.Context) error {
			m.runQuorum(ctx, e)
			m.advance(ctx, "")
			return nil
		},
	})
	if err == nil {
		return
	}
	if submitCtx.Err() != nil {
		stats := m.pool.Stats()
		err = errors.ResourceExhausted("protocol pool", stats.QueuedTasks, stats.QueueSize)
	}
	m.logger.Warn("Protocol pool did not accept quorum task",
		zap.String("event_id", e.pe.Event.ID()),
		zap.Error(err))
	m.fail(e, "protocol pool saturated", err)
}

func (m *EventSynchronizationManager) runQuorum(ctx context.Context, e *pendingEntry) {
	acks, err := m.awaitQuorum(ctx, e)
	if err != nil {
		atomic.AddUint64(&m.consistencyViolations, 1)
		m.fail(e, "quorum not reached", err)
		return
	}
	m.finalize(e, model.SynchronizationMetadata{NodeCount: acks})
}

// submitOrdered hands a ready sequential entry to the ordering service. With
// the buffer full the entry is parked, still claimed, until a delivery frees
// space; it reports whether the entry was accepted.
func (m *EventSynchronizationManager) submitOrdered(e *pendingEntry) bool {
	m.pendingMu.RLock()
	ev := e.pe.Event
	seq := ev.Metadata.NodeSequence
	m.pendingMu.RUnlock()

	if _, err := m.ordering.Submit(ev, seq); err != nil {
		if errors.IsCode(err, errors.ErrCodeResourceExhausted) {
			m.pendingMu.Lock()
			e.parked = true
			m.pendingMu.Unlock()
			m.logger.Debug("Ordering buffer full, event parked",
				zap.String("event_id", ev.ID()),
				zap.Uint64("sequence", seq))
			return false
		}
		m.fail(e, "ordering rejected", err)
		return false
	}
	return true
}

// drainOrdering synchronizes everything the ordering service has released and
// resubmits parked entries while the buffer has room
func (m *EventSynchronizationManager) drainOrdering() {
	for {
		for _, d := range m.ordering.Drain(0) {
			m.pendingMu.RLock()
			e, ok := m.pending[d.Event.ID()]
			claimed := ok && e.pe.State.Status == model.SyncStatusReadyForSync
			m.pendingMu.RUnlock()
			if !claimed {
				continue
			}
			m.finalize(e, model.SynchronizationMetadata{NodeCount: 1, GlobalSequence: d.GlobalSequence})
		}
		if !m.resubmitParked() {
			return
		}
	}
}

// resubmitParked offers parked entries to the ordering service in admission
// order; entries the buffer still refuses park again. It reports whether any
// entry was accepted.
func (m *EventSynchronizationManager) resubmitParked() bool {
	m.pendingMu.Lock()
	var parked []*pendingEntry
	for _, e := range m.pending {
		if e.parked && e.pe.State.Status == model.SyncStatusReadyForSync {
			e.parked = false
			parked = append(parked, e)
		}
	}
	m.pendingMu.Unlock()
	sortByAdmission(parked)

	accepted := false
	for _, e := range parked {
		if m.submitOrdered(e) {
			accepted = true
		}
	}
	return accepted
}

func sortByAdmission(entries []*pendingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].pe, entries[j].pe
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.Event.ID() < b.Event.ID()
	})
}

// finalize applies a claimed entry and appends it to the synchronized queue
func (m *EventSynchronizationManager) finalize(e *pendingEntry, meta model.SynchronizationMetadata) {
	m.pendingMu.Lock()
	if e.pe.State.Status != model.SyncStatusReadyForSync {
		m.pendingMu.Unlock()
		return
	}
	e.pe.State = model.SynchronizationState{Status: model.SyncStatusSynchronizing}
	ev := e.pe.Event
	result := e.result.Clone()
	protocol := e.pe.Protocol
	meta.ConflictsResolved = e.pe.ConflictsResolved
	meta.ResolvedFrom = append([]string(nil), e.resolvedFrom...)
	meta.SupersededBy = e.supersededBy
	m.pendingMu.Unlock()

	id := ev.ID()
	if err := m.graph.BeginProcessing(id); err != nil {
		m.metrics.RecordCausalityViolation(causalityKind(err))
		m.fail(e, "premature delivery", err)
		return
	}
	if mut := result.Event.CRDT; mut != nil && meta.SupersededBy == "" {
		key, op := crdt.OperationFromMutation(mut, result.Origin(), result.VectorClock)
		if err := m.crdts.ApplyOperation(key, op); err != nil {
			m.graph.Reset(id)
			m.pendingMu.Lock()
			e.retryable = false
			m.pendingMu.Unlock()
			m.fail(e, "crdt operation rejected", err)
			return
		}
	}
	m.tracker.MarkApplied(ev.Origin(), ev.VectorClock)
	if _, err := m.graph.Complete(id); err != nil {
		m.fail(e, "graph completion failed", err)
		return
	}

	now := time.Now()
	m.pendingMu.Lock()
	latency := now.Sub(e.pe.ReceivedAt)
	e.pe.State = model.SynchronizationState{Status: model.SyncStatusSynchronized}
	delete(m.pending, id)
	close(e.done)
	m.pendingMu.Unlock()

	meta.Protocol = protocol
	meta.ConsistencyLevel = AchievedLevel(protocol)
	meta.Latency = latency
	meta.SourceEventID = id
	m.syncMu.Lock()
	m.synchronized = append(m.synchronized, model.SynchronizedEvent{
		Event:          result,
		Metadata:       meta,
		SynchronizedAt: now,
	})
	m.syncMu.Unlock()

	atomic.AddUint64(&m.successfulSyncs, 1)
	atomic.AddUint64(&m.latencyNanos, uint64(latency))
	m.metrics.RecordSynchronized(string(protocol), latency.Seconds())

	// peers run their own resolution, so they get the event as admitted
	if ev.Origin() == m.cfg.NodeID {
		if err := m.batcher.Add(ev.Clone()); err != nil {
			m.logger.Warn("Outbound batch queue full",
				zap.String("event_id", id),
				zap.Error(err))
		}
	}

	m.logger.Debug("Event synchronized",
		zap.String("event_id", id),
		zap.String("protocol", string(protocol)),
		zap.Duration("latency", latency),
		zap.Int("conflicts_resolved", meta.ConflictsResolved))
}

// fail moves e to Failed and wakes its waiters
func (m *EventSynchronizationManager) fail(e *pendingEntry, reason string, err error) {
	m.pendingMu.Lock()
	if e.pe.State.Terminal() {
		m.pendingMu.Unlock()
		return
	}
	e.pe.State = model.SynchronizationState{Status: model.SyncStatusFailed, Reason: reason}
	e.err = err
	close(e.done)
	id := e.pe.Event.ID()
	protocol := e.pe.Protocol
	m.pendingMu.Unlock()

	if protocol == model.ProtocolSequential {
		m.ordering.Discard(id)
	}
	atomic.AddUint64(&m.failedSyncs, 1)
	m.metrics.RecordFailed(reason)
	m.logger.Warn("Event synchronization failed",
		zap.String("event_id", id),
		zap.String("reason", reason),
		zap.Error(err))
}

// AwaitEvent blocks until the event is terminal, its coordination deadline
// passes or ctx ends. It returns nil once the event is synchronized.
func (m *EventSynchronizationManager) AwaitEvent(ctx context.Context, id string) error {
	for {
		m.pendingMu.RLock()
		e, ok := m.pending[id]
		var done chan struct{}
		var deadline time.Time
		if ok {
			done = e.done
			deadline = e.pe.Deadline
		}
		m.pendingMu.RUnlock()

		if !ok {
			if st, known := m.graph.State(id); (known && st == causality.NodeCompleted) || m.graph.Retired(id) {
				return nil
			}
			return errors.NotFound("event", id)
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-done:
			timer.Stop()
			m.pendingMu.RLock()
			err := e.err
			m.pendingMu.RUnlock()
			return err
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			m.pendingMu.RLock()
			extended := e.pe.Deadline.After(deadline)
			m.pendingMu.RUnlock()
			if !extended {
				return errors.SynchronizationTimeout(id, time.Since(e.pe.ReceivedAt))
			}
		}
	}
}

// PendingEvents returns snapshots of every pending entry in admission order
func (m *EventSynchronizationManager) PendingEvents() []*model.PendingEvent {
	m.pendingMu.RLock()
	out := make([]*model.PendingEvent, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.pe.Clone())
	}
	m.pendingMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].Event.ID() < out[j].Event.ID()
	})
	return out
}

// PendingEvent returns a snapshot of one pending entry
func (m *EventSynchronizationManager) PendingEvent(id string) (*model.PendingEvent, bool) {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	e, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	return e.pe.Clone(), true
}

// DrainSynchronized pops up to max synchronized events in FIFO order; max <= 0 drains all
func (m *EventSynchronizationManager) DrainSynchronized(max int) []model.SynchronizedEvent {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if max <= 0 || max > len(m.synchronized) {
		max = len(m.synchronized)
	}
	out := make([]model.SynchronizedEvent, max)
	copy(out, m.synchronized[:max])
	m.synchronized = append([]model.SynchronizedEvent(nil), m.synchronized[max:]...)
	return out
}

// SynchronizedLen returns the number of synchronized events not yet drained
func (m *EventSynchronizationManager) SynchronizedLen() int {
	m.syncMu.RLock()
	defer m.syncMu.RUnlock()
	return len(m.synchronized)
}

// ResolutionHistory returns the conflict resolution audit trail
func (m *EventSynchronizationManager) ResolutionHistory() []conflict.ConflictResolution {
	return m.resolver.History()
}

// CausalityViolations returns the recorded causality violations
func (m *EventSynchronizationManager) CausalityViolations() []causality.Violation {
	return m.tracker.Violations()
}

// AdaptationHistory returns the adaptive controller's decisions
func (m *EventSynchronizationManager) AdaptationHistory() []batch.AdaptationDecision {
	return m.adaptive.History()
}

// CRDTs exposes the replicated data types maintained by the engine
func (m *EventSynchronizationManager) CRDTs() *crdt.Manager {
	return m.crdts
}

// Clock returns a snapshot of the local vector clock
func (m *EventSynchronizationManager) Clock() model.VectorClock {
	return m.clock.Snapshot()
}

// Consistency returns the protocol selection service
func (m *EventSynchronizationManager) Consistency() *ConsistencyService {
	return m.consistency
}

// Receive admits an event replicated from a peer. Events this node already
// knows are accepted silently. Strong and linearizable events are admitted
// causally here; their quorum belongs to the originator.
func (m *EventSynchronizationManager) Receive(ctx context.Context, ev *model.DistributedSemanticEvent) error {
	if ev == nil || ev.Event == nil {
		return errors.InvalidArgument("event is required", nil)
	}
	id := ev.ID()
	if m.known(id) {
		return nil
	}
	replica := ev.Clone()
	switch replica.Metadata.ConsistencyLevel {
	case model.ConsistencyStrong, model.ConsistencyLinearizable:
		replica.Metadata.ConsistencyLevel = model.ConsistencyCausal
	}
	_, err := m.SynchronizeEvent(ctx, replica)
	if err != nil && errors.IsCode(err, errors.ErrCodeInvalidArgument) && m.known(id) {
		// lost a race with another copy of the same event
		return nil
	}
	return err
}

func (m *EventSynchronizationManager) known(id string) bool {
	if id == "" {
		return false
	}
	m.pendingMu.RLock()
	_, pending := m.pending[id]
	m.pendingMu.RUnlock()
	return pending || m.graph.Contains(id) || m.graph.Retired(id)
}

// DiscardFailed drops a failed entry and its bookkeeping
func (m *EventSynchronizationManager) DiscardFailed(id string) error {
	m.pendingMu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.pendingMu.Unlock()
		return errors.NotFound("pending event", id)
	}
	if e.pe.State.Status != model.SyncStatusFailed {
		m.pendingMu.Unlock()
		return errors.InvalidArgument(fmt.Sprintf("event %s is %s, not failed", id, e.pe.State.Status), nil)
	}
	delete(m.pending, id)
	admitted := e.admitted
	m.pendingMu.Unlock()

	if admitted {
		m.graph.Remove(id)
		m.tracker.Forget(id)
	}
	m.detector.Forget(id)
	m.ordering.Discard(id)
	return nil
}

// RetryFailed returns a failed entry to the dependency wait with a fresh
// deadline and attempt count. Admission and conflict failures cannot be retried.
func (m *EventSynchronizationManager) RetryFailed(ctx context.Context, id string) error {
	m.pendingMu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.pendingMu.Unlock()
		return errors.NotFound("pending event", id)
	}
	if e.pe.State.Status != model.SyncStatusFailed || !e.retryable || !e.admitted {
		m.pendingMu.Unlock()
		return errors.InvalidArgument(fmt.Sprintf("event %s cannot be retried", id), nil)
	}
	now := time.Now()
	e.pe.State = model.SynchronizationState{Status: model.SyncStatusWaitingForDependencies}
	e.pe.Attempts = 0
	e.pe.Deadline = now.Add(e.pe.Event.Metadata.CoordinationTimeout)
	e.err = nil
	e.done = make(chan struct{})
	m.pendingMu.Unlock()

	m.graph.Reset(id)
	m.advance(ctx, id)
	return nil
}

// GetSyncMetrics returns a snapshot of the engine counters
func (m *EventSynchronizationManager) GetSyncMetrics() model.SynchronizationMetrics {
	m.pendingMu.RLock()
	pending := len(m.pending)
	m.pendingMu.RUnlock()

	successful := atomic.LoadUint64(&m.successfulSyncs)
	avg := 0.0
	if successful > 0 {
		avg = float64(atomic.LoadUint64(&m.latencyNanos)) / float64(successful) / float64(time.Millisecond)
	}
	return model.SynchronizationMetrics{
		TotalEvents:           atomic.LoadUint64(&m.totalEvents),
		SuccessfulSyncs:       successful,
		FailedSyncs:           atomic.LoadUint64(&m.failedSyncs),
		RejectedEvents:        atomic.LoadUint64(&m.rejectedEvents),
		PendingEvents:         pending,
		AverageLatencyMs:      avg,
		ConsistencyViolations: atomic.LoadUint64(&m.consistencyViolations),
		ConflictsDetected:     atomic.LoadUint64(&m.conflictsDetected),
		ConflictsResolved:     atomic.LoadUint64(&m.conflictsResolved),
		CausalityViolations:   m.tracker.ViolationCount(),
		NetworkEfficiency:     m.batcher.Stats().NetworkEfficiency(),
	}
}

// Start runs the maintenance loop, the batch flusher and the adaptive controller
func (m *EventSynchronizationManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.batcher.Start(ctx)
		m.adaptive.Start(ctx)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.cfg.MaintenanceInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopCh:
					return
				case <-ticker.C:
					m.Maintain(ctx)
				}
			}
		}()
		m.logger.Info("Synchronization engine started",
			zap.String("node_id", m.cfg.NodeID),
			zap.String("preferred_protocol", string(m.consistency.Preferred())))
	})
}

// Maintain runs one maintenance pass: expire overdue entries, release stale
// ordering gaps, dispatch what became ready and prune the dependency graph
func (m *EventSynchronizationManager) Maintain(ctx context.Context) {
	m.expireOverdue()
	m.ordering.ExpireStale(m.cfg.DefaultCoordinationTimeout)
	m.drainOrdering()
	m.advance(ctx, "")

	for _, id := range m.graph.Prune() {
		m.tracker.Forget(id)
	}

	m.pendingMu.RLock()
	pending := len(m.pending)
	m.pendingMu.RUnlock()
	m.metrics.UpdateQueues(pending, m.SynchronizedLen(), m.graph.Len(), m.ordering.Buffered())
}

// expireOverdue retries or fails every non-terminal entry past its deadline
func (m *EventSynchronizationManager) expireOverdue() {
	now := time.Now()
	var expired []*pendingEntry

	m.pendingMu.Lock()
	for _, e := range m.pending {
		st := e.pe.State.Status
		if e.pe.State.Terminal() || st == model.SyncStatusSynchronizing || now.Before(e.pe.Deadline) {
			continue
		}
		if needsQuorum(e.pe.Protocol) && st == model.SyncStatusReadyForSync {
			// the quorum round enforces its own deadline
			continue
		}
		e.pe.Attempts++
		if e.pe.Attempts < m.cfg.SyncAttempts {
			e.pe.Deadline = now.Add(e.pe.Event.Metadata.CoordinationTimeout)
			continue
		}
		expired = append(expired, e)
	}
	m.pendingMu.Unlock()

	for _, e := range expired {
		atomic.AddUint64(&m.consistencyViolations, 1)
		m.fail(e, "synchronization timeout",
			errors.SynchronizationTimeout(e.pe.Event.ID(), now.Sub(e.pe.ReceivedAt)))
	}
}

// Stop ends the maintenance loop and flushes outbound batches
func (m *EventSynchronizationManager) Stop(timeout time.Duration) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.adaptive.Stop()
		if berr := m.batcher.Stop(timeout); berr != nil {
			err = berr
		}
		if perr := m.pool.Stop(timeout); perr != nil && err == nil {
			err = perr
		}
		m.logger.Info("Synchronization engine stopped", zap.String("node_id", m.cfg.NodeID))
	})
	return err
}
