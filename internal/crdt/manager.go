package crdt

import (
	"fmt"
	"sync"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// OpMerge marks an operation-log record produced by a state merge
const OpMerge model.CRDTOpKind = "merge"

// Operation is a single mutation applied to a CRDT instance
type Operation struct {
	Type      model.CRDTType
	Kind      model.CRDTOpKind
	Amount    uint64
	Value     string
	Tag       string
	Tags      []string
	Timestamp int64
	NodeID    string
	Clock     model.VectorClock
	// Observed marks an OR-Set remove whose tags were fixed at its origin;
	// it tombstones exactly Tags, even when there are none
	Observed bool
}

// OperationFromMutation converts an event-carried mutation into a key and operation
func OperationFromMutation(mut *model.CRDTMutation, nodeID string, clock model.VectorClock) (string, Operation) {
	op := Operation{
		Type:      mut.Type,
		Kind:      mut.Op,
		Amount:    mut.Amount,
		Value:     mut.Value,
		Tag:       mut.Tag,
		Tags:      append([]string(nil), mut.Tags...),
		Timestamp: mut.Timestamp,
		NodeID:    nodeID,
		Clock:     clock.Clone(),
	}
	if mut.Type == model.CRDTORSet && mut.Op == model.CRDTOpRemove {
		if mut.Tag != "" {
			op.Tags = append(op.Tags, mut.Tag)
		}
		op.Observed = true
	}
	return mut.Key, op
}

// OperationRecord is one entry of the audit/replay log
type OperationRecord struct {
	Type      model.CRDTType    `json:"type"`
	Kind      model.CRDTOpKind  `json:"kind"`
	Key       string            `json:"key"`
	Operation Operation         `json:"operation"`
	Remote    State             `json:"-"`
	NodeID    string            `json:"node_id"`
	Clock     model.VectorClock `json:"clock"`
	Timestamp time.Time         `json:"timestamp"`
}

// Manager holds named CRDT instances, one map per type, and the operation log
type Manager struct {
	nodeID string
	logger *zap.Logger

	mu           sync.RWMutex
	gCounters    map[string]*GCounter
	pnCounters   map[string]*PNCounter
	lwwRegisters map[string]*LWWRegister
	orSets       map[string]*ORSet
	twoPSets     map[string]*TwoPhaseSet
	mvRegisters  map[string]*MVRegister

	logMu      sync.Mutex
	opLog      []OperationRecord
	maxLogSize int
}

// NewManager creates a CRDT manager. maxLogSize bounds the operation log;
// zero keeps every record.
func NewManager(nodeID string, maxLogSize int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		nodeID:       nodeID,
		logger:       logger,
		gCounters:    make(map[string]*GCounter),
		pnCounters:   make(map[string]*PNCounter),
		lwwRegisters: make(map[string]*LWWRegister),
		orSets:       make(map[string]*ORSet),
		twoPSets:     make(map[string]*TwoPhaseSet),
		mvRegisters:  make(map[string]*MVRegister),
		maxLogSize:   maxLogSize,
	}
}

// ApplyOperation applies op to the instance named key, creating it on first use
func (m *Manager) ApplyOperation(key string, op Operation) error {
	if key == "" {
		return errors.InvalidArgument("crdt key is required", nil)
	}
	if op.NodeID == "" {
		op.NodeID = m.nodeID
	}
	if op.Amount == 0 && (op.Kind == model.CRDTOpIncrement || op.Kind == model.CRDTOpDecrement) {
		op.Amount = 1
	}

	m.mu.Lock()
	err := m.applyLocked(key, &op)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.appendLog(OperationRecord{
		Type:      op.Type,
		Kind:      op.Kind,
		Key:       key,
		Operation: op,
		NodeID:    op.NodeID,
		Clock:     op.Clock.Clone(),
		Timestamp: time.Now(),
	})

	m.logger.Debug("Applied CRDT operation",
		zap.String("type", string(op.Type)),
		zap.String("kind", string(op.Kind)),
		zap.String("key", key),
		zap.String("node_id", op.NodeID))
	return nil
}

// applyLocked mutates state; op is updated in place with any values chosen
// during application (tags, timestamps, clocks) so the log replays exactly.
func (m *Manager) applyLocked(key string, op *Operation) error {
	switch op.Type {
	case model.CRDTGCounter:
		if op.Kind != model.CRDTOpIncrement {
			return unsupported(op)
		}
		c, ok := m.gCounters[key]
		if !ok {
			c = NewGCounter()
			m.gCounters[key] = c
		}
		c.Increment(op.NodeID, op.Amount)

	case model.CRDTPNCounter:
		c, ok := m.pnCounters[key]
		if !ok {
			c = NewPNCounter()
			m.pnCounters[key] = c
		}
		switch op.Kind {
		case model.CRDTOpIncrement:
			c.Increment(op.NodeID, op.Amount)
		case model.CRDTOpDecrement:
			c.Decrement(op.NodeID, op.Amount)
		default:
			return unsupported(op)
		}

	case model.CRDTLWWRegister:
		if op.Kind != model.CRDTOpSet {
			return unsupported(op)
		}
		if op.Timestamp == 0 {
			op.Timestamp = time.Now().UnixNano()
		}
		r, ok := m.lwwRegisters[key]
		if !ok {
			r = NewLWWRegister()
			m.lwwRegisters[key] = r
		}
		r.Set(op.Value, op.Timestamp, op.NodeID)

	case model.CRDTORSet:
		s, ok := m.orSets[key]
		if !ok {
			s = NewORSet()
			m.orSets[key] = s
		}
		switch op.Kind {
		case model.CRDTOpAdd:
			op.Tag = s.Add(op.Value, op.Tag)
		case model.CRDTOpRemove:
			switch {
			case op.Observed || len(op.Tags) > 0:
				s.RemoveTags(op.Value, op.Tags)
			case op.Tag != "":
				s.RemoveTags(op.Value, []string{op.Tag})
			default:
				op.Tags = s.Remove(op.Value)
			}
		default:
			return unsupported(op)
		}

	case model.CRDTTwoPhaseSet:
		s, ok := m.twoPSets[key]
		if !ok {
			s = NewTwoPhaseSet()
			m.twoPSets[key] = s
		}
		switch op.Kind {
		case model.CRDTOpAdd:
			s.Add(op.Value)
		case model.CRDTOpRemove:
			s.Remove(op.Value)
		default:
			return unsupported(op)
		}

	case model.CRDTMVRegister:
		if op.Kind != model.CRDTOpSet {
			return unsupported(op)
		}
		r, ok := m.mvRegisters[key]
		if !ok {
			r = NewMVRegister()
			m.mvRegisters[key] = r
		}
		if len(op.Clock) == 0 {
			op.Clock = r.Assign(op.Value, op.NodeID)
		} else {
			r.Set(op.Value, op.Clock)
		}

	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown crdt type %q", op.Type), nil)
	}
	return nil
}

// Merge merges a remote replica's state into the instance named key
func (m *Manager) Merge(key string, remote State) error {
	if key == "" {
		return errors.InvalidArgument("crdt key is required", nil)
	}
	if remote == nil {
		return errors.InvalidArgument("remote state is required", nil)
	}

	m.mu.Lock()
	switch s := remote.(type) {
	case *GCounter:
		if cur, ok := m.gCounters[key]; ok {
			cur.Merge(s)
		} else {
			m.gCounters[key] = s.Clone()
		}
	case *PNCounter:
		if cur, ok := m.pnCounters[key]; ok {
			cur.Merge(s)
		} else {
			m.pnCounters[key] = s.Clone()
		}
	case *LWWRegister:
		if cur, ok := m.lwwRegisters[key]; ok {
			cur.Merge(s)
		} else {
			m.lwwRegisters[key] = s.Clone()
		}
	case *ORSet:
		if cur, ok := m.orSets[key]; ok {
			cur.Merge(s)
		} else {
			m.orSets[key] = s.Clone()
		}
	case *TwoPhaseSet:
		if cur, ok := m.twoPSets[key]; ok {
			cur.Merge(s)
		} else {
			m.twoPSets[key] = s.Clone()
		}
	case *MVRegister:
		if cur, ok := m.mvRegisters[key]; ok {
			cur.Merge(s)
		} else {
			m.mvRegisters[key] = s.Clone()
		}
	default:
		m.mu.Unlock()
		return errors.InvalidArgument(fmt.Sprintf("unsupported crdt state %T", remote), nil)
	}
	m.mu.Unlock()

	m.appendLog(OperationRecord{
		Type:      remote.Type(),
		Kind:      OpMerge,
		Key:       key,
		Remote:    remote.cloneState(),
		NodeID:    m.nodeID,
		Timestamp: time.Now(),
	})
	return nil
}

// State returns a copy of the instance of type t named key
func (m *Manager) State(t model.CRDTType, key string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s State
	var ok bool
	switch t {
	case model.CRDTGCounter:
		s, ok = lookup(m.gCounters, key)
	case model.CRDTPNCounter:
		s, ok = lookup(m.pnCounters, key)
	case model.CRDTLWWRegister:
		s, ok = lookup(m.lwwRegisters, key)
	case model.CRDTORSet:
		s, ok = lookup(m.orSets, key)
	case model.CRDTTwoPhaseSet:
		s, ok = lookup(m.twoPSets, key)
	case model.CRDTMVRegister:
		s, ok = lookup(m.mvRegisters, key)
	}
	if !ok {
		return nil, false
	}
	return s.cloneState(), true
}

func lookup[T State](m map[string]T, key string) (State, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	return v, true
}

// GCounterValue returns the value of a G-Counter
func (m *Manager) GCounterValue(key string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.gCounters[key]
	if !ok {
		return 0, false
	}
	return c.Value(), true
}

// PNCounterValue returns the value of a PN-Counter
func (m *Manager) PNCounterValue(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.pnCounters[key]
	if !ok {
		return 0, false
	}
	return c.Value(), true
}

// LWWValue returns the current value of an LWW-Register
func (m *Manager) LWWValue(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.lwwRegisters[key]
	if !ok {
		return "", false
	}
	return r.Value, true
}

// ORSetElements returns the present elements of an OR-Set
func (m *Manager) ORSetElements(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.orSets[key]; ok {
		return s.Elements()
	}
	return nil
}

// TwoPhaseSetElements returns the present elements of a 2P-Set
func (m *Manager) TwoPhaseSetElements(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.twoPSets[key]; ok {
		return s.Elements()
	}
	return nil
}

// MVRegisterValues returns the concurrent values of an MV-Register
func (m *Manager) MVRegisterValues(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.mvRegisters[key]; ok {
		return r.Values()
	}
	return nil
}

// ObservedTags returns the add-tags of element this replica has seen in the
// OR-Set named key, sorted
func (m *Manager) ObservedTags(key, element string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.orSets[key]; ok {
		return s.Tags(element)
	}
	return nil
}

// OperationLog returns a copy of the operation log, oldest first
func (m *Manager) OperationLog() []OperationRecord {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([]OperationRecord, len(m.opLog))
	copy(out, m.opLog)
	return out
}

// Replay re-applies a log produced by another manager, in order
func (m *Manager) Replay(records []OperationRecord) error {
	for i, rec := range records {
		var err error
		if rec.Kind == OpMerge {
			err = m.Merge(rec.Key, rec.Remote)
		} else {
			err = m.ApplyOperation(rec.Key, rec.Operation)
		}
		if err != nil {
			return fmt.Errorf("replay record %d (%s %s): %w", i, rec.Type, rec.Kind, err)
		}
	}
	return nil
}

func (m *Manager) appendLog(rec OperationRecord) {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.opLog = append(m.opLog, rec)
	if m.maxLogSize > 0 && len(m.opLog) > m.maxLogSize {
		trimmed := make([]OperationRecord, m.maxLogSize)
		copy(trimmed, m.opLog[len(m.opLog)-m.maxLogSize:])
		m.opLog = trimmed
	}
}

func unsupported(op *Operation) error {
	return errors.InvalidArgument(fmt.Sprintf("operation %q not supported by %s", op.Kind, op.Type), nil)
}
