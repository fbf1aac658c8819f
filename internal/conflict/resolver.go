package conflict

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/algorithm"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// StrategyID names a resolution strategy
type StrategyID string

const (
	LastWriterWins  StrategyID = "last_writer_wins"
	FirstWriterWins StrategyID = "first_writer_wins"
	CRDTMerge       StrategyID = "crdt_merge"
	HighestPriority StrategyID = "highest_priority"
	NodePriority    StrategyID = "node_priority"
	Reject          StrategyID = "reject"
)

// Valid reports whether s is a known strategy
func (s StrategyID) Valid() bool {
	switch s {
	case LastWriterWins, FirstWriterWins, CRDTMerge, HighestPriority, NodePriority, Reject:
		return true
	default:
		return false
	}
}

// Attribute keys set on events produced by a resolution
const (
	AttrResolution = "resolution.strategy"
	AttrMergedFrom = "resolution.merged_from"
)

// RegistryEntry maps a conflict type and resource pattern to a strategy
type RegistryEntry struct {
	Type     ConflictType `yaml:"type" mapstructure:"type"`
	Pattern  string       `yaml:"pattern" mapstructure:"pattern"`
	Strategy StrategyID   `yaml:"strategy" mapstructure:"strategy"`
}

func (e RegistryEntry) matches(t ConflictType, resource string) bool {
	if e.Type != t {
		return false
	}
	return ConflictDetectionRule{Pattern: e.Pattern}.Matches(resource)
}

// ConflictResolution is one entry of the resolution audit trail
type ConflictResolution struct {
	Type           ConflictType                    `json:"type"`
	Resource       string                          `json:"resource"`
	ConflictingIDs []string                        `json:"conflicting_ids"`
	Strategy       StrategyID                      `json:"strategy"`
	Result         *model.DistributedSemanticEvent `json:"result,omitempty"`
	Error          string                          `json:"error,omitempty"`
	Timestamp      time.Time                       `json:"timestamp"`
	Latency        time.Duration                   `json:"latency"`
}

// ResolverConfig configures strategy selection
type ResolverConfig struct {
	NodeID         string
	Registry       []RegistryEntry
	NodePriorities map[string]int
	HistorySize    int
}

// Resolver turns a detected conflict into exactly one resulting event
type Resolver struct {
	nodeID string

	regMu        sync.RWMutex
	registry     []RegistryEntry
	defaults     map[ConflictType]StrategyID
	nodePriority map[string]int

	histMu     sync.RWMutex
	history    []ConflictResolution
	maxHistory int

	vcOps  *algorithm.VectorClockOps
	logger *zap.Logger
}

// NewResolver creates a resolver. The built-in conflict types resolve with
// LastWriterWins unless the registry says otherwise, or with CRDTMerge when
// every conflicting event mutates the same CRDT instance. Custom conflicts
// have no default and must be registered.
func NewResolver(cfg ResolverConfig, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	r := &Resolver{
		nodeID:       cfg.NodeID,
		nodePriority: make(map[string]int, len(cfg.NodePriorities)),
		maxHistory:   cfg.HistorySize,
		vcOps:        algorithm.NewVectorClockOps(),
		logger:       logger,
	}
	for node, p := range cfg.NodePriorities {
		r.nodePriority[node] = p
	}
	r.defaults = map[ConflictType]StrategyID{
		ConcurrentWrites:  LastWriterWins,
		ReadWriteConflict: LastWriterWins,
		OrderingViolation: LastWriterWins,
	}
	for _, e := range cfg.Registry {
		if err := r.Register(e.Type, e.Pattern, e.Strategy); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register maps (conflict type, resource pattern) to a strategy. Later
// registrations take precedence over earlier ones.
func (r *Resolver) Register(t ConflictType, pattern string, strategy StrategyID) error {
	if !strategy.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("unknown strategy %q", strategy), nil)
	}
	if err := (ConflictDetectionRule{Name: "registry", Pattern: pattern, Condition: ConcurrentWrites}).validate(); err != nil {
		return err
	}
	r.regMu.Lock()
	r.registry = append(r.registry, RegistryEntry{Type: t, Pattern: pattern, Strategy: strategy})
	r.regMu.Unlock()
	return nil
}

// StrategyFor returns the strategy registered for a conflict on resource,
// falling back to the built-in default for its type
func (r *Resolver) StrategyFor(t ConflictType, resource string) (StrategyID, bool) {
	if s, ok := r.registered(t, resource); ok {
		return s, true
	}
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	s, ok := r.defaults[t]
	return s, ok
}

func (r *Resolver) registered(t ConflictType, resource string) (StrategyID, bool) {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	for i := len(r.registry) - 1; i >= 0; i-- {
		if r.registry[i].matches(t, resource) {
			return r.registry[i].Strategy, true
		}
	}
	return "", false
}

// selectStrategy picks, in order: a strategy attached to the incoming event,
// a registered one, CRDTMerge for CRDT-backed resources, the type default
func (r *Resolver) selectStrategy(c DetectedConflict) (StrategyID, bool) {
	incoming := c.Events[len(c.Events)-1]
	if res := incoming.Metadata.Resolution; res != nil && StrategyID(res.Strategy).Valid() {
		return StrategyID(res.Strategy), true
	}
	if s, ok := r.registered(c.Type, c.Resource); ok {
		return s, true
	}
	r.regMu.RLock()
	s, ok := r.defaults[c.Type]
	r.regMu.RUnlock()
	if ok && crdtBacked(c.Events) {
		return CRDTMerge, true
	}
	return s, ok
}

// crdtBacked reports whether every event mutates the same CRDT instance
func crdtBacked(events []*model.DistributedSemanticEvent) bool {
	first := events[0].Event.CRDT
	if first == nil {
		return false
	}
	for _, ev := range events[1:] {
		mut := ev.Event.CRDT
		if mut == nil || mut.Type != first.Type || mut.Key != first.Key {
			return false
		}
	}
	return true
}

// Resolve applies the selected strategy to c. The incoming event is the last
// entry of c.Events; a strategy attached to it by an upstream collaborator
// overrides the registry.
func (r *Resolver) Resolve(c DetectedConflict) (*model.DistributedSemanticEvent, error) {
	start := time.Now()
	if len(c.Events) == 0 {
		return nil, errors.InvalidArgument("conflict has no events", nil)
	}

	strategy, ok := r.selectStrategy(c)

	var result *model.DistributedSemanticEvent
	var err error
	if !ok {
		err = errors.ConflictResolutionFailed(c.Resource, c.EventIDs,
			fmt.Errorf("no strategy registered for %s", c.Type))
	} else {
		result, err = r.apply(strategy, c)
	}

	rec := ConflictResolution{
		Type:           c.Type,
		Resource:       c.Resource,
		ConflictingIDs: append([]string(nil), c.EventIDs...),
		Strategy:       strategy,
		Timestamp:      time.Now(),
		Latency:        time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		result.Metadata.Resolution = &model.ConflictResolutionData{
			Strategy:       string(strategy),
			ConflictingIDs: append([]string(nil), c.EventIDs...),
			ResolvedBy:     r.nodeID,
		}
		rec.Result = result.Clone()
	}
	r.appendHistory(rec)

	if err != nil {
		r.logger.Warn("Conflict resolution failed",
			zap.String("resource", c.Resource),
			zap.String("type", string(c.Type)),
			zap.Strings("event_ids", c.EventIDs),
			zap.Error(err))
		return nil, err
	}

	r.logger.Debug("Conflict resolved",
		zap.String("resource", c.Resource),
		zap.String("strategy", string(strategy)),
		zap.String("winner", result.ID()),
		zap.Duration("latency", rec.Latency))
	return result, nil
}

func (r *Resolver) apply(strategy StrategyID, c DetectedConflict) (*model.DistributedSemanticEvent, error) {
	events := c.Events
	switch strategy {
	case LastWriterWins:
		return r.lastWriter(events).Clone(), nil
	case FirstWriterWins:
		return r.firstWriter(events).Clone(), nil
	case HighestPriority:
		top := events[0].Event.Priority
		for _, ev := range events[1:] {
			if ev.Event.Priority > top {
				top = ev.Event.Priority
			}
		}
		var group []*model.DistributedSemanticEvent
		for _, ev := range events {
			if ev.Event.Priority == top {
				group = append(group, ev)
			}
		}
		return r.lastWriter(group).Clone(), nil
	case NodePriority:
		r.regMu.RLock()
		defer r.regMu.RUnlock()
		top := r.nodePriority[events[0].Origin()]
		for _, ev := range events[1:] {
			if p := r.nodePriority[ev.Origin()]; p > top {
				top = p
			}
		}
		var group []*model.DistributedSemanticEvent
		for _, ev := range events {
			if r.nodePriority[ev.Origin()] == top {
				group = append(group, ev)
			}
		}
		return r.lastWriter(group).Clone(), nil
	case CRDTMerge:
		return mergeCRDT(c)
	case Reject:
		return nil, errors.ConflictResolutionFailed(c.Resource, c.EventIDs, fmt.Errorf("rejected by policy"))
	default:
		return nil, errors.ConflictResolutionFailed(c.Resource, c.EventIDs, fmt.Errorf("unknown strategy %q", strategy))
	}
}

// lastWriter returns the latest of the causally maximal events, using wall
// clock, then origin, then id among concurrent ones. The result does not
// depend on input order.
func (r *Resolver) lastWriter(events []*model.DistributedSemanticEvent) *model.DistributedSemanticEvent {
	var best *model.DistributedSemanticEvent
	for _, ev := range r.frontier(events, model.VectorClockBefore) {
		if best == nil || tiebreakLess(best, ev) {
			best = ev
		}
	}
	return best
}

// firstWriter returns the earliest of the causally minimal events
func (r *Resolver) firstWriter(events []*model.DistributedSemanticEvent) *model.DistributedSemanticEvent {
	var best *model.DistributedSemanticEvent
	for _, ev := range r.frontier(events, model.VectorClockAfter) {
		if best == nil || tiebreakLess(ev, best) {
			best = ev
		}
	}
	return best
}

// frontier drops every event whose clock compares as dominated to another's
func (r *Resolver) frontier(events []*model.DistributedSemanticEvent, dominated model.VectorClockComparison) []*model.DistributedSemanticEvent {
	out := make([]*model.DistributedSemanticEvent, 0, len(events))
	for i, ev := range events {
		keep := true
		for j, other := range events {
			if i != j && r.vcOps.Compare(ev.VectorClock, other.VectorClock) == dominated {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, ev)
		}
	}
	return out
}

func tiebreakLess(a, b *model.DistributedSemanticEvent) bool {
	if !a.Event.Timestamp.Equal(b.Event.Timestamp) {
		return a.Event.Timestamp.Before(b.Event.Timestamp)
	}
	if a.Origin() != b.Origin() {
		return a.Origin() < b.Origin()
	}
	return a.ID() < b.ID()
}

// mergeCRDT keeps every side: the mutations commute, so the incoming event is
// applied as is and marked as a merge of the others
func mergeCRDT(c DetectedConflict) (*model.DistributedSemanticEvent, error) {
	incoming := c.Events[len(c.Events)-1]
	for _, ev := range c.Events {
		if ev.Event.CRDT == nil {
			return nil, errors.ConflictResolutionFailed(c.Resource, c.EventIDs,
				fmt.Errorf("event %s carries no crdt mutation", ev.ID()))
		}
		if ev.Event.CRDT.Type != incoming.Event.CRDT.Type || ev.Event.CRDT.Key != incoming.Event.CRDT.Key {
			return nil, errors.ConflictResolutionFailed(c.Resource, c.EventIDs,
				fmt.Errorf("events target different crdt instances"))
		}
	}

	merged := incoming.Clone()
	if merged.Event.Attributes == nil {
		merged.Event.Attributes = make(map[string]string)
	}
	ids := append([]string(nil), c.EventIDs...)
	sort.Strings(ids)
	merged.Event.Attributes[AttrResolution] = string(CRDTMerge)
	merged.Event.Attributes[AttrMergedFrom] = strings.Join(ids, ",")
	return merged, nil
}

func (r *Resolver) appendHistory(rec ConflictResolution) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	r.history = append(r.history, rec)
	if len(r.history) > r.maxHistory {
		r.history = append([]ConflictResolution(nil), r.history[len(r.history)-r.maxHistory:]...)
	}
}

// History returns the resolution audit trail, oldest first
func (r *Resolver) History() []ConflictResolution {
	r.histMu.RLock()
	defer r.histMu.RUnlock()
	out := make([]ConflictResolution, len(r.history))
	copy(out, r.history)
	return out
}
