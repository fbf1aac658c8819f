// Package causality tracks happens-before relations between events and the
// dependency graph that decides when an event may be applied.
package causality

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/algorithm"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// ViolationType classifies a causality violation
type ViolationType string

const (
	PrematureDelivery        ViolationType = "premature_delivery"
	CircularDependency       ViolationType = "circular_dependency"
	InconsistentVectorClocks ViolationType = "inconsistent_vector_clocks"
)

// Violation is one recorded causality violation
type Violation struct {
	Type       ViolationType `json:"type"`
	EventID    string        `json:"event_id"`
	Related    []string      `json:"related,omitempty"`
	Detail     string        `json:"detail"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Err converts the violation into the error surfaced to callers
func (v Violation) Err() error {
	return errors.CausalityViolation(v.EventID, string(v.Type), v.Detail).
		WithDetail("related", v.Related)
}

// Requirement is a (node, counter) pair an event's clock says it has observed
type Requirement struct {
	NodeID  string
	Counter uint64
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s@%d", r.NodeID, r.Counter)
}

// Tracker keeps every admitted event's clock, the clock of applied events,
// and the violation log
type Tracker struct {
	mu      sync.RWMutex
	clocks  map[string]model.VectorClock
	index   map[Requirement]string
	keys    map[string]Requirement
	// applied holds, per node, the longest prefix of counters applied without
	// a gap; ahead holds counters applied past a gap
	applied model.VectorClock
	ahead   map[string]map[uint64]struct{}

	violationsMu    sync.Mutex
	violations      []Violation
	maxViolations   int
	violationsTotal uint64

	vcOps  *algorithm.VectorClockOps
	logger *zap.Logger
}

// NewTracker creates a tracker keeping at most maxViolations records
func NewTracker(maxViolations int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxViolations <= 0 {
		maxViolations = 1000
	}
	return &Tracker{
		clocks:        make(map[string]model.VectorClock),
		index:         make(map[Requirement]string),
		keys:          make(map[string]Requirement),
		applied:       model.NewVectorClock(),
		ahead:         make(map[string]map[uint64]struct{}),
		maxViolations: maxViolations,
		vcOps:         algorithm.NewVectorClockOps(),
		logger:        logger,
	}
}

// Record stores the clock snapshot of an admitted event
func (t *Tracker) Record(eventID, origin string, clock model.VectorClock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clocks[eventID] = clock.Clone()
	if c := clock[origin]; c > 0 {
		req := Requirement{NodeID: origin, Counter: c}
		t.index[req] = eventID
		t.keys[eventID] = req
	}
}

// Forget drops an event from the tracker
func (t *Tracker) Forget(eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.clocks, eventID)
	if req, ok := t.keys[eventID]; ok {
		if t.index[req] == eventID {
			delete(t.index, req)
		}
		delete(t.keys, eventID)
	}
}

// Clock returns the recorded clock of an event
func (t *Tracker) Clock(eventID string) (model.VectorClock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clocks[eventID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Requirements derives the causal requirements implied by an event's clock:
// the origin's previous event, and the latest event observed from every other node.
func (t *Tracker) Requirements(origin string, clock model.VectorClock) []Requirement {
	var reqs []Requirement
	for _, node := range clock.Nodes() {
		c := clock[node]
		if node == origin {
			if c > 1 {
				reqs = append(reqs, Requirement{NodeID: node, Counter: c - 1})
			}
			continue
		}
		if c > 0 {
			reqs = append(reqs, Requirement{NodeID: node, Counter: c})
		}
	}
	return reqs
}

// Unsatisfied returns the requirements not yet covered by the applied clock.
// (N, c) is covered only once every event 1..c of N has been applied.
func (t *Tracker) Unsatisfied(reqs []Requirement) []Requirement {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Requirement
	for _, r := range reqs {
		if t.applied[r.NodeID] < r.Counter {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the id of the event that produced a requirement, if admitted
func (t *Tracker) Lookup(req Requirement) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.index[req]
	return id, ok
}

// MarkApplied records the origin counter of an applied event. The applied
// clock only moves across contiguous counters; an event applied ahead of a
// gap is held until the gap closes.
func (t *Tracker) MarkApplied(origin string, clock model.VectorClock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := clock[origin]
	if c <= t.applied[origin] {
		return
	}
	if c > t.applied[origin]+1 {
		held, ok := t.ahead[origin]
		if !ok {
			held = make(map[uint64]struct{})
			t.ahead[origin] = held
		}
		held[c] = struct{}{}
		return
	}

	t.applied[origin] = c
	held := t.ahead[origin]
	for {
		next := t.applied[origin] + 1
		if _, ok := held[next]; !ok {
			break
		}
		delete(held, next)
		t.applied[origin] = next
	}
	if len(held) == 0 {
		delete(t.ahead, origin)
	}
}

// Applied returns a snapshot of the applied clock
func (t *Tracker) Applied() model.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.applied.Clone()
}

// Relation compares two recorded events
func (t *Tracker) Relation(a, b string) (model.VectorClockComparison, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ca, okA := t.clocks[a]
	cb, okB := t.clocks[b]
	if !okA || !okB {
		return model.VectorClockConcurrent, false
	}
	return t.vcOps.Compare(ca, cb), true
}

// HappensBefore reports whether a causally precedes b
func (t *Tracker) HappensBefore(a, b string) bool {
	rel, ok := t.Relation(a, b)
	return ok && rel == model.VectorClockBefore
}

// Concurrent reports whether neither event precedes the other
func (t *Tracker) Concurrent(a, b string) bool {
	rel, ok := t.Relation(a, b)
	return ok && rel == model.VectorClockConcurrent
}

// CheckOrdering verifies that every known dependency's clock precedes clock
// and that clock precedes every known dependent. The first mismatch is
// recorded as an InconsistentVectorClocks violation and returned.
func (t *Tracker) CheckOrdering(eventID string, clock model.VectorClock, deps, dependents []string) error {
	t.mu.RLock()
	var bad []string
	for _, dep := range deps {
		if dc, ok := t.clocks[dep]; ok && t.vcOps.Compare(dc, clock) != model.VectorClockBefore {
			bad = append(bad, dep)
		}
	}
	for _, dependent := range dependents {
		if dc, ok := t.clocks[dependent]; ok && t.vcOps.Compare(clock, dc) != model.VectorClockBefore {
			bad = append(bad, dependent)
		}
	}
	t.mu.RUnlock()

	if len(bad) == 0 {
		return nil
	}
	v := t.RecordViolation(InconsistentVectorClocks, eventID, bad,
		fmt.Sprintf("clock %s does not follow dependencies %s", clock, strings.Join(bad, ",")))
	return v.Err()
}

// RecordViolation appends a violation to the bounded log and returns it
func (t *Tracker) RecordViolation(kind ViolationType, eventID string, related []string, detail string) Violation {
	v := Violation{
		Type:       kind,
		EventID:    eventID,
		Related:    append([]string(nil), related...),
		Detail:     detail,
		DetectedAt: time.Now(),
	}

	t.violationsMu.Lock()
	t.violations = append(t.violations, v)
	if len(t.violations) > t.maxViolations {
		t.violations = append([]Violation(nil), t.violations[len(t.violations)-t.maxViolations:]...)
	}
	t.violationsTotal++
	t.violationsMu.Unlock()

	t.logger.Warn("Causality violation",
		zap.String("type", string(kind)),
		zap.String("event_id", eventID),
		zap.Strings("related", related),
		zap.String("detail", detail))
	return v
}

// Violations returns the retained violations, oldest first
func (t *Tracker) Violations() []Violation {
	t.violationsMu.Lock()
	defer t.violationsMu.Unlock()
	return append([]Violation(nil), t.violations...)
}

// ViolationCount returns the number of violations ever recorded
func (t *Tracker) ViolationCount() uint64 {
	t.violationsMu.Lock()
	defer t.violationsMu.Unlock()
	return t.violationsTotal
}
