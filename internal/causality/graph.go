package causality

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lspecian/vexfs/eventsync/internal/errors"
)

// NodeState is the lifecycle position of an event in the dependency graph
type NodeState int

const (
	NodePending NodeState = iota
	NodeReady
	NodeProcessing
	NodeCompleted
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeReady:
		return "ready"
	case NodeProcessing:
		return "processing"
	case NodeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type graphNode struct {
	deps        map[string]struct{}
	dependents  map[string]struct{}
	state       NodeState
	placeholder bool
}

func newGraphNode() *graphNode {
	return &graphNode{
		deps:       make(map[string]struct{}),
		dependents: make(map[string]struct{}),
	}
}

// Graph is the event dependency DAG. Edges point from a dependency to the
// events that depend on it. Ids referenced before their event arrives are
// held as placeholders that never become ready on their own.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*graphNode
	tracker *Tracker

	// pruned completed ids, remembered so late dependents do not wait on them
	retired    map[string]struct{}
	retiredLog []string
	maxRetired int
}

// NewGraph creates an empty graph that reports violations to tracker.
// maxRetired bounds how many pruned ids are remembered as completed.
func NewGraph(tracker *Tracker, maxRetired int) *Graph {
	if tracker == nil {
		tracker = NewTracker(0, nil)
	}
	if maxRetired <= 0 {
		maxRetired = 10000
	}
	return &Graph{
		nodes:      make(map[string]*graphNode),
		tracker:    tracker,
		retired:    make(map[string]struct{}),
		maxRetired: maxRetired,
	}
}

// Insert adds eventID with edges from each of deps. An insertion that would
// close a cycle is rejected whole and reported once as CircularDependency.
func (g *Graph) Insert(eventID string, deps []string) error {
	if eventID == "" {
		return errors.InvalidArgument("event id is required", nil)
	}

	g.mu.Lock()
	n, exists := g.nodes[eventID]
	_, retired := g.retired[eventID]
	if (exists && !n.placeholder) || retired {
		g.mu.Unlock()
		return errors.InvalidArgument(fmt.Sprintf("event %s already registered", eventID), nil)
	}

	live := make([]string, 0, len(deps))
	for _, dep := range deps {
		if _, ok := g.retired[dep]; !ok {
			live = append(live, dep)
		}
	}
	deps = live

	for _, dep := range deps {
		if dep == eventID || (exists && g.reachableLocked(eventID, dep)) {
			g.mu.Unlock()
			v := g.tracker.RecordViolation(CircularDependency, eventID, []string{dep},
				fmt.Sprintf("dependency on %s closes a cycle", dep))
			return v.Err()
		}
	}

	if !exists {
		n = newGraphNode()
		g.nodes[eventID] = n
	}
	n.placeholder = false
	for _, dep := range deps {
		d, ok := g.nodes[dep]
		if !ok {
			d = newGraphNode()
			d.placeholder = true
			g.nodes[dep] = d
		}
		d.dependents[eventID] = struct{}{}
		n.deps[dep] = struct{}{}
	}
	if g.depsCompletedLocked(n) {
		n.state = NodeReady
	} else {
		n.state = NodePending
	}
	g.mu.Unlock()
	return nil
}

// reachableLocked reports whether target is reachable from id along
// dependent edges
func (g *Graph) reachableLocked(id, target string) bool {
	seen := map[string]struct{}{id: {}}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for next := range n.dependents {
			if next == target {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

func (g *Graph) depsCompletedLocked(n *graphNode) bool {
	for dep := range n.deps {
		d, ok := g.nodes[dep]
		if !ok || d.placeholder || d.state != NodeCompleted {
			return false
		}
	}
	return true
}

// State returns the lifecycle state of an event
func (g *Graph) State(eventID string) (NodeState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[eventID]
	if !ok || n.placeholder {
		return NodePending, false
	}
	return n.state, true
}

// Contains reports whether eventID is registered (placeholders excluded)
func (g *Graph) Contains(eventID string) bool {
	_, ok := g.State(eventID)
	return ok
}

// IsReady reports whether every dependency of eventID is completed
func (g *Graph) IsReady(eventID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[eventID]
	if !ok || n.placeholder {
		return false
	}
	return g.depsCompletedLocked(n)
}

// Dependencies returns the ids eventID depends on, sorted
func (g *Graph) Dependencies(eventID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[eventID]
	if !ok {
		return nil
	}
	return sortedKeys(n.deps)
}

// Dependents returns the ids depending on eventID, sorted
func (g *Graph) Dependents(eventID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[eventID]
	if !ok {
		return nil
	}
	return sortedKeys(n.dependents)
}

// Unresolved returns the dependencies of eventID that are not yet completed
func (g *Graph) Unresolved(eventID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[eventID]
	if !ok {
		return nil
	}
	var out []string
	for dep := range n.deps {
		d := g.nodes[dep]
		if d == nil || d.placeholder || d.state != NodeCompleted {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

// BeginProcessing moves eventID to Processing. It refuses, and records a
// PrematureDelivery violation, while any dependency is not completed.
func (g *Graph) BeginProcessing(eventID string) error {
	g.mu.Lock()
	n, ok := g.nodes[eventID]
	if !ok || n.placeholder {
		g.mu.Unlock()
		return errors.NotFound("event", eventID)
	}
	if n.state == NodeCompleted {
		g.mu.Unlock()
		return nil
	}
	if !g.depsCompletedLocked(n) {
		g.mu.Unlock()
		missing := g.Unresolved(eventID)
		v := g.tracker.RecordViolation(PrematureDelivery, eventID, missing,
			fmt.Sprintf("%d dependencies not completed", len(missing)))
		return v.Err()
	}
	n.state = NodeProcessing
	g.mu.Unlock()
	return nil
}

// Complete marks eventID completed and returns the dependents that became
// ready as a result, sorted
func (g *Graph) Complete(eventID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[eventID]
	if !ok || n.placeholder {
		return nil, errors.NotFound("event", eventID)
	}
	if n.state == NodeCompleted {
		return nil, nil
	}
	n.state = NodeCompleted

	var ready []string
	for id := range n.dependents {
		d := g.nodes[id]
		if d == nil || d.placeholder || d.state != NodePending {
			continue
		}
		if g.depsCompletedLocked(d) {
			d.state = NodeReady
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready, nil
}

// Reset returns a processing event to Ready or Pending after a failed attempt
func (g *Graph) Reset(eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[eventID]
	if !ok || n.placeholder || n.state == NodeCompleted {
		return
	}
	if g.depsCompletedLocked(n) {
		n.state = NodeReady
	} else {
		n.state = NodePending
	}
}

// Remove unregisters eventID. If other events still depend on it the node
// stays behind as a placeholder so they keep waiting.
func (g *Graph) Remove(eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[eventID]
	if !ok {
		return
	}
	for dep := range n.deps {
		if d, ok := g.nodes[dep]; ok {
			delete(d.dependents, eventID)
			if d.placeholder && len(d.dependents) == 0 {
				delete(g.nodes, dep)
			}
		}
	}
	n.deps = make(map[string]struct{})
	if len(n.dependents) > 0 {
		n.placeholder = true
		n.state = NodePending
		return
	}
	delete(g.nodes, eventID)
}

// TopologicalOrder returns every registered event in dependency order
// (Kahn's algorithm, ties broken by id). A cycle is reported as an error.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] += 0
		for dep := range n.deps {
			if _, ok := g.nodes[dep]; ok {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if !g.nodes[id].placeholder {
			order = append(order, id)
		}
		var next []string
		for dependent := range g.nodes[id].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	for id, d := range inDegree {
		if d > 0 {
			return nil, errors.InternalError(fmt.Sprintf("dependency graph has a cycle through %s", id), nil)
		}
	}
	return order, nil
}

// Prune drops completed events whose dependents are all completed and
// returns their ids
func (g *Graph) Prune() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var pruned []string
	for id, n := range g.nodes {
		if n.placeholder || n.state != NodeCompleted {
			continue
		}
		done := true
		for dependent := range n.dependents {
			if d := g.nodes[dependent]; d == nil || d.placeholder || d.state != NodeCompleted {
				done = false
				break
			}
		}
		if done {
			pruned = append(pruned, id)
		}
	}
	for _, id := range pruned {
		n := g.nodes[id]
		for dep := range n.deps {
			if d, ok := g.nodes[dep]; ok {
				delete(d.dependents, id)
			}
		}
		for dependent := range n.dependents {
			if d, ok := g.nodes[dependent]; ok {
				delete(d.deps, id)
			}
		}
		delete(g.nodes, id)
		g.retireLocked(id)
	}
	sort.Strings(pruned)
	return pruned
}

func (g *Graph) retireLocked(id string) {
	g.retired[id] = struct{}{}
	g.retiredLog = append(g.retiredLog, id)
	if len(g.retiredLog) > g.maxRetired {
		drop := len(g.retiredLog) - g.maxRetired
		for _, old := range g.retiredLog[:drop] {
			delete(g.retired, old)
		}
		g.retiredLog = append([]string(nil), g.retiredLog[drop:]...)
	}
}

// Retired reports whether eventID completed and was pruned
func (g *Graph) Retired(eventID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.retired[eventID]
	return ok
}

// Len returns the number of registered events, placeholders excluded
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, n := range g.nodes {
		if !n.placeholder {
			count++
		}
	}
	return count
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
