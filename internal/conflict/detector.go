// Package conflict detects conflicting accesses to shared resources and
// resolves them into a single event.
package conflict

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lspecian/vexfs/eventsync/internal/algorithm"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// ConflictType classifies a detected conflict
type ConflictType string

const (
	ConcurrentWrites  ConflictType = "concurrent_writes"
	ReadWriteConflict ConflictType = "read_write_conflict"
	OrderingViolation ConflictType = "ordering_violation"
	Custom            ConflictType = "custom"
)

// CustomDetector names one of the built-in custom detection conditions
type CustomDetector string

const (
	// DetectorSameOriginBurst flags more than BurstThreshold writes from one
	// node to a resource inside the window duration
	DetectorSameOriginBurst CustomDetector = "same-origin-burst"
	// DetectorPayloadDivergence flags concurrent writes carrying different payloads
	DetectorPayloadDivergence CustomDetector = "payload-divergence"
)

// ConflictDetectionRule applies a condition to resources matching Pattern.
// Pattern is a path.Match glob; an empty pattern matches every resource.
type ConflictDetectionRule struct {
	Name      string         `yaml:"name" mapstructure:"name"`
	Pattern   string         `yaml:"pattern" mapstructure:"pattern"`
	Condition ConflictType   `yaml:"condition" mapstructure:"condition"`
	Detector  CustomDetector `yaml:"detector" mapstructure:"detector"`
}

// Matches reports whether the rule applies to resource
func (r ConflictDetectionRule) Matches(resource string) bool {
	if r.Pattern == "" {
		return true
	}
	ok, err := path.Match(r.Pattern, resource)
	return err == nil && ok
}

func (r ConflictDetectionRule) validate() error {
	if r.Name == "" {
		return errors.InvalidArgument("rule name is required", nil)
	}
	if _, err := path.Match(r.Pattern, ""); err != nil {
		return errors.InvalidArgument(fmt.Sprintf("rule %s: bad pattern %q", r.Name, r.Pattern), err)
	}
	switch r.Condition {
	case ConcurrentWrites, ReadWriteConflict, OrderingViolation:
		return nil
	case Custom:
		switch r.Detector {
		case DetectorSameOriginBurst, DetectorPayloadDivergence:
			return nil
		}
		return errors.InvalidArgument(fmt.Sprintf("rule %s: unknown custom detector %q", r.Name, r.Detector), nil)
	default:
		return errors.InvalidArgument(fmt.Sprintf("rule %s: unknown condition %q", r.Name, r.Condition), nil)
	}
}

// AccessRecord is one ledger entry for a resource
type AccessRecord struct {
	EventID     string
	Access      model.AccessType
	Timestamp   time.Time
	NodeID      string
	Clock       model.VectorClock
	PayloadHash uint64
	Event       *model.DistributedSemanticEvent
}

// DetectedConflict is a conflict between the incoming event and earlier accesses
type DetectedConflict struct {
	Type     ConflictType
	Resource string
	Rule     string
	EventIDs []string
	Events   []*model.DistributedSemanticEvent
}

// DetectorConfig bounds the ledger and lists the active rules
type DetectorConfig struct {
	WindowSize     int
	WindowDuration time.Duration
	BurstThreshold int
	Rules          []ConflictDetectionRule
}

// DefaultRules flags concurrent writes on every resource
func DefaultRules() []ConflictDetectionRule {
	return []ConflictDetectionRule{
		{Name: "concurrent-writes", Condition: ConcurrentWrites},
	}
}

// Detector keeps the per-resource access ledger and evaluates rules against it
type Detector struct {
	mu     sync.RWMutex
	ledger map[string][]AccessRecord
	rules  []ConflictDetectionRule
	cfg    DetectorConfig
	vcOps  *algorithm.VectorClockOps
	logger *zap.Logger
}

// NewDetector creates a detector; invalid rules are rejected
func NewDetector(cfg DetectorConfig, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 64
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = 5
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	d := &Detector{
		ledger: make(map[string][]AccessRecord),
		cfg:    cfg,
		vcOps:  algorithm.NewVectorClockOps(),
		logger: logger,
	}
	for _, r := range rules {
		if err := d.AddRule(r); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddRule registers an additional detection rule
func (d *Detector) AddRule(rule ConflictDetectionRule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.rules = append(d.rules, rule)
	d.mu.Unlock()
	return nil
}

// Rules returns the active rules
func (d *Detector) Rules() []ConflictDetectionRule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]ConflictDetectionRule(nil), d.rules...)
}

// Detect evaluates the rules for every resource ev touches, then records
// ev's accesses in the ledger
func (d *Detector) Detect(ev *model.DistributedSemanticEvent) []DetectedConflict {
	if ev == nil || ev.Event == nil || len(ev.Event.Resources) == 0 {
		return nil
	}

	now := time.Now()
	hash := xxhash.Sum64(ev.Event.Payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []DetectedConflict
	for _, res := range ev.Event.Resources {
		window := d.windowLocked(res.Key, now)
		incoming := AccessRecord{
			EventID:     ev.ID(),
			Access:      res.Access,
			Timestamp:   now,
			NodeID:      ev.Origin(),
			Clock:       ev.VectorClock.Clone(),
			PayloadHash: hash,
			Event:       ev.Clone(),
		}

		for _, rule := range d.rules {
			if !rule.Matches(res.Key) {
				continue
			}
			hits := d.evaluate(rule, incoming, window)
			if len(hits) == 0 {
				continue
			}
			c := DetectedConflict{
				Type:     rule.Condition,
				Resource: res.Key,
				Rule:     rule.Name,
			}
			for _, h := range hits {
				c.EventIDs = append(c.EventIDs, h.EventID)
				c.Events = append(c.Events, h.Event.Clone())
			}
			c.EventIDs = append(c.EventIDs, incoming.EventID)
			c.Events = append(c.Events, ev.Clone())
			out = append(out, c)

			d.logger.Debug("Conflict detected",
				zap.String("type", string(c.Type)),
				zap.String("resource", c.Resource),
				zap.String("rule", c.Rule),
				zap.Strings("event_ids", c.EventIDs))
		}

		window = append(window, incoming)
		if len(window) > d.cfg.WindowSize {
			window = append([]AccessRecord(nil), window[len(window)-d.cfg.WindowSize:]...)
		}
		d.ledger[res.Key] = window
	}
	return out
}

// windowLocked returns the ledger for resource with expired entries dropped
func (d *Detector) windowLocked(resource string, now time.Time) []AccessRecord {
	records := d.ledger[resource]
	cutoff := now.Add(-d.cfg.WindowDuration)
	i := 0
	for i < len(records) && records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return records
	}
	return append([]AccessRecord(nil), records[i:]...)
}

func (d *Detector) evaluate(rule ConflictDetectionRule, in AccessRecord, window []AccessRecord) []AccessRecord {
	var hits []AccessRecord
	switch rule.Condition {
	case ConcurrentWrites:
		if !in.Access.IsWrite() {
			return nil
		}
		for _, r := range window {
			if r.EventID != in.EventID && r.Access.IsWrite() && d.vcOps.Concurrent(r.Clock, in.Clock) {
				hits = append(hits, r)
			}
		}
	case ReadWriteConflict:
		for _, r := range window {
			if r.EventID == in.EventID || !d.vcOps.Concurrent(r.Clock, in.Clock) {
				continue
			}
			if (in.Access.IsWrite() && r.Access == model.AccessRead) || (in.Access == model.AccessRead && r.Access.IsWrite()) {
				hits = append(hits, r)
			}
		}
	case OrderingViolation:
		for _, r := range window {
			if r.EventID == in.EventID || !(r.Access.IsWrite() || in.Access.IsWrite()) {
				continue
			}
			if d.vcOps.Compare(in.Clock, r.Clock) == model.VectorClockBefore {
				hits = append(hits, r)
			}
		}
	case Custom:
		hits = d.evaluateCustom(rule.Detector, in, window)
	}
	return hits
}

func (d *Detector) evaluateCustom(detector CustomDetector, in AccessRecord, window []AccessRecord) []AccessRecord {
	switch detector {
	case DetectorSameOriginBurst:
		if !in.Access.IsWrite() {
			return nil
		}
		var same []AccessRecord
		for _, r := range window {
			if r.NodeID == in.NodeID && r.Access.IsWrite() && r.EventID != in.EventID {
				same = append(same, r)
			}
		}
		if len(same)+1 > d.cfg.BurstThreshold {
			return same
		}
	case DetectorPayloadDivergence:
		if !in.Access.IsWrite() {
			return nil
		}
		var hits []AccessRecord
		for _, r := range window {
			if r.EventID != in.EventID && r.Access.IsWrite() && r.PayloadHash != in.PayloadHash &&
				d.vcOps.Concurrent(r.Clock, in.Clock) {
				hits = append(hits, r)
			}
		}
		return hits
	}
	return nil
}

// Forget removes an event's accesses from the ledger
func (d *Detector) Forget(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, records := range d.ledger {
		kept := records[:0:0]
		for _, r := range records {
			if r.EventID != eventID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(d.ledger, key)
		} else {
			d.ledger[key] = kept
		}
	}
}

// Resources returns the resource keys currently held in the ledger, sorted
func (d *Detector) Resources() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.ledger))
	for k := range d.ledger {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LedgerLen returns the number of accesses recorded for resource
func (d *Detector) LedgerLen(resource string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ledger[resource])
}
