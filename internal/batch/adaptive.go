package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lspecian/vexfs/eventsync/internal/model"
	"go.uber.org/zap"
)

// Trigger is the performance condition an adaptation rule reacts to
type Trigger string

const (
	// TriggerHighLatency fires when average latency in milliseconds exceeds the threshold
	TriggerHighLatency Trigger = "high_latency"
	// TriggerLowThroughput fires when events per second fall below the threshold
	TriggerLowThroughput Trigger = "low_throughput"
	// TriggerHighNetworkUtilization fires when utilization (0..1) exceeds the threshold
	TriggerHighNetworkUtilization Trigger = "high_network_utilization"
	// TriggerHighConflictRate fires when conflicts per event exceed the threshold
	TriggerHighConflictRate Trigger = "high_conflict_rate"
)

// ActionKind is what an adaptation rule changes
type ActionKind string

const (
	ActionResizeBatch       ActionKind = "resize_batch"
	ActionSwitchProtocol    ActionKind = "switch_protocol"
	ActionChangeCompression ActionKind = "change_compression"
)

// Action parameterizes an ActionKind
type Action struct {
	Kind ActionKind `yaml:"kind" mapstructure:"kind"`
	// Factor multiplies the batch size for ActionResizeBatch
	Factor      float64            `yaml:"factor" mapstructure:"factor"`
	Protocol    model.SyncProtocol `yaml:"protocol" mapstructure:"protocol"`
	Compression CompressionLevel   `yaml:"-" mapstructure:"-"`
}

// AdaptationRule maps a trigger crossing its threshold to an action
type AdaptationRule struct {
	Name      string        `yaml:"name" mapstructure:"name"`
	Trigger   Trigger       `yaml:"trigger" mapstructure:"trigger"`
	Threshold float64       `yaml:"threshold" mapstructure:"threshold"`
	Action    Action        `yaml:"action" mapstructure:"action"`
	Cooldown  time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

func (r AdaptationRule) validate() error {
	switch r.Trigger {
	case TriggerHighLatency, TriggerLowThroughput, TriggerHighNetworkUtilization, TriggerHighConflictRate:
	default:
		return fmt.Errorf("rule %q: unknown trigger %q", r.Name, r.Trigger)
	}
	switch r.Action.Kind {
	case ActionResizeBatch:
		if r.Action.Factor <= 0 || r.Action.Factor == 1 {
			return fmt.Errorf("rule %q: resize factor must be positive and not 1", r.Name)
		}
	case ActionSwitchProtocol:
		if r.Action.Protocol == "" {
			return fmt.Errorf("rule %q: protocol is required", r.Name)
		}
	case ActionChangeCompression:
		if r.Action.Compression < CompressionNone || r.Action.Compression > CompressionBest {
			return fmt.Errorf("rule %q: unknown compression level %d", r.Name, r.Action.Compression)
		}
	default:
		return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action.Kind)
	}
	return nil
}

// DefaultRules returns the built-in adaptation rules
func DefaultRules() []AdaptationRule {
	return []AdaptationRule{
		{Name: "shrink-on-latency", Trigger: TriggerHighLatency, Threshold: 200,
			Action: Action{Kind: ActionResizeBatch, Factor: 0.5}, Cooldown: 5 * time.Second},
		{Name: "grow-on-low-throughput", Trigger: TriggerLowThroughput, Threshold: 10,
			Action: Action{Kind: ActionResizeBatch, Factor: 2}, Cooldown: 5 * time.Second},
		{Name: "compress-on-saturation", Trigger: TriggerHighNetworkUtilization, Threshold: 0.8,
			Action: Action{Kind: ActionChangeCompression, Compression: CompressionBest}, Cooldown: 30 * time.Second},
		{Name: "causal-on-conflicts", Trigger: TriggerHighConflictRate, Threshold: 0.2,
			Action: Action{Kind: ActionSwitchProtocol, Protocol: model.ProtocolCausal}, Cooldown: 30 * time.Second},
	}
}

// PerformanceSample is one observation of the engine over a sampling interval
type PerformanceSample struct {
	Timestamp          time.Time     `json:"timestamp"`
	Interval           time.Duration `json:"interval"`
	Events             uint64        `json:"events"`
	ThroughputEPS      float64       `json:"throughput_eps"`
	AverageLatency     time.Duration `json:"average_latency"`
	NetworkUtilization float64       `json:"network_utilization"`
	ConflictRate       float64       `json:"conflict_rate"`
	CPUUtilization     float64       `json:"cpu_utilization"`
	MemoryUtilization  float64       `json:"memory_utilization"`
}

// SampleSource produces performance samples
type SampleSource interface {
	Sample() PerformanceSample
}

// Tunable is the batching surface the controller adjusts
type Tunable interface {
	BatchSize() int
	SetBatchSize(n int) int
	Compression() CompressionLevel
	SetCompression(level CompressionLevel)
}

// ProtocolSwitch holds the protocol used for events without a requested level
type ProtocolSwitch interface {
	Preferred() model.SyncProtocol
	SetPreferred(p model.SyncProtocol)
}

// TunableState is the adjustable state before or after a decision
type TunableState struct {
	BatchSize   int                `json:"batch_size"`
	Protocol    model.SyncProtocol `json:"protocol"`
	Compression string             `json:"compression"`
}

// AdaptationDecision records one applied rule
type AdaptationDecision struct {
	Rule      string            `json:"rule"`
	Trigger   Trigger           `json:"trigger"`
	Observed  float64           `json:"observed"`
	Threshold float64           `json:"threshold"`
	Sample    PerformanceSample `json:"sample"`
	Before    TunableState      `json:"before"`
	After     TunableState      `json:"after"`
	Timestamp time.Time         `json:"timestamp"`
}

// AdaptiveConfig configures the controller
type AdaptiveConfig struct {
	Interval    time.Duration
	HistorySize int
	Rules       []AdaptationRule
	// OnDecision observes every applied decision
	OnDecision func(AdaptationDecision)
}

// Controller samples performance and applies adaptation rules
type Controller struct {
	cfg       AdaptiveConfig
	source    SampleSource
	tunable   Tunable
	protocols ProtocolSwitch
	logger    *zap.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time
	history   []AdaptationDecision
	last      PerformanceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController validates the rules and builds a controller; protocols may be nil
func NewController(cfg AdaptiveConfig, source SampleSource, tunable Tunable, protocols ProtocolSwitch, logger *zap.Logger) (*Controller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	for _, r := range cfg.Rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if r.Action.Kind == ActionSwitchProtocol && protocols == nil {
			return nil, fmt.Errorf("rule %q switches protocol but no protocol switch is configured", r.Name)
		}
	}
	return &Controller{
		cfg:       cfg,
		source:    source,
		tunable:   tunable,
		protocols: protocols,
		logger:    logger,
		lastFired: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}, nil
}

// State returns the current tunable state
func (c *Controller) State() TunableState {
	st := TunableState{
		BatchSize:   c.tunable.BatchSize(),
		Compression: c.tunable.Compression().String(),
	}
	if c.protocols != nil {
		st.Protocol = c.protocols.Preferred()
	}
	return st
}

// Tick takes a sample from the source and evaluates it
func (c *Controller) Tick() []AdaptationDecision {
	if c.source == nil {
		return nil
	}
	return c.Evaluate(c.source.Sample())
}

// Evaluate applies every rule whose trigger fires on sample and is out of
// cooldown. Rules whose action would not change anything are not recorded.
func (c *Controller) Evaluate(sample PerformanceSample) []AdaptationDecision {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = sample

	var decisions []AdaptationDecision
	for _, rule := range c.cfg.Rules {
		observed, fired := triggered(rule, sample)
		if !fired {
			continue
		}
		if last, ok := c.lastFired[rule.Name]; ok && sample.Timestamp.Sub(last) < rule.Cooldown {
			continue
		}

		before := c.State()
		c.apply(rule.Action)
		after := c.State()
		if before == after {
			continue
		}
		c.lastFired[rule.Name] = sample.Timestamp

		d := AdaptationDecision{
			Rule:      rule.Name,
			Trigger:   rule.Trigger,
			Observed:  observed,
			Threshold: rule.Threshold,
			Sample:    sample,
			Before:    before,
			After:     after,
			Timestamp: sample.Timestamp,
		}
		c.history = append(c.history, d)
		if len(c.history) > c.cfg.HistorySize {
			c.history = c.history[len(c.history)-c.cfg.HistorySize:]
		}
		decisions = append(decisions, d)
		if c.cfg.OnDecision != nil {
			c.cfg.OnDecision(d)
		}

		c.logger.Info("Adaptation applied",
			zap.String("rule", rule.Name),
			zap.String("trigger", string(rule.Trigger)),
			zap.Float64("observed", observed),
			zap.Float64("threshold", rule.Threshold),
			zap.Int("batch_size_before", before.BatchSize),
			zap.Int("batch_size_after", after.BatchSize),
			zap.String("protocol_before", string(before.Protocol)),
			zap.String("protocol_after", string(after.Protocol)),
			zap.String("compression_before", before.Compression),
			zap.String("compression_after", after.Compression))
	}
	return decisions
}

func triggered(rule AdaptationRule, s PerformanceSample) (float64, bool) {
	switch rule.Trigger {
	case TriggerHighLatency:
		ms := float64(s.AverageLatency) / float64(time.Millisecond)
		return ms, ms > rule.Threshold
	case TriggerLowThroughput:
		// an idle interval says nothing about batching
		return s.ThroughputEPS, s.Events > 0 && s.ThroughputEPS < rule.Threshold
	case TriggerHighNetworkUtilization:
		return s.NetworkUtilization, s.NetworkUtilization > rule.Threshold
	case TriggerHighConflictRate:
		return s.ConflictRate, s.ConflictRate > rule.Threshold
	default:
		return 0, false
	}
}

func (c *Controller) apply(a Action) {
	switch a.Kind {
	case ActionResizeBatch:
		cur := c.tunable.BatchSize()
		next := int(math.Round(float64(cur) * a.Factor))
		if next == cur {
			if a.Factor > 1 {
				next++
			} else {
				next--
			}
		}
		c.tunable.SetBatchSize(next)
	case ActionSwitchProtocol:
		c.protocols.SetPreferred(a.Protocol)
	case ActionChangeCompression:
		c.tunable.SetCompression(a.Compression)
	}
}

// History returns the recorded decisions, oldest first
func (c *Controller) History() []AdaptationDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AdaptationDecision(nil), c.history...)
}

// LastSample returns the most recent evaluated sample
func (c *Controller) LastSample() PerformanceSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start samples on the configured interval until Stop or ctx is cancelled
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()
}

// Stop ends the sampling loop
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
