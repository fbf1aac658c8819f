// Package batch groups synchronized events into compressed envelopes for the
// transport and tunes batching from observed performance.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/lspecian/vexfs/eventsync/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Strategy decides when queued events are flushed
type Strategy string

const (
	// StrategyTimeBased flushes only on the flush interval
	StrategyTimeBased Strategy = "time_based"
	// StrategySizeBased flushes whenever a full batch is queued
	StrategySizeBased Strategy = "size_based"
	// StrategyAdaptive flushes on size or interval with a controller-tuned size
	StrategyAdaptive Strategy = "adaptive"
	// StrategyPriorityBased orders batches by priority and flushes critical events at once
	StrategyPriorityBased Strategy = "priority_based"
)

// Valid reports whether s names a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTimeBased, StrategySizeBased, StrategyAdaptive, StrategyPriorityBased:
		return true
	default:
		return false
	}
}

func (s Strategy) flushesOnSize() bool {
	return s != StrategyTimeBased
}

func (s Strategy) flushesOnTimer() bool {
	return s != StrategySizeBased
}

// Batch is a group of events sent together
type Batch struct {
	ID        string                            `json:"id"`
	Origin    string                            `json:"origin"`
	Events    []*model.DistributedSemanticEvent `json:"events"`
	CreatedAt time.Time                         `json:"created_at"`
}

// Envelope is an encoded, compressed batch as handed to the transport
type Envelope struct {
	BatchID     string           `json:"batch_id"`
	NodeID      string           `json:"node_id"`
	Compression CompressionLevel `json:"compression"`
	EventCount  int              `json:"event_count"`
	RawSize     int              `json:"raw_size"`
	Payload     []byte           `json:"payload"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Transport delivers envelopes to peers
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
}

type discardTransport struct{}

func (discardTransport) Send(context.Context, *Envelope) error { return nil }

// EncodeBatch serializes and compresses b
func EncodeBatch(b *Batch, level CompressionLevel) (*Envelope, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	payload, err := Compress(level, raw)
	if err != nil {
		return nil, fmt.Errorf("compress batch %s: %w", b.ID, err)
	}
	return &Envelope{
		BatchID:     b.ID,
		NodeID:      b.Origin,
		Compression: level,
		EventCount:  len(b.Events),
		RawSize:     len(raw),
		Payload:     payload,
		CreatedAt:   b.CreatedAt,
	}, nil
}

// DecodeEnvelope reverses EncodeBatch
func DecodeEnvelope(env *Envelope) (*Batch, error) {
	raw, err := Decompress(env.Compression, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decompress batch %s: %w", env.BatchID, err)
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", env.BatchID, err)
	}
	if len(b.Events) != env.EventCount {
		return nil, fmt.Errorf("batch %s carries %d events, envelope says %d", env.BatchID, len(b.Events), env.EventCount)
	}
	return &b, nil
}

// Config holds batch processor configuration
type Config struct {
	NodeID        string
	Strategy      Strategy
	BatchSize     int
	MinBatchSize  int
	MaxBatchSize  int
	FlushInterval time.Duration
	MaxQueued     int
	Compression   CompressionLevel
	// SendRate is envelopes per second; zero disables limiting
	SendRate    float64
	SendBurst   int
	Workers     int
	SendTimeout time.Duration
	// OnSend observes every send attempt
	OnSend func(env *Envelope, err error, latency time.Duration)
}

// DefaultConfig returns the processor defaults
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyAdaptive,
		BatchSize:     64,
		MinBatchSize:  8,
		MaxBatchSize:  1024,
		FlushInterval: 100 * time.Millisecond,
		MaxQueued:     10000,
		Compression:   CompressionFast,
		SendRate:      200,
		SendBurst:     20,
		Workers:       4,
		SendTimeout:   5 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if !c.Strategy.Valid() {
		c.Strategy = d.Strategy
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 1
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxBatchSize < c.MinBatchSize {
		c.MaxBatchSize = c.MinBatchSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	c.BatchSize = clamp(c.BatchSize, c.MinBatchSize, c.MaxBatchSize)
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = d.MaxQueued
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stats is a snapshot of processor counters
type Stats struct {
	Queued          int
	BatchSize       int
	Compression     CompressionLevel
	BatchesSent     uint64
	EventsSent      uint64
	SendFailures    uint64
	RawBytes        uint64
	CompressedBytes uint64
}

// NetworkEfficiency is the fraction of encoded bytes saved by compression
func (s Stats) NetworkEfficiency() float64 {
	if s.RawBytes == 0 {
		return 0
	}
	eff := 1 - float64(s.CompressedBytes)/float64(s.RawBytes)
	if eff < 0 {
		return 0
	}
	return eff
}

// Processor queues events and flushes them as batches through the transport
type Processor struct {
	cfg       Config
	transport Transport
	limiter   *rate.Limiter
	pool      *workerpool.WorkerPool
	logger    *zap.Logger

	mu          sync.Mutex
	queue       []*model.DistributedSemanticEvent
	batchSize   int
	compression CompressionLevel

	flushCh  chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once

	batchesSent     uint64
	eventsSent      uint64
	sendFailures    uint64
	rawBytes        uint64
	compressedBytes uint64
}

// NewProcessor creates a processor; a nil transport discards envelopes after
// accounting for them
func NewProcessor(cfg Config, transport Transport, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	if transport == nil {
		transport = discardTransport{}
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	return &Processor{
		cfg:         cfg,
		transport:   transport,
		limiter:     rate.NewLimiter(limit, cfg.SendBurst),
		logger:      logger,
		batchSize:   cfg.BatchSize,
		compression: cfg.Compression,
		flushCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		pool: workerpool.NewWorkerPool(workerpool.Config{
			Name:       "batch-send",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.Workers * 16,
			Logger:     logger,
		}),
	}
}

// Strategy returns the configured flush strategy
func (p *Processor) Strategy() Strategy {
	return p.cfg.Strategy
}

// Add queues a clone of ev. It fails with ResourceExhausted when the queue is full.
func (p *Processor) Add(ev *model.DistributedSemanticEvent) error {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.MaxQueued {
		n := len(p.queue)
		p.mu.Unlock()
		return errors.ResourceExhausted("batch queue", n, p.cfg.MaxQueued)
	}
	p.queue = append(p.queue, ev.Clone())
	trigger := p.cfg.Strategy.flushesOnSize() && len(p.queue) >= p.batchSize
	if p.cfg.Strategy == StrategyPriorityBased && ev.Event != nil && ev.Event.Priority == model.PriorityCritical {
		trigger = true
	}
	p.mu.Unlock()

	if trigger {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush cuts every queued event into batches and dispatches them to the send
// workers. It returns the number of batches dispatched.
func (p *Processor) Flush(ctx context.Context) (int, error) {
	p.mu.Lock()
	events := p.queue
	p.queue = nil
	size := p.batchSize
	level := p.compression
	p.mu.Unlock()

	if len(events) == 0 {
		return 0, nil
	}
	if p.cfg.Strategy == StrategyPriorityBased {
		sort.SliceStable(events, func(i, j int) bool {
			return priorityOf(events[i]) > priorityOf(events[j])
		})
	}

	dispatched := 0
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		b := &Batch{
			ID:        uuid.NewString(),
			Origin:    p.cfg.NodeID,
			Events:    events[start:end],
			CreatedAt: time.Now(),
		}
		env, err := EncodeBatch(b, level)
		if err != nil {
			atomic.AddUint64(&p.sendFailures, 1)
			return dispatched, err
		}
		if err := p.pool.Submit(workerpool.Task{
			ID:      env.BatchID,
			Context: ctx,
			Fn:      func(ctx context.Context) error { return p.send(ctx, env) },
		}); err != nil {
			// put the undispatched events back in front of anything added meanwhile
			p.requeue(events[start:])
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func (p *Processor) requeue(events []*model.DistributedSemanticEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(append([]*model.DistributedSemanticEvent(nil), events...), p.queue...)
}

func priorityOf(ev *model.DistributedSemanticEvent) model.EventPriority {
	if ev.Event == nil {
		return model.PriorityNormal
	}
	return ev.Event.Priority
}

func (p *Processor) send(ctx context.Context, env *Envelope) error {
	if err := p.limiter.Wait(ctx); err != nil {
		atomic.AddUint64(&p.sendFailures, 1)
		p.observe(env, err, 0)
		return fmt.Errorf("rate limit wait for batch %s: %w", env.BatchID, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := p.transport.Send(sendCtx, env)
	latency := time.Since(start)
	p.observe(env, err, latency)
	if err != nil {
		atomic.AddUint64(&p.sendFailures, 1)
		return fmt.Errorf("send batch %s: %w", env.BatchID, err)
	}
	atomic.AddUint64(&p.batchesSent, 1)
	atomic.AddUint64(&p.eventsSent, uint64(env.EventCount))
	atomic.AddUint64(&p.rawBytes, uint64(env.RawSize))
	atomic.AddUint64(&p.compressedBytes, uint64(len(env.Payload)))
	p.logger.Debug("Batch sent",
		zap.String("batch_id", env.BatchID),
		zap.Int("events", env.EventCount),
		zap.Int("raw_bytes", env.RawSize),
		zap.Int("payload_bytes", len(env.Payload)),
		zap.Stringer("compression", env.Compression),
		zap.Duration("latency", latency))
	return nil
}

func (p *Processor) observe(env *Envelope, err error, latency time.Duration) {
	if p.cfg.OnSend != nil {
		p.cfg.OnSend(env, err, latency)
	}
}

// Start runs the background flush loop until Stop or ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.cfg.Strategy.flushesOnTimer() {
				p.flushLogged(ctx)
			}
		case <-p.flushCh:
			p.flushLogged(ctx)
		}
	}
}

func (p *Processor) flushLogged(ctx context.Context) {
	if _, err := p.Flush(ctx); err != nil {
		p.logger.Warn("Batch flush failed", zap.Error(err))
	}
}

// Stop ends the flush loop, flushes what is left and waits for pending sends
func (p *Processor) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, ferr := p.Flush(ctx); ferr != nil {
			err = ferr
		}
		if perr := p.pool.Stop(timeout); perr != nil && err == nil {
			err = perr
		}
	})
	return err
}

// BatchSize returns the current target batch size
func (p *Processor) BatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchSize
}

// SetBatchSize sets the target batch size clamped to the configured bounds and
// returns the value applied
func (p *Processor) SetBatchSize(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchSize = clamp(n, p.cfg.MinBatchSize, p.cfg.MaxBatchSize)
	return p.batchSize
}

// BatchSizeBounds returns the configured minimum and maximum batch size
func (p *Processor) BatchSizeBounds() (int, int) {
	return p.cfg.MinBatchSize, p.cfg.MaxBatchSize
}

// Compression returns the level applied to new batches
func (p *Processor) Compression() CompressionLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compression
}

// SetCompression changes the level applied to new batches
func (p *Processor) SetCompression(level CompressionLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compression = level
}

// Stats returns a snapshot of the processor counters
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	size := p.batchSize
	level := p.compression
	p.mu.Unlock()
	return Stats{
		Queued:          queued,
		BatchSize:       size,
		Compression:     level,
		BatchesSent:     atomic.LoadUint64(&p.batchesSent),
		EventsSent:      atomic.LoadUint64(&p.eventsSent),
		SendFailures:    atomic.LoadUint64(&p.sendFailures),
		RawBytes:        atomic.LoadUint64(&p.rawBytes),
		CompressedBytes: atomic.LoadUint64(&p.compressedBytes),
	}
}
