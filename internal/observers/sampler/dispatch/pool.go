// Package dispatch routes decoded records to the worker pool matching
// their priority and runs the processing task there.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

var (
	// ErrQueueFull is returned by Submit when the pool cannot accept more work.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("dispatch: pool stopped")
)

// PoolKind identifies one of the two worker pools.
type PoolKind int

const (
	// PoolMain processes main-priority records, one worker per CPU.
	PoolMain PoolKind = iota
	// PoolSecondary processes secondary-priority records on a single worker.
	PoolSecondary
)

func (k PoolKind) String() string {
	switch k {
	case PoolMain:
		return "main"
	case PoolSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Sink is the processing task run for every dispatched record.
type Sink interface {
	Process(ctx context.Context, kind PoolKind, rec sample.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, kind PoolKind, rec sample.Record) error

func (f SinkFunc) Process(ctx context.Context, kind PoolKind, rec sample.Record) error {
	return f(ctx, kind, rec)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Kind      PoolKind
	Workers   int
	QueueSize int
	Sink      Sink
	Logger    *zap.Logger
	Meter     metric.Meter
}

// PoolStats holds pool counters.
type PoolStats struct {
	Kind       PoolKind `json:"kind"`
	Workers    int      `json:"workers"`
	Submitted  uint64   `json:"submitted"`
	Processed  uint64   `json:"processed"`
	Rejected   uint64   `json:"rejected"`
	Failed     uint64   `json:"failed"`
	QueueDepth int      `json:"queue_depth"`
}

// Pool runs Sink on a fixed number of workers fed by a bounded queue.
// Submit never blocks; a task failure or panic is contained to that task.
type Pool struct {
	kind    PoolKind
	workers int
	sink    Sink
	logger  *zap.Logger
	queue   chan sample.Record

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	submitted atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64

	attrs          metric.MeasurementOption
	processedCount metric.Int64Counter
	failureCount   metric.Int64Counter
	activeWorkers  metric.Int64UpDownCounter
}

// NewPool creates a stopped pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%s pool needs at least one worker, got %d", cfg.Kind, cfg.Workers)
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("%s pool queue size must be positive, got %d", cfg.Kind, cfg.QueueSize)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%s pool has no sink", cfg.Kind)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("perfsampler")
	}

	p := &Pool{
		kind:    cfg.Kind,
		workers: cfg.Workers,
		sink:    cfg.Sink,
		logger:  cfg.Logger.With(zap.String("pool", cfg.Kind.String())),
		queue:   make(chan sample.Record, cfg.QueueSize),
		attrs:   metric.WithAttributes(attribute.String("pool", cfg.Kind.String())),
	}

	var err error
	if p.processedCount, err = cfg.Meter.Int64Counter(
		"perfsampler_tasks_processed_total",
		metric.WithDescription("Records processed by pool workers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}
	if p.failureCount, err = cfg.Meter.Int64Counter(
		"perfsampler_task_failures_total",
		metric.WithDescription("Processing tasks that returned an error or panicked"),
	); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	if p.activeWorkers, err = cfg.Meter.Int64UpDownCounter(
		"perfsampler_pool_active_workers",
		metric.WithDescription("Running pool workers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active workers gauge: %w", err)
	}
	return p, nil
}

// Kind returns the pool kind.
func (p *Pool) Kind() PoolKind { return p.kind }

// Start launches the workers. They run until Stop or until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		p.activeWorkers.Add(p.ctx, 1, p.attrs)
		go p.runWorker(i)
	}

	p.logger.Info("Worker pool started", zap.Int("worker_count", p.workers))
}

// Submit queues rec for processing without blocking.
func (p *Pool) Submit(rec sample.Record) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- rec:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stop cancels the workers and waits for them. Queued records that were
// not yet picked up are discarded.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped",
		zap.Uint64("processed", p.processed.Load()),
		zap.Int("discarded", len(p.queue)))
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	defer p.activeWorkers.Add(context.Background(), -1, p.attrs)

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case rec := <-p.queue:
			if err := p.process(rec); err != nil {
				p.failed.Add(1)
				p.failureCount.Add(p.ctx, 1, p.attrs)
				logger.Error("Processing task failed",
					zap.Error(err),
					zap.Uint32("pid", rec.PID),
					zap.Uint32("cpu", rec.CPU))
				continue
			}
			p.processed.Add(1)
			p.processedCount.Add(p.ctx, 1, p.attrs)

		case <-p.ctx.Done():
			logger.Debug("Worker context cancelled, exiting")
			return
		}
	}
}

// process runs the sink and converts a panic into an error.
func (p *Pool) process(rec sample.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processing task panicked: %v", r)
		}
	}()
	return p.sink.Process(p.ctx, p.kind, rec)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Kind:       p.kind,
		Workers:    p.workers,
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Rejected:   p.rejected.Load(),
		Failed:     p.failed.Load(),
		QueueDepth: len(p.queue),
	}
}
