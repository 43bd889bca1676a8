// Package sampler wires the kernel sampler, the per-CPU channel pair, the
// poller and the worker pools into one observer.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/base"
	"github.com/yairfalse/perfsampler/internal/observers/config"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/channel"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/dispatch"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// ErrAlreadyStarted is returned by Start on a running observer.
var ErrAlreadyStarted = errors.New("sampler: already started")

// Observer collects timer-driven CPU samples and dispatches them to the
// main and secondary worker pools.
type Observer struct {
	*base.BaseObserver
	lifecycle *base.LifecycleManager

	config *config.SamplerConfig
	logger *zap.Logger
	meter  metric.Meter
	sink   dispatch.Sink

	mu      sync.Mutex
	started bool

	// platform state, see observer_linux.go / observer_fallback.go / mock.go
	platform platformState

	cpus          []int
	pair          *channel.Pair
	decoder       *sample.Decoder
	mainPool      *dispatch.Pool
	secondaryPool *dispatch.Pool
	router        *dispatch.Router
	poller        *Poller
	registration  metric.Registration

	// final pipeline counters, kept once teardown releases the pipeline
	lastCounters map[string]string
}

// platformState is whatever produces records into the channel pair.
// Detach stops production; Close releases what is left once the
// buffers are closed.
type platformState interface {
	Detach() error
	Close() error
}

// Option customizes an Observer.
type Option func(*Observer)

// WithMeter sets the meter instruments are created from.
func WithMeter(m metric.Meter) Option {
	return func(o *Observer) { o.meter = m }
}

// NewObserver creates a stopped observer that runs sink for every record.
func NewObserver(cfg *config.SamplerConfig, sink dispatch.Sink, logger *zap.Logger, opts ...Option) (*Observer, error) {
	if cfg == nil {
		cfg = config.NewSamplerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	o := &Observer{
		config: cfg,
		logger: logger.Named(cfg.Name),
		sink:   sink,
		meter:  otel.Meter(cfg.Name),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.BaseObserver = base.NewBaseObserver(base.BaseObserverConfig{
		Name:               cfg.Name,
		HealthCheckTimeout: healthTimeout(cfg.Sampler.FrequencyHz),
		Logger:             o.logger,
		Meter:              o.meter,
	})
	o.decoder = sample.NewDecoder(o.logger.Named("decoder"))
	return o, nil
}

// healthTimeout allows a generous number of missed ticks before the
// observer reports degraded.
func healthTimeout(frequencyHz uint64) time.Duration {
	period := time.Second / time.Duration(frequencyHz)
	if t := 50 * period; t > 30*time.Second {
		return t
	}
	return 30 * time.Second
}

// Start runs setup and launches the pipeline. Any setup failure is
// returned and everything acquired so far is released.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}

	o.logger.Info("Starting sampler observer",
		zap.Uint64("frequency_hz", o.config.Sampler.FrequencyHz),
		zap.Bool("mock", o.config.Sampler.Mock),
		zap.Bool("secondary_channel_routing", o.config.Sampler.SecondaryChannelRouting),
		zap.Int("main_workers", o.config.MainWorkerCount()),
		zap.Int("secondary_workers", o.config.Pools.SecondaryWorkers))

	o.lifecycle = base.NewLifecycleManager(ctx, o.logger)

	if err := o.startPlatform(); err != nil {
		o.BaseObserver.RecordError(ctx, err)
		o.BaseObserver.SetHealthy(false)
		o.teardown()
		return fmt.Errorf("setup failed: %w", err)
	}

	if err := o.startPipeline(); err != nil {
		o.BaseObserver.RecordError(ctx, err)
		o.BaseObserver.SetHealthy(false)
		o.teardown()
		return fmt.Errorf("setup failed: %w", err)
	}

	o.started = true
	o.BaseObserver.SetHealthy(true)
	o.logger.Info("Sampler observer started", zap.Ints("cpus", o.cpus))
	return nil
}

func (o *Observer) startPipeline() error {
	var err error
	o.mainPool, err = dispatch.NewPool(dispatch.PoolConfig{
		Kind:      dispatch.PoolMain,
		Workers:   o.config.MainWorkerCount(),
		QueueSize: o.config.Pools.QueueSize,
		Sink:      o.sink,
		Logger:    o.logger,
		Meter:     o.meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create main pool: %w", err)
	}
	o.secondaryPool, err = dispatch.NewPool(dispatch.PoolConfig{
		Kind:      dispatch.PoolSecondary,
		Workers:   o.config.Pools.SecondaryWorkers,
		QueueSize: o.config.Pools.QueueSize,
		Sink:      o.sink,
		Logger:    o.logger,
		Meter:     o.meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create secondary pool: %w", err)
	}

	o.router, err = dispatch.NewRouter(o.mainPool, o.secondaryPool, o.logger.Named("router"), o.meter)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	o.poller, err = NewPoller(PollerConfig{
		Buffers:     o.pair.Buffers(),
		Decoder:     o.decoder,
		Router:      o.router,
		Recorder:    o.BaseObserver,
		ScratchSize: o.config.Sampler.ScratchSize,
		IdleBackoff: o.config.Sampler.IdleBackoff,
		Logger:      o.logger.Named("poller"),
		Meter:       o.meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}

	if err := o.registerObservers(); err != nil {
		return err
	}

	ctx := o.lifecycle.Context()
	o.mainPool.Start(ctx)
	o.secondaryPool.Start(ctx)
	o.lifecycle.Start("poller", o.poller.Run)
	return nil
}

// registerObservers exports buffer and pool state read at collection time.
func (o *Observer) registerObservers() error {
	lost, err := o.meter.Int64ObservableCounter(
		"perfsampler_samples_lost_total",
		metric.WithDescription("Samples the kernel reported as lost"),
	)
	if err != nil {
		return fmt.Errorf("failed to create lost counter: %w", err)
	}
	dropped, err := o.meter.Int64ObservableCounter(
		"perfsampler_buffer_dropped_total",
		metric.WithDescription("Samples dropped because a buffer was full"),
	)
	if err != nil {
		return fmt.Errorf("failed to create dropped counter: %w", err)
	}
	skips, err := o.meter.Int64ObservableCounter(
		"perfsampler_alignment_skips_total",
		metric.WithDescription("Reads that needed an alignment prefix skipped"),
	)
	if err != nil {
		return fmt.Errorf("failed to create alignment counter: %w", err)
	}
	depth, err := o.meter.Int64ObservableGauge(
		"perfsampler_pool_queue_depth",
		metric.WithDescription("Records waiting in a pool queue"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	pair, decoder := o.pair, o.decoder
	pools := []*dispatch.Pool{o.mainPool, o.secondaryPool}
	o.registration, err = o.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for _, st := range pair.Stats() {
			attrs := metric.WithAttributes(
				attribute.String("channel", st.Channel.String()),
				attribute.Int("cpu", st.CPU))
			obs.ObserveInt64(lost, int64(st.Lost), attrs)
			obs.ObserveInt64(dropped, int64(st.Dropped), attrs)
		}
		obs.ObserveInt64(skips, int64(decoder.Stats().AlignmentSkips))
		for _, p := range pools {
			obs.ObserveInt64(depth, int64(p.Stats().QueueDepth),
				metric.WithAttributes(attribute.String("pool", p.Kind().String())))
		}
		return nil
	}, lost, dropped, skips, depth)
	if err != nil {
		return fmt.Errorf("failed to register callback: %w", err)
	}
	return nil
}

// Stop detaches the sampler, stops the poller and pools and releases the buffers.
func (o *Observer) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}

	o.logger.Info("Stopping sampler observer")
	err := o.teardown()
	o.started = false
	o.BaseObserver.SetHealthy(false)
	o.logger.Info("Sampler observer stopped")
	return err
}

// teardown releases resources in reverse order of acquisition. It
// tolerates partially completed setup.
func (o *Observer) teardown() error {
	var errs []error

	if o.platform != nil {
		if err := o.platform.Detach(); err != nil {
			errs = append(errs, fmt.Errorf("detach sampler: %w", err))
		}
	}
	if o.lifecycle != nil {
		if err := o.lifecycle.Stop(o.config.StopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if o.mainPool != nil {
		o.mainPool.Stop()
	}
	if o.secondaryPool != nil {
		o.secondaryPool.Stop()
	}
	if o.registration != nil {
		if err := o.registration.Unregister(); err != nil {
			errs = append(errs, err)
		}
		o.registration = nil
	}
	if o.pair != nil {
		if err := o.pair.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close buffers: %w", err))
		}
	}
	if o.platform != nil {
		if err := o.platform.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sampler: %w", err))
		}
	}

	if o.pair != nil || o.router != nil {
		o.lastCounters = o.pipelineCounters()
	}
	o.platform = nil
	o.pair = nil
	o.mainPool, o.secondaryPool, o.router, o.poller = nil, nil, nil, nil
	return errors.Join(errs...)
}

// CPUs returns the CPUs being sampled.
func (o *Observer) CPUs() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.cpus...)
}

// Statistics extends the base statistics with buffer, decoder and pool
// counters. After Stop it reports the values at shutdown.
func (o *Observer) Statistics() *base.Statistics {
	stats := o.BaseObserver.Statistics()

	ds := o.decoder.Stats()
	stats.CustomMetrics["alignment_skips"] = strconv.FormatUint(ds.AlignmentSkips, 10)
	stats.CustomMetrics["short_reads"] = strconv.FormatUint(ds.ShortReads, 10)

	o.mu.Lock()
	counters := o.lastCounters
	if o.pair != nil || o.router != nil {
		counters = o.pipelineCounters()
	}
	o.mu.Unlock()

	for k, v := range counters {
		stats.CustomMetrics[k] = v
	}
	return stats
}

// pipelineCounters reads the live pipeline components. Callers hold o.mu.
func (o *Observer) pipelineCounters() map[string]string {
	counters := make(map[string]string)

	if o.pair != nil {
		var lost, dropped uint64
		for _, st := range o.pair.Stats() {
			lost += st.Lost
			dropped += st.Dropped
		}
		counters["samples_lost"] = strconv.FormatUint(lost, 10)
		counters["buffer_dropped"] = strconv.FormatUint(dropped, 10)
	}
	if o.router != nil {
		rs := o.router.Stats()
		counters["routed_main"] = strconv.FormatUint(rs.Main, 10)
		counters["routed_secondary"] = strconv.FormatUint(rs.Secondary, 10)
		counters["unknown_priority"] = strconv.FormatUint(rs.UnknownPriority, 10)
		counters["rejected"] = strconv.FormatUint(rs.Rejected, 10)
	}
	for _, p := range []*dispatch.Pool{o.mainPool, o.secondaryPool} {
		if p == nil {
			continue
		}
		ps := p.Stats()
		prefix := ps.Kind.String() + "_pool_"
		counters[prefix+"processed"] = strconv.FormatUint(ps.Processed, 10)
		counters[prefix+"failed"] = strconv.FormatUint(ps.Failed, 10)
	}
	if o.poller != nil {
		counters["sweeps"] = strconv.FormatUint(o.poller.Sweeps(), 10)
	}
	return counters
}
