package sampler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/channel"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/dispatch"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Drop reasons reported for reads that produced no record.
const (
	DropShortRead = "short_read"
	DropReadError = "read_error"
)

// RecordRouter hands a decoded record to a worker pool.
type RecordRouter interface {
	Dispatch(ctx context.Context, rec sample.Record) dispatch.Route
}

// Recorder receives per-read outcomes. *base.BaseObserver implements it.
type Recorder interface {
	RecordProcessed(ctx context.Context)
	RecordDrop(ctx context.Context, reason string)
	RecordError(ctx context.Context, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordProcessed(context.Context)    {}
func (nopRecorder) RecordDrop(context.Context, string) {}
func (nopRecorder) RecordError(context.Context, error) {}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Buffers     []channel.Buffer
	Decoder     *sample.Decoder
	Router      RecordRouter
	Recorder    Recorder
	ScratchSize int
	// IdleBackoff is slept after a sweep in which no buffer was readable.
	IdleBackoff time.Duration
	Logger      *zap.Logger
	Meter       metric.Meter
}

// Poller sweeps every buffer in a fixed order, reading at most one
// payload per buffer per sweep. It never blocks on a buffer.
type Poller struct {
	buffers     []channel.Buffer
	scratch     []byte
	decoder     *sample.Decoder
	router      RecordRouter
	recorder    Recorder
	idleBackoff time.Duration
	logger      *zap.Logger
	limiter     *rate.Limiter

	sweeps atomic.Uint64
	reads  atomic.Uint64

	readCounter metric.Int64Counter
	channelAttr map[sample.ChannelID]metric.AddOption
}

// NewPoller creates a poller. Buffers are swept in the order given.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if len(cfg.Buffers) == 0 {
		return nil, fmt.Errorf("poller needs at least one buffer")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("poller needs a router")
	}
	if cfg.ScratchSize < sample.Size {
		return nil, fmt.Errorf("scratch size %d cannot hold a record of %d bytes", cfg.ScratchSize, sample.Size)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Decoder == nil {
		cfg.Decoder = sample.NewDecoder(cfg.Logger)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}

	p := &Poller{
		buffers:     cfg.Buffers,
		scratch:     make([]byte, cfg.ScratchSize),
		decoder:     cfg.Decoder,
		router:      cfg.Router,
		recorder:    cfg.Recorder,
		idleBackoff: cfg.IdleBackoff,
		logger:      cfg.Logger,
		limiter:     rate.NewLimiter(rate.Limit(1), 5),
		channelAttr: make(map[sample.ChannelID]metric.AddOption, len(sample.Channels)),
	}
	for _, ch := range sample.Channels {
		p.channelAttr[ch] = metric.WithAttributes(attribute.String("channel", ch.String()))
	}

	if cfg.Meter != nil {
		var err error
		p.readCounter, err = cfg.Meter.Int64Counter(
			"perfsampler_buffer_reads_total",
			metric.WithDescription("Payloads read from per-CPU buffers"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create read counter: %w", err)
		}
	}
	return p, nil
}

// Sweep visits every buffer once and returns how many were readable.
func (p *Poller) Sweep(ctx context.Context) int {
	p.sweeps.Add(1)
	readable := 0

	for _, buf := range p.buffers {
		if !buf.Readable() {
			continue
		}
		readable++

		n, err := buf.Read(p.scratch)
		if err != nil {
			p.recorder.RecordError(ctx, err)
			p.recorder.RecordDrop(ctx, DropReadError)
			if p.limiter.Allow() {
				p.logger.Warn("Buffer read failed",
					zap.Int("cpu", buf.CPU()),
					zap.Stringer("channel", buf.Channel()),
					zap.Error(err))
			}
			continue
		}
		if n == 0 {
			// only lost-sample notices were pending
			continue
		}
		p.reads.Add(1)
		if p.readCounter != nil {
			p.readCounter.Add(ctx, 1, p.channelAttr[buf.Channel()])
		}

		rec, _, ok := p.decoder.Decode(p.scratch[:n])
		if !ok {
			p.recorder.RecordDrop(ctx, DropShortRead)
			continue
		}

		p.recorder.RecordProcessed(ctx)
		p.router.Dispatch(ctx, rec)
	}
	return readable
}

// Run sweeps until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Poller started",
		zap.Int("buffers", len(p.buffers)),
		zap.Int("scratch_size", len(p.scratch)),
		zap.Duration("idle_backoff", p.idleBackoff))

	var idle *time.Timer
	if p.idleBackoff > 0 {
		idle = time.NewTimer(p.idleBackoff)
		idle.Stop()
		defer idle.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poller stopped",
				zap.Uint64("sweeps", p.sweeps.Load()),
				zap.Uint64("reads", p.reads.Load()))
			return
		default:
		}

		if p.Sweep(ctx) > 0 || idle == nil {
			continue
		}

		idle.Reset(p.idleBackoff)
		select {
		case <-ctx.Done():
		case <-idle.C:
		}
	}
}

// Sweeps returns the number of completed sweeps.
func (p *Poller) Sweeps() uint64 { return p.sweeps.Load() }

// Reads returns the number of payloads read.
func (p *Poller) Reads() uint64 { return p.reads.Load() }
