package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Route is the router's decision for one record.
type Route int

const (
	RouteMain Route = iota
	RouteSecondary
	RouteDiscarded
)

func (r Route) String() string {
	switch r {
	case RouteMain:
		return "main"
	case RouteSecondary:
		return "secondary"
	default:
		return "discarded"
	}
}

// Decide maps a priority to a route. Unknown priorities are discarded.
func Decide(p sample.Priority) Route {
	switch p {
	case sample.PriorityMain:
		return RouteMain
	case sample.PrioritySecondary:
		return RouteSecondary
	default:
		return RouteDiscarded
	}
}

// Submitter accepts records without blocking. *Pool implements it.
type Submitter interface {
	Submit(rec sample.Record) error
}

// Discard reasons.
const (
	ReasonUnknownPriority = "unknown_priority"
	ReasonQueueFull       = "queue_full"
	ReasonPoolStopped     = "pool_stopped"
)

// RouterStats holds router counters.
type RouterStats struct {
	Main            uint64 `json:"main"`
	Secondary       uint64 `json:"secondary"`
	UnknownPriority uint64 `json:"unknown_priority"`
	Rejected        uint64 `json:"rejected"`
}

// Router hands each record to the pool for its priority. It never waits
// for the task to run.
type Router struct {
	main      Submitter
	secondary Submitter
	logger    *zap.Logger
	limiter   *rate.Limiter

	mainCount      atomic.Uint64
	secondaryCount atomic.Uint64
	unknownCount   atomic.Uint64
	rejectedCount  atomic.Uint64

	dispatched metric.Int64Counter
	discarded  metric.Int64Counter
}

// NewRouter creates a router over the two pools.
func NewRouter(main, secondary Submitter, logger *zap.Logger, meter metric.Meter) (*Router, error) {
	if main == nil || secondary == nil {
		return nil, errors.New("router needs both pools")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter("perfsampler")
	}

	r := &Router{
		main:      main,
		secondary: secondary,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(1), 5),
	}

	var err error
	if r.dispatched, err = meter.Int64Counter(
		"perfsampler_records_dispatched_total",
		metric.WithDescription("Records handed to a worker pool"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}
	if r.discarded, err = meter.Int64Counter(
		"perfsampler_records_discarded_total",
		metric.WithDescription("Records dropped before reaching a worker"),
	); err != nil {
		return nil, fmt.Errorf("failed to create discarded counter: %w", err)
	}
	return r, nil
}

// Dispatch routes rec and returns the decision. A record whose pool
// rejects it is counted and dropped; the decision is still returned.
func (r *Router) Dispatch(ctx context.Context, rec sample.Record) Route {
	route := Decide(rec.Priority)

	var target Submitter
	switch route {
	case RouteMain:
		target = r.main
		r.mainCount.Add(1)
	case RouteSecondary:
		target = r.secondary
		r.secondaryCount.Add(1)
	default:
		r.unknownCount.Add(1)
		r.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ReasonUnknownPriority)))
		if r.limiter.Allow() {
			r.logger.Debug("Discarding record with unknown priority",
				zap.Uint32("priority", uint32(rec.Priority)),
				zap.Uint32("pid", rec.PID),
				zap.Uint32("cpu", rec.CPU))
		}
		return route
	}

	if err := target.Submit(rec); err != nil {
		r.rejectedCount.Add(1)
		reason := ReasonQueueFull
		if errors.Is(err, ErrPoolStopped) {
			reason = ReasonPoolStopped
		}
		r.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		if r.limiter.Allow() {
			r.logger.Warn("Worker pool rejected record",
				zap.String("pool", route.String()),
				zap.Error(err))
		}
		return route
	}

	r.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("pool", route.String())))
	return route
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Main:            r.mainCount.Load(),
		Secondary:       r.secondaryCount.Load(),
		UnknownPriority: r.unknownCount.Load(),
		Rejected:        r.rejectedCount.Load(),
	}
}
