// Package base provides the statistics, health and lifecycle plumbing
// shared by observers.
package base

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// HealthState is the coarse health of an observer
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is returned by Health
type HealthStatus struct {
	Status    HealthState `json:"status"`
	Message   string      `json:"message"`
	LastError string      `json:"last_error,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Statistics is a snapshot of observer counters
type Statistics struct {
	RecordsProcessed int64             `json:"records_processed"`
	RecordsDropped   int64             `json:"records_dropped"`
	ErrorCount       int64             `json:"error_count"`
	LastRecordTime   time.Time         `json:"last_record_time"`
	Uptime           time.Duration     `json:"uptime"`
	CustomMetrics    map[string]string `json:"custom_metrics,omitempty"`
}

// BaseObserverConfig holds configuration for BaseObserver
type BaseObserverConfig struct {
	Name string
	// HealthCheckTimeout is how long without records before reporting degraded
	HealthCheckTimeout time.Duration
	// ErrorRateThreshold, default 0.1
	ErrorRateThreshold float64
	Logger             *zap.Logger
	Meter              metric.Meter
}

// BaseObserver tracks statistics and health. Embed it in an observer to
// get Statistics and Health.
type BaseObserver struct {
	name      string
	startTime time.Time
	logger    *zap.Logger

	recordsProcessed atomic.Int64
	recordsDropped   atomic.Int64
	errorCount       atomic.Int64
	lastRecordTime   atomic.Value // time.Time
	lastError        atomic.Value // error

	isHealthy          atomic.Bool
	healthCheckTimeout time.Duration
	errorRateThreshold float64

	meter             metric.Meter
	processedCounter  metric.Int64Counter
	droppedCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	healthStatusGauge metric.Int64Gauge
}

// NewBaseObserver creates a base observer
func NewBaseObserver(cfg BaseObserverConfig) *BaseObserver {
	if cfg.ErrorRateThreshold == 0 {
		cfg.ErrorRateThreshold = 0.1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(cfg.Name)
	}

	bo := &BaseObserver{
		name:               cfg.Name,
		startTime:          time.Now(),
		logger:             cfg.Logger,
		healthCheckTimeout: cfg.HealthCheckTimeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		meter:              cfg.Meter,
	}
	bo.isHealthy.Store(true)
	bo.lastRecordTime.Store(time.Time{})

	bo.initializeMetrics()
	return bo
}

// initializeMetrics registers the standard observer instruments. A failed
// instrument is left nil and skipped.
func (bo *BaseObserver) initializeMetrics() {
	var err error

	bo.processedCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_records_processed_total", bo.name),
		metric.WithDescription("Total records decoded and routed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create processed counter", zap.Error(err))
		bo.processedCounter = nil
	}

	bo.droppedCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_records_dropped_total", bo.name),
		metric.WithDescription("Total reads that produced no record"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create dropped counter", zap.Error(err))
		bo.droppedCounter = nil
	}

	bo.errorCounter, err = bo.meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", bo.name),
		metric.WithDescription("Total errors encountered"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create error counter", zap.Error(err))
		bo.errorCounter = nil
	}

	// 0=unhealthy, 1=degraded, 2=healthy
	bo.healthStatusGauge, err = bo.meter.Int64Gauge(
		fmt.Sprintf("%s_health_status", bo.name),
		metric.WithDescription("Health status (0=unhealthy, 1=degraded, 2=healthy)"),
	)
	if err != nil {
		bo.logger.Debug("Failed to create health gauge", zap.Error(err))
		bo.healthStatusGauge = nil
	}
}

// RecordProcessed is called for every record handed to the router
func (bo *BaseObserver) RecordProcessed(ctx context.Context) {
	bo.recordsProcessed.Add(1)
	bo.lastRecordTime.Store(time.Now())
	if bo.processedCounter != nil {
		bo.processedCounter.Add(ctx, 1)
	}
}

// RecordDrop is called when a read yields no record
func (bo *BaseObserver) RecordDrop(ctx context.Context, reason string) {
	bo.recordsDropped.Add(1)
	if bo.droppedCounter != nil {
		bo.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordError is called for absorbed steady-state errors
func (bo *BaseObserver) RecordError(ctx context.Context, err error) {
	bo.errorCount.Add(1)
	if err != nil {
		bo.lastError.Store(err)
	}
	if bo.errorCounter != nil {
		attrs := []attribute.KeyValue{}
		if err != nil {
			attrs = append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		}
		bo.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// SetHealthy sets the health flag
func (bo *BaseObserver) SetHealthy(healthy bool) {
	bo.isHealthy.Store(healthy)
}

// IsHealthy returns the health flag
func (bo *BaseObserver) IsHealthy() bool {
	return bo.isHealthy.Load()
}

// Name returns the observer name
func (bo *BaseObserver) Name() string {
	return bo.name
}

// Meter returns the meter observers should create their instruments from
func (bo *BaseObserver) Meter() metric.Meter {
	return bo.meter
}

// Statistics returns a snapshot of the counters
func (bo *BaseObserver) Statistics() *Statistics {
	last, _ := bo.lastRecordTime.Load().(time.Time)
	return &Statistics{
		RecordsProcessed: bo.recordsProcessed.Load(),
		RecordsDropped:   bo.recordsDropped.Load(),
		ErrorCount:       bo.errorCount.Load(),
		LastRecordTime:   last,
		Uptime:           time.Since(bo.startTime),
		CustomMetrics:    map[string]string{},
	}
}

// Health derives the health from the flag, record recency and error rate
func (bo *BaseObserver) Health() *HealthStatus {
	status := &HealthStatus{CheckedAt: time.Now()}

	if !bo.isHealthy.Load() {
		status.Status = HealthUnhealthy
		status.Message = fmt.Sprintf("%s observer is unhealthy", bo.name)
		if err, ok := bo.lastError.Load().(error); ok {
			status.LastError = err.Error()
		}
		bo.recordHealth(0)
		return status
	}

	if bo.recordsProcessed.Load() > 0 && bo.healthCheckTimeout > 0 {
		last, _ := bo.lastRecordTime.Load().(time.Time)
		if since := time.Since(last); since > bo.healthCheckTimeout {
			status.Status = HealthDegraded
			status.Message = fmt.Sprintf("No records received for %v", since.Round(time.Millisecond))
			bo.recordHealth(1)
			return status
		}
	}

	if processed := bo.recordsProcessed.Load(); processed > 0 {
		errorRate := float64(bo.errorCount.Load()) / float64(processed)
		if errorRate > bo.errorRateThreshold {
			status.Status = HealthDegraded
			status.Message = fmt.Sprintf("High error rate: %.1f%% (threshold: %.1f%%)",
				errorRate*100, bo.errorRateThreshold*100)
			bo.recordHealth(1)
			return status
		}
	}

	status.Status = HealthHealthy
	status.Message = fmt.Sprintf("%s observer operating normally", bo.name)
	bo.recordHealth(2)
	return status
}

func (bo *BaseObserver) recordHealth(v int64) {
	if bo.healthStatusGauge != nil {
		bo.healthStatusGauge.Record(context.Background(), v)
	}
}
