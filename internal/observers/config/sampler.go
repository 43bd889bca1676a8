package config

import (
	"fmt"
	"runtime"
	"time"
)

// Sink types
const (
	SinkLog  = "log"
	SinkNATS = "nats"
)

// SamplerSection configures the kernel sampler, its buffers and the poller
type SamplerSection struct {
	// FrequencyHz is the per-CPU sampling rate (default: 10)
	FrequencyHz uint64 `json:"frequency_hz" yaml:"frequency_hz" mapstructure:"frequency_hz"`

	// PageCount is the number of data pages per perf buffer, a power of two (default: 8)
	PageCount int `json:"page_count" yaml:"page_count" mapstructure:"page_count"`

	// ScratchSize is the poller's read buffer in bytes (default: 1024)
	ScratchSize int `json:"scratch_size" yaml:"scratch_size" mapstructure:"scratch_size"`

	// IdleBackoff is slept after a sweep that found nothing; 0 spins (default: 1ms)
	IdleBackoff time.Duration `json:"idle_backoff" yaml:"idle_backoff" mapstructure:"idle_backoff"`

	// SecondaryChannelRouting writes secondary samples to SECONDARY_MAP instead of MAIN_MAP
	SecondaryChannelRouting bool `json:"secondary_channel_routing" yaml:"secondary_channel_routing" mapstructure:"secondary_channel_routing"`

	// Mock replaces the kernel sampler with an in-process simulation
	Mock bool `json:"mock" yaml:"mock" mapstructure:"mock"`

	// MockRingSize is the slot count of each simulated buffer (default: 256)
	MockRingSize int `json:"mock_ring_size" yaml:"mock_ring_size" mapstructure:"mock_ring_size"`
}

// PoolsSection sizes the worker pools
type PoolsSection struct {
	// MainWorkers, 0 means one per CPU
	MainWorkers int `json:"main_workers" yaml:"main_workers" mapstructure:"main_workers"`

	// SecondaryWorkers must be 1
	SecondaryWorkers int `json:"secondary_workers" yaml:"secondary_workers" mapstructure:"secondary_workers"`

	// QueueSize per pool (default: 4096)
	QueueSize int `json:"queue_size" yaml:"queue_size" mapstructure:"queue_size"`
}

// SinkSection selects the processing task
type SinkSection struct {
	Type          string `json:"type" yaml:"type" mapstructure:"type"`
	NATSURL       string `json:"nats_url" yaml:"nats_url" mapstructure:"nats_url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// TelemetrySection configures metrics export
type TelemetrySection struct {
	// MetricsAddr serves /metrics and /healthz; empty disables the server
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" mapstructure:"metrics_addr"`

	// OTLPEndpoint enables OTLP gRPC metric export when set
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
}

// SamplerConfig is the full perfsampler configuration
type SamplerConfig struct {
	BaseConfig `json:",inline" yaml:",inline" mapstructure:",squash"`

	Sampler   SamplerSection   `json:"sampler" yaml:"sampler" mapstructure:"sampler"`
	Pools     PoolsSection     `json:"pools" yaml:"pools" mapstructure:"pools"`
	Sink      SinkSection      `json:"sink" yaml:"sink" mapstructure:"sink"`
	Telemetry TelemetrySection `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
}

// NewSamplerConfig creates a configuration with defaults
func NewSamplerConfig() *SamplerConfig {
	c := &SamplerConfig{
		BaseConfig: DefaultBaseConfig(),
		Sampler: SamplerSection{
			IdleBackoff: time.Millisecond,
		},
		Telemetry: TelemetrySection{
			MetricsAddr: ":9090",
		},
	}
	c.SetDefaults()
	return c
}

// SetDefaults applies default values to unset fields. IdleBackoff and
// MetricsAddr are not defaulted here since their zero values are meaningful.
func (c *SamplerConfig) SetDefaults() {
	c.BaseConfig.SetDefaults()

	if c.Sampler.FrequencyHz == 0 {
		c.Sampler.FrequencyHz = 10
	}
	if c.Sampler.PageCount == 0 {
		c.Sampler.PageCount = 8
	}
	if c.Sampler.ScratchSize == 0 {
		c.Sampler.ScratchSize = 1024
	}
	if c.Sampler.MockRingSize == 0 {
		c.Sampler.MockRingSize = 256
	}
	if c.Pools.SecondaryWorkers == 0 {
		c.Pools.SecondaryWorkers = 1
	}
	if c.Pools.QueueSize == 0 {
		c.Pools.QueueSize = 4096
	}
	if c.Sink.Type == "" {
		c.Sink.Type = SinkLog
	}
	if c.Sink.SubjectPrefix == "" {
		c.Sink.SubjectPrefix = "perfsampler.samples"
	}
}

// MainWorkerCount resolves the main pool size
func (c *SamplerConfig) MainWorkerCount() int {
	if c.Pools.MainWorkers <= 0 {
		return runtime.NumCPU()
	}
	return c.Pools.MainWorkers
}

// Validate checks the configuration
func (c *SamplerConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("base config validation failed: %w", err)
	}

	s := c.Sampler
	if s.FrequencyHz == 0 || s.FrequencyHz > 100000 {
		return fmt.Errorf("sampler.frequency_hz must be in 1..100000, got %d", s.FrequencyHz)
	}
	if s.PageCount <= 0 || s.PageCount&(s.PageCount-1) != 0 {
		return fmt.Errorf("sampler.page_count must be a power of two, got %d", s.PageCount)
	}
	if s.ScratchSize < 12 {
		return fmt.Errorf("sampler.scratch_size must hold at least one record, got %d", s.ScratchSize)
	}
	if s.IdleBackoff < 0 {
		return fmt.Errorf("sampler.idle_backoff cannot be negative, got %v", s.IdleBackoff)
	}
	if s.MockRingSize <= 0 {
		return fmt.Errorf("sampler.mock_ring_size must be positive, got %d", s.MockRingSize)
	}

	if c.Pools.MainWorkers < 0 {
		return fmt.Errorf("pools.main_workers cannot be negative, got %d", c.Pools.MainWorkers)
	}
	if c.Pools.SecondaryWorkers != 1 {
		return fmt.Errorf("pools.secondary_workers must be 1, got %d", c.Pools.SecondaryWorkers)
	}
	if c.Pools.QueueSize <= 0 {
		return fmt.Errorf("pools.queue_size must be positive, got %d", c.Pools.QueueSize)
	}

	switch c.Sink.Type {
	case SinkLog:
	case SinkNATS:
		if c.Sink.NATSURL == "" {
			return fmt.Errorf("sink.nats_url is required for the nats sink")
		}
		if c.Sink.SubjectPrefix == "" {
			return fmt.Errorf("sink.subject_prefix cannot be empty")
		}
	default:
		return fmt.Errorf("unknown sink.type %q", c.Sink.Type)
	}
	return nil
}
