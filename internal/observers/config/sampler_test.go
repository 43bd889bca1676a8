package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSamplerConfigDefaults(t *testing.T) {
	c := NewSamplerConfig()

	assert.Equal(t, "perfsampler", c.Name)
	assert.Equal(t, uint64(10), c.Sampler.FrequencyHz)
	assert.Equal(t, 8, c.Sampler.PageCount)
	assert.Equal(t, 1024, c.Sampler.ScratchSize)
	assert.Equal(t, time.Millisecond, c.Sampler.IdleBackoff)
	assert.False(t, c.Sampler.SecondaryChannelRouting)
	assert.Equal(t, 1, c.Pools.SecondaryWorkers)
	assert.Equal(t, 4096, c.Pools.QueueSize)
	assert.Equal(t, SinkLog, c.Sink.Type)
	assert.Equal(t, ":9090", c.Telemetry.MetricsAddr)
	assert.Equal(t, runtime.NumCPU(), c.MainWorkerCount())

	require.NoError(t, c.Validate())
}

func TestMainWorkerCountOverride(t *testing.T) {
	c := NewSamplerConfig()
	c.Pools.MainWorkers = 3
	assert.Equal(t, 3, c.MainWorkerCount())
}

func TestSamplerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*SamplerConfig)
		errMsg string
	}{
		{
			name:   "empty name",
			modify: func(c *SamplerConfig) { c.Name = "" },
			errMsg: "observer name cannot be empty",
		},
		{
			name:   "zero frequency",
			modify: func(c *SamplerConfig) { c.Sampler.FrequencyHz = 0 },
			errMsg: "frequency_hz",
		},
		{
			name:   "page count not power of two",
			modify: func(c *SamplerConfig) { c.Sampler.PageCount = 6 },
			errMsg: "page_count",
		},
		{
			name:   "scratch smaller than a record",
			modify: func(c *SamplerConfig) { c.Sampler.ScratchSize = 11 },
			errMsg: "scratch_size",
		},
		{
			name:   "negative backoff",
			modify: func(c *SamplerConfig) { c.Sampler.IdleBackoff = -time.Second },
			errMsg: "idle_backoff",
		},
		{
			name:   "two secondary workers",
			modify: func(c *SamplerConfig) { c.Pools.SecondaryWorkers = 2 },
			errMsg: "secondary_workers must be 1",
		},
		{
			name:   "negative main workers",
			modify: func(c *SamplerConfig) { c.Pools.MainWorkers = -1 },
			errMsg: "main_workers",
		},
		{
			name:   "nats without url",
			modify: func(c *SamplerConfig) { c.Sink.Type = SinkNATS },
			errMsg: "nats_url",
		},
		{
			name:   "unknown sink",
			modify: func(c *SamplerConfig) { c.Sink.Type = "kafka" },
			errMsg: "unknown sink.type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSamplerConfig()
			tt.modify(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSamplerConfigZeroBackoffIsValid(t *testing.T) {
	c := NewSamplerConfig()
	c.Sampler.IdleBackoff = 0
	c.Telemetry.MetricsAddr = ""
	assert.NoError(t, c.Validate())
}

func TestSamplerConfigNATSValid(t *testing.T) {
	c := NewSamplerConfig()
	c.Sink.Type = SinkNATS
	c.Sink.NATSURL = "nats://localhost:4222"
	assert.NoError(t, c.Validate())
}
