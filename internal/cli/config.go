package cli

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yairfalse/perfsampler/internal/observers/config"
)

// setDefaults registers every key so environment variables can override
// keys that appear in no config file.
func setDefaults(v *viper.Viper) {
	d := config.NewSamplerConfig()

	v.SetDefault("name", d.Name)
	v.SetDefault("health_check_interval", d.HealthCheckInterval)
	v.SetDefault("stop_timeout", d.StopTimeout)

	v.SetDefault("sampler.frequency_hz", d.Sampler.FrequencyHz)
	v.SetDefault("sampler.page_count", d.Sampler.PageCount)
	v.SetDefault("sampler.scratch_size", d.Sampler.ScratchSize)
	v.SetDefault("sampler.idle_backoff", d.Sampler.IdleBackoff)
	v.SetDefault("sampler.secondary_channel_routing", d.Sampler.SecondaryChannelRouting)
	v.SetDefault("sampler.mock", d.Sampler.Mock)
	v.SetDefault("sampler.mock_ring_size", d.Sampler.MockRingSize)

	v.SetDefault("pools.main_workers", d.Pools.MainWorkers)
	v.SetDefault("pools.secondary_workers", d.Pools.SecondaryWorkers)
	v.SetDefault("pools.queue_size", d.Pools.QueueSize)

	v.SetDefault("sink.type", d.Sink.Type)
	v.SetDefault("sink.nats_url", d.Sink.NATSURL)
	v.SetDefault("sink.subject_prefix", d.Sink.SubjectPrefix)

	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)

	v.SetDefault("log.level", "info")
}

// loadConfig decodes the viper state into a validated SamplerConfig.
func loadConfig(v *viper.Viper) (*config.SamplerConfig, error) {
	cfg := &config.SamplerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger for level.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
