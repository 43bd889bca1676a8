package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/base"
	"github.com/yairfalse/perfsampler/internal/observers/config"
	"github.com/yairfalse/perfsampler/internal/observers/sampler"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/dispatch"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sink"
	"github.com/yairfalse/perfsampler/pkg/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach the sampler and process samples until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, viper.GetViper())
	},
}

func init() {
	flags := runCmd.Flags()
	flags.Uint64("frequency", 10, "sampling frequency per CPU in Hz")
	flags.Bool("mock", false, "simulate the kernel sampler in process")
	flags.Bool("secondary-channel-routing", false, "write secondary samples to SECONDARY_MAP")
	flags.String("sink", config.SinkLog, "processing sink (log, nats)")
	flags.String("metrics-addr", ":9090", "address for /metrics and /healthz, empty disables")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("sampler.frequency_hz", flags.Lookup("frequency"))
	viper.BindPFlag("sampler.mock", flags.Lookup("mock"))
	viper.BindPFlag("sampler.secondary_channel_routing", flags.Lookup("secondary-channel-routing"))
	viper.BindPFlag("sink.type", flags.Lookup("sink"))
	viper.BindPFlag("telemetry.metrics_addr", flags.Lookup("metrics-addr"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(v.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Name,
		ServiceVersion: version,
		RunID:          runID,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SetGlobal:      true,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	processor, closeSink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	observer, err := sampler.NewObserver(cfg, processor, logger, sampler.WithMeter(provider.Meter(cfg.Name)))
	if err != nil {
		return err
	}
	if err := observer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sampler: %w", err)
	}

	var server *telemetry.Server
	if cfg.Telemetry.MetricsAddr != "" {
		server, err = telemetry.Listen(cfg.Telemetry.MetricsAddr,
			telemetry.NewRouter(provider.Registry(), healthReport(observer)), logger)
		if err != nil {
			_ = observer.Stop()
			return err
		}
		go func() {
			if err := server.Serve(); err != nil {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notification failed", zap.Error(err))
	} else if sent {
		logger.Debug("Notified systemd of readiness")
	}

	logger.Info("perfsampler running",
		zap.Ints("cpus", observer.CPUs()),
		zap.String("sink", cfg.Sink.Type))

	go monitorHealth(ctx, observer, cfg.HealthCheckInterval, logger)

	<-ctx.Done()
	logger.Info("Shutting down perfsampler")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	return observer.Stop()
}

// buildSink returns the configured processing task and its cleanup.
func buildSink(cfg *config.SamplerConfig, logger *zap.Logger) (dispatch.Sink, func(), error) {
	switch cfg.Sink.Type {
	case config.SinkNATS:
		nc, err := sink.Connect(cfg.Sink.NATSURL, logger.Named("nats"))
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}
		return sink.NewNATS(nc, cfg.Sink.SubjectPrefix, logger.Named("nats")), closeFn, nil
	default:
		return sink.NewLog(logger.Named("samples")), func() {}, nil
	}
}

func healthReport(observer *sampler.Observer) telemetry.HealthFunc {
	return func() telemetry.HealthReport {
		h := observer.Health()
		return telemetry.HealthReport{
			Healthy: h.Status != base.HealthUnhealthy,
			Detail:  h,
		}
	}
}

// monitorHealth logs the observer health periodically.
func monitorHealth(ctx context.Context, observer *sampler.Observer, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := observer.Health()
			stats := observer.Statistics()
			fields := []zap.Field{
				zap.String("status", string(h.Status)),
				zap.Int64("records_processed", stats.RecordsProcessed),
				zap.Int64("records_dropped", stats.RecordsDropped),
				zap.Any("detail", stats.CustomMetrics),
			}
			if h.Status == base.HealthHealthy {
				logger.Info("Sampler health check", fields...)
			} else {
				logger.Warn("Sampler health check", append(fields, zap.String("message", h.Message))...)
			}
		}
	}
}
