package sampler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/channel"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/kernel"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// mockPlatform drives kernel.Sampler from a Go ticker into in-memory rings.
type mockPlatform struct {
	rings   *channel.RingSet
	sampler *kernel.Sampler
}

func (m *mockPlatform) Detach() error { return nil }
func (m *mockPlatform) Close() error  { return nil }

// startMock sets up in-memory buffers for cpus and a simulated clock
// ticking each CPU at the configured frequency. Ticks alternate between
// the idle task and this process so both pools see traffic.
func (o *Observer) startMock(cpus []int) error {
	rings, err := channel.NewRingSet(cpus, o.config.Sampler.MockRingSize, sample.Size)
	if err != nil {
		return fmt.Errorf("failed to create mock buffers: %w", err)
	}

	state := &mockPlatform{
		rings:   rings,
		sampler: kernel.NewSampler(rings, o.config.Sampler.SecondaryChannelRouting),
	}
	o.platform = state
	o.pair = rings.Pair()
	o.cpus = cpus

	period := time.Second / time.Duration(o.config.Sampler.FrequencyHz)
	pids := []uint32{0, uint32(os.Getpid())}

	o.lifecycle.Start("mock-sampler", func(ctx context.Context) {
		runMockClock(ctx, state.sampler, cpus, period, pids)
	})

	o.logger.Warn("Running with simulated sampler",
		zap.Ints("cpus", cpus),
		zap.Duration("period", period))
	return nil
}

func runMockClock(ctx context.Context, s *kernel.Sampler, cpus []int, period time.Duration, pids []uint32) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, cpu := range cpus {
				s.Tick(cpu, pids[(tick+i)%len(pids)])
			}
			tick++
		}
	}
}
