//go:build linux

package sampler

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/channel"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/kernel"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/topology"
)

// ebpfPlatform holds the loaded program, its maps and the clock events.
type ebpfPlatform struct {
	objs  *kernel.Objects
	timer *kernel.Timer
}

func (p *ebpfPlatform) Detach() error {
	if p.timer == nil {
		return nil
	}
	err := p.timer.Close()
	p.timer = nil
	return err
}

func (p *ebpfPlatform) Close() error {
	if p.objs == nil {
		return nil
	}
	err := p.objs.Close()
	p.objs = nil
	return err
}

func (o *Observer) startPlatform() error {
	if o.config.Sampler.Mock {
		cpus, err := topology.OnlineCPUs()
		if err != nil {
			o.logger.Warn("Falling back to runtime CPU count", zap.Error(err))
			cpus = topology.FirstN(0)
		}
		return o.startMock(cpus)
	}
	return o.startEBPF()
}

// startEBPF discovers the CPUs, loads the tick handler, opens both
// channel buffer sets and attaches the handler to the clock events.
func (o *Observer) startEBPF() error {
	cpus, err := topology.OnlineCPUs()
	if err != nil {
		return fmt.Errorf("failed to discover online CPUs: %w", err)
	}

	objs, err := kernel.Load(o.config.Sampler.SecondaryChannelRouting)
	if err != nil {
		return fmt.Errorf("failed to load sampler program: %w", err)
	}
	state := &ebpfPlatform{objs: objs}
	o.platform = state

	pages := o.config.Sampler.PageCount
	main, err := channel.OpenPerfRings(objs.Maps[sample.MainMap], sample.MainMap, cpus, pages)
	if err != nil {
		return fmt.Errorf("failed to open %s buffers: %w", sample.MainMap.MapName(), err)
	}
	secondary, err := channel.OpenPerfRings(objs.Maps[sample.SecondaryMap], sample.SecondaryMap, cpus, pages)
	if err != nil {
		return errors.Join(
			fmt.Errorf("failed to open %s buffers: %w", sample.SecondaryMap.MapName(), err),
			closeBuffers(main))
	}

	pair, err := channel.NewPair(main, secondary)
	if err != nil {
		return errors.Join(err, closeBuffers(main), closeBuffers(secondary))
	}
	o.pair = pair
	o.cpus = cpus

	timer, err := kernel.AttachTimer(objs.Program, cpus, o.config.Sampler.FrequencyHz)
	if err != nil {
		return fmt.Errorf("failed to attach sampler: %w", err)
	}
	state.timer = timer

	o.logger.Info("Sampler attached",
		zap.String("program", kernel.ProgramName),
		zap.Int("cpus", len(cpus)),
		zap.Int("pages_per_buffer", pages))
	return nil
}

func closeBuffers(buffers []channel.Buffer) error {
	var errs []error
	for _, b := range buffers {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
