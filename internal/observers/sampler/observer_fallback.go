//go:build !linux

package sampler

import (
	"github.com/yairfalse/perfsampler/internal/observers/sampler/topology"
)

// startPlatform always simulates the sampler; eBPF needs Linux.
func (o *Observer) startPlatform() error {
	if !o.config.Sampler.Mock {
		o.logger.Warn("Sampler requires Linux with eBPF support, running in mock mode")
	}
	return o.startMock(topology.FirstN(0))
}
