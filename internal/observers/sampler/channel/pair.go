package channel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Pair holds the MAIN_MAP and SECONDARY_MAP buffer sets, one buffer per
// online CPU in each. The sweep order is fixed at construction.
type Pair struct {
	cpus    []int
	buffers map[Key]Buffer
	order   []Buffer
}

// NewPair builds a Pair from the main and secondary buffer sets. Both
// sets must cover the same CPUs exactly once.
func NewPair(main, secondary []Buffer) (*Pair, error) {
	p := &Pair{buffers: make(map[Key]Buffer, len(main)+len(secondary))}

	add := func(ch sample.ChannelID, set []Buffer) error {
		for _, b := range set {
			if b.Channel() != ch {
				return fmt.Errorf("buffer for cpu %d belongs to %s, expected %s", b.CPU(), b.Channel(), ch)
			}
			k := Key{Channel: ch, CPU: b.CPU()}
			if _, dup := p.buffers[k]; dup {
				return fmt.Errorf("duplicate buffer %s", k)
			}
			p.buffers[k] = b
		}
		return nil
	}
	if err := add(sample.MainMap, main); err != nil {
		return nil, err
	}
	if err := add(sample.SecondaryMap, secondary); err != nil {
		return nil, err
	}

	if len(main) != len(secondary) {
		return nil, fmt.Errorf("channel sets differ in size: main=%d secondary=%d", len(main), len(secondary))
	}
	for _, b := range main {
		if _, ok := p.buffers[Key{Channel: sample.SecondaryMap, CPU: b.CPU()}]; !ok {
			return nil, fmt.Errorf("cpu %d has no %s buffer", b.CPU(), sample.SecondaryMap)
		}
		p.cpus = append(p.cpus, b.CPU())
	}
	sort.Ints(p.cpus)

	// CPU-major, MAIN before SECONDARY.
	for _, cpu := range p.cpus {
		for _, ch := range sample.Channels {
			p.order = append(p.order, p.buffers[Key{Channel: ch, CPU: cpu}])
		}
	}
	return p, nil
}

// CPUs returns the CPU indices covered by the pair, ascending.
func (p *Pair) CPUs() []int {
	return append([]int(nil), p.cpus...)
}

// Buffers returns every buffer in sweep order.
func (p *Pair) Buffers() []Buffer {
	return p.order
}

// Buffer looks up the buffer for one channel and CPU.
func (p *Pair) Buffer(ch sample.ChannelID, cpu int) (Buffer, bool) {
	b, ok := p.buffers[Key{Channel: ch, CPU: cpu}]
	return b, ok
}

// Stats returns the stats of every buffer in sweep order.
func (p *Pair) Stats() []BufferStats {
	stats := make([]BufferStats, 0, len(p.order))
	for _, b := range p.order {
		stats = append(stats, b.Stats())
	}
	return stats
}

// Close closes every buffer and returns the joined errors.
func (p *Pair) Close() error {
	var errs []error
	for _, b := range p.order {
		if err := b.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s/cpu%d: %w", b.Channel(), b.CPU(), err))
		}
	}
	return errors.Join(errs...)
}
