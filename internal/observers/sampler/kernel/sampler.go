// Package kernel holds the kernel-resident sampler: the BPF program that
// runs on every timer tick, the logic it encodes, and the plumbing to
// attach it to per-CPU clock events.
package kernel

import (
	"sync/atomic"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Emitter accepts records produced on a tick. Implementations must not
// block; a full destination is reported as an error and the record is lost.
type Emitter interface {
	Emit(ch sample.ChannelID, cpu int, rec sample.Record) error
}

// Classify builds the record for a tick on cpu while pid was current.
// The idle task (pid 0) is tagged main, everything else secondary.
func Classify(cpu int, pid uint32) sample.Record {
	if pid == 0 {
		return sample.Record{Priority: sample.PriorityMain, PID: 0, CPU: uint32(cpu)}
	}
	return sample.Record{Priority: sample.PrioritySecondary, PID: pid, CPU: uint32(cpu)}
}

// Target returns the channel a record is written to. Unless secondary
// routing is enabled every record goes to MAIN_MAP.
func Target(rec sample.Record, secondaryRouting bool) sample.ChannelID {
	if secondaryRouting && rec.Priority == sample.PrioritySecondary {
		return sample.SecondaryMap
	}
	return sample.MainMap
}

// Sampler is the tick handler expressed in Go. The BPF program built by
// NewCollectionSpec performs the same steps in the kernel.
type Sampler struct {
	emitter          Emitter
	secondaryRouting bool

	ticks atomic.Uint64
	drops atomic.Uint64
}

// NewSampler creates a tick handler writing to emitter.
func NewSampler(emitter Emitter, secondaryRouting bool) *Sampler {
	return &Sampler{emitter: emitter, secondaryRouting: secondaryRouting}
}

// Tick handles one timer tick on cpu. Emit failures are swallowed so
// the tick always completes.
func (s *Sampler) Tick(cpu int, pid uint32) {
	s.ticks.Add(1)
	rec := Classify(cpu, pid)
	if err := s.emitter.Emit(Target(rec, s.secondaryRouting), cpu, rec); err != nil {
		s.drops.Add(1)
	}
}

// Ticks returns the number of handled ticks.
func (s *Sampler) Ticks() uint64 { return s.ticks.Load() }

// Drops returns the number of ticks whose record could not be written.
func (s *Sampler) Drops() uint64 { return s.drops.Load() }
