package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

type emitted struct {
	ch  sample.ChannelID
	cpu int
	rec sample.Record
}

type fakeEmitter struct {
	out  []emitted
	fail bool
}

func (f *fakeEmitter) Emit(ch sample.ChannelID, cpu int, rec sample.Record) error {
	if f.fail {
		return errors.New("buffer full")
	}
	f.out = append(f.out, emitted{ch: ch, cpu: cpu, rec: rec})
	return nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		cpu  int
		pid  uint32
		want sample.Record
	}{
		{
			name: "idle task",
			cpu:  3,
			pid:  0,
			want: sample.Record{Priority: sample.PriorityMain, PID: 0, CPU: 3},
		},
		{
			name: "process",
			cpu:  1,
			pid:  4821,
			want: sample.Record{Priority: sample.PrioritySecondary, PID: 4821, CPU: 1},
		},
		{
			name: "init",
			cpu:  0,
			pid:  1,
			want: sample.Record{Priority: sample.PrioritySecondary, PID: 1, CPU: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.cpu, tt.pid))
		})
	}
}

func TestClassifyProperty(t *testing.T) {
	for cpu := 0; cpu < 8; cpu++ {
		for _, pid := range []uint32{0, 1, 2, 100, 65535, ^uint32(0)} {
			rec := Classify(cpu, pid)
			assert.Equal(t, uint32(cpu), rec.CPU)
			assert.Equal(t, pid, rec.PID)
			assert.Equal(t, pid == 0, rec.Priority == sample.PriorityMain)
			assert.True(t, rec.Priority.Known())
		}
	}
}

func TestSamplerTickWritesMainMap(t *testing.T) {
	em := &fakeEmitter{}
	s := NewSampler(em, false)

	s.Tick(0, 0)
	s.Tick(2, 4821)

	require.Len(t, em.out, 2)
	assert.Equal(t, emitted{ch: sample.MainMap, cpu: 0, rec: sample.Record{Priority: sample.PriorityMain, CPU: 0}}, em.out[0])
	assert.Equal(t, emitted{ch: sample.MainMap, cpu: 2, rec: sample.Record{Priority: sample.PrioritySecondary, PID: 4821, CPU: 2}}, em.out[1])
	assert.Equal(t, uint64(2), s.Ticks())
	assert.Zero(t, s.Drops())
}

func TestSamplerSecondaryRouting(t *testing.T) {
	em := &fakeEmitter{}
	s := NewSampler(em, true)

	s.Tick(0, 0)
	s.Tick(0, 77)

	require.Len(t, em.out, 2)
	assert.Equal(t, sample.MainMap, em.out[0].ch)
	assert.Equal(t, sample.SecondaryMap, em.out[1].ch)
}

func TestSamplerTickSwallowsEmitFailure(t *testing.T) {
	em := &fakeEmitter{fail: true}
	s := NewSampler(em, false)

	assert.NotPanics(t, func() {
		s.Tick(1, 10)
		s.Tick(1, 0)
	})
	assert.Equal(t, uint64(2), s.Ticks())
	assert.Equal(t, uint64(2), s.Drops())
}
