package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

func rings(ch sample.ChannelID, cpus ...int) []Buffer {
	out := make([]Buffer, 0, len(cpus))
	for _, cpu := range cpus {
		out = append(out, NewRing(ch, cpu, 4, sample.Size))
	}
	return out
}

func TestPairSweepOrder(t *testing.T) {
	// Deliberately unsorted input.
	p, err := NewPair(rings(sample.MainMap, 1, 0), rings(sample.SecondaryMap, 0, 1))
	require.NoError(t, err)

	want := []Key{
		{Channel: sample.MainMap, CPU: 0},
		{Channel: sample.SecondaryMap, CPU: 0},
		{Channel: sample.MainMap, CPU: 1},
		{Channel: sample.SecondaryMap, CPU: 1},
	}

	var got []Key
	for _, b := range p.Buffers() {
		got = append(got, Key{Channel: b.Channel(), CPU: b.CPU()})
	}
	assert.Equal(t, want, got)
	assert.Equal(t, []int{0, 1}, p.CPUs())
}

func TestNewPairValidation(t *testing.T) {
	tests := []struct {
		name      string
		main      []Buffer
		secondary []Buffer
		errMsg    string
	}{
		{
			name:      "wrong channel",
			main:      rings(sample.SecondaryMap, 0),
			secondary: rings(sample.SecondaryMap, 0),
			errMsg:    "expected main",
		},
		{
			name:      "duplicate cpu",
			main:      rings(sample.MainMap, 0, 0),
			secondary: rings(sample.SecondaryMap, 0, 1),
			errMsg:    "duplicate buffer",
		},
		{
			name:      "size mismatch",
			main:      rings(sample.MainMap, 0, 1),
			secondary: rings(sample.SecondaryMap, 0),
			errMsg:    "differ in size",
		},
		{
			name:      "cpu mismatch",
			main:      rings(sample.MainMap, 0, 1),
			secondary: rings(sample.SecondaryMap, 0, 2),
			errMsg:    "cpu 1 has no secondary buffer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPair(tt.main, tt.secondary)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPairLookupAndClose(t *testing.T) {
	p, err := NewPair(rings(sample.MainMap, 0), rings(sample.SecondaryMap, 0))
	require.NoError(t, err)

	b, ok := p.Buffer(sample.SecondaryMap, 0)
	require.True(t, ok)
	assert.Equal(t, sample.SecondaryMap, b.Channel())

	_, ok = p.Buffer(sample.MainMap, 3)
	assert.False(t, ok)

	require.NoError(t, p.Close())
	// Already closed buffers are not reported again.
	assert.NoError(t, p.Close())
	assert.Len(t, p.Stats(), 2)
}
