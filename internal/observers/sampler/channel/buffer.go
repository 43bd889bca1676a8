// Package channel provides the per-CPU buffers that carry sample records
// from the kernel sampler to the user-space poller.
package channel

import (
	"errors"
	"fmt"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

var (
	// ErrClosed is returned by operations on a closed buffer.
	ErrClosed = errors.New("channel: buffer closed")
	// ErrFull is returned by a producer when the destination buffer has no free slot.
	ErrFull = errors.New("channel: buffer full")
)

// Buffer is the consumer side of one per-CPU buffer.
//
// Readable and Read never block. Read copies at most one pending payload
// into p and returns 0 when nothing is pending.
type Buffer interface {
	CPU() int
	Channel() sample.ChannelID
	Readable() bool
	Read(p []byte) (int, error)
	Stats() BufferStats
	Close() error
}

// BufferStats describes the traffic through one buffer.
type BufferStats struct {
	CPU      int
	Channel  sample.ChannelID
	Capacity uint64
	Produced uint64
	Consumed uint64
	// Dropped counts records the producer could not write because the buffer was full.
	Dropped uint64
	// Lost counts records the kernel reported as lost.
	Lost uint64
}

// Key identifies a buffer within a Pair.
type Key struct {
	Channel sample.ChannelID
	CPU     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/cpu%d", k.Channel, k.CPU)
}
