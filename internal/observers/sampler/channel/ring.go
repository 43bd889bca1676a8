package channel

import (
	"sync/atomic"
	"unsafe"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Ring is an in-memory single-producer single-consumer buffer of fixed
// size slots. It stands in for a kernel perf buffer when eBPF is not
// available. A write into a full ring is dropped, never blocked.
type Ring struct {
	cpu     int
	channel sample.ChannelID

	slots    [][]byte
	lens     []int
	capacity uint64
	mask     uint64

	_    [64 - unsafe.Sizeof(uint64(0))]byte
	head atomic.Uint64 // next write position

	_    [64 - unsafe.Sizeof(uint64(0))]byte
	tail atomic.Uint64 // next read position

	_        [64 - unsafe.Sizeof(uint64(0))]byte
	produced atomic.Uint64
	consumed atomic.Uint64
	dropped  atomic.Uint64
	closed   atomic.Bool
}

// NewRing creates a ring with at least capacity slots of slotSize bytes.
// Capacity is rounded up to a power of two.
func NewRing(ch sample.ChannelID, cpu int, capacity, slotSize int) *Ring {
	size := uint64(capacity)
	if size == 0 {
		size = 256
	}
	if size&(size-1) != 0 {
		v := size - 1
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v |= v >> 32
		size = v + 1
	}
	if slotSize < sample.Size {
		slotSize = sample.Size
	}

	r := &Ring{
		cpu:      cpu,
		channel:  ch,
		slots:    make([][]byte, size),
		lens:     make([]int, size),
		capacity: size,
		mask:     size - 1,
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
	}
	return r
}

func (r *Ring) CPU() int                  { return r.cpu }
func (r *Ring) Channel() sample.ChannelID { return r.channel }

// Write copies p into the next free slot. Payloads longer than a slot are truncated.
func (r *Ring) Write(p []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	head := r.head.Load()
	if head-r.tail.Load() >= r.capacity {
		r.dropped.Add(1)
		return ErrFull
	}

	idx := head & r.mask
	r.lens[idx] = copy(r.slots[idx], p)
	r.head.Store(head + 1)
	r.produced.Add(1)
	return nil
}

// Readable reports whether at least one slot is pending.
func (r *Ring) Readable() bool {
	return !r.closed.Load() && r.head.Load() != r.tail.Load()
}

// Read copies the oldest pending slot into p.
func (r *Ring) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return 0, nil
	}

	idx := tail & r.mask
	n := copy(p, r.slots[idx][:r.lens[idx]])
	r.tail.Store(tail + 1)
	r.consumed.Add(1)
	return n, nil
}

func (r *Ring) Stats() BufferStats {
	return BufferStats{
		CPU:      r.cpu,
		Channel:  r.channel,
		Capacity: r.capacity,
		Produced: r.produced.Load(),
		Consumed: r.consumed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

func (r *Ring) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// RingSet is the in-memory counterpart of the kernel channel maps: one
// Ring per channel per CPU. It is the emit target of the simulated sampler.
type RingSet struct {
	rings map[Key]*Ring
	pair  *Pair
}

// NewRingSet allocates rings for both channels on every listed CPU.
func NewRingSet(cpus []int, capacity, slotSize int) (*RingSet, error) {
	rs := &RingSet{rings: make(map[Key]*Ring, 2*len(cpus))}
	var main, secondary []Buffer
	for _, cpu := range cpus {
		for _, ch := range sample.Channels {
			r := NewRing(ch, cpu, capacity, slotSize)
			rs.rings[Key{Channel: ch, CPU: cpu}] = r
			if ch == sample.MainMap {
				main = append(main, r)
			} else {
				secondary = append(secondary, r)
			}
		}
	}

	pair, err := NewPair(main, secondary)
	if err != nil {
		return nil, err
	}
	rs.pair = pair
	return rs, nil
}

// Emit writes rec into the ring for the given channel and CPU.
func (rs *RingSet) Emit(ch sample.ChannelID, cpu int, rec sample.Record) error {
	r, ok := rs.rings[Key{Channel: ch, CPU: cpu}]
	if !ok {
		return ErrClosed
	}
	var buf [sample.Size]byte
	if err := rec.MarshalTo(buf[:]); err != nil {
		return err
	}
	return r.Write(buf[:])
}

// Ring returns the ring for one channel and CPU.
func (rs *RingSet) Ring(ch sample.ChannelID, cpu int) (*Ring, bool) {
	r, ok := rs.rings[Key{Channel: ch, CPU: cpu}]
	return r, ok
}

// Pair returns the consumer view of the rings.
func (rs *RingSet) Pair() *Pair {
	return rs.pair
}
