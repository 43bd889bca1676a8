//go:build linux

package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

const (
	perfHeaderSize = 8 // struct perf_event_header

	perfRecordLost   = 2
	perfRecordSample = 9
)

// PerfRing is the consumer side of one per-CPU kernel perf buffer. The
// kernel appends records at data_head; PerfRing consumes at data_tail.
type PerfRing struct {
	cpu     int
	channel sample.ChannelID
	events  *ebpf.Map

	fd   int
	mmap []byte
	meta *unix.PerfEventMmapPage
	data []byte
	mask uint64

	consumed atomic.Uint64
	lost     atomic.Uint64
	closed   atomic.Bool
}

// OpenPerfRing creates a BPF output perf event on cpu, maps pageCount data
// pages plus the metadata page, and registers the event fd in events at
// index cpu so the kernel program can write to it.
func OpenPerfRing(events *ebpf.Map, ch sample.ChannelID, cpu, pageCount int) (*PerfRing, error) {
	if pageCount <= 0 || pageCount&(pageCount-1) != 0 {
		return nil, fmt.Errorf("page count %d is not a power of two", pageCount)
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_BPF_OUTPUT,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample_type: unix.PERF_SAMPLE_RAW,
		Sample:      1,
		Wakeup:      1,
	}
	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open on cpu %d: %w", cpu, err)
	}

	pageSize := os.Getpagesize()
	mem, err := unix.Mmap(fd, 0, (1+pageCount)*pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap perf buffer on cpu %d: %w", cpu, err)
	}

	pr := &PerfRing{
		cpu:     cpu,
		channel: ch,
		events:  events,
		fd:      fd,
		mmap:    mem,
		meta:    (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0])),
		data:    mem[pageSize:],
		mask:    uint64(pageCount*pageSize) - 1,
	}

	if err := events.Put(uint32(cpu), uint32(fd)); err != nil {
		pr.release()
		return nil, fmt.Errorf("register cpu %d in %s: %w", cpu, ch.MapName(), err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		_ = events.Delete(uint32(cpu))
		pr.release()
		return nil, fmt.Errorf("enable perf buffer on cpu %d: %w", cpu, err)
	}
	return pr, nil
}

// OpenPerfRings opens one PerfRing per CPU. On failure the rings opened so far are closed.
func OpenPerfRings(events *ebpf.Map, ch sample.ChannelID, cpus []int, pageCount int) ([]Buffer, error) {
	buffers := make([]Buffer, 0, len(cpus))
	for _, cpu := range cpus {
		pr, err := OpenPerfRing(events, ch, cpu, pageCount)
		if err != nil {
			for _, b := range buffers {
				_ = b.Close()
			}
			return nil, err
		}
		buffers = append(buffers, pr)
	}
	return buffers, nil
}

func (pr *PerfRing) CPU() int                  { return pr.cpu }
func (pr *PerfRing) Channel() sample.ChannelID { return pr.channel }

// Readable reports whether the kernel has written past our tail.
func (pr *PerfRing) Readable() bool {
	if pr.closed.Load() {
		return false
	}
	return atomic.LoadUint64(&pr.meta.Data_head) != atomic.LoadUint64(&pr.meta.Data_tail)
}

// Read copies the raw payload of the next sample into p. Lost and
// unknown records in front of it are consumed and accounted for.
func (pr *PerfRing) Read(p []byte) (int, error) {
	if pr.closed.Load() {
		return 0, ErrClosed
	}

	head := atomic.LoadUint64(&pr.meta.Data_head)
	tail := atomic.LoadUint64(&pr.meta.Data_tail)

	var hdr [perfHeaderSize]byte
	for tail < head {
		pr.copyAt(hdr[:], tail)
		typ := binary.NativeEndian.Uint32(hdr[0:4])
		size := uint64(binary.NativeEndian.Uint16(hdr[6:8]))
		if size < perfHeaderSize || tail+size > head {
			atomic.StoreUint64(&pr.meta.Data_tail, head)
			return 0, fmt.Errorf("corrupt perf record on cpu %d: type=%d size=%d", pr.cpu, typ, size)
		}

		switch typ {
		case perfRecordSample:
			if size < perfHeaderSize+4 {
				atomic.StoreUint64(&pr.meta.Data_tail, head)
				return 0, fmt.Errorf("corrupt perf sample on cpu %d: size=%d", pr.cpu, size)
			}
			var raw [4]byte
			pr.copyAt(raw[:], tail+perfHeaderSize)
			rawSize := uint64(binary.NativeEndian.Uint32(raw[:]))
			if rawSize > size-perfHeaderSize-4 {
				rawSize = size - perfHeaderSize - 4
			}
			n := int(rawSize)
			if n > len(p) {
				n = len(p)
			}
			pr.copyAt(p[:n], tail+perfHeaderSize+4)
			atomic.StoreUint64(&pr.meta.Data_tail, tail+size)
			pr.consumed.Add(1)
			return n, nil

		case perfRecordLost:
			var body [16]byte // id, lost
			pr.copyAt(body[:], tail+perfHeaderSize)
			pr.lost.Add(binary.NativeEndian.Uint64(body[8:16]))
		}

		tail += size
	}

	atomic.StoreUint64(&pr.meta.Data_tail, tail)
	return 0, nil
}

// copyAt fills dst from the data area starting at ring position pos,
// wrapping at the end of the area.
func (pr *PerfRing) copyAt(dst []byte, pos uint64) {
	start := pos & pr.mask
	n := copy(dst, pr.data[start:])
	if n < len(dst) {
		copy(dst[n:], pr.data)
	}
}

func (pr *PerfRing) Stats() BufferStats {
	return BufferStats{
		CPU:      pr.cpu,
		Channel:  pr.channel,
		Capacity: pr.mask + 1,
		Consumed: pr.consumed.Load(),
		Lost:     pr.lost.Load(),
	}
}

// Close disables the event, removes it from the channel map and unmaps the buffer.
func (pr *PerfRing) Close() error {
	if pr.closed.Swap(true) {
		return ErrClosed
	}
	var errs []error
	if err := unix.IoctlSetInt(pr.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		errs = append(errs, fmt.Errorf("disable: %w", err))
	}
	if err := pr.events.Delete(uint32(pr.cpu)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		errs = append(errs, fmt.Errorf("unregister: %w", err))
	}
	if err := pr.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (pr *PerfRing) release() error {
	var errs []error
	if pr.mmap != nil {
		if err := unix.Munmap(pr.mmap); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		pr.mmap, pr.data, pr.meta = nil, nil, nil
	}
	if err := unix.Close(pr.fd); err != nil {
		errs = append(errs, fmt.Errorf("close fd: %w", err))
	}
	return errors.Join(errs...)
}
