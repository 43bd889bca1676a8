//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// Timer is a set of per-CPU software clock events driving the tick handler.
type Timer struct {
	fds []int
}

// AttachTimer opens a PERF_COUNT_SW_CPU_CLOCK event sampling all processes
// on each listed CPU at frequencyHz and attaches prog to it.
func AttachTimer(prog *ebpf.Program, cpus []int, frequencyHz uint64) (*Timer, error) {
	if frequencyHz == 0 {
		return nil, errors.New("sampling frequency must be positive")
	}

	t := &Timer{fds: make([]int, 0, len(cpus))}
	for _, cpu := range cpus {
		fd, err := attachCPU(prog, cpu, frequencyHz)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		t.fds = append(t.fds, fd)
	}
	return t, nil
}

func attachCPU(prog *ebpf.Program, cpu int, frequencyHz uint64) (int, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample: frequencyHz,
		Bits:   unix.PerfBitFreq,
	}

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("perf_event_open cpu clock on cpu %d: %w", cpu, err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("attach %s on cpu %d: %w", ProgramName, cpu, err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("enable cpu clock on cpu %d: %w", cpu, err)
	}
	return fd, nil
}

// Close disables and closes every clock event.
func (t *Timer) Close() error {
	var errs []error
	for _, fd := range t.fds {
		_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}
	t.fds = nil
	return errors.Join(errs...)
}
