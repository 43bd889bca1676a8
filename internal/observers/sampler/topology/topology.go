// Package topology discovers the CPUs samples are collected on.
package topology

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// OnlinePath is the kernel's list of online CPUs.
const OnlinePath = "/sys/devices/system/cpu/online"

// OnlineCPUs returns the indices of the online CPUs, ascending.
func OnlineCPUs() ([]int, error) {
	return ReadCPUList(OnlinePath)
}

// ReadCPUList parses a CPU list file such as /sys/devices/system/cpu/online.
func ReadCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu list %s: %w", path, err)
	}
	cpus, err := ParseCPUList(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse cpu list %s: %w", path, err)
	}
	return cpus, nil
}

// ParseCPUList parses the kernel list format: comma separated indices and
// inclusive ranges, e.g. "0-3,8,10-11".
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty cpu list")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")

		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid cpu %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			seen[cpu] = struct{}{}
		}
	}

	cpus := make([]int, 0, len(seen))
	for cpu := range seen {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// FirstN returns CPUs 0..n-1. Used when no kernel topology is available.
func FirstN(n int) []int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}
