//go:build linux

package procmgr

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// applyMemoryLimit caps a freshly-started child's address space via
// prlimit(2); on Linux this is enforced by the kernel (the process gets
// SIGSEGV/ENOMEM on breach) rather than merely observed, which is why it
// runs once at spawn time instead of in the polling loop below.
func applyMemoryLimit(pid int, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	lim := unix.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil)
}

// clockTicksPerSec is almost universally 100 on Linux; sysconf(_SC_CLK_TCK)
// would be the precise source but adds a cgo dependency this repo otherwise
// avoids entirely.
const clockTicksPerSec = 100

// sampleUsage reads /proc/<pid>/stat and /proc/<pid>/status for a
// point-in-time resource snapshot. CPU percent is computed against the
// wall-clock time elapsed since the process started, matching "CPU share"
// as a long-run average rather than an instantaneous rate.
func sampleUsage(pid int, startedAt time.Time) (usage cpuMemSample, err error) {
	statBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return usage, err
	}
	// Fields after the ")" that closes the command name are space
	// delimited and position-stable per proc(5); utime/stime are 14/15.
	fields := strings.Fields(string(statBytes))
	closeParen := -1
	for i, f := range fields {
		if strings.HasSuffix(f, ")") {
			closeParen = i
			break
		}
	}
	if closeParen < 0 || closeParen+13 >= len(fields) {
		return usage, fmt.Errorf("procmgr: unexpected /proc/%d/stat layout", pid)
	}
	utime, _ := strconv.ParseInt(fields[closeParen+12], 10, 64)
	stime, _ := strconv.ParseInt(fields[closeParen+13], 10, 64)
	cpuSeconds := float64(utime+stime) / clockTicksPerSec

	wall := time.Since(startedAt).Seconds()
	if wall > 0 {
		usage.cpuPercent = (cpuSeconds / wall) * 100
	}

	statusBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return usage, err
	}
	for _, line := range strings.Split(string(statusBytes), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				kb, _ := strconv.ParseInt(parts[1], 10, 64)
				usage.memoryRSS = kb * 1024
			}
			break
		}
	}
	return usage, nil
}
