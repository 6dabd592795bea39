//go:build !linux

package procmgr

import "time"

// applyMemoryLimit is a no-op outside Linux: rlimit enforcement of a
// child's address space has no portable equivalent. sampleUsage below is
// unsupported on these platforms too, so memory limits are neither enforced
// nor monitored here.
func applyMemoryLimit(pid int, bytes int64) error {
	return nil
}

// sampleUsage has no portable, dependency-free implementation outside
// /proc; CPU/memory monitoring is therefore Linux-only and this stub
// reports the sample as unavailable rather than fabricating zeros that
// would read as "process is idle".
func sampleUsage(pid int, startedAt time.Time) (cpuMemSample, error) {
	return cpuMemSample{}, errUsageUnsupported
}
