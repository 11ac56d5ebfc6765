// Package procstat samples resource usage of the tracked process so
// heartbeats carry CPU and memory context alongside instance counters.
package procstat

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time view of the current process
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
	OpenFDs    int32
	Goroutines int
}

// Self samples the calling process. Individual probes that fail leave
// their field zero, a heartbeat without usage data is still a heartbeat.
func Self() Sample {
	s := Sample{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return s
	}

	if pct, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = pct
	}
	if info, err := proc.MemoryInfo(); err == nil && info != nil {
		s.RSSBytes = info.RSS
	}
	if fds, err := proc.NumFDs(); err == nil {
		s.OpenFDs = fds
	}
	return s
}

// HostInfo describes the machine a capture runs on, used to label
// registrations
type HostInfo struct {
	Cores    int
	MemTotal uint64
}

// Host reports machine-level facts
func Host() HostInfo {
	var h HostInfo

	if cores, err := cpu.Counts(true); err == nil {
		h.Cores = cores
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		h.MemTotal = vmem.Total
	}
	return h
}
