package worker

import (
	"github.com/prometheus/procfs"

	"github.com/botqueue/botq/internal/events"
)

// residentMemory samples this process's RSS in bytes via procfs
func residentMemory() (uint64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}

// procSample reads a child's resident memory and cumulative CPU seconds
func procSample(pid int) (rss uint64, cpuSeconds float64, err error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, 0, err
	}
	return uint64(stat.ResidentMemory()), stat.CPUTime(), nil
}

// checkMemory runs the watchdog. Crossing 99.9% of the configured limit
// shuts the worker down; each new tenth-percentile band logs a warning.
// Returns true when the worker must shut down.
func (w *Worker) checkMemory(rss uint64) bool {
	if w.opts.MemoryLimitMB <= 0 {
		return false
	}

	limit := float64(w.opts.MemoryLimitMB) * 1024 * 1024
	ratio := float64(rss) / limit

	if ratio > 0.999 {
		w.log.Error("Memory limit reached, shutting down",
			"rss_mb", rss/(1024*1024), "limit_mb", w.opts.MemoryLimitMB)
		w.bus.Emit(events.WorkerLowMemory, w)
		return true
	}

	decile := int(ratio * 10)
	if decile > w.lastMemDecile {
		w.lastMemDecile = decile
		w.log.Warn("Memory usage crossed threshold",
			"used_pct", int(ratio*100), "limit_mb", w.opts.MemoryLimitMB)
	}
	return false
}
