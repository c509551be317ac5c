package ninja_go

// ResourceMonitor is polled between dispatch decisions. Negative values
// mean "unknown" and disable the matching throttle.
type ResourceMonitor interface {
	// LoadAverage is the one-minute load average.
	LoadAverage() float64
	// MemoryUsage is the fraction of physical memory in use, in [0,1].
	MemoryUsage() float64
}
