//go:build !linux

package ninja_go

// SystemResources reports nothing on platforms without sysinfo(2); the
// throttles then never engage.
type SystemResources struct{}

func (SystemResources) LoadAverage() float64 { return -1 }
func (SystemResources) MemoryUsage() float64 { return -1 }
