//go:build linux

package ninja_go

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	loadavg "github.com/mikoim/go-loadavg"
	"golang.org/x/sys/unix"
)

const procMemInfo = "/proc/meminfo"

// SystemResources samples /proc/loadavg and /proc/meminfo.
type SystemResources struct{}

func (SystemResources) LoadAverage() float64 {
	avg, err := loadavg.Parse()
	if err != nil {
		return -1
	}
	return avg.LoadAverage1
}

// MemoryUsage is the share of RAM that is not available to new processes.
// Reclaimable page cache counts as available.
func (SystemResources) MemoryUsage() float64 {
	if usage, ok := memInfoUsage(procMemInfo); ok {
		return usage
	}
	return sysinfoMemoryUsage()
}

// memInfoUsage computes 1 - MemAvailable/MemTotal from a meminfo file. It
// reports false when either field is missing, as on kernels before 3.14.
func memInfoUsage(path string) (float64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available uint64
	var haveTotal, haveAvailable bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && !(haveTotal && haveAvailable) {
		key, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		value, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			total, haveTotal = value, true
		case "MemAvailable":
			available, haveAvailable = value, true
		}
	}
	if !haveTotal || !haveAvailable || total == 0 {
		return 0, false
	}
	if available > total {
		available = total
	}
	return 1 - float64(available)/float64(total), true
}

func sysinfoMemoryUsage() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return -1
	}
	unit := uint64(info.Unit)
	total := uint64(info.Totalram) * unit
	if total == 0 {
		return -1
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	return 1 - float64(free)/float64(total)
}
