package hardware

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const gigabyte = 1 << 30

// Info holds the probed capacity of the host, in the units the
// marketplace contract advertises (whole cores and gigabytes).
type Info struct {
	CPUs      int
	MemoryGB  int
	StorageGB int
}

// Probe inspects the host and returns its usable capacity. Memory and
// storage report free amounts, not totals, so a busy host advertises
// only what it can actually commit.
func Probe() (*Info, error) {
	cpus, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("failed to count cpus: %w", err)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}

	usage, err := disk.Usage("/")
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage: %w", err)
	}

	return &Info{
		CPUs:      cpus,
		MemoryGB:  int(vm.Available / gigabyte),
		StorageGB: int(usage.Free / gigabyte),
	}, nil
}

// Clamp bounds a capability value to the uint8 range the contract accepts.
func Clamp(v int) int {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return v
}
