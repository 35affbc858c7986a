package cluster

import "fmt"

// Capacity is the resource vector of a node, also used for stage requests
// and allocations.
type Capacity struct {
	CPUCores    float64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryGB    float64 `json:"memory_gb" yaml:"memory_gb"`
	GPUCount    float64 `json:"gpu_count" yaml:"gpu_count"`
	StorageGB   float64 `json:"storage_gb" yaml:"storage_gb"`
	NetworkGbps float64 `json:"network_gbps" yaml:"network_gbps"`
}

func (c Capacity) Validate() error {
	if c.CPUCores < 0 || c.MemoryGB < 0 || c.GPUCount < 0 || c.StorageGB < 0 || c.NetworkGbps < 0 {
		return fmt.Errorf("capacity values must not be negative: %+v", c)
	}
	if c.CPUCores == 0 && c.GPUCount == 0 {
		return fmt.Errorf("capacity must include at least one CPU core or GPU")
	}
	return nil
}

// Fits reports whether a request of size r fits within c.
func (c Capacity) Fits(r Capacity) bool {
	return r.CPUCores <= c.CPUCores &&
		r.MemoryGB <= c.MemoryGB &&
		r.GPUCount <= c.GPUCount &&
		r.StorageGB <= c.StorageGB &&
		r.NetworkGbps <= c.NetworkGbps
}

func (c Capacity) Add(r Capacity) Capacity {
	return Capacity{
		CPUCores:    c.CPUCores + r.CPUCores,
		MemoryGB:    c.MemoryGB + r.MemoryGB,
		GPUCount:    c.GPUCount + r.GPUCount,
		StorageGB:   c.StorageGB + r.StorageGB,
		NetworkGbps: c.NetworkGbps + r.NetworkGbps,
	}
}

func (c Capacity) Sub(r Capacity) Capacity {
	return Capacity{
		CPUCores:    c.CPUCores - r.CPUCores,
		MemoryGB:    c.MemoryGB - r.MemoryGB,
		GPUCount:    c.GPUCount - r.GPUCount,
		StorageGB:   c.StorageGB - r.StorageGB,
		NetworkGbps: c.NetworkGbps - r.NetworkGbps,
	}
}

// Leftover scores how much capacity would remain unused on a node with free
// capacity c after placing a request r. Lower is a tighter fit. Dimensions are
// normalized against the request so that large absolute numbers (storage)
// don't dominate small ones (GPUs).
func (c Capacity) Leftover(r Capacity) float64 {
	score := 0.0
	score += leftoverDim(c.CPUCores, r.CPUCores)
	score += leftoverDim(c.MemoryGB, r.MemoryGB)
	score += leftoverDim(c.GPUCount, r.GPUCount)
	score += leftoverDim(c.StorageGB, r.StorageGB)
	score += leftoverDim(c.NetworkGbps, r.NetworkGbps)
	return score
}

func leftoverDim(free, want float64) float64 {
	if want <= 0 {
		return 0
	}
	return (free - want) / want
}
