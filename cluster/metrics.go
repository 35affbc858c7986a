package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	nodesDesc = prometheus.NewDesc(
		"canopy_cluster_nodes",
		"Number of registered nodes by health state.",
		[]string{"health"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		"canopy_cluster_capacity",
		"Total cluster capacity by resource.",
		[]string{"resource"}, nil,
	)
	allocatedDesc = prometheus.NewDesc(
		"canopy_cluster_allocated",
		"Allocated cluster capacity by resource.",
		[]string{"resource"}, nil,
	)
)

// Collector exposes registry state as Prometheus metrics.
type Collector struct {
	registry *Registry
}

func NewCollector(registry *Registry) *Collector {
	return &Collector{registry: registry}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- nodesDesc
	ch <- capacityDesc
	ch <- allocatedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	byHealth := map[NodeHealth]int{}
	var capacity, allocated Capacity
	for _, node := range c.registry.Snapshot() {
		byHealth[node.Health]++
		capacity = capacity.Add(node.Capacity)
		allocated = allocated.Add(node.Allocated)
	}

	for _, health := range []NodeHealth{NodeHealthy, NodeDegraded, NodeUnreachable, NodeFailed} {
		ch <- prometheus.MustNewConstMetric(nodesDesc, prometheus.GaugeValue, float64(byHealth[health]), string(health))
	}
	for _, dim := range []struct {
		name                string
		capacity, allocated float64
	}{
		{"cpu_cores", capacity.CPUCores, allocated.CPUCores},
		{"memory_gb", capacity.MemoryGB, allocated.MemoryGB},
		{"gpu_count", capacity.GPUCount, allocated.GPUCount},
		{"storage_gb", capacity.StorageGB, allocated.StorageGB},
		{"network_gbps", capacity.NetworkGbps, allocated.NetworkGbps},
	} {
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, dim.capacity, dim.name)
		ch <- prometheus.MustNewConstMetric(allocatedDesc, prometheus.GaugeValue, dim.allocated, dim.name)
	}
}
