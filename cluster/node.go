package cluster

import (
	"time"

	"github.com/canopysim/canopy/namegen"
)

type NodeClass string

const (
	NodeClassCompute NodeClass = "compute"
	NodeClassGPU     NodeClass = "gpu"
	NodeClassStorage NodeClass = "storage"
)

type NodeHealth string

const (
	NodeHealthy     NodeHealth = "healthy"
	NodeDegraded    NodeHealth = "degraded"
	NodeUnreachable NodeHealth = "unreachable"
	NodeFailed      NodeHealth = "failed"
)

// NodeSpec is what a worker sends at registration time.
type NodeSpec struct {
	Class    NodeClass `json:"class" yaml:"class"`
	Capacity Capacity  `json:"capacity" yaml:"capacity"`
}

// Node is the registry's view of a worker. All fields are owned by the
// Registry; callers get copies via Get/Snapshot.
type Node struct {
	ID        namegen.ID `json:"id"`
	Class     NodeClass  `json:"class"`
	Capacity  Capacity   `json:"capacity"`
	Allocated Capacity   `json:"allocated"`
	Health    NodeHealth `json:"health"`
	Draining  bool       `json:"draining"`

	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Free returns the unallocated share of the node's capacity.
func (n Node) Free() Capacity {
	return n.Capacity.Sub(n.Allocated)
}

// Schedulable reports whether the node may receive new work.
func (n Node) Schedulable() bool {
	return n.Health == NodeHealthy && !n.Draining
}

// HeartbeatReport is the payload workers push on the health channel.
type HeartbeatReport struct {
	Utilization Capacity           `json:"utilization"`
	Progress    map[string]float64 `json:"progress,omitempty"` // stage id -> completed fraction
	Errors      []StageErrorReport `json:"errors,omitempty"`
}

// StageErrorReport is a job-reported error, used by the failure detector as a
// corroborating signal alongside heartbeat timeouts.
type StageErrorReport struct {
	StageID string `json:"stage_id"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
