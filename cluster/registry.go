package cluster

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/canopysim/canopy/namegen"
)

// Registry tracks compute nodes and their capacities. It owns node identity,
// allocation bookkeeping and the health state machine; the scheduler consults
// it on every tick and the failure detector drives health transitions through
// MarkDegraded/MarkUnreachable/MarkFailed.
type Registry struct {
	mu    sync.RWMutex
	nodes map[namegen.ID]*Node
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		nodes: make(map[namegen.ID]*Node),
		log:   log.With("component", "cluster"),
	}
}

// Register adds a node and returns its assigned id.
// Malformed capacity descriptors are rejected.
func (r *Registry) Register(spec NodeSpec) (namegen.ID, error) {
	if err := spec.Capacity.Validate(); err != nil {
		return "", fmt.Errorf("invalid node capacity: %w", err)
	}
	if spec.Class == "" {
		spec.Class = NodeClassCompute
	}

	node := &Node{
		ID:            namegen.Prefixed("node"),
		Class:         spec.Class,
		Capacity:      spec.Capacity,
		Health:        NodeHealthy,
		RegisteredAt:  time.Now(),
		LastHeartbeat: time.Now(),
	}

	r.mu.Lock()
	r.nodes[node.ID] = node
	r.mu.Unlock()

	r.log.Info("Node registered", "node", node.ID, "class", node.Class)
	return node.ID, nil
}

// Deregister starts a graceful drain: the node receives no new assignments,
// existing work is allowed to finish or checkpoint-and-migrate. The node is
// removed once its allocation drops to zero (see Release).
func (r *Registry) Deregister(id namegen.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	node.Draining = true
	if node.Allocated == (Capacity{}) {
		delete(r.nodes, id)
	}
	r.log.Info("Node draining", "node", id)
	return nil
}

// Heartbeat records a health report. A heartbeat always recovers a degraded or
// unreachable node back to healthy; failed nodes stay failed until the worker
// re-registers.
func (r *Registry) Heartbeat(id namegen.ID, report HeartbeatReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	node.LastHeartbeat = time.Now()
	switch node.Health {
	case NodeDegraded, NodeUnreachable:
		r.log.Info("Node recovered", "node", id, "was", node.Health)
		node.Health = NodeHealthy
	}
	return nil
}

// MarkDegraded, MarkUnreachable and MarkFailed implement the one-way half of
// the health state machine. Transitions are monotonic: a node never moves
// backwards except through a renewed heartbeat (Heartbeat) or re-registration.

func (r *Registry) MarkDegraded(id namegen.ID) {
	r.transition(id, NodeDegraded, NodeHealthy)
}

func (r *Registry) MarkUnreachable(id namegen.ID) {
	r.transition(id, NodeUnreachable, NodeHealthy, NodeDegraded)
}

func (r *Registry) MarkFailed(id namegen.ID) {
	r.transition(id, NodeFailed, NodeHealthy, NodeDegraded, NodeUnreachable)
}

func (r *Registry) transition(id namegen.ID, to NodeHealth, from ...NodeHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok || !lo.Contains(from, node.Health) {
		return
	}
	r.log.Warn("Node health changed", "node", id, "from", node.Health, "to", to)
	node.Health = to
}

// Allocate reserves capacity on a node for a stage. Only the scheduler loop
// calls this, so concurrent over-allocation cannot happen.
func (r *Registry) Allocate(id namegen.ID, request Capacity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	if !node.Schedulable() {
		return fmt.Errorf("node %q is not schedulable (health=%s, draining=%t)", id, node.Health, node.Draining)
	}
	if !node.Free().Fits(request) {
		return fmt.Errorf("node %q cannot fit request %+v", id, request)
	}
	node.Allocated = node.Allocated.Add(request)
	return nil
}

// Release returns capacity to a node. Completes a pending drain when the last
// allocation is released.
func (r *Registry) Release(id namegen.ID, request Capacity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return
	}
	node.Allocated = node.Allocated.Sub(request)
	if node.Draining && node.Allocated == (Capacity{}) {
		delete(r.nodes, id)
		r.log.Info("Node drained", "node", id)
	}
}

// Get returns a copy of the node, if known.
func (r *Registry) Get(id namegen.ID) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Snapshot returns copies of all known nodes, for the scheduler and the
// query API.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Map(lo.Values(r.nodes), func(n *Node, _ int) Node { return *n })
}
