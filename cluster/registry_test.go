package cluster

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testSpec() NodeSpec {
	return NodeSpec{
		Class:    NodeClassCompute,
		Capacity: Capacity{CPUCores: 16, MemoryGB: 64, StorageGB: 500, NetworkGbps: 10},
	}
}

func TestRegisterRejectsMalformedCapacity(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Register(NodeSpec{Capacity: Capacity{CPUCores: -1}})
	assert.Error(t, err)

	_, err = r.Register(NodeSpec{Capacity: Capacity{StorageGB: 100}})
	assert.Error(t, err, "a node without compute should be rejected")
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(testSpec())
	require.NoError(t, err)

	request := Capacity{CPUCores: 8, MemoryGB: 32}
	require.NoError(t, r.Allocate(id, request))

	node, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 8.0, node.Free().CPUCores)

	// Second allocation of the same size must not fit twice over.
	assert.NoError(t, r.Allocate(id, request))
	assert.Error(t, r.Allocate(id, Capacity{CPUCores: 1}))

	r.Release(id, request)
	assert.NoError(t, r.Allocate(id, Capacity{CPUCores: 1}))
}

func TestHealthStateMachine(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(testSpec())
	require.NoError(t, err)

	r.MarkDegraded(id)
	node, _ := r.Get(id)
	assert.Equal(t, NodeDegraded, node.Health)

	// Renewed heartbeat recovers a degraded node.
	require.NoError(t, r.Heartbeat(id, HeartbeatReport{}))
	node, _ = r.Get(id)
	assert.Equal(t, NodeHealthy, node.Health)

	r.MarkDegraded(id)
	r.MarkUnreachable(id)
	r.MarkFailed(id)
	node, _ = r.Get(id)
	assert.Equal(t, NodeFailed, node.Health)

	// Failed is terminal: heartbeats no longer recover the node.
	require.NoError(t, r.Heartbeat(id, HeartbeatReport{}))
	node, _ = r.Get(id)
	assert.Equal(t, NodeFailed, node.Health)
}

func TestMarkFailedRequiresPriorTransition(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(testSpec())
	require.NoError(t, err)

	// MarkFailed from healthy is allowed (corroborated failure), but the
	// transition helper only moves forward, never resurrects.
	r.MarkFailed(id)
	r.MarkDegraded(id)
	node, _ := r.Get(id)
	assert.Equal(t, NodeFailed, node.Health)
}

func TestDrainRemovesNodeWhenIdle(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(testSpec())
	require.NoError(t, err)

	request := Capacity{CPUCores: 4}
	require.NoError(t, r.Allocate(id, request))
	require.NoError(t, r.Deregister(id))

	node, ok := r.Get(id)
	require.True(t, ok, "draining node must remain visible until work finishes")
	assert.True(t, node.Draining)
	assert.False(t, node.Schedulable())
	assert.Error(t, r.Allocate(id, Capacity{CPUCores: 1}), "draining node must not accept new work")

	r.Release(id, request)
	_, ok = r.Get(id)
	assert.False(t, ok, "drained node should be removed once idle")
}

func TestDeregisterIdleNodeRemovesImmediately(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(testSpec())
	require.NoError(t, err)

	require.NoError(t, r.Deregister(id))
	_, ok := r.Get(id)
	assert.False(t, ok)
}
