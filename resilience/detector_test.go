package resilience

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/namegen"
)

func newTestDetector(t *testing.T) (*Detector, *cluster.Registry, namegen.ID) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := cluster.NewRegistry(log)

	node, err := registry.Register(cluster.NodeSpec{Capacity: cluster.Capacity{CPUCores: 4, MemoryGB: 16}})
	require.NoError(t, err)

	config := DefaultDetectorConfig(log)
	config.DegradedAfter = 30 * time.Second
	config.UnreachableAfter = 2 * time.Minute
	config.FailedAfter = 5 * time.Minute

	return NewDetector(registry, config), registry, node
}

func health(t *testing.T, registry *cluster.Registry, id namegen.ID) cluster.NodeHealth {
	t.Helper()
	node, ok := registry.Get(id)
	require.True(t, ok)
	return node.Health
}

func expectFailure(t *testing.T, d *Detector) FailureEvent {
	t.Helper()
	select {
	case event := <-d.Events():
		return event
	case <-time.After(time.Second):
		require.FailNow(t, "no failure event")
		return FailureEvent{}
	}
}

func expectNoFailure(t *testing.T, d *Detector) {
	t.Helper()
	select {
	case event := <-d.Events():
		require.FailNowf(t, "unexpected failure event", "%+v", event)
	default:
	}
}

func TestSilenceEscalatesThroughHealthStates(t *testing.T) {
	d, registry, node := newTestDetector(t)
	ctx := context.Background()

	d.Sweep(ctx, time.Now().Add(45*time.Second))
	assert.Equal(t, cluster.NodeDegraded, health(t, registry, node))
	expectNoFailure(t, d)

	d.Sweep(ctx, time.Now().Add(3*time.Minute))
	assert.Equal(t, cluster.NodeUnreachable, health(t, registry, node))
	expectNoFailure(t, d)

	d.Sweep(ctx, time.Now().Add(6*time.Minute))
	assert.Equal(t, cluster.NodeFailed, health(t, registry, node))
	event := expectFailure(t, d)
	assert.Equal(t, node, event.Node)
}

func TestHeartbeatRecoversBeforeFailure(t *testing.T) {
	d, registry, node := newTestDetector(t)
	ctx := context.Background()

	d.Sweep(ctx, time.Now().Add(3*time.Minute))
	assert.Equal(t, cluster.NodeUnreachable, health(t, registry, node))

	require.NoError(t, registry.Heartbeat(node, cluster.HeartbeatReport{}))
	assert.Equal(t, cluster.NodeHealthy, health(t, registry, node))

	d.Sweep(ctx, time.Now())
	assert.Equal(t, cluster.NodeHealthy, health(t, registry, node))
	expectNoFailure(t, d)
}

func TestFatalStageErrorsShortenThresholds(t *testing.T) {
	d, registry, node := newTestDetector(t)
	ctx := context.Background()

	d.RecordStageErrors(node, []cluster.StageErrorReport{
		{StageID: "sim-run", Message: "segfault", Fatal: true},
	})

	// Three minutes of silence alone is only "unreachable"; with a
	// corroborating fatal error the failure threshold is halved and the node
	// is declared failed.
	d.Sweep(ctx, time.Now().Add(3*time.Minute))
	assert.Equal(t, cluster.NodeFailed, health(t, registry, node))
	expectFailure(t, d)
}

func TestFailureEmittedExactlyOnce(t *testing.T) {
	d, _, node := newTestDetector(t)
	ctx := context.Background()

	d.Sweep(ctx, time.Now().Add(10*time.Minute))
	event := expectFailure(t, d)
	assert.Equal(t, node, event.Node)

	d.Sweep(ctx, time.Now().Add(11*time.Minute))
	expectNoFailure(t, d)
}

func TestRisk(t *testing.T) {
	d, registry, node := newTestDetector(t)

	assert.Less(t, d.Risk(node), 0.2, "fresh heartbeat, low risk")

	registry.MarkDegraded(node)
	assert.GreaterOrEqual(t, d.Risk(node), 0.3)

	registry.MarkUnreachable(node)
	assert.GreaterOrEqual(t, d.Risk(node), 0.6)

	registry.MarkFailed(node)
	assert.Equal(t, 1.0, d.Risk(node))

	assert.Equal(t, 1.0, d.Risk("node-unknown"), "unknown nodes are maximally risky")
}

func TestNonFatalErrorsDoNotRaiseSuspicion(t *testing.T) {
	d, _, node := newTestDetector(t)

	d.RecordStageErrors(node, []cluster.StageErrorReport{
		{StageID: "sim-run", Message: "retryable io error"},
	})
	assert.Less(t, d.Risk(node), 0.2)
}
