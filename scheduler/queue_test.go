package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/workflow"
)

func queuedFixture(t *testing.T, priorities ...float64) []*queuedStage {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	graph := workflow.NewGraph(log)

	var queue []*queuedStage
	for _, priority := range priorities {
		sim, err := graph.AddSimulation(workflow.SimulationSpec{
			Name:     "fixture",
			Priority: priority,
			Stages:   []workflow.StageSpec{{Name: "run", Request: cluster.Capacity{CPUCores: 1}}},
		})
		require.NoError(t, err)
		queue = append(queue, &queuedStage{stage: sim.Stages["run"], enqueuedAt: time.Now()})
	}
	return queue
}

func queuePriorities(queue []*queuedStage) []float64 {
	return lo.Map(queue, func(q *queuedStage, _ int) float64 { return q.stage.ScenarioPriority() })
}

func TestSortQueueByPriorityThenFIFO(t *testing.T) {
	config := DefaultConfig(slog.Default())
	queue := queuedFixture(t, 1, 5, 3, 5)

	sortQueue(queue, time.Now(), config)

	assert.Equal(t, []float64{5, 5, 3, 1}, queuePriorities(queue))
	// Equal priorities keep submission order.
	assert.Less(t, queue[0].stage.Seq(), queue[1].stage.Seq())
}

func TestSortQueueRecoveryFirst(t *testing.T) {
	config := DefaultConfig(slog.Default())
	queue := queuedFixture(t, 10, 0)
	queue[1].recovery = true

	sortQueue(queue, time.Now(), config)

	assert.True(t, queue[0].recovery, "recovery work sorts ahead of higher priority normal work")
}

func TestAgingPromotesStarvedWork(t *testing.T) {
	config := DefaultConfig(slog.Default())
	config.AgingThreshold = 10 * time.Minute
	config.AgingRate = 0.1

	queue := queuedFixture(t, 0, 3)
	queue[0].enqueuedAt = time.Now().Add(-60 * time.Minute)

	sortQueue(queue, time.Now(), config)

	// 50 minutes beyond the threshold at 0.1/min outranks priority 3.
	assert.Equal(t, 0.0, queue[0].stage.ScenarioPriority())
	assert.InDelta(t, 5.0, queue[0].effectivePriority(time.Now(), config), 0.1)
}
