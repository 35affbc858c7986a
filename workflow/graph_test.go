package workflow

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/namegen"
)

func newTestGraph() *Graph {
	return NewGraph(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func stageSpec(name string, deps ...string) StageSpec {
	return StageSpec{
		Name:      name,
		DependsOn: deps,
		Request:   cluster.Capacity{CPUCores: 1},
	}
}

func linearSpec(name string) SimulationSpec {
	return SimulationSpec{
		Name:     name,
		Scenario: "scenario-1",
		Stages: []StageSpec{
			stageSpec("a"),
			stageSpec("b", "a"),
			stageSpec("c", "b"),
		},
	}
}

func stageNames(stages []*Stage) []string {
	return lo.Map(stages, func(s *Stage, _ int) string { return s.Name })
}

func TestCycleRejectedAtSubmission(t *testing.T) {
	g := newTestGraph()

	_, err := g.AddSimulation(SimulationSpec{
		Name: "cyclic",
		Stages: []StageSpec{
			stageSpec("a", "c"),
			stageSpec("b", "a"),
			stageSpec("c", "b"),
		},
	})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Len(t, cycle.Path, 4, "path should name the cycle and close it")
}

func TestSelfDependencyRejected(t *testing.T) {
	g := newTestGraph()

	_, err := g.AddSimulation(SimulationSpec{
		Name:   "self",
		Stages: []StageSpec{stageSpec("a", "a")},
	})
	var cycle *CycleError
	assert.ErrorAs(t, err, &cycle)
}

func TestUnknownDependencyRejected(t *testing.T) {
	g := newTestGraph()

	_, err := g.AddSimulation(SimulationSpec{
		Name:   "dangling",
		Stages: []StageSpec{stageSpec("a", "ghost")},
	})
	assert.ErrorContains(t, err, "unknown stage")
}

func TestMalformedRequestRejected(t *testing.T) {
	g := newTestGraph()

	_, err := g.AddSimulation(SimulationSpec{
		Name:   "bad",
		Stages: []StageSpec{{Name: "a", Request: cluster.Capacity{CPUCores: -2}}},
	})
	assert.ErrorContains(t, err, "malformed resource request")
}

func TestLinearReadiness(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("linear"))
	require.NoError(t, err)

	ready := g.ReadyStages()
	require.Equal(t, []string{"a"}, stageNames(ready), "only the root stage is ready initially")

	a := sim.Stages["a"]
	require.NoError(t, g.SetRunning(a.FQN()))

	newlyReady, err := g.MarkStageComplete(a.FQN())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, stageNames(newlyReady))

	b := sim.Stages["b"]
	require.NoError(t, g.SetRunning(b.FQN()))
	newlyReady, err = g.MarkStageComplete(b.FQN())
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, stageNames(newlyReady))

	c := sim.Stages["c"]
	require.NoError(t, g.SetRunning(c.FQN()))
	_, err = g.MarkStageComplete(c.FQN())
	require.NoError(t, err)

	assert.Equal(t, SimulationCompleted, sim.State)
}

func TestMarkStageCompleteIdempotent(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("idempotent"))
	require.NoError(t, err)

	a := sim.Stages["a"]
	first, err := g.MarkStageComplete(a.FQN())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, stageNames(first))

	second, err := g.MarkStageComplete(a.FQN())
	require.NoError(t, err)
	assert.Empty(t, second, "second completion must not re-emit ready stages")
	assert.Equal(t, []string{"b"}, stageNames(g.ReadyStages()))
}

func TestRunningRequiresCompletedDependencies(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("strict"))
	require.NoError(t, err)

	b := sim.Stages["b"]
	assert.Error(t, g.SetRunning(b.FQN()), "b must not run before a completes")

	a := sim.Stages["a"]
	_, err = g.MarkStageComplete(a.FQN())
	require.NoError(t, err)
	assert.NoError(t, g.SetRunning(b.FQN()))
}

func TestDiamondReadiness(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(SimulationSpec{
		Name: "diamond",
		Stages: []StageSpec{
			stageSpec("a"),
			stageSpec("b", "a"),
			stageSpec("c", "a"),
			stageSpec("d", "b", "c"),
		},
	})
	require.NoError(t, err)

	_, err = g.MarkStageComplete(sim.Stages["a"].FQN())
	require.NoError(t, err)

	_, err = g.MarkStageComplete(sim.Stages["b"].FQN())
	require.NoError(t, err)
	assert.NotContains(t, stageNames(g.ReadyStages()), "d", "d needs both b and c")

	newlyReady, err := g.MarkStageComplete(sim.Stages["c"].FQN())
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, stageNames(newlyReady))
}

func TestCrossSimulationDependency(t *testing.T) {
	g := newTestGraph()
	upstream, err := g.AddSimulation(SimulationSpec{
		Name:   "upstream",
		Stages: []StageSpec{stageSpec("calibrate")},
	})
	require.NoError(t, err)

	calibrate := upstream.Stages["calibrate"]
	downstream, err := g.AddSimulation(SimulationSpec{
		Name:   "downstream",
		Stages: []StageSpec{stageSpec("run", calibrate.FQN())},
	})
	require.NoError(t, err)

	assert.Equal(t, StagePending, downstream.Stages["run"].State)

	newlyReady, err := g.MarkStageComplete(calibrate.FQN())
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, stageNames(newlyReady))
}

func TestCancelDropsPendingWork(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("doomed"))
	require.NoError(t, err)

	require.NoError(t, g.Cancel(sim.ID))
	assert.Empty(t, g.ReadyStages())
	assert.Equal(t, SimulationCancelled, sim.State)

	// Completions of in-flight stages still land, but don't resurrect the
	// simulation or emit new ready stages.
	newlyReady, err := g.MarkStageComplete(sim.Stages["a"].FQN())
	require.NoError(t, err)
	assert.Empty(t, newlyReady)
	assert.Equal(t, SimulationCancelled, sim.State)
}

func TestFailedStageFailsSimulation(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(SimulationSpec{
		Name:   "fragile",
		Stages: []StageSpec{stageSpec("a"), stageSpec("b")},
	})
	require.NoError(t, err)

	require.NoError(t, g.MarkStageFailed(sim.Stages["a"].FQN()))
	assert.NotEqual(t, SimulationFailed, sim.State, "b is still outstanding")

	_, err = g.MarkStageComplete(sim.Stages["b"].FQN())
	require.NoError(t, err)
	assert.Equal(t, SimulationFailed, sim.State)
}

func TestFailureCascadesToPendingDependents(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("collapsed"))
	require.NoError(t, err)

	// a fails; b and c can never run, so the simulation must terminate
	// without waiting for them.
	require.NoError(t, g.MarkStageFailed(sim.Stages["a"].FQN()))
	assert.Equal(t, StageFailed, sim.Stages["b"].State)
	assert.Equal(t, StageFailed, sim.Stages["c"].State)
	assert.Equal(t, SimulationFailed, sim.State)
}

func TestFailureCascadesAcrossSimulations(t *testing.T) {
	g := newTestGraph()
	upstream, err := g.AddSimulation(SimulationSpec{
		Name:   "upstream",
		Stages: []StageSpec{stageSpec("calibrate")},
	})
	require.NoError(t, err)

	downstream, err := g.AddSimulation(SimulationSpec{
		Name:   "downstream",
		Stages: []StageSpec{stageSpec("run", upstream.Stages["calibrate"].FQN())},
	})
	require.NoError(t, err)

	require.NoError(t, g.MarkStageFailed(upstream.Stages["calibrate"].FQN()))
	assert.Equal(t, StageFailed, downstream.Stages["run"].State)
	assert.Equal(t, SimulationFailed, downstream.State)
}

func TestPauseWithholdsReadyStages(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("held"))
	require.NoError(t, err)

	require.NoError(t, g.Pause(sim.ID))
	assert.Empty(t, g.ReadyStages())
	assert.Error(t, g.SetRunning(sim.Stages["a"].FQN()), "paused simulations must not start stages")

	resumed, err := g.Resume(sim.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, stageNames(resumed))
	assert.Equal(t, SimulationPending, sim.State)
}

func TestPauseHoldsBackNewlyReadyStages(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("held-mid-flight"))
	require.NoError(t, err)

	require.NoError(t, g.SetRunning(sim.Stages["a"].FQN()))
	require.NoError(t, g.Pause(sim.ID))

	// a finishes while paused: b becomes ready but is withheld.
	newlyReady, err := g.MarkStageComplete(sim.Stages["a"].FQN())
	require.NoError(t, err)
	assert.Empty(t, newlyReady)
	assert.Equal(t, StageReady, sim.Stages["b"].State)

	resumed, err := g.Resume(sim.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, stageNames(resumed))
}

func TestPauseRequiresActiveSimulation(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("terminal"))
	require.NoError(t, err)

	require.NoError(t, g.Cancel(sim.ID))
	assert.Error(t, g.Pause(sim.ID))
	_, err = g.Resume(sim.ID)
	assert.Error(t, err, "only paused simulations can resume")
}

func TestCriticalPath(t *testing.T) {
	g := newTestGraph()
	spec := SimulationSpec{
		Name: "estimated",
		Stages: []StageSpec{
			{Name: "a", Request: cluster.Capacity{CPUCores: 1}, EstimatedRuntime: time.Hour},
			{Name: "b", DependsOn: []string{"a"}, Request: cluster.Capacity{CPUCores: 1}, EstimatedRuntime: 2 * time.Hour},
			{Name: "c", DependsOn: []string{"a"}, Request: cluster.Capacity{CPUCores: 1}, EstimatedRuntime: 30 * time.Minute},
		},
	}
	sim, err := g.AddSimulation(spec)
	require.NoError(t, err)

	remaining, err := g.CriticalPath(sim.ID)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, remaining, "a then b is the longest chain")

	// Half of a done: the chain shrinks by half of a's estimate.
	g.SetProgress(sim.Stages["a"].FQN(), 0.5)
	remaining, err = g.CriticalPath(sim.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour+30*time.Minute, remaining)

	_, err = g.MarkStageComplete(sim.Stages["a"].FQN())
	require.NoError(t, err)
	remaining, err = g.CriticalPath(sim.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, remaining)
}

func TestSetScenarioPriority(t *testing.T) {
	g := newTestGraph()
	sim, err := g.AddSimulation(linearSpec("ranked"))
	require.NoError(t, err)

	affected := g.SetScenarioPriority("scenario-1", 7.5)
	assert.Equal(t, []namegen.ID{sim.ID}, affected)
	assert.Equal(t, 7.5, sim.Priority)

	// No-op when the priority is unchanged.
	assert.Empty(t, g.SetScenarioPriority("scenario-1", 7.5))
}
