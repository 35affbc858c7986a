package workflow

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/canopysim/canopy/namegen"
)

// CycleError is returned when a submitted simulation contains a dependency
// cycle. The offending path is reported back to the submitter.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Graph tracks all simulations and their stage DAGs. It exclusively owns
// stage state transitions: the scheduler and resilience coordinator go
// through it for every transition, which is where the dependency-safety
// invariant (a stage runs only when all its dependencies completed) is
// enforced.
//
// Mutating methods called during scheduling (SetRunning, MarkStageComplete,
// SetScenarioPriority, ...) are invoked from the scheduler loop goroutine;
// the mutex exists for concurrent readers (query API, forecaster).
type Graph struct {
	mu     sync.RWMutex
	log    *slog.Logger
	sims   map[namegen.ID]*Simulation
	stages map[string]*Stage // by FQN, across all simulations

	nextSeq int
}

func NewGraph(log *slog.Logger) *Graph {
	return &Graph{
		log:    log.With("component", "workflow"),
		sims:   make(map[namegen.ID]*Simulation),
		stages: make(map[string]*Stage),
	}
}

// AddSimulation validates and tracks a new simulation. Cycles and references
// to unknown stages are rejected. Dependencies may name a stage of the same
// simulation, or the FQN of a stage from an already-submitted simulation;
// cross-simulation edges always point at existing stages, so they can never
// form a cycle.
func (g *Graph) AddSimulation(spec SimulationSpec) (*Simulation, error) {
	return g.add(namegen.Get(), spec)
}

// Restore re-adds a previously submitted simulation under its original id.
// Used when rebuilding the graph from the store after a coordinator restart.
func (g *Graph) Restore(id namegen.ID, spec SimulationSpec) (*Simulation, error) {
	return g.add(id, spec)
}

func (g *Graph) add(id namegen.ID, spec SimulationSpec) (*Simulation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.sims[id]; dup {
		return nil, fmt.Errorf("simulation %q already tracked", id)
	}

	byName := make(map[string]*StageSpec, len(spec.Stages))
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		if stage.Name == "" {
			return nil, fmt.Errorf("stage %d has no name", i)
		}
		if _, dup := byName[stage.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", stage.Name)
		}
		if err := stage.Request.Validate(); err != nil {
			return nil, fmt.Errorf("stage %q: malformed resource request: %w", stage.Name, err)
		}
		byName[stage.Name] = stage
	}

	for _, stage := range spec.Stages {
		for _, dep := range stage.DependsOn {
			if _, local := byName[dep]; local {
				continue
			}
			if _, external := g.stages[dep]; external {
				continue
			}
			return nil, fmt.Errorf("stage %q depends on unknown stage %q", stage.Name, dep)
		}
	}

	if path := findCycle(spec.Stages, byName); path != nil {
		return nil, &CycleError{Path: path}
	}

	sim := &Simulation{
		ID:          id,
		Name:        spec.Name,
		Scenario:    spec.Scenario,
		Priority:    spec.Priority,
		Stages:      make(map[string]*Stage, len(spec.Stages)),
		State:       SimulationPending,
		SubmittedAt: time.Now(),
	}

	for _, stageSpec := range spec.Stages {
		g.nextSeq++
		stage := &Stage{
			Simulation:       sim,
			Name:             stageSpec.Name,
			DependsOn:        stageSpec.DependsOn,
			Request:          stageSpec.Request,
			Checkpoint:       stageSpec.Checkpoint,
			EstimatedRuntime: stageSpec.EstimatedRuntime,
			Priority:         stageSpec.Priority,
			Resumable:        stageSpec.Resumable,
			State:            StagePending,
			seq:              g.nextSeq,
		}
		sim.Stages[stage.Name] = stage
		g.stages[stage.FQN()] = stage
	}

	for _, stage := range sim.Stages {
		if g.depsCompleted(stage) {
			stage.State = StageReady
		}
	}

	g.sims[sim.ID] = sim
	g.log.Info("Simulation submitted", "simulation", sim.ID, "scenario", sim.Scenario, "stages", len(sim.Stages))
	return sim, nil
}

// findCycle runs a depth-first search over the simulation-local edges and
// returns a cycle path, or nil. External dependencies cannot participate in
// cycles and are skipped.
func findCycle(stages []StageSpec, byName map[string]*StageSpec) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(stages))

	var visit func(name string, path []string) []string
	visit = func(name string, path []string) []string {
		switch state[name] {
		case visiting:
			at := lo.IndexOf(path, name)
			return append(path[at:], name)
		case done:
			return nil
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range byName[name].DependsOn {
			if _, local := byName[dep]; !local {
				continue
			}
			if cycle := visit(dep, path); cycle != nil {
				return cycle
			}
		}
		state[name] = done
		return nil
	}

	for _, stage := range stages {
		if cycle := visit(stage.Name, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

func (g *Graph) depsCompleted(stage *Stage) bool {
	for _, dep := range stage.DependsOn {
		var depStage *Stage
		if local, ok := stage.Simulation.Stages[dep]; ok {
			depStage = local
		} else {
			depStage = g.stages[dep]
		}
		if depStage == nil || depStage.State != StageCompleted {
			return false
		}
	}
	return true
}

// MarkStageComplete records completion and atomically recomputes downstream
// readiness, returning the stages that became ready as a result. Calling it
// twice for the same stage is a no-op: newly ready stages are emitted exactly
// once.
func (g *Graph) MarkStageComplete(fqn string) ([]*Stage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage, ok := g.stages[fqn]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", fqn)
	}
	if stage.State == StageCompleted {
		return nil, nil
	}

	stage.State = StageCompleted
	stage.Progress = 1

	var ready []*Stage
	for _, candidate := range g.stages {
		if candidate.State != StagePending {
			continue
		}
		if candidate.Simulation.State == SimulationCancelled {
			continue
		}
		if lo.Contains(candidate.DependsOn, stage.Name) || lo.Contains(candidate.DependsOn, fqn) {
			if g.depsCompleted(candidate) {
				candidate.State = StageReady
				// Ready stages of a paused simulation are withheld until
				// Resume returns them.
				if candidate.Simulation.State != SimulationPaused {
					ready = append(ready, candidate)
				}
			}
		}
	}

	// Deterministic emission order: submission order.
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })

	g.finishSimulation(stage.Simulation)
	return ready, nil
}

// MarkStageFailed records a terminal stage failure. Pending dependents of the
// failed stage can never become ready, so the failure cascades to them; every
// affected simulation reaches a terminal state once its remaining stages
// finish.
func (g *Graph) MarkStageFailed(fqn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage, ok := g.stages[fqn]
	if !ok {
		return fmt.Errorf("unknown stage %q", fqn)
	}
	stage.State = StageFailed

	affected := map[*Simulation]struct{}{stage.Simulation: {}}
	for changed := true; changed; {
		changed = false
		for _, candidate := range g.stages {
			if candidate.State != StagePending || !g.depsFailed(candidate) {
				continue
			}
			candidate.State = StageFailed
			affected[candidate.Simulation] = struct{}{}
			changed = true
			g.log.Warn("Stage unrunnable, dependency failed", "stage", candidate.FQN(), "cause", fqn)
		}
	}

	for sim := range affected {
		g.finishSimulation(sim)
	}
	return nil
}

func (g *Graph) depsFailed(stage *Stage) bool {
	for _, dep := range stage.DependsOn {
		depStage, ok := stage.Simulation.Stages[dep]
		if !ok {
			depStage = g.stages[dep]
		}
		if depStage != nil && depStage.State == StageFailed {
			return true
		}
	}
	return false
}

func (g *Graph) finishSimulation(sim *Simulation) {
	if sim.State == SimulationCancelled {
		return
	}
	if state, done := sim.terminal(); done && sim.State != state {
		sim.State = state
		g.log.Info("Simulation finished", "simulation", sim.ID, "state", state)
	}
}

// ReadyStages returns all stages eligible for scheduling, in submission
// (FIFO) order. Priority ordering on top of this is the scheduler's concern.
func (g *Graph) ReadyStages() []*Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := lo.Filter(lo.Values(g.stages), func(s *Stage, _ int) bool {
		return s.State == StageReady &&
			s.Simulation.State != SimulationCancelled &&
			s.Simulation.State != SimulationPaused
	})
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	return ready
}

// SetRunning transitions a stage to running. This is where the safety
// invariant lives: a stage with incomplete dependencies can never start.
func (g *Graph) SetRunning(fqn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage, ok := g.stages[fqn]
	if !ok {
		return fmt.Errorf("unknown stage %q", fqn)
	}
	if stage.State != StageReady {
		return fmt.Errorf("stage %q is %s, not ready", fqn, stage.State)
	}
	if !g.depsCompleted(stage) {
		return fmt.Errorf("stage %q has incomplete dependencies", fqn)
	}
	if stage.Simulation.State == SimulationPaused {
		return fmt.Errorf("simulation %q is paused", stage.Simulation.ID)
	}
	stage.State = StageRunning
	if stage.Simulation.State == SimulationPending {
		stage.Simulation.State = SimulationRunning
	}
	return nil
}

// Requeue puts a running stage back to ready, used when its node is lost and
// the stage is resubmitted for recovery.
func (g *Graph) Requeue(fqn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage, ok := g.stages[fqn]
	if !ok {
		return fmt.Errorf("unknown stage %q", fqn)
	}
	switch stage.State {
	case StageRunning, StageCheckpointing:
		stage.State = StageReady
		return nil
	default:
		return fmt.Errorf("stage %q is %s, cannot requeue", fqn, stage.State)
	}
}

func (g *Graph) SetCheckpointing(fqn string, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stage, ok := g.stages[fqn]
	if !ok {
		return
	}
	if on && stage.State == StageRunning {
		stage.State = StageCheckpointing
	} else if !on && stage.State == StageCheckpointing {
		stage.State = StageRunning
	}
}

func (g *Graph) SetProgress(fqn string, fraction float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if stage, ok := g.stages[fqn]; ok {
		stage.Progress = lo.Clamp(fraction, 0, 1)
	}
}

// Pause withholds a simulation's stages from scheduling. Stages already
// running keep running; only future placements are held back until Resume.
func (g *Graph) Pause(id namegen.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sim, ok := g.sims[id]
	if !ok {
		return fmt.Errorf("unknown simulation %q", id)
	}
	switch sim.State {
	case SimulationPending, SimulationRunning:
		sim.State = SimulationPaused
		g.log.Info("Simulation paused", "simulation", id)
		return nil
	default:
		return fmt.Errorf("simulation %q is %s, cannot pause", id, sim.State)
	}
}

// Resume lifts a pause and returns the simulation's ready stages, which were
// withheld while paused, in submission order.
func (g *Graph) Resume(id namegen.ID) ([]*Stage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sim, ok := g.sims[id]
	if !ok {
		return nil, fmt.Errorf("unknown simulation %q", id)
	}
	if sim.State != SimulationPaused {
		return nil, fmt.Errorf("simulation %q is %s, not paused", id, sim.State)
	}

	sim.State = SimulationPending
	for _, stage := range sim.Stages {
		if stage.State == StageRunning || stage.State == StageCheckpointing {
			sim.State = SimulationRunning
			break
		}
	}

	ready := lo.Filter(lo.Values(sim.Stages), func(s *Stage, _ int) bool {
		return s.State == StageReady
	})
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	g.log.Info("Simulation resumed", "simulation", id, "ready", len(ready))
	return ready, nil
}

// CriticalPath estimates the remaining wall-clock time of a simulation as the
// longest dependency chain of unfinished work, scaling each stage's estimated
// runtime by its reported progress. The forecaster and status API use it as a
// completion horizon; it assumes unlimited capacity, so it is a lower bound.
func (g *Graph) CriticalPath(id namegen.ID) (time.Duration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sim, ok := g.sims[id]
	if !ok {
		return 0, fmt.Errorf("unknown simulation %q", id)
	}

	memo := make(map[*Stage]time.Duration)
	var longest func(stage *Stage) time.Duration
	longest = func(stage *Stage) time.Duration {
		if d, ok := memo[stage]; ok {
			return d
		}
		memo[stage] = 0 // cycle guard; submissions are acyclic
		var upstream time.Duration
		for _, dep := range stage.DependsOn {
			depStage, ok := stage.Simulation.Stages[dep]
			if !ok {
				depStage = g.stages[dep]
			}
			if depStage == nil {
				continue
			}
			upstream = max(upstream, longest(depStage))
		}
		d := upstream + remainingRuntime(stage)
		memo[stage] = d
		return d
	}

	var critical time.Duration
	for _, stage := range sim.Stages {
		critical = max(critical, longest(stage))
	}
	return critical, nil
}

func remainingRuntime(stage *Stage) time.Duration {
	switch stage.State {
	case StageCompleted, StageFailed:
		return 0
	}
	return time.Duration((1 - lo.Clamp(stage.Progress, 0, 1)) * float64(stage.EstimatedRuntime))
}

// Cancel marks a simulation cancelled. Pending and ready stages are dropped
// immediately; running stages are torn down cooperatively by the scheduler
// after their current checkpoint cycle.
func (g *Graph) Cancel(id namegen.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sim, ok := g.sims[id]
	if !ok {
		return fmt.Errorf("unknown simulation %q", id)
	}
	sim.State = SimulationCancelled
	g.log.Info("Simulation cancelled", "simulation", id)
	return nil
}

// Stage returns the tracked stage for an FQN.
func (g *Graph) Stage(fqn string) (*Stage, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stage, ok := g.stages[fqn]
	return stage, ok
}

// Simulation returns the tracked simulation for an id.
func (g *Graph) Simulation(id namegen.ID) (*Simulation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sim, ok := g.sims[id]
	return sim, ok
}

// Simulations returns all tracked simulations.
func (g *Graph) Simulations() []*Simulation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return lo.Values(g.sims)
}

// SetScenarioPriority writes a rebalanced priority onto every simulation of a
// scenario and returns the affected simulation ids. Called from the scheduler
// loop so that priority updates are serialized with queue reordering.
func (g *Graph) SetScenarioPriority(scenario string, priority float64) []namegen.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	var affected []namegen.ID
	for id, sim := range g.sims {
		if sim.Scenario == scenario && sim.Priority != priority {
			sim.Priority = priority
			affected = append(affected, id)
		}
	}
	return affected
}

// RunningStages returns the FQNs of stages currently running or
// checkpointing, for the resilience coordinator and checkpoint planner.
func (g *Graph) RunningStages() []*Stage {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return lo.Filter(lo.Values(g.stages), func(s *Stage, _ int) bool {
		return s.State == StageRunning || s.State == StageCheckpointing
	})
}
