package workflow

import (
	"time"

	"github.com/canopysim/canopy/namegen"
)

type SimulationState string

const (
	SimulationPending   SimulationState = "pending"
	SimulationRunning   SimulationState = "running"
	SimulationPaused    SimulationState = "paused"
	SimulationCompleted SimulationState = "completed"
	SimulationFailed    SimulationState = "failed"
	SimulationCancelled SimulationState = "cancelled"
)

// SimulationSpec is the submitted definition of a simulation: a stage DAG
// plus scheduling metadata.
type SimulationSpec struct {
	Name     string      `json:"name" yaml:"name"`
	Scenario string      `json:"scenario" yaml:"scenario"`
	Priority float64     `json:"priority" yaml:"priority"`
	Stages   []StageSpec `json:"stages" yaml:"stages"`
}

// Simulation is a tracked instance of a submitted spec.
type Simulation struct {
	ID       namegen.ID
	Name     string
	Scenario string

	// Priority is rewritten by the scenario priority manager on rebalance.
	// It only affects future queue ordering, never running stages.
	Priority float64

	Stages map[string]*Stage
	State  SimulationState

	SubmittedAt time.Time
}

// terminal reports whether every stage has reached a terminal state and
// computes the resulting simulation state.
func (s *Simulation) terminal() (SimulationState, bool) {
	failed := false
	for _, stage := range s.Stages {
		switch stage.State {
		case StageCompleted:
		case StageFailed:
			failed = true
		default:
			return s.State, false
		}
	}
	if failed {
		return SimulationFailed, true
	}
	return SimulationCompleted, true
}
