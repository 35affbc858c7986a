package workflow

import (
	"fmt"
	"time"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/cluster"
)

type StageState string

const (
	StagePending       StageState = "pending"
	StageReady         StageState = "ready"
	StageRunning       StageState = "running"
	StageCheckpointing StageState = "checkpointing"
	StageCompleted     StageState = "completed"
	StageFailed        StageState = "failed"
)

// StageSpec is the submitted description of one unit of work.
type StageSpec struct {
	Name             string            `json:"name" yaml:"name"`
	DependsOn        []string          `json:"depends_on" yaml:"depends_on"`
	Request          cluster.Capacity  `json:"request" yaml:"request"`
	Checkpoint       checkpoint.Policy `json:"checkpoint" yaml:"checkpoint"`
	EstimatedRuntime time.Duration     `json:"estimated_runtime" yaml:"estimated_runtime"`
	Priority         float64           `json:"priority" yaml:"priority"`
	Resumable        bool              `json:"resumable" yaml:"resumable"`
}

// Stage is a unit of work within a Simulation. State transitions are owned by
// the Graph; everyone else reads copies.
type Stage struct {
	Simulation *Simulation
	Name       string
	DependsOn  []string

	Request          cluster.Capacity
	Checkpoint       checkpoint.Policy
	EstimatedRuntime time.Duration
	Priority         float64
	Resumable        bool

	State    StageState
	Progress float64

	// seq is the global submission order, used as the FIFO tie-break for
	// equal-priority ready stages.
	seq int
}

// FQN is the stage's globally unique id: "<simulation>-<stage>".
func (s *Stage) FQN() string {
	return fmt.Sprintf("%s-%s", s.Simulation.ID, s.Name)
}

func (s *Stage) Seq() int {
	return s.seq
}

// ScenarioPriority is the priority of the owning simulation, as last written
// by the scenario priority manager.
func (s *Stage) ScenarioPriority() float64 {
	return s.Simulation.Priority
}
