package scheduler

import (
	"time"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/namegen"
	"github.com/canopysim/canopy/workflow"
)

// Assignment is a stage placed on a node. Owned exclusively by the scheduler
// loop; external readers get copies via Assignments().
type Assignment struct {
	Stage   string           `json:"stage"`
	Node    namegen.ID       `json:"node"`
	Request cluster.Capacity `json:"request"`

	StartedAt time.Time `json:"started_at"`
	// Protected marks preemption-protected long-running work: once running
	// it is never evicted, not even for recovery resubmissions.
	Protected bool `json:"protected"`
	Recovery  bool `json:"recovery"`
	// Checkpoint the stage resumed from, if any.
	Checkpoint string `json:"checkpoint,omitempty"`

	// tearDown is set on cancellation: the worker finishes its current
	// checkpoint cycle, then stops.
	tearDown bool

	stage *workflow.Stage
}

// PredictedFinish estimates completion from the stage's estimated runtime
// and reported progress. Used by the reservation mechanism.
func (a *Assignment) PredictedFinish(now time.Time) time.Time {
	if a.stage.EstimatedRuntime <= 0 {
		return now.Add(24 * time.Hour)
	}
	remaining := time.Duration(float64(a.stage.EstimatedRuntime) * (1 - a.stage.Progress))
	if remaining < 0 {
		remaining = 0
	}
	return now.Add(remaining)
}

// reservation provisionally holds a node for a specific queued stage, so
// large jobs aren't endlessly outbid on freshly freed capacity by a churn of
// small ones.
type reservation struct {
	node      namegen.ID
	stage     string
	expiresAt time.Time
}
