package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/canopysim/canopy/namegen"
	"github.com/canopysim/canopy/workflow"
)

const snapshotKey = "scheduler"

type queueRecord struct {
	Stage      string    `json:"stage"`
	Recovery   bool      `json:"recovery,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// snapshot is the durable scheduling state: enough to rebuild the graph's
// completion state, requeue pending work and recover stages that were
// running when the coordinator went down.
type snapshot struct {
	Completed   []string      `json:"completed"`
	Queue       []queueRecord `json:"queue"`
	Assignments []Assignment  `json:"assignments"`
}

// persist writes the scheduling snapshot. Best-effort: a write failure is
// logged and the next state change retries.
func (s *Scheduler) persist() {
	if s.db == nil {
		return
	}

	s.mu.RLock()
	snap := snapshot{Completed: s.completed}
	for _, item := range s.queue {
		snap.Queue = append(snap.Queue, queueRecord{
			Stage:      item.stage.FQN(),
			Recovery:   item.recovery,
			Checkpoint: item.checkpointID,
			EnqueuedAt: item.enqueuedAt,
		})
	}
	for _, a := range s.assignments {
		snap.Assignments = append(snap.Assignments, *a)
	}
	s.mu.RUnlock()

	if err := s.saveState(snapshotKey, snap); err != nil {
		s.log.Error("Failed to persist scheduling snapshot", "error", err)
	}
}

// Recover rebuilds scheduling state from the store after a coordinator
// restart: submitted specs are re-added to the graph, completions replayed,
// queued work requeued, and stages that were running are resubmitted as
// recovery work so they restore from their latest validated checkpoint.
// Must be called before Run.
func (s *Scheduler) Recover(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	specs, err := s.db.LoadAll(ctx, "simulation:")
	if err != nil {
		return err
	}
	for key, raw := range specs {
		var spec workflow.SimulationSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			s.log.Error("Skipping unreadable simulation spec", "key", key, "error", err)
			continue
		}
		id := namegen.ID(strings.TrimPrefix(key, "simulation:"))
		if _, err := s.graph.Restore(id, spec); err != nil {
			s.log.Error("Skipping unloadable simulation", "key", key, "error", err)
		}
	}

	var snap snapshot
	found, err := s.db.LoadState(ctx, snapshotKey, &snap)
	if err != nil || !found {
		return err
	}

	for _, fqn := range snap.Completed {
		if _, err := s.graph.MarkStageComplete(fqn); err != nil {
			s.log.Warn("Could not replay completion", "stage", fqn, "error", err)
			continue
		}
		s.completed = append(s.completed, fqn)
	}

	requeue := func(fqn string, recovery bool, checkpoint string, at time.Time) {
		stage, ok := s.graph.Stage(fqn)
		if !ok || stage.State != workflow.StageReady {
			return
		}
		s.queue = append(s.queue, &queuedStage{
			stage:        stage,
			enqueuedAt:   at,
			recovery:     recovery,
			checkpointID: checkpoint,
		})
	}

	for _, item := range snap.Queue {
		requeue(item.Stage, item.Recovery, item.Checkpoint, item.EnqueuedAt)
	}
	// In-flight work is orphaned after a restart; resubmit it as recovery so
	// it resumes from its latest validated checkpoint.
	now := time.Now()
	for _, a := range snap.Assignments {
		requeue(a.Stage, true, a.Checkpoint, now)
	}

	s.log.Info("Recovered scheduling state",
		"simulations", len(specs), "completed", len(snap.Completed),
		"queued", len(snap.Queue), "orphaned", len(snap.Assignments))
	return nil
}
