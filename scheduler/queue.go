package scheduler

import (
	"sort"
	"time"

	"github.com/canopysim/canopy/workflow"
)

// queuedStage is one entry of the scheduling queue.
type queuedStage struct {
	stage      *workflow.Stage
	enqueuedAt time.Time

	// recovery marks failure-recovery resubmissions, which sort ahead of all
	// normal work and may preempt non-protected running stages.
	recovery bool
	// checkpointID is the restored checkpoint a recovery stage resumes from.
	checkpointID string

	// attempts counts failed placement passes, for the starvation diagnostic.
	attempts           int
	starvationReported bool
}

// effectivePriority combines scenario priority, stage priority and the aging
// bonus. The bonus grows monotonically with wait time beyond the threshold,
// so every queued stage eventually outranks a bounded workload.
func (q *queuedStage) effectivePriority(now time.Time, config Config) float64 {
	priority := q.stage.ScenarioPriority() + q.stage.Priority
	if wait := now.Sub(q.enqueuedAt); wait > config.AgingThreshold {
		priority += (wait - config.AgingThreshold).Minutes() * config.AgingRate
	}
	return priority
}

// sortQueue orders the queue for one scheduling pass: recovery work first,
// then effective priority descending, submission order (FIFO) as tie-break.
func sortQueue(queue []*queuedStage, now time.Time, config Config) {
	sort.SliceStable(queue, func(i, j int) bool {
		a, b := queue[i], queue[j]
		if a.recovery != b.recovery {
			return a.recovery
		}
		pa, pb := a.effectivePriority(now, config), b.effectivePriority(now, config)
		if pa != pb {
			return pa > pb
		}
		return a.stage.Seq() < b.stage.Seq()
	})
}
