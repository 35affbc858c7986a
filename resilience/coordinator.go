package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/store"
	"github.com/canopysim/canopy/workflow"
)

type CoordinatorConfig struct {
	Logger *slog.Logger `json:"-"`

	// RecoverySLO is the target wall-clock time from failure detection to
	// recovery resubmission. Exceeding it is logged and counted, never
	// blocking.
	RecoverySLO time.Duration `json:"recovery-slo"`
}

func DefaultCoordinatorConfig(logger *slog.Logger) CoordinatorConfig {
	return CoordinatorConfig{
		Logger:      logger,
		RecoverySLO: time.Minute,
	}
}

// Coordinator turns node failures into recovery work. For every stage lost
// with a node it picks one of three paths: resume from the latest validated
// checkpoint, restart from scratch when the stage is resumable, or park the
// stage for manual intervention with a durable status record. It never rolls
// back completed work.
type Coordinator struct {
	config CoordinatorConfig
	log    *slog.Logger

	scheduler   *scheduler.Scheduler
	checkpoints *checkpoint.Manager
	graph       *workflow.Graph
	db          store.Store // optional

	recoveries  *prometheus.CounterVec
	sloExceeded prometheus.Counter

	mu      sync.Mutex
	archive []FailureEvent
}

func NewCoordinator(
	sched *scheduler.Scheduler,
	checkpoints *checkpoint.Manager,
	graph *workflow.Graph,
	db store.Store,
	config CoordinatorConfig,
) *Coordinator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Coordinator{
		config:      config,
		log:         config.Logger.With("component", "resilience"),
		scheduler:   sched,
		checkpoints: checkpoints,
		graph:       graph,
		db:          db,
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canopy_recoveries_total",
			Help: "Stage recoveries by outcome.",
		}, []string{"outcome"}),
		sloExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canopy_recovery_slo_exceeded_total",
			Help: "Recoveries that took longer than the configured SLO.",
		}),
	}
}

// Describe and Collect make the Coordinator a prometheus.Collector.

func (c *Coordinator) Describe(ch chan<- *prometheus.Desc) {
	c.recoveries.Describe(ch)
	c.sloExceeded.Describe(ch)
}

func (c *Coordinator) Collect(ch chan<- prometheus.Metric) {
	c.recoveries.Collect(ch)
	c.sloExceeded.Collect(ch)
}

// Run consumes failure events until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context, events <-chan FailureEvent) {
	c.log.Info("Resilience coordinator is running")
	for {
		select {
		case event := <-events:
			c.Handle(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

// Handle recovers all stages lost with one failed node.
func (c *Coordinator) Handle(ctx context.Context, event FailureEvent) {
	evicted := c.scheduler.EvictNode(event.Node)
	c.log.Warn("Recovering from node failure", "node", event.Node, "stages", len(evicted), "staleness", event.Staleness)

	for _, assignment := range evicted {
		c.recoverStage(ctx, assignment, event)
	}

	c.mu.Lock()
	c.archive = append(c.archive, event)
	c.mu.Unlock()
}

// Archive returns the failure events handled so far, oldest first.
func (c *Coordinator) Archive() []FailureEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]FailureEvent(nil), c.archive...)
}

func (c *Coordinator) recoverStage(ctx context.Context, assignment scheduler.Assignment, event FailureEvent) {
	fqn := assignment.Stage

	cp, err := c.checkpoints.Restore(fqn)
	switch {
	case err == nil:
		if err := c.scheduler.SubmitRecovery(fqn, cp.ID); err != nil {
			c.log.Error("Recovery resubmission failed", "stage", fqn, "error", err)
			c.recoveries.WithLabelValues("error").Inc()
			return
		}
		c.log.Info("Stage resumes from checkpoint", "stage", fqn, "checkpoint", cp.ID, "sequence", cp.Sequence)
		c.appendStatus(ctx, fqn, "recovering", "resuming from checkpoint "+cp.ID)
		c.recoveries.WithLabelValues("checkpoint").Inc()

	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		stage, ok := c.graph.Stage(fqn)
		if ok && stage.Resumable {
			if err := c.scheduler.SubmitRecovery(fqn, ""); err != nil {
				c.log.Error("Recovery resubmission failed", "stage", fqn, "error", err)
				c.recoveries.WithLabelValues("error").Inc()
				return
			}
			c.log.Info("Stage restarts from scratch", "stage", fqn)
			c.appendStatus(ctx, fqn, "recovering", "no checkpoint, restarting from scratch")
			c.recoveries.WithLabelValues("restart").Inc()
			break
		}
		// Not resumable and nothing to restore: a human has to decide.
		if err := c.graph.MarkStageFailed(fqn); err != nil {
			c.log.Error("Could not mark stage failed", "stage", fqn, "error", err)
		}
		c.log.Error("Stage requires manual intervention", "stage", fqn, "node", event.Node)
		c.appendStatus(ctx, fqn, "manual_intervention_required", "node lost, no checkpoint, stage not resumable")
		c.recoveries.WithLabelValues("manual").Inc()

	default:
		c.log.Error("Checkpoint restore failed", "stage", fqn, "error", err)
		c.appendStatus(ctx, fqn, "manual_intervention_required", "checkpoint restore failed: "+err.Error())
		c.recoveries.WithLabelValues("error").Inc()
	}

	if elapsed := time.Since(event.At); c.config.RecoverySLO > 0 && elapsed > c.config.RecoverySLO {
		c.log.Warn("Recovery exceeded SLO", "stage", fqn, "elapsed", elapsed, "slo", c.config.RecoverySLO)
		c.sloExceeded.Inc()
	}
}

func (c *Coordinator) appendStatus(ctx context.Context, fqn, state, reason string) {
	if c.db == nil {
		return
	}
	record := store.StatusRecord{StageID: fqn, State: state, Reason: reason, At: time.Now()}
	if stage, ok := c.graph.Stage(fqn); ok {
		record.SimulationID = stage.Simulation.ID.String()
	}
	if err := c.db.AppendStatus(ctx, record); err != nil {
		c.log.Error("Failed to append status record", "stage", fqn, "error", err)
	}
}
