package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/namegen"
)

type DetectorConfig struct {
	Logger *slog.Logger `json:"-"`

	// SweepInterval is the cadence of the staleness sweep.
	SweepInterval time.Duration `json:"sweep-interval"`

	// Escalating silence thresholds of the health state machine. A node whose
	// last heartbeat is older than DegradedAfter is degraded, older than
	// UnreachableAfter unreachable, older than FailedAfter failed (terminal
	// until re-registration).
	DegradedAfter    time.Duration `json:"degraded-after"`
	UnreachableAfter time.Duration `json:"unreachable-after"`
	FailedAfter      time.Duration `json:"failed-after"`
}

func DefaultDetectorConfig(logger *slog.Logger) DetectorConfig {
	return DetectorConfig{
		Logger:           logger,
		SweepInterval:    5 * time.Second,
		DegradedAfter:    30 * time.Second,
		UnreachableAfter: 2 * time.Minute,
		FailedAfter:      5 * time.Minute,
	}
}

// FailureEvent is emitted once per node failure, consumed by the Coordinator.
type FailureEvent struct {
	Node      namegen.ID
	Staleness time.Duration
	At        time.Time
}

// Detector watches heartbeat staleness and drives the node health state
// machine. Missed heartbeats alone never fail a node immediately: silence
// escalates through degraded and unreachable first, and fatal stage errors
// reported by workers act as a corroborating signal that shortens the
// thresholds.
type Detector struct {
	config   DetectorConfig
	log      *slog.Logger
	registry *cluster.Registry

	mu        sync.Mutex
	suspicion map[namegen.ID]int
	failed    map[namegen.ID]bool

	events chan FailureEvent
}

func NewDetector(registry *cluster.Registry, config DetectorConfig) *Detector {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Detector{
		config:    config,
		log:       config.Logger.With("component", "resilience"),
		registry:  registry,
		suspicion: make(map[namegen.ID]int),
		failed:    make(map[namegen.ID]bool),
		events:    make(chan FailureEvent, 64),
	}
}

// Events is the stream of node failures. Each failed node appears exactly
// once until it re-registers.
func (d *Detector) Events() <-chan FailureEvent {
	return d.events
}

// RecordStageErrors feeds worker-reported stage errors in as corroborating
// failure signals. Fatal errors raise the node's suspicion level, which
// shortens its silence thresholds.
func (d *Detector) RecordStageErrors(node namegen.ID, errors []cluster.StageErrorReport) {
	fatal := lo.CountBy(errors, func(e cluster.StageErrorReport) bool { return e.Fatal })
	if fatal == 0 {
		return
	}
	d.mu.Lock()
	d.suspicion[node] += fatal
	d.mu.Unlock()
	d.log.Warn("Fatal stage errors reported", "node", node, "count", fatal)
}

// Risk estimates the probability of losing the node soon, in [0, 1]. Feeds
// the adaptive checkpoint cadence: risky nodes checkpoint more often.
func (d *Detector) Risk(node namegen.ID) float64 {
	n, ok := d.registry.Get(node)
	if !ok || n.Health == cluster.NodeFailed {
		return 1
	}

	risk := lo.Clamp(time.Since(n.LastHeartbeat).Seconds()/d.config.FailedAfter.Seconds(), 0, 1)
	switch n.Health {
	case cluster.NodeDegraded:
		risk = max(risk, 0.3)
	case cluster.NodeUnreachable:
		risk = max(risk, 0.6)
	}

	d.mu.Lock()
	suspicion := d.suspicion[node]
	d.mu.Unlock()
	return lo.Clamp(risk+float64(suspicion)*0.2, 0, 1)
}

// Run sweeps until the context is cancelled.
func (d *Detector) Run(ctx context.Context) {
	d.log.Info("Failure detector is running", "sweep-interval", d.config.SweepInterval)
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Sweep(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one detection pass.
func (d *Detector) Sweep(ctx context.Context, now time.Time) {
	for _, node := range d.registry.Snapshot() {
		staleness := now.Sub(node.LastHeartbeat)

		d.mu.Lock()
		suspicion := d.suspicion[node.ID]
		alreadyFailed := d.failed[node.ID]
		d.mu.Unlock()

		if node.Health == cluster.NodeFailed {
			if !alreadyFailed {
				d.emit(ctx, FailureEvent{Node: node.ID, Staleness: staleness, At: now})
			}
			continue
		}

		// A fresh heartbeat both recovers health (in the registry) and slowly
		// clears suspicion.
		if staleness < d.shortened(d.config.DegradedAfter, suspicion) {
			d.mu.Lock()
			if d.suspicion[node.ID] > 0 {
				d.suspicion[node.ID]--
			}
			delete(d.failed, node.ID)
			d.mu.Unlock()
			continue
		}

		switch {
		case staleness >= d.shortened(d.config.FailedAfter, suspicion):
			d.registry.MarkFailed(node.ID)
			d.log.Error("Node failed", "node", node.ID, "staleness", staleness, "suspicion", suspicion)
			d.emit(ctx, FailureEvent{Node: node.ID, Staleness: staleness, At: now})
		case staleness >= d.shortened(d.config.UnreachableAfter, suspicion):
			d.registry.MarkUnreachable(node.ID)
		default:
			d.registry.MarkDegraded(node.ID)
		}
	}
}

// shortened divides a threshold by the suspicion level, so corroborated
// failures are declared sooner than pure silence.
func (d *Detector) shortened(threshold time.Duration, suspicion int) time.Duration {
	return threshold / time.Duration(1+suspicion)
}

func (d *Detector) emit(ctx context.Context, event FailureEvent) {
	d.mu.Lock()
	d.failed[event.Node] = true
	d.mu.Unlock()

	select {
	case d.events <- event:
	case <-ctx.Done():
	}
}
