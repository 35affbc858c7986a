package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/forecast"
	"github.com/canopysim/canopy/namegen"
	"github.com/canopysim/canopy/store"
	"github.com/canopysim/canopy/workflow"
)

type ReportKind string

const (
	ReportCompleted    ReportKind = "completed"
	ReportFailed       ReportKind = "failed"
	ReportProgress     ReportKind = "progress"
	ReportCheckpointed ReportKind = "checkpointed"
	ReportStopped      ReportKind = "stopped"
)

// Report is a worker-originated stage event, funneled through the bounded
// report queue into the scheduler loop.
type Report struct {
	Kind     ReportKind `json:"kind"`
	Stage    string     `json:"stage"`
	Node     namegen.ID `json:"node"`
	Reason   string     `json:"reason,omitempty"`
	Fatal    bool       `json:"fatal,omitempty"`
	Progress float64    `json:"progress,omitempty"`
}

// Directive is the scheduler's instruction for one running stage, returned
// to workers in heartbeat responses.
type Directive struct {
	Stage string `json:"stage"`
	// Stop requests a cooperative teardown: finish the current checkpoint
	// cycle, then stop.
	Stop bool `json:"stop"`
}

// Scheduler assigns ready stages to cluster nodes. A single Run goroutine is
// the only writer of assignment state: submissions, worker reports, priority
// updates and cancellations all funnel through its channels, so there are no
// assignment races and no cross-component lock ordering.
type Scheduler struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	graph    *workflow.Graph
	registry *cluster.Registry
	db       store.Store // optional

	input        chan *queuedStage
	reports      chan Report
	tickRequests chan any
	deferred     chan func()
	stop         chan any
	stopOnce     sync.Once
	done         chan any
	shutdown     bool

	// queue is loop-private except for mu-guarded snapshot reads.
	queue     []*queuedStage
	completed []string

	mu           sync.RWMutex
	assignments  map[string]*Assignment
	reservations map[namegen.ID]*reservation

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}

	metrics metrics
}

func New(graph *workflow.Graph, registry *cluster.Registry, db store.Store, config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Scheduler{
		name:   namegen.Get(),
		config: config,
		log:    config.Logger.With("component", "scheduler"),

		graph:    graph,
		registry: registry,
		db:       db,

		input:        make(chan *queuedStage),
		reports:      make(chan Report, lo.Ternary(config.ReportBuffer > 0, config.ReportBuffer, 1024)),
		tickRequests: make(chan any, 1),
		deferred:     make(chan func()),
		stop:         make(chan any),
		done:         make(chan any),

		assignments:  make(map[string]*Assignment),
		reservations: make(map[namegen.ID]*reservation),
		subscribers:  make(map[chan Event]struct{}),

		metrics: newMetrics(),
	}
}

// Schedule validates and tracks a new simulation and queues its ready
// stages. Safe to call from any goroutine while Run is active.
func (s *Scheduler) Schedule(spec workflow.SimulationSpec) (namegen.ID, error) {
	sim, err := s.graph.AddSimulation(spec)
	if err != nil {
		return "", err
	}

	if s.db != nil {
		if err := s.saveState("simulation:"+sim.ID.String(), spec); err != nil {
			s.log.Error("Failed to persist simulation spec", "simulation", sim.ID, "error", err)
		}
	}

	stages := lo.Values(sim.Stages)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Seq() < stages[j].Seq() })

	s.emit(EventSimulationScheduled{
		Simulation: sim.ID,
		Scenario:   sim.Scenario,
		Stages:     lo.Map(stages, func(st *workflow.Stage, _ int) string { return st.Name }),
	})

	for _, stage := range stages {
		if stage.State == workflow.StageReady {
			select {
			case s.input <- &queuedStage{stage: stage, enqueuedAt: time.Now()}:
			case <-s.done:
				return sim.ID, fmt.Errorf("scheduler is stopped")
			}
		}
	}
	return sim.ID, nil
}

// SubmitRecovery resubmits an evicted stage with its restored checkpoint and
// recovery priority. Called by the resilience coordinator after EvictNode.
func (s *Scheduler) SubmitRecovery(fqn string, checkpointID string) error {
	stage, ok := s.graph.Stage(fqn)
	if !ok {
		return fmt.Errorf("unknown stage %q", fqn)
	}
	select {
	case s.input <- &queuedStage{
		stage:        stage,
		enqueuedAt:   time.Now(),
		recovery:     true,
		checkpointID: checkpointID,
	}:
		return nil
	case <-s.done:
		return fmt.Errorf("scheduler is stopped")
	}
}

// Report submits a worker report. Fire-and-forget: the returned
// acknowledgment is false when the bounded queue is full, in which case the
// worker retries on its next heartbeat.
func (s *Scheduler) Report(report Report) bool {
	select {
	case s.reports <- report:
		return true
	default:
		return false
	}
}

// ApplyScenarioPriority implements scenario.PriorityApplier. The update is
// applied on the scheduler loop so that queue reordering is serialized with
// assignment decisions; it never touches running stages.
func (s *Scheduler) ApplyScenarioPriority(scenarioID string, priority float64) {
	s.onLoop(func() {
		if affected := s.graph.SetScenarioPriority(scenarioID, priority); len(affected) > 0 {
			s.log.Info("Scenario priority applied", "scenario", scenarioID, "priority", priority, "simulations", len(affected))
			s.requestTick()
		}
	})
}

// CancelSimulation cancels a simulation cooperatively: queued stages are
// dropped, running stages finish their current checkpoint cycle before
// teardown.
func (s *Scheduler) CancelSimulation(id namegen.ID) error {
	reply := make(chan error, 1)
	if !s.onLoop(func() { reply <- s.cancelSimulation(id) }) {
		return fmt.Errorf("scheduler is stopped")
	}
	return <-reply
}

// PauseSimulation withholds a simulation from scheduling. Queued stages are
// pulled off the queue; running stages keep running.
func (s *Scheduler) PauseSimulation(id namegen.ID) error {
	reply := make(chan error, 1)
	if !s.onLoop(func() { reply <- s.pauseSimulation(id) }) {
		return fmt.Errorf("scheduler is stopped")
	}
	return <-reply
}

// ResumeSimulation lifts a pause and requeues the stages withheld by it.
func (s *Scheduler) ResumeSimulation(id namegen.ID) error {
	reply := make(chan error, 1)
	if !s.onLoop(func() { reply <- s.resumeSimulation(id) }) {
		return fmt.Errorf("scheduler is stopped")
	}
	return <-reply
}

// EvictNode releases all assignments on a node and requeues their stages in
// the graph, returning the evicted assignments. The resilience coordinator
// calls this when a node fails, then resubmits each stage with its restored
// checkpoint.
func (s *Scheduler) EvictNode(id namegen.ID) []Assignment {
	reply := make(chan []Assignment, 1)
	if !s.onLoop(func() { reply <- s.evictNode(id) }) {
		return nil
	}
	return <-reply
}

// onLoop hands a function to the scheduler loop, reporting false when the
// loop has already stopped.
func (s *Scheduler) onLoop(f func()) bool {
	select {
	case s.deferred <- f:
		return true
	case <-s.done:
		return false
	}
}

// Directives returns the per-stage instructions for a node, included in
// heartbeat responses.
func (s *Scheduler) Directives(node namegen.ID) []Directive {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Directive
	for fqn, a := range s.assignments {
		if a.Node == node {
			out = append(out, Directive{Stage: fqn, Stop: a.tearDown})
		}
	}
	return out
}

// Assignments returns a copy of the current assignment table.
func (s *Scheduler) Assignments() []Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Map(lo.Values(s.assignments), func(a *Assignment, _ int) Assignment { return *a })
}

// Queued returns the FQNs of stages waiting for placement.
func (s *Scheduler) Queued() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Map(s.queue, func(q *queuedStage, _ int) string { return q.stage.FQN() })
}

// Subscribe returns a channel of scheduler events and an unsubscribe
// function. Slow subscribers lose events rather than blocking the loop.
func (s *Scheduler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
	}
}

func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until the scheduler loop has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) Run() {
	s.log.Info("Scheduler is running", "name", s.name)

	interval := s.config.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case item := <-s.input:
			if s.shutdown {
				s.log.Warn("Scheduler is shutting down, ignoring stage", "stage", item.stage.FQN())
				continue
			}
			s.enqueue(item)
			s.requestTick()

		case <-s.tickRequests:
			s.tick()

		case <-ticker.C:
			s.tick()

		case report := <-s.reports:
			s.handleReport(report)

		case f := <-s.deferred:
			f()

		case <-s.stop:
			s.log.Info("Scheduler is stopping")
			s.shutdown = true
			s.persist()
			close(s.done)
			return
		}
	}
}

// requestTick requests a tick to be performed as soon as possible.
// If a tick is already scheduled, this function does nothing.
// This function is safe to call from multiple goroutines.
func (s *Scheduler) requestTick() {
	select {
	case s.tickRequests <- nil:
	default: // No need to queue ticks!
	}
}

// after schedules a function to be executed on the scheduler loop after a
// delay. Safe to call from multiple goroutines.
func (s *Scheduler) after(d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		select {
		case s.deferred <- f:
		case <-s.stop:
		}
	})
}

func (s *Scheduler) enqueue(item *queuedStage) {
	fqn := item.stage.FQN()

	if item.stage.Simulation.State == workflow.SimulationCancelled {
		return
	}
	if item.stage.State != workflow.StageReady {
		s.log.Debug("Ignoring submission of non-ready stage", "stage", fqn, "state", item.stage.State)
		return
	}

	s.mu.Lock()
	_, assigned := s.assignments[fqn]
	queued := lo.ContainsBy(s.queue, func(q *queuedStage) bool { return q.stage == item.stage })
	if !assigned && !queued {
		s.queue = append(s.queue, item)
	}
	s.mu.Unlock()

	if !assigned && !queued {
		s.emit(EventStageQueued{Stage: fqn, Recovery: item.recovery})
	}
}

// tick is one scheduling pass: expire reservations, order the queue, then
// place as many stages as possible using best-fit.
func (s *Scheduler) tick() {
	now := time.Now()
	defer func() { s.metrics.tickDuration.Observe(time.Since(now).Seconds()) }()
	s.expireReservations(now)

	s.mu.Lock()
	sortQueue(s.queue, now, s.config)
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	var remaining []*queuedStage
	for _, item := range pending {
		if item.stage.Simulation.State == workflow.SimulationCancelled {
			continue
		}

		if s.place(item, now) {
			continue
		}
		if item.recovery && s.preemptFor(item, now) {
			continue
		}

		item.attempts++
		s.maybeReserve(item, now)
		if item.attempts >= s.config.StarvationRetries && !item.starvationReported {
			item.starvationReported = true
			s.log.Warn("Stage cannot be placed, remains queued", "stage", item.stage.FQN(), "attempts", item.attempts)
			s.emit(EventResourceStarvation{Stage: item.stage.FQN(), Attempts: item.attempts})
		}
		remaining = append(remaining, item)
	}

	s.mu.Lock()
	s.queue = append(remaining, s.queue...)
	s.mu.Unlock()

	s.persist()
}

// place tries to find a best-fit node for the stage: among schedulable nodes
// with enough free capacity, pick the one leaving the least leftover.
func (s *Scheduler) place(item *queuedStage, now time.Time) bool {
	fqn := item.stage.FQN()
	request := item.stage.Request

	var best *cluster.Node
	var bestScore float64
	for _, node := range s.registry.Snapshot() {
		if !node.Schedulable() {
			continue
		}
		s.mu.RLock()
		res, reserved := s.reservations[node.ID]
		s.mu.RUnlock()
		if reserved && res.stage != fqn {
			continue
		}
		if !node.Free().Fits(request) {
			continue
		}
		if score := node.Free().Leftover(request); best == nil || score < bestScore {
			node := node
			best, bestScore = &node, score
		}
	}
	if best == nil {
		return false
	}
	return s.assign(item, best.ID, now)
}

func (s *Scheduler) assign(item *queuedStage, node namegen.ID, now time.Time) bool {
	fqn := item.stage.FQN()

	if err := s.registry.Allocate(node, item.stage.Request); err != nil {
		s.log.Warn("Allocation failed", "stage", fqn, "node", node, "error", err)
		return false
	}
	if err := s.graph.SetRunning(fqn); err != nil {
		s.registry.Release(node, item.stage.Request)
		s.log.Error("Stage cannot start", "stage", fqn, "error", err)
		return false
	}

	assignment := &Assignment{
		Stage:      fqn,
		Node:       node,
		Request:    item.stage.Request,
		StartedAt:  now,
		Protected:  s.config.ProtectionThreshold > 0 && item.stage.EstimatedRuntime >= s.config.ProtectionThreshold,
		Recovery:   item.recovery,
		Checkpoint: item.checkpointID,
		stage:      item.stage,
	}

	s.mu.Lock()
	s.assignments[fqn] = assignment
	if res, ok := s.reservations[node]; ok && res.stage == fqn {
		delete(s.reservations, node)
	}
	s.mu.Unlock()

	s.recordUsage()
	s.metrics.assignments.WithLabelValues(lo.Ternary(item.recovery, "recovery", "regular")).Inc()
	s.log.Info("Stage assigned", "stage", fqn, "node", node, "protected", assignment.Protected, "recovery", assignment.Recovery)
	s.emit(EventStageAssigned{
		Stage:      fqn,
		Node:       node,
		Protected:  assignment.Protected,
		Recovery:   assignment.Recovery,
		Checkpoint: assignment.Checkpoint,
	})
	return true
}

// preemptFor makes room for a recovery resubmission by evicting the lowest
// priority non-protected running stage whose node could then fit the
// recovery stage. Preemption-protected work is never a victim.
func (s *Scheduler) preemptFor(item *queuedStage, now time.Time) bool {
	request := item.stage.Request

	s.mu.RLock()
	var victim *Assignment
	var victimPriority float64
	for _, a := range s.assignments {
		if a.Protected || a.tearDown {
			continue
		}
		node, ok := s.registry.Get(a.Node)
		if !ok || !node.Schedulable() {
			continue
		}
		if !node.Free().Add(a.Request).Fits(request) {
			continue
		}
		priority := a.stage.ScenarioPriority() + a.stage.Priority
		if victim == nil || priority < victimPriority {
			victim, victimPriority = a, priority
		}
	}
	s.mu.RUnlock()

	if victim == nil {
		return false
	}

	s.metrics.preemptions.Inc()
	s.log.Warn("Preempting stage for recovery work", "victim", victim.Stage, "by", item.stage.FQN())
	s.release(victim)
	if err := s.graph.Requeue(victim.Stage); err != nil {
		s.log.Error("Failed to requeue preempted stage", "stage", victim.Stage, "error", err)
	}
	s.emit(EventStagePreempted{Stage: victim.Stage, Node: victim.Node, By: item.stage.FQN()})
	s.enqueue(&queuedStage{
		stage:        victim.stage,
		enqueuedAt:   now,
		checkpointID: victim.Checkpoint,
	})

	return s.assign(item, victim.Node, now)
}

// maybeReserve provisionally holds a node for a long-running stage whose
// placement keeps failing, when the node's occupants are predicted to finish
// within the reservation window. This stops fragmentation churn: freed
// capacity on the reserved node can't be nibbled away by smaller jobs.
func (s *Scheduler) maybeReserve(item *queuedStage, now time.Time) {
	if s.config.ReservationWindow <= 0 || s.config.ProtectionThreshold <= 0 {
		return
	}
	if item.stage.EstimatedRuntime < s.config.ProtectionThreshold {
		return
	}
	fqn := item.stage.FQN()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, res := range s.reservations {
		if res.stage == fqn {
			return
		}
	}

	var bestNode namegen.ID
	var bestFinish time.Time
	for _, node := range s.registry.Snapshot() {
		if !node.Schedulable() || !node.Capacity.Fits(item.stage.Request) {
			continue
		}
		if _, taken := s.reservations[node.ID]; taken {
			continue
		}

		latest := now
		ok := true
		for _, a := range s.assignments {
			if a.Node != node.ID {
				continue
			}
			finish := a.PredictedFinish(now)
			if finish.After(now.Add(s.config.ReservationWindow)) {
				ok = false
				break
			}
			if finish.After(latest) {
				latest = finish
			}
		}
		if !ok {
			continue
		}
		if bestNode == "" || latest.Before(bestFinish) {
			bestNode, bestFinish = node.ID, latest
		}
	}
	if bestNode == "" {
		return
	}

	s.reservations[bestNode] = &reservation{
		node:      bestNode,
		stage:     fqn,
		expiresAt: bestFinish.Add(s.config.ReservationWindow),
	}
	s.log.Info("Node reserved", "node", bestNode, "stage", fqn)
	s.emit(EventNodeReserved{Node: bestNode, Stage: fqn})
}

func (s *Scheduler) expireReservations(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for node, res := range s.reservations {
		if now.After(res.expiresAt) {
			delete(s.reservations, node)
		}
	}
}

func (s *Scheduler) handleReport(report Report) {
	s.mu.RLock()
	assignment := s.assignments[report.Stage]
	s.mu.RUnlock()

	switch report.Kind {
	case ReportProgress:
		s.graph.SetProgress(report.Stage, report.Progress)
		return

	case ReportCheckpointed:
		s.graph.SetCheckpointing(report.Stage, false)
		if assignment != nil && assignment.tearDown {
			s.tearDown(assignment)
		}

	case ReportStopped:
		if assignment != nil {
			s.tearDown(assignment)
		}

	case ReportCompleted:
		node := report.Node
		if assignment != nil {
			node = assignment.Node
			s.release(assignment)
		}
		newlyReady, err := s.graph.MarkStageComplete(report.Stage)
		if err != nil {
			s.log.Error("Completion report for unknown stage", "stage", report.Stage, "error", err)
			return
		}
		s.completed = append(s.completed, report.Stage)
		s.log.Info("Stage completed", "stage", report.Stage, "node", node, "unblocked", len(newlyReady))
		s.emit(EventStageCompleted{Stage: report.Stage, Node: node})

		now := time.Now()
		for _, stage := range newlyReady {
			s.enqueue(&queuedStage{stage: stage, enqueuedAt: now})
		}
		s.finishSimulation(report.Stage)
		s.requestTick()

	case ReportFailed:
		if assignment != nil {
			s.release(assignment)
		}
		if report.Fatal {
			s.log.Error("Stage failed", "stage", report.Stage, "node", report.Node, "reason", report.Reason)
			if err := s.graph.MarkStageFailed(report.Stage); err != nil {
				s.log.Error("Failure report for unknown stage", "stage", report.Stage, "error", err)
				return
			}
			s.emit(EventStageFailed{Stage: report.Stage, Node: report.Node, Reason: report.Reason})
			s.appendStatus(report.Stage, "failed", report.Reason)
			s.finishSimulation(report.Stage)
		} else {
			// Transient failure: component-local retry with backoff.
			s.log.Warn("Stage failed transiently, will retry", "stage", report.Stage, "reason", report.Reason)
			if err := s.graph.Requeue(report.Stage); err != nil {
				s.log.Error("Failed to requeue stage", "stage", report.Stage, "error", err)
				return
			}
			stage, _ := s.graph.Stage(report.Stage)
			checkpointID := ""
			if assignment != nil {
				checkpointID = assignment.Checkpoint
			}
			s.after(s.retryDelay(), func() {
				s.enqueue(&queuedStage{stage: stage, enqueuedAt: time.Now(), checkpointID: checkpointID})
				s.requestTick()
			})
		}
		s.requestTick()
	}

	s.persist()
}

func (s *Scheduler) retryDelay() time.Duration {
	if s.config.TickInterval > 0 {
		return 2 * s.config.TickInterval
	}
	return 10 * time.Second
}

func (s *Scheduler) cancelSimulation(id namegen.ID) error {
	sim, ok := s.graph.Simulation(id)
	if !ok {
		return fmt.Errorf("unknown simulation %q", id)
	}
	if err := s.graph.Cancel(id); err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = lo.Reject(s.queue, func(q *queuedStage, _ int) bool { return q.stage.Simulation == sim })
	for _, a := range s.assignments {
		if a.stage.Simulation == sim {
			a.tearDown = true
		}
	}
	s.mu.Unlock()

	s.emit(EventSimulationCancelled{Simulation: id})
	s.appendStatus("", "cancelled", "cancelled by user")
	s.persist()
	return nil
}

func (s *Scheduler) pauseSimulation(id namegen.ID) error {
	sim, ok := s.graph.Simulation(id)
	if !ok {
		return fmt.Errorf("unknown simulation %q", id)
	}
	if err := s.graph.Pause(id); err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = lo.Reject(s.queue, func(q *queuedStage, _ int) bool { return q.stage.Simulation == sim })
	s.mu.Unlock()

	s.emit(EventSimulationPaused{Simulation: id})
	s.appendStatus("", "paused", "paused by user")
	s.persist()
	return nil
}

func (s *Scheduler) resumeSimulation(id namegen.ID) error {
	ready, err := s.graph.Resume(id)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, stage := range ready {
		s.enqueue(&queuedStage{stage: stage, enqueuedAt: now})
	}

	s.emit(EventSimulationResumed{
		Simulation: id,
		Requeued:   lo.Map(ready, func(st *workflow.Stage, _ int) string { return st.FQN() }),
	})
	s.appendStatus("", "resumed", "resumed by user")
	s.requestTick()
	s.persist()
	return nil
}

func (s *Scheduler) evictNode(id namegen.ID) []Assignment {
	s.mu.Lock()
	var evicted []Assignment
	for fqn, a := range s.assignments {
		if a.Node == id {
			evicted = append(evicted, *a)
			delete(s.assignments, fqn)
		}
	}
	s.mu.Unlock()

	for _, a := range evicted {
		s.registry.Release(a.Node, a.Request)
		if err := s.graph.Requeue(a.Stage); err != nil {
			s.log.Error("Failed to requeue evicted stage", "stage", a.Stage, "error", err)
		}
	}

	if len(evicted) > 0 {
		s.recordUsage()
		s.emit(EventNodeEvicted{
			Node:   id,
			Stages: lo.Map(evicted, func(a Assignment, _ int) string { return a.Stage }),
		})
		s.requestTick()
	}
	return evicted
}

// tearDown finishes a cooperative cancellation: the worker has checkpointed
// (or stopped) and the stage's resources are returned.
func (s *Scheduler) tearDown(assignment *Assignment) {
	s.release(assignment)
	s.log.Info("Stage torn down", "stage", assignment.Stage, "node", assignment.Node)
	s.emit(EventStageTornDown{Stage: assignment.Stage, Node: assignment.Node})
	s.requestTick()
}

func (s *Scheduler) release(assignment *Assignment) {
	s.mu.Lock()
	delete(s.assignments, assignment.Stage)
	s.mu.Unlock()

	s.registry.Release(assignment.Node, assignment.Request)
	s.recordUsage()
}

func (s *Scheduler) finishSimulation(fqn string) {
	stage, ok := s.graph.Stage(fqn)
	if !ok {
		return
	}
	sim := stage.Simulation
	switch sim.State {
	case workflow.SimulationCompleted:
		s.log.Info("Simulation completed", "simulation", sim.ID)
		s.emit(EventSimulationCompleted{Simulation: sim.ID})
	case workflow.SimulationFailed:
		s.log.Error("Simulation failed", "simulation", sim.ID)
		s.emit(EventSimulationFailed{Simulation: sim.ID})
		s.appendStatus(fqn, "simulation_failed", "one or more stages failed")
	}
}

// recordUsage emits cluster-wide allocation samples to the forecaster.
func (s *Scheduler) recordUsage() {
	if s.config.Recorder == nil {
		return
	}

	var capacity, allocated cluster.Capacity
	for _, node := range s.registry.Snapshot() {
		capacity = capacity.Add(node.Capacity)
		allocated = allocated.Add(node.Allocated)
	}

	now := time.Now()
	for _, dim := range []struct {
		resource        forecast.ResourceType
		used, available float64
	}{
		{forecast.ResourceCPU, allocated.CPUCores, capacity.CPUCores},
		{forecast.ResourceMemory, allocated.MemoryGB, capacity.MemoryGB},
		{forecast.ResourceGPU, allocated.GPUCount, capacity.GPUCount},
		{forecast.ResourceStorage, allocated.StorageGB, capacity.StorageGB},
		{forecast.ResourceNetwork, allocated.NetworkGbps, capacity.NetworkGbps},
	} {
		s.config.Recorder.Record(forecast.UsageSample{
			Resource: dim.resource,
			Used:     dim.used,
			Capacity: dim.available,
			At:       now,
		})
	}
}

func (s *Scheduler) emit(event Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subscribers {
		select {
		case ch <- event:
		default: // slow subscriber, drop
		}
	}
}

func (s *Scheduler) appendStatus(fqn, state, reason string) {
	if s.db == nil {
		return
	}

	record := store.StatusRecord{StageID: fqn, State: state, Reason: reason, At: time.Now()}
	if stage, ok := s.graph.Stage(fqn); ok {
		record.SimulationID = stage.Simulation.ID.String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.AppendStatus(ctx, record); err != nil {
		s.log.Error("Failed to append status record", "stage", fqn, "error", err)
	}
}

func (s *Scheduler) saveState(key string, value any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.SaveState(ctx, key, value)
}
