package main

import (
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/server/log"
)

type StageStatus struct {
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Node       string     `json:"node,omitempty"`
	Progress   float64    `json:"progress"`
	Recovery   bool       `json:"recovery,omitempty"`
	Checkpoint string     `json:"checkpoint,omitempty"`
	Starved    bool       `json:"starved,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type SimulationStatus struct {
	ID       string         `json:"id"`
	Scenario string         `json:"scenario,omitempty"`
	State    string         `json:"state"`
	Stages   []*StageStatus `json:"stages"`
	// RemainingSeconds is the critical-path completion estimate, filled in
	// from the live graph by the status handler.
	RemainingSeconds float64    `json:"remaining_seconds,omitempty"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

type Status struct {
	Server struct {
		Version   string    `json:"version"`
		StartedAt time.Time `json:"started_at"`
	} `json:"server"`
	Simulations []*SimulationStatus `json:"simulations"`
}

// serverStatus is the in-memory state reconstructed from the scheduler event
// stream. It is the single source of truth for the status read handlers.
// Protected by serverStatusMutex: listenEvents writes, HTTP handlers read.
var serverStatus = &Status{}
var serverStatusMutex sync.RWMutex

// clientListeners maps each connected event-stream client to its filter.
// Lock ordering: always serverStatusMutex BEFORE clientListenersMutex.
var clientListeners = map[chan scheduler.Event]ClientListenerFilter{}
var clientListenersMutex sync.RWMutex

type ClientListenerFilter func(scheduler.Event) bool

// findStage resolves a stage FQN ("<simulation>-<stage>") against the tracked
// simulations. Stage names may themselves contain dashes, so the split point
// is the matching simulation id.
func findStage(fqn string) *StageStatus {
	for _, sim := range serverStatus.Simulations {
		if !strings.HasPrefix(fqn, sim.ID+"-") {
			continue
		}
		name := strings.TrimPrefix(fqn, sim.ID+"-")
		for _, stage := range sim.Stages {
			if stage.Name == name {
				return stage
			}
		}
	}
	return nil
}

func findSimulation(id string) *SimulationStatus {
	for _, sim := range serverStatus.Simulations {
		if sim.ID == id {
			return sim
		}
	}
	return nil
}

// listenEvents runs as a dedicated goroutine, the only writer to
// serverStatus. For each event it updates the reconstructed state, then
// forwards the event to connected watchers.
func listenEvents(c <-chan scheduler.Event) {
	for event := range c {
		serverStatusMutex.Lock()

		switch event := event.(type) {
		// Simulation events
		case scheduler.EventSimulationScheduled:
			serverStatus.Simulations = append(serverStatus.Simulations, &SimulationStatus{
				ID:       event.Simulation.String(),
				Scenario: event.Scenario,
				State:    "pending",
				Stages: lo.Map(event.Stages, func(name string, _ int) *StageStatus {
					return &StageStatus{Name: name, State: "pending"}
				}),
				ScheduledAt: time.Now(),
			})
		case scheduler.EventSimulationCompleted:
			if sim := findSimulation(event.Simulation.String()); sim != nil {
				sim.State = "completed"
				sim.EndedAt = lo.ToPtr(time.Now())
			}
		case scheduler.EventSimulationFailed:
			if sim := findSimulation(event.Simulation.String()); sim != nil {
				sim.State = "failed"
				sim.EndedAt = lo.ToPtr(time.Now())
			}
		case scheduler.EventSimulationCancelled:
			if sim := findSimulation(event.Simulation.String()); sim != nil {
				sim.State = "cancelled"
				sim.EndedAt = lo.ToPtr(time.Now())
			}
		case scheduler.EventSimulationPaused:
			if sim := findSimulation(event.Simulation.String()); sim != nil {
				sim.State = "paused"
			}
		case scheduler.EventSimulationResumed:
			if sim := findSimulation(event.Simulation.String()); sim != nil {
				sim.State = "running"
			}

		// Stage events
		case scheduler.EventStageQueued:
			if stage := findStage(event.Stage); stage != nil {
				stage.State = "queued"
				stage.Recovery = event.Recovery
				stage.Node = ""
			}
		case scheduler.EventStageAssigned:
			if stage := findStage(event.Stage); stage != nil {
				stage.State = "running"
				stage.Node = event.Node.String()
				stage.Recovery = event.Recovery
				stage.Checkpoint = event.Checkpoint
				stage.Starved = false
				stage.StartedAt = lo.ToPtr(time.Now())
			}
		case scheduler.EventStageCompleted:
			if stage := findStage(event.Stage); stage != nil {
				stage.State = "completed"
				stage.Progress = 1
				stage.EndedAt = lo.ToPtr(time.Now())
			}
		case scheduler.EventStageFailed:
			if stage := findStage(event.Stage); stage != nil {
				stage.State = "failed"
				stage.Reason = event.Reason
				stage.EndedAt = lo.ToPtr(time.Now())
			}
		case scheduler.EventStagePreempted:
			if stage := findStage(event.Stage); stage != nil {
				stage.State = "queued"
				stage.Node = ""
			}
		case scheduler.EventStageTornDown:
			if stage := findStage(event.Stage); stage != nil {
				stage.State = "cancelled"
				stage.Node = ""
				stage.EndedAt = lo.ToPtr(time.Now())
			}

		// Diagnostics
		case scheduler.EventResourceStarvation:
			if stage := findStage(event.Stage); stage != nil {
				stage.Starved = true
			}
		}

		serverStatusMutex.Unlock()

		clientListenersMutex.RLock()
		for channel, filter := range clientListeners {
			if filter != nil && !filter(event) {
				continue
			}
			// Non-blocking send: a slow client loses events instead of
			// freezing event processing.
			select {
			case channel <- event:
			default:
				log.Debug("Client listener queue full, dropping event")
			}
		}
		clientListenersMutex.RUnlock()
	}
}

// addClientListener registers a new event listener with an optional filter.
// The cancel function must be called when the handler exits, otherwise the
// listener leaks.
func addClientListener(filter ClientListenerFilter) (events chan scheduler.Event, cancel func()) {
	clientListenersMutex.Lock()
	defer clientListenersMutex.Unlock()

	log.Debug("Added client listener")
	channel := make(chan scheduler.Event, 1024)
	clientListeners[channel] = filter

	return channel, func() {
		clientListenersMutex.Lock()
		defer clientListenersMutex.Unlock()

		log.Debug("Removed client listener")
		delete(clientListeners, channel)
	}
}

func statusSnapshot() Status {
	serverStatusMutex.RLock()
	defer serverStatusMutex.RUnlock()

	snapshot := *serverStatus
	snapshot.Simulations = lo.Map(serverStatus.Simulations, func(sim *SimulationStatus, _ int) *SimulationStatus {
		copied := *sim
		copied.Stages = lo.Map(sim.Stages, func(stage *StageStatus, _ int) *StageStatus {
			s := *stage
			return &s
		})
		return &copied
	})
	return snapshot
}
