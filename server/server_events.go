package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/server/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type wireEvent struct {
	Type  string          `json:"type"`
	Event scheduler.Event `json:"event"`
}

// handleEvents streams scheduler events over a websocket. An optional
// ?simulation=<id> query narrows the stream to one simulation.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter ClientListenerFilter
	if simulation := r.URL.Query().Get("simulation"); simulation != "" {
		filter = eventFilter(simulation)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := addClientListener(filter)
	defer cancel()

	// Drain client frames so close/ping handling works; the stream is
	// write-only from our side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range events {
		message := wireEvent{Type: eventName(event), Event: event}
		if err := conn.WriteJSON(message); err != nil {
			log.Debug("Event stream client gone", "error", err)
			return
		}
	}
}

func eventName(event scheduler.Event) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", event), "scheduler.Event")
}

// eventFilter matches events belonging to one simulation, by id or by the
// FQN prefix of its stages.
func eventFilter(simulation string) ClientListenerFilter {
	prefix := simulation + "-"
	return func(event scheduler.Event) bool {
		switch event := event.(type) {
		case scheduler.EventSimulationScheduled:
			return event.Simulation.String() == simulation
		case scheduler.EventSimulationCompleted:
			return event.Simulation.String() == simulation
		case scheduler.EventSimulationFailed:
			return event.Simulation.String() == simulation
		case scheduler.EventSimulationCancelled:
			return event.Simulation.String() == simulation
		case scheduler.EventSimulationPaused:
			return event.Simulation.String() == simulation
		case scheduler.EventSimulationResumed:
			return event.Simulation.String() == simulation
		case scheduler.EventStageQueued:
			return strings.HasPrefix(event.Stage, prefix)
		case scheduler.EventStageAssigned:
			return strings.HasPrefix(event.Stage, prefix)
		case scheduler.EventStageCompleted:
			return strings.HasPrefix(event.Stage, prefix)
		case scheduler.EventStageFailed:
			return strings.HasPrefix(event.Stage, prefix)
		case scheduler.EventStagePreempted:
			return strings.HasPrefix(event.Stage, prefix)
		case scheduler.EventStageTornDown:
			return strings.HasPrefix(event.Stage, prefix)
		case scheduler.EventResourceStarvation:
			return strings.HasPrefix(event.Stage, prefix)
		default:
			return false
		}
	}
}
