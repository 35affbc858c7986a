package main

import (
	"encoding/json"
	"net/http"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/namegen"
	"github.com/canopysim/canopy/scenario"
	"github.com/canopysim/canopy/scheduler"
)

type statusResponse struct {
	Status
	Nodes       []cluster.Node         `json:"nodes"`
	Queue       []string               `json:"queue"`
	Assignments []scheduler.Assignment `json:"assignments"`
}

// handleStatus combines the event-reconstructed simulation state with the
// live cluster and queue views.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := statusSnapshot()
	for _, sim := range status.Simulations {
		if sim.EndedAt != nil {
			continue
		}
		if remaining, err := s.graph.CriticalPath(namegen.ID(sim.ID)); err == nil {
			sim.RemainingSeconds = remaining.Seconds()
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:      status,
		Nodes:       s.registry.Snapshot(),
		Queue:       s.scheduler.Queued(),
		Assignments: s.scheduler.Assignments(),
	})
}

func (s *server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.forecaster.Latest())
}

func (s *server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scenarios.Rankings())
}

// handleScenarioResult ingests a preliminary science result for a scenario.
// The promise score is recomputed immediately; priorities shift at the next
// rebalance.
func (s *server) handleScenarioResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var result scenario.PreliminaryResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	score := s.scenarios.Evaluate(id, result)
	writeJSON(w, http.StatusOK, map[string]any{"scenario": id, "promise_score": score})
}
