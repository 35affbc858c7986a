package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/canopysim/canopy/namegen"
	"github.com/canopysim/canopy/workflow"
	"github.com/canopysim/canopy/workflow/simfile"
)

// handleSubmitSimulation accepts a simulation spec as JSON, or as a YAML
// simfile when submitted with a YAML content type.
func (s *server) handleSubmitSimulation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var spec *workflow.SimulationSpec
	if contentType := r.Header.Get("Content-Type"); strings.Contains(contentType, "yaml") {
		spec, err = simfile.Parse(body)
	} else {
		spec = &workflow.SimulationSpec{}
		err = json.Unmarshal(body, spec)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.scheduler.Schedule(*spec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *server) handleCancelSimulation(w http.ResponseWriter, r *http.Request) {
	id := namegen.ID(r.PathValue("id"))
	if err := s.scheduler.CancelSimulation(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "state": "cancelling"})
}

func (s *server) handlePauseSimulation(w http.ResponseWriter, r *http.Request) {
	id := namegen.ID(r.PathValue("id"))
	if err := s.scheduler.PauseSimulation(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "state": "paused"})
}

func (s *server) handleResumeSimulation(w http.ResponseWriter, r *http.Request) {
	id := namegen.ID(r.PathValue("id"))
	if err := s.scheduler.ResumeSimulation(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "state": "resumed"})
}

// handleSimulationRecords returns the durable status records of a
// simulation, including manual_intervention_required entries.
func (s *server) handleSimulationRecords(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.graph.Simulation(namegen.ID(id)); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown simulation %q", id))
		return
	}

	records, err := s.db.StatusRecords(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
