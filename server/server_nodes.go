package main

import (
	"encoding/json"
	"net/http"

	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/namegen"
	"github.com/canopysim/canopy/scheduler"
)

func (s *server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var spec cluster.NodeSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.registry.Register(spec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

// handleDrainNode starts a graceful drain: no new work, existing stages
// finish or migrate, the node disappears once idle.
func (s *server) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	id := namegen.ID(r.PathValue("id"))
	if err := s.registry.Deregister(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "state": "draining"})
}

type heartbeatResponse struct {
	Directives []scheduler.Directive `json:"directives"`
	// Checkpoint lists the stages whose checkpoint is now due, per their
	// policy and the node's current failure risk.
	Checkpoint []string `json:"checkpoint,omitempty"`
}

// handleHeartbeat ingests a worker health report and answers with the
// node's current directives.
func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := namegen.ID(r.PathValue("id"))

	var report cluster.HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Heartbeat(id, report); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	s.detector.RecordStageErrors(id, report.Errors)
	for stage, progress := range report.Progress {
		s.scheduler.Report(scheduler.Report{Kind: scheduler.ReportProgress, Stage: stage, Node: id, Progress: progress})
	}

	response := heartbeatResponse{Directives: s.scheduler.Directives(id)}

	// Checkpoint cadence is planned per assignment: policy-driven, tightened
	// by the node's failure risk. Explicitly requested checkpoints are relayed
	// regardless of policy.
	risk := s.detector.Risk(id)
	for _, assignment := range s.scheduler.Assignments() {
		if assignment.Node != id {
			continue
		}
		due := s.checkpoints.Due(assignment.Stage)
		if !due {
			stage, ok := s.graph.Stage(assignment.Stage)
			if !ok || !stage.Checkpoint.Enabled() {
				continue
			}
			due = s.checkpoints.Plan(assignment.Stage, stage.Checkpoint, stage.EstimatedRuntime, assignment.StartedAt, risk)
		}
		if due {
			response.Checkpoint = append(response.Checkpoint, assignment.Stage)
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleReport ingests a worker stage report. The report queue is bounded;
// when it is full the worker gets a 429 and retries on its next heartbeat.
func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := namegen.ID(r.PathValue("id"))

	var report scheduler.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report.Node = id

	if !s.scheduler.Report(report) {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "report queue full"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
