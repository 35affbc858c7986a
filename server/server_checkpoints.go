package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/workflow"
)

// handleCommitCheckpoint ingests a checkpoint blob for a stage. The commit is
// two-phase: the blob is written, read back and hash-validated before the
// stage's latest-validated pointer advances. A failed validation leaves the
// previous checkpoint untouched.
func (s *server) handleCommitCheckpoint(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	stage, ok := s.graph.Stage(fqn)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stage %q", fqn))
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.graph.SetCheckpointing(fqn, true)
	cp, err := s.checkpoints.Commit(r.Context(), stage.Simulation.ID.String(), fqn, data)
	s.scheduler.Report(scheduler.Report{Kind: scheduler.ReportCheckpointed, Stage: fqn})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, cp)
}

// handleRequestCheckpoint marks a running stage due for an immediate
// checkpoint, on top of whatever its cadence policy decides. The hosting
// worker picks the request up on its next heartbeat.
func (s *server) handleRequestCheckpoint(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")
	stage, ok := s.graph.Stage(fqn)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stage %q", fqn))
		return
	}
	switch stage.State {
	case workflow.StageRunning, workflow.StageCheckpointing:
	default:
		writeError(w, http.StatusConflict, fmt.Errorf("stage %q is %s, not running", fqn, stage.State))
		return
	}

	s.checkpoints.ScheduleCheckpoint(fqn)
	writeJSON(w, http.StatusAccepted, map[string]string{"stage": fqn, "checkpoint": "requested"})
}

// handleFetchCheckpoint serves the latest validated checkpoint blob of a
// stage, re-validating its hash on the way out.
func (s *server) handleFetchCheckpoint(w http.ResponseWriter, r *http.Request) {
	fqn := r.PathValue("fqn")

	cp, err := s.checkpoints.Restore(fqn)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	data, err := s.checkpoints.Fetch(r.Context(), cp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Canopy-Checkpoint-Id", cp.ID)
	w.Header().Set("X-Canopy-Checkpoint-Sequence", strconv.Itoa(cp.Sequence))
	_, _ = w.Write(data)
}
