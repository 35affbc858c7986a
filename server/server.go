package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/forecast"
	"github.com/canopysim/canopy/resilience"
	"github.com/canopysim/canopy/scenario"
	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/store"
	"github.com/canopysim/canopy/workflow"
)

// server carries the wired subsystems for the HTTP handlers.
type server struct {
	scheduler   *scheduler.Scheduler
	registry    *cluster.Registry
	graph       *workflow.Graph
	checkpoints *checkpoint.Manager
	detector    *resilience.Detector
	forecaster  *forecast.Forecaster
	scenarios   *scenario.Manager
	db          store.Store
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// Simulations
	mux.HandleFunc("POST /api/simulations", s.handleSubmitSimulation)
	mux.HandleFunc("DELETE /api/simulations/{id}", s.handleCancelSimulation)
	mux.HandleFunc("POST /api/simulations/{id}/pause", s.handlePauseSimulation)
	mux.HandleFunc("POST /api/simulations/{id}/resume", s.handleResumeSimulation)
	mux.HandleFunc("GET /api/simulations/{id}/records", s.handleSimulationRecords)

	// Nodes
	mux.HandleFunc("POST /api/nodes", s.handleRegisterNode)
	mux.HandleFunc("DELETE /api/nodes/{id}", s.handleDrainNode)
	mux.HandleFunc("POST /api/nodes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/nodes/{id}/reports", s.handleReport)

	// Checkpoints
	mux.HandleFunc("POST /api/stages/{fqn}/checkpoints", s.handleCommitCheckpoint)
	mux.HandleFunc("POST /api/stages/{fqn}/checkpoints/request", s.handleRequestCheckpoint)
	mux.HandleFunc("GET /api/stages/{fqn}/checkpoints/latest", s.handleFetchCheckpoint)

	// Queries
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/forecasts", s.handleForecasts)
	mux.HandleFunc("GET /api/scenarios", s.handleScenarios)
	mux.HandleFunc("POST /api/scenarios/{id}/results", s.handleScenarioResult)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
