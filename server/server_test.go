package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopysim/canopy/checkpoint"
	"github.com/canopysim/canopy/cluster"
	"github.com/canopysim/canopy/forecast"
	"github.com/canopysim/canopy/resilience"
	"github.com/canopysim/canopy/scenario"
	"github.com/canopysim/canopy/scheduler"
	"github.com/canopysim/canopy/store"
	"github.com/canopysim/canopy/workflow"
)

type apiEnv struct {
	api    *server
	http   *httptest.Server
	events <-chan scheduler.Event
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := cluster.NewRegistry(logger)
	graph := workflow.NewGraph(logger)
	checkpoints := checkpoint.NewManager(checkpoint.NewMemoryStore(), logger)
	forecaster := forecast.New(logger)
	db := store.NewMemory()

	config := scheduler.DefaultConfig(logger)
	config.TickInterval = 10 * time.Millisecond
	config.Recorder = forecaster
	sched := scheduler.New(graph, registry, db, config)

	detector := resilience.NewDetector(registry, resilience.DefaultDetectorConfig(logger))
	scenarios := scenario.NewManager(scenario.DefaultStrategy(), sched, logger)

	api := &server{
		scheduler:   sched,
		registry:    registry,
		graph:       graph,
		checkpoints: checkpoints,
		detector:    detector,
		forecaster:  forecaster,
		scenarios:   scenarios,
		db:          db,
	}

	// The status handlers read the package-global reconstruction; reset it
	// and feed it from this scheduler's event stream.
	serverStatusMutex.Lock()
	serverStatus = &Status{}
	serverStatusMutex.Unlock()

	statusEvents, unsubscribeStatus := sched.Subscribe()
	go listenEvents(statusEvents)

	events, unsubscribe := sched.Subscribe()
	go sched.Run()

	ts := httptest.NewServer(api.routes())
	t.Cleanup(func() {
		ts.Close()
		unsubscribe()
		unsubscribeStatus()
		sched.Shutdown()
		sched.Wait()
	})
	return &apiEnv{api: api, http: ts, events: events}
}

func (e *apiEnv) do(t *testing.T, method, path, contentType string, body []byte, into any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func (e *apiEnv) postJSON(t *testing.T, path string, body any, into any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, path, "application/json", buf, into)
}

func waitForEvent[E scheduler.Event](t *testing.T, events <-chan scheduler.Event) E {
	t.Helper()
	var zero E
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if e, ok := event.(E); ok {
				return e
			}
		case <-timeout:
			require.FailNowf(t, "timed out", "waiting for %T", zero)
			return zero
		}
	}
}

func TestAPISimulationLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	var node struct {
		ID string `json:"id"`
	}
	resp := env.postJSON(t, "/api/nodes", cluster.NodeSpec{Capacity: cluster.Capacity{CPUCores: 8, MemoryGB: 32}}, &node)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sim struct {
		ID string `json:"id"`
	}
	resp = env.postJSON(t, "/api/simulations", workflow.SimulationSpec{
		Name:     "ocean",
		Scenario: "rcp85",
		Stages: []workflow.StageSpec{
			{Name: "spinup", Request: cluster.Capacity{CPUCores: 4, MemoryGB: 16}},
		},
	}, &sim)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assigned := waitForEvent[scheduler.EventStageAssigned](t, env.events)
	require.Equal(t, sim.ID+"-spinup", assigned.Stage)
	require.Equal(t, node.ID, assigned.Node.String())

	// The heartbeat response tells the worker what it should be running.
	var heartbeat heartbeatResponse
	resp = env.postJSON(t, "/api/nodes/"+node.ID+"/heartbeat", cluster.HeartbeatReport{
		Progress: map[string]float64{assigned.Stage: 0.5},
	}, &heartbeat)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, heartbeat.Directives, 1)
	assert.Equal(t, assigned.Stage, heartbeat.Directives[0].Stage)
	assert.False(t, heartbeat.Directives[0].Stop)

	resp = env.postJSON(t, "/api/nodes/"+node.ID+"/reports", scheduler.Report{
		Kind:  scheduler.ReportCompleted,
		Stage: assigned.Stage,
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForEvent[scheduler.EventSimulationCompleted](t, env.events)

	assert.Eventually(t, func() bool {
		var status statusResponse
		env.do(t, http.MethodGet, "/api/status", "", nil, &status)
		return len(status.Simulations) == 1 && status.Simulations[0].State == "completed"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAPIRejectsCyclicSimulation(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.postJSON(t, "/api/simulations", workflow.SimulationSpec{
		Name: "cyclic",
		Stages: []workflow.StageSpec{
			{Name: "aa", DependsOn: []string{"bb"}, Request: cluster.Capacity{CPUCores: 1}},
			{Name: "bb", DependsOn: []string{"aa"}, Request: cluster.Capacity{CPUCores: 1}},
		},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAPISimfileSubmission(t *testing.T) {
	env := newAPIEnv(t)

	simfile := []byte(`
version: "1"
name: regional-climate
scenario: rcp45
stages:
  - name: spinup
    request:
      cpu_cores: 2
      memory_gb: 8
    estimated_runtime: 2h
`)
	var sim struct {
		ID string `json:"id"`
	}
	resp := env.do(t, http.MethodPost, "/api/simulations", "application/x-yaml", simfile, &sim)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, sim.ID)
}

func TestAPICheckpointRoundTrip(t *testing.T) {
	env := newAPIEnv(t)
	env.postJSON(t, "/api/nodes", cluster.NodeSpec{Capacity: cluster.Capacity{CPUCores: 8, MemoryGB: 32}}, nil)

	var sim struct {
		ID string `json:"id"`
	}
	env.postJSON(t, "/api/simulations", workflow.SimulationSpec{
		Name: "checkpointed",
		Stages: []workflow.StageSpec{
			{Name: "run", Request: cluster.Capacity{CPUCores: 4, MemoryGB: 16}},
		},
	}, &sim)
	assigned := waitForEvent[scheduler.EventStageAssigned](t, env.events)

	state := []byte("model state at step 5000")
	var cp checkpoint.Checkpoint
	resp := env.do(t, http.MethodPost, "/api/stages/"+assigned.Stage+"/checkpoints", "application/octet-stream", state, &cp)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, cp.Sequence)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/stages/"+assigned.Stage+"/checkpoints/latest", nil)
	require.NoError(t, err)
	getResp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	defer getResp.Body.Close()

	require.Equal(t, http.StatusOK, getResp.StatusCode)
	fetched, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, state, fetched)
	assert.Equal(t, cp.ID, getResp.Header.Get("X-Canopy-Checkpoint-Id"))
}

func TestAPIRequestedCheckpointReachesWorker(t *testing.T) {
	env := newAPIEnv(t)

	var node struct {
		ID string `json:"id"`
	}
	env.postJSON(t, "/api/nodes", cluster.NodeSpec{Capacity: cluster.Capacity{CPUCores: 8, MemoryGB: 32}}, &node)

	env.postJSON(t, "/api/simulations", workflow.SimulationSpec{
		Name: "snapshot-on-demand",
		Stages: []workflow.StageSpec{
			// No cadence policy: only an explicit request triggers a checkpoint.
			{Name: "run", Request: cluster.Capacity{CPUCores: 4, MemoryGB: 16}},
		},
	}, nil)
	assigned := waitForEvent[scheduler.EventStageAssigned](t, env.events)

	var heartbeat heartbeatResponse
	env.postJSON(t, "/api/nodes/"+node.ID+"/heartbeat", cluster.HeartbeatReport{}, &heartbeat)
	assert.Empty(t, heartbeat.Checkpoint, "nothing due before the request")

	resp := env.postJSON(t, "/api/stages/"+assigned.Stage+"/checkpoints/request", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env.postJSON(t, "/api/nodes/"+node.ID+"/heartbeat", cluster.HeartbeatReport{}, &heartbeat)
	assert.Equal(t, []string{assigned.Stage}, heartbeat.Checkpoint)

	// Unknown stages are rejected outright.
	resp = env.postJSON(t, "/api/stages/ghost-stage/checkpoints/request", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIScenarioResults(t *testing.T) {
	env := newAPIEnv(t)

	var evaluated struct {
		Scenario     string  `json:"scenario"`
		PromiseScore float64 `json:"promise_score"`
	}
	resp := env.postJSON(t, "/api/scenarios/rcp85/results", scenario.PreliminaryResult{
		Quality:        0.8,
		BudgetConsumed: 100,
		BudgetTotal:    1000,
		At:             time.Now(),
	}, &evaluated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rcp85", evaluated.Scenario)
	assert.Greater(t, evaluated.PromiseScore, 0.0)

	var rankings []scenario.Ranking
	env.do(t, http.MethodGet, "/api/scenarios", "", nil, &rankings)
	require.Len(t, rankings, 1)
	assert.Equal(t, "rcp85", rankings[0].ScenarioID)
}

func TestAPIUnknownSimulationRecords(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(t, http.MethodGet, fmt.Sprintf("/api/simulations/%s/records", "missing-sim"), "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
