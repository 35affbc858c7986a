package scheduler

import "github.com/canopysim/canopy/namegen"

type Event interface{}

// Simulations

type EventSimulationScheduled struct {
	Simulation namegen.ID
	Scenario   string
	Stages     []string
}

type EventSimulationCompleted struct {
	Simulation namegen.ID
}

type EventSimulationFailed struct {
	Simulation namegen.ID
}

type EventSimulationCancelled struct {
	Simulation namegen.ID
}

type EventSimulationPaused struct {
	Simulation namegen.ID
}

type EventSimulationResumed struct {
	Simulation namegen.ID
	// Requeued lists the ready stages put back on the queue by the resume.
	Requeued []string
}

// Stages

type EventStageQueued struct {
	Stage    string
	Recovery bool
}

type EventStageAssigned struct {
	Stage     string
	Node      namegen.ID
	Protected bool
	Recovery  bool
	// Checkpoint is the id of the restored checkpoint the stage resumes
	// from, empty for fresh starts.
	Checkpoint string
}

type EventStageCompleted struct {
	Stage string
	Node  namegen.ID
}

type EventStageFailed struct {
	Stage  string
	Node   namegen.ID
	Reason string
}

type EventStagePreempted struct {
	Stage string
	Node  namegen.ID
	// By is the recovery stage that claimed the capacity.
	By string
}

type EventStageTornDown struct {
	Stage string
	Node  namegen.ID
}

// Diagnostics

type EventResourceStarvation struct {
	Stage    string
	Attempts int
}

type EventNodeReserved struct {
	Node  namegen.ID
	Stage string
}

type EventNodeEvicted struct {
	Node   namegen.ID
	Stages []string
}
