package store

import (
	"context"
	"encoding/json"
	"time"
)

// StatusRecord is a durable, queryable record of a terminal state change.
// Every terminal failure path produces one; no error silently drops a
// simulation from tracking.
type StatusRecord struct {
	SimulationID string    `json:"simulation_id"`
	StageID      string    `json:"stage_id,omitempty"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Store persists orchestrator state — scheduling snapshots, submitted
// simulation specs, checkpoint pointers — so the coordinator can restart
// without losing in-flight job state. Values are stored as JSON documents
// under string keys.
type Store interface {
	SaveState(ctx context.Context, key string, value any) error
	// LoadState returns false when the key does not exist.
	LoadState(ctx context.Context, key string, into any) (bool, error)
	// LoadAll returns all values whose key starts with prefix, keyed by the
	// full key.
	LoadAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	DeleteState(ctx context.Context, key string) error

	AppendStatus(ctx context.Context, record StatusRecord) error
	StatusRecords(ctx context.Context, simulationID string) ([]StatusRecord, error)

	Close() error
}
