package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

var (
	// ErrNoCheckpoint means the stage has no validated checkpoint and must
	// restart from scratch.
	ErrNoCheckpoint = errors.New("no validated checkpoint")
	// ErrChecksumMismatch means a written snapshot failed validation. The
	// checkpoint is treated as if it never existed.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// Checkpoint is an immutable reference to a validated snapshot.
type Checkpoint struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	StageID      string    `json:"stage_id"`
	Sequence     int       `json:"sequence"`
	Location     string    `json:"location"`
	CreatedAt    time.Time `json:"created_at"`
	Hash         string    `json:"hash"`
}

// stageLog is the append-only checkpoint log of one stage. latest indexes the
// last validated entry; entries before it are retained per policy and
// garbage-collected once superseded.
type stageLog struct {
	entries []Checkpoint
	nextSeq int
}

// Manager creates, validates, restores and garbage-collects checkpoints.
//
// Creation is a two-phase commit: the snapshot is written to the blob store
// and read back for hash validation, and only then is the stage's "latest
// validated checkpoint" pointer advanced — the pointer update is the commit
// point. A crash mid-write leaves the previous checkpoint untouched.
type Manager struct {
	store  BlobStore
	log    *slog.Logger
	retain int

	mu       sync.Mutex
	logs     map[string]*stageLog // by stage FQN
	due      map[string]time.Time
	lastDone map[string]time.Time
}

// DefaultRetention keeps the last two validated checkpoints per stage,
// enabling rollback-of-rollback.
const DefaultRetention = 2

func NewManager(store BlobStore, log *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		log:      log.With("component", "checkpoint"),
		retain:   DefaultRetention,
		logs:     make(map[string]*stageLog),
		due:      make(map[string]time.Time),
		lastDone: make(map[string]time.Time),
	}
}

// ScheduleCheckpoint marks a stage as due for a checkpoint now. Workers learn
// about due checkpoints through their heartbeat responses and upload a
// snapshot in return.
func (m *Manager) ScheduleCheckpoint(stageID string) {
	m.mu.Lock()
	m.due[stageID] = time.Now()
	m.mu.Unlock()
}

// Due reports whether a checkpoint is currently requested for the stage.
func (m *Manager) Due(stageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.due[stageID]
	return ok
}

// Plan applies a stage's cadence policy: if the next checkpoint time has
// passed, the stage is marked due. risk comes from the failure detector and
// only matters for adaptive policies. Returns true if the stage is now due.
func (m *Manager) Plan(stageID string, policy Policy, estimatedRuntime time.Duration, startedAt time.Time, risk float64) bool {
	if !policy.Enabled() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, already := m.due[stageID]; already {
		return true
	}
	last, ok := m.lastDone[stageID]
	if !ok {
		last = startedAt
	}
	if time.Now().After(policy.NextAfter(last, estimatedRuntime, risk)) {
		m.due[stageID] = time.Now()
		return true
	}
	return false
}

// Commit runs the two-phase checkpoint commit for an uploaded snapshot.
// Phase one writes the blob (with retries) and validates it by reading it
// back and comparing hashes; phase two advances the latest-validated pointer
// and garbage-collects superseded entries beyond the retention window.
func (m *Manager) Commit(ctx context.Context, simulationID, stageID string, data []byte) (Checkpoint, error) {
	m.mu.Lock()
	sl, ok := m.logs[stageID]
	if !ok {
		sl = &stageLog{nextSeq: 1}
		m.logs[stageID] = sl
	}
	seq := sl.nextSeq
	sl.nextSeq++
	m.mu.Unlock()

	location := fmt.Sprintf("%s/%06d-%s", stageID, seq, uuid.NewString())
	want := hashBytes(data)

	var got string
	err := retry.Do(
		func() error {
			var err error
			got, err = m.store.Put(ctx, location, data)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("write checkpoint: %w", err)
	}

	// Validate what's actually durable, not what we handed over.
	stored, err := m.store.Get(ctx, location)
	if err != nil || got != want || hashBytes(stored) != want {
		_ = m.store.Delete(ctx, location)
		m.log.Error("Checkpoint failed validation", "stage", stageID, "sequence", seq)
		return Checkpoint{}, ErrChecksumMismatch
	}

	cp := Checkpoint{
		ID:           uuid.NewString(),
		SimulationID: simulationID,
		StageID:      stageID,
		Sequence:     seq,
		Location:     location,
		CreatedAt:    time.Now(),
		Hash:         want,
	}

	// Commit point: publish the checkpoint and clear the due marker.
	m.mu.Lock()
	sl.entries = append(sl.entries, cp)
	delete(m.due, stageID)
	m.lastDone[stageID] = cp.CreatedAt
	evict := make([]Checkpoint, 0)
	if extra := len(sl.entries) - m.retain; extra > 0 {
		evict = append(evict, sl.entries[:extra]...)
		sl.entries = append([]Checkpoint(nil), sl.entries[extra:]...)
	}
	m.mu.Unlock()

	// Superseded checkpoints are deleted only now, after a successor was
	// validated.
	for _, old := range evict {
		if err := m.store.Delete(ctx, old.Location); err != nil {
			m.log.Warn("Failed to delete superseded checkpoint", "stage", stageID, "location", old.Location, "error", err)
		}
	}

	m.log.Info("Checkpoint committed", "stage", stageID, "sequence", seq)
	return cp, nil
}

// Restore returns the latest validated checkpoint for a stage, or
// ErrNoCheckpoint if none exists.
func (m *Manager) Restore(stageID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl, ok := m.logs[stageID]
	if !ok || len(sl.entries) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return sl.entries[len(sl.entries)-1], nil
}

// Fetch loads the snapshot bytes of a checkpoint and re-validates them
// against the recorded hash.
func (m *Manager) Fetch(ctx context.Context, cp Checkpoint) ([]byte, error) {
	data, err := m.store.Get(ctx, cp.Location)
	if err != nil {
		return nil, fmt.Errorf("fetch checkpoint %s: %w", cp.ID, err)
	}
	if hashBytes(data) != cp.Hash {
		return nil, ErrChecksumMismatch
	}
	return data, nil
}

// Validated returns the retained validated checkpoints for a stage, oldest
// first.
func (m *Manager) Validated(stageID string) []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl, ok := m.logs[stageID]
	if !ok {
		return nil
	}
	return append([]Checkpoint(nil), sl.entries...)
}

// Export snapshots the latest-validated pointers for durable persistence, so
// a restarted coordinator can resume recovery decisions.
func (m *Manager) Export() map[string][]Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]Checkpoint, len(m.logs))
	for stage, sl := range m.logs {
		out[stage] = append([]Checkpoint(nil), sl.entries...)
	}
	return out
}

// Import restores previously exported checkpoint logs.
func (m *Manager) Import(logs map[string][]Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for stage, entries := range logs {
		next := 1
		if n := len(entries); n > 0 {
			next = entries[n-1].Sequence + 1
		}
		m.logs[stage] = &stageLog{
			entries: append([]Checkpoint(nil), entries...),
			nextSeq: next,
		}
	}
}
