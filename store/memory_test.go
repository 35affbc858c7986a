package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	type snapshot struct {
		Queue []string `json:"queue"`
	}

	require.NoError(t, m.SaveState(ctx, "scheduler", snapshot{Queue: []string{"a", "b"}}))

	var loaded snapshot
	ok, err := m.LoadState(ctx, "scheduler", &loaded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, loaded.Queue)

	ok, err = m.LoadState(ctx, "missing", &loaded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLoadAll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveState(ctx, "simulation:one", 1))
	require.NoError(t, m.SaveState(ctx, "simulation:two", 2))
	require.NoError(t, m.SaveState(ctx, "scheduler", 3))

	all, err := m.LoadAll(ctx, "simulation:")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "simulation:one")

	require.NoError(t, m.DeleteState(ctx, "simulation:one"))
	all, err = m.LoadAll(ctx, "simulation:")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStatusRecords(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendStatus(ctx, StatusRecord{SimulationID: "sim-1", StageID: "sim-1-a", State: "manual_intervention_required", At: time.Now()}))
	require.NoError(t, m.AppendStatus(ctx, StatusRecord{SimulationID: "sim-2", State: "failed", At: time.Now()}))

	records, err := m.StatusRecords(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "manual_intervention_required", records[0].State)

	all, err := m.StatusRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
