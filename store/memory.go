package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Memory is an in-process Store, used in tests and for ephemeral
// single-process deployments.
type Memory struct {
	mu       sync.RWMutex
	state    map[string]json.RawMessage
	statuses []StatusRecord
}

func NewMemory() *Memory {
	return &Memory{state: make(map[string]json.RawMessage)}
}

func (m *Memory) SaveState(_ context.Context, key string, value any) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadState(_ context.Context, key string, into any) (bool, error) {
	m.mu.RLock()
	buf, ok := m.state[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(buf, into)
}

func (m *Memory) LoadAll(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	for key, buf := range m.state {
		if strings.HasPrefix(key, prefix) {
			out[key] = append(json.RawMessage(nil), buf...)
		}
	}
	return out, nil
}

func (m *Memory) DeleteState(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.state, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendStatus(_ context.Context, record StatusRecord) error {
	m.mu.Lock()
	m.statuses = append(m.statuses, record)
	m.mu.Unlock()
	return nil
}

func (m *Memory) StatusRecords(_ context.Context, simulationID string) ([]StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []StatusRecord
	for _, record := range m.statuses {
		if simulationID == "" || record.SimulationID == simulationID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
