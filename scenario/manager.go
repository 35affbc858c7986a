package scenario

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PriorityApplier is how rebalanced priorities reach the scheduler. The
// scheduler applies them on its own loop, so a rebalance never races with
// assignment decisions and never touches running stages.
type PriorityApplier interface {
	ApplyScenarioPriority(scenarioID string, priority float64)
}

// Ranking is the current promise assessment of one scenario.
type Ranking struct {
	ScenarioID    string    `json:"scenario_id"`
	PromiseScore  float64   `json:"promise_score"`
	LastEvaluated time.Time `json:"last_evaluated"`
}

// resultWindow bounds how many preliminary results are retained per scenario.
const resultWindow = 256

// Manager periodically re-ranks competing scenarios from their preliminary
// results and pushes the resulting priorities to the scheduler.
type Manager struct {
	mu       sync.Mutex
	strategy ScoringStrategy
	applier  PriorityApplier
	log      *slog.Logger

	results  map[string][]PreliminaryResult
	rankings map[string]Ranking
}

func NewManager(strategy ScoringStrategy, applier PriorityApplier, log *slog.Logger) *Manager {
	return &Manager{
		strategy: strategy,
		applier:  applier,
		log:      log.With("component", "scenario"),
		results:  make(map[string][]PreliminaryResult),
		rankings: make(map[string]Ranking),
	}
}

// Evaluate ingests preliminary results for a scenario and recomputes its
// promise score.
func (m *Manager) Evaluate(scenarioID string, results ...PreliminaryResult) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.results[scenarioID], results...)
	if len(window) > resultWindow {
		window = window[len(window)-resultWindow:]
	}
	m.results[scenarioID] = window

	score := m.strategy.Score(scenarioID, window)
	m.rankings[scenarioID] = Ranking{
		ScenarioID:    scenarioID,
		PromiseScore:  score,
		LastEvaluated: time.Now(),
	}
	return score
}

// Rebalance pushes the current promise scores to the scheduler as scenario
// priorities. Priority changes only affect future queue ordering; the
// scheduler never preempts running preemption-protected work because of a
// rebalance.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	rankings := make([]Ranking, 0, len(m.rankings))
	for _, r := range m.rankings {
		rankings = append(rankings, r)
	}
	m.mu.Unlock()

	for _, r := range rankings {
		m.applier.ApplyScenarioPriority(r.ScenarioID, r.PromiseScore)
	}
	if len(rankings) > 0 {
		m.log.Info("Scenario priorities rebalanced", "scenarios", len(rankings))
	}
}

// Rankings returns all scenarios ordered by descending promise.
func (m *Manager) Rankings() []Ranking {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Ranking, 0, len(m.rankings))
	for _, r := range m.rankings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PromiseScore > out[j].PromiseScore })
	return out
}

// Run rebalances on a fixed cadence until the context is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Rebalance()
		}
	}
}
