package scenario

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied map[string]float64
}

func (a *recordingApplier) ApplyScenarioPriority(scenarioID string, priority float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applied == nil {
		a.applied = make(map[string]float64)
	}
	a.applied[scenarioID] = priority
}

func newTestManager(strategy ScoringStrategy) (*Manager, *recordingApplier) {
	applier := &recordingApplier{}
	return NewManager(strategy, applier, slog.New(slog.NewTextHandler(io.Discard, nil))), applier
}

func result(quality, consumed, total float64) PreliminaryResult {
	return PreliminaryResult{Quality: quality, BudgetConsumed: consumed, BudgetTotal: total, At: time.Now()}
}

func TestWeightedStrategyPrefersImprovingScenarios(t *testing.T) {
	s := DefaultStrategy()

	improving := s.Score("a", []PreliminaryResult{
		result(0.2, 10, 100),
		result(0.5, 20, 100),
		result(0.8, 30, 100),
	})
	stagnating := s.Score("b", []PreliminaryResult{
		result(0.8, 10, 100),
		result(0.5, 20, 100),
		result(0.2, 30, 100),
	})

	assert.Greater(t, improving, stagnating)
}

func TestWeightedStrategyRewardsBudgetEfficiency(t *testing.T) {
	s := DefaultStrategy()

	frugal := s.Score("a", []PreliminaryResult{result(0.6, 10, 100)})
	profligate := s.Score("b", []PreliminaryResult{result(0.6, 95, 100)})

	assert.Greater(t, frugal, profligate)
}

func TestWeightedStrategyEmptyResults(t *testing.T) {
	assert.Zero(t, DefaultStrategy().Score("a", nil))
}

func TestEvaluateTracksRankings(t *testing.T) {
	m, _ := newTestManager(DefaultStrategy())

	scoreA := m.Evaluate("atmosphere", result(0.9, 10, 100))
	scoreB := m.Evaluate("ocean", result(0.1, 50, 100))
	assert.Greater(t, scoreA, scoreB)

	rankings := m.Rankings()
	require.Len(t, rankings, 2)
	assert.Equal(t, "atmosphere", rankings[0].ScenarioID, "rankings are sorted by promise")
}

func TestRebalanceAppliesPriorities(t *testing.T) {
	m, applier := newTestManager(DefaultStrategy())

	m.Evaluate("atmosphere", result(0.9, 10, 100))
	m.Evaluate("ocean", result(0.3, 40, 100))

	m.Rebalance()

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.applied, 2)
	assert.Greater(t, applier.applied["atmosphere"], applier.applied["ocean"])
}

// fixedStrategy makes score progression deterministic for windowing tests.
type fixedStrategy struct{ calls int }

func (s *fixedStrategy) Score(_ string, results []PreliminaryResult) float64 {
	s.calls++
	return float64(len(results))
}

func TestResultWindowIsBounded(t *testing.T) {
	strategy := &fixedStrategy{}
	m, _ := newTestManager(strategy)

	var score float64
	for i := 0; i < resultWindow+50; i++ {
		score = m.Evaluate("s", result(0.5, 1, 100))
	}
	assert.Equal(t, float64(resultWindow), score)
}
