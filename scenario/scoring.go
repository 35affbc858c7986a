package scenario

import (
	"time"

	"github.com/samber/lo"
)

// PreliminaryResult is an incoming observation about a scenario's research
// output: how good the partial results look and how much of the scenario's
// compute budget produced them.
type PreliminaryResult struct {
	Quality        float64   `json:"quality"` // 0..1, domain-specific result quality
	BudgetConsumed float64   `json:"budget_consumed"`
	BudgetTotal    float64   `json:"budget_total"`
	At             time.Time `json:"at"`
}

// ScoringStrategy turns a scenario's preliminary results into a promise
// score. The exact formula is a research-policy decision, so it is injected
// rather than hard-coded.
type ScoringStrategy interface {
	Score(scenarioID string, results []PreliminaryResult) float64
}

// WeightedStrategy is the default scoring strategy: a weighted combination of
// current result quality, quality trend, and remaining-budget efficiency.
type WeightedStrategy struct {
	QualityWeight    float64
	TrendWeight      float64
	EfficiencyWeight float64
}

func DefaultStrategy() WeightedStrategy {
	return WeightedStrategy{
		QualityWeight:    0.5,
		TrendWeight:      0.3,
		EfficiencyWeight: 0.2,
	}
}

func (s WeightedStrategy) Score(_ string, results []PreliminaryResult) float64 {
	if len(results) == 0 {
		return 0
	}

	latest := results[len(results)-1]
	quality := lo.Clamp(latest.Quality, 0, 1)

	// Trend: quality gained since the oldest retained result, mapped from
	// [-1, 1] to [0, 1] so stagnating scenarios land in the middle.
	trend := 0.5
	if len(results) > 1 {
		trend = lo.Clamp((quality-lo.Clamp(results[0].Quality, 0, 1))/2+0.5, 0, 1)
	}

	// Efficiency: quality achieved per fraction of budget burned, squashed
	// into [0, 1). A scenario that reached high quality on little budget is
	// promising to extend.
	efficiency := quality
	if latest.BudgetTotal > 0 && latest.BudgetConsumed > 0 {
		burned := lo.Clamp(latest.BudgetConsumed/latest.BudgetTotal, 0.01, 1)
		ratio := quality / burned
		efficiency = ratio / (1 + ratio)
	}

	total := s.QualityWeight + s.TrendWeight + s.EfficiencyWeight
	if total == 0 {
		return 0
	}
	return (s.QualityWeight*quality + s.TrendWeight*trend + s.EfficiencyWeight*efficiency) / total
}
