package detection

import (
	"math"

	"github.com/adtruth/server/internal/behavior"
)

// Score aggregation constants.
const (
	corroborationStep = 0.1
	maxMultiplier     = 1.5
)

// Score reduces findings to a fraud likelihood in [0, 1]: the mean confidence,
// boosted by 10% per additional finding up to 1.5x, capped at 1.
func Score(findings []Finding) float64 {
	if len(findings) == 0 {
		return 0.0
	}

	var total float64
	for _, f := range findings {
		total += f.Confidence
	}
	avgConfidence := total / float64(len(findings))
	multiplier := math.Min(1+corroborationStep*float64(len(findings)-1), maxMultiplier)

	return math.Max(0, math.Min(avgConfidence*multiplier, 1.0))
}

// Result bundles the findings and score of one evaluation.
type Result struct {
	Findings []Finding `json:"impossibilities"`
	Score    float64   `json:"fraud_score"`
}

// Assess evaluates snap and scores the findings in one step.
func (c *Catalogue) Assess(snap behavior.Snapshot) Result {
	findings := c.Evaluate(snap)
	return Result{Findings: findings, Score: Score(findings)}
}

// Kinds lists the kinds of the findings in r, in order.
func (r Result) Kinds() []string {
	out := make([]string, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = string(f.Kind)
	}
	return out
}
