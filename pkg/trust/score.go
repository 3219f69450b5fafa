// Package trust maintains per-ruleset trust levels and scores. The level
// gates how much autonomy the judgment engine grants a ruleset; every level
// change lands in trust_level_history, which is the source of truth for the
// cached level on the ruleset row.
package trust

import (
	"math"
	"time"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// feedbackEpsilon keeps the feedback ratio defined when no feedback exists.
const feedbackEpsilon = 1.0

// Scorer computes trust scores from ruleset counters and recent history.
type Scorer struct {
	cfg config.TrustConfig
}

// NewScorer creates a scorer with the configured component weights.
func NewScorer(cfg config.TrustConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score combines the five trust components under the configured weights.
// variance is the result disagreement across recent equivalent inputs as
// computed by the engine.
func (s *Scorer) Score(r *models.Ruleset, variance float64, now time.Time) (float64, models.TrustComponents) {
	c := models.TrustComponents{
		Accuracy:    accuracyComponent(r.AccuracyRate),
		Consistency: clamp01(1 - variance),
		Frequency:   frequencyComponent(r.ExecutionCount, s.cfg.FrequencyTarget),
		Feedback:    feedbackComponent(r.PositiveFeedback, r.NegativeFeedback),
		Age:         ageComponent(r.CreatedAt, now, s.cfg.AgeTargetDays),
	}

	wa, wc, wf, wb, wg := s.weights()
	score := c.Accuracy*wa + c.Consistency*wc + c.Frequency*wf + c.Feedback*wb + c.Age*wg
	return clamp01(score), c
}

// weights returns the configured component weights, falling back to five
// equal fifths when none are set.
func (s *Scorer) weights() (accuracy, consistency, frequency, feedback, age float64) {
	sum := s.cfg.AccuracyWeight + s.cfg.ConsistencyWeight + s.cfg.FrequencyWeight +
		s.cfg.FeedbackWeight + s.cfg.AgeWeight
	if sum <= 0 {
		return 0.2, 0.2, 0.2, 0.2, 0.2
	}
	return s.cfg.AccuracyWeight, s.cfg.ConsistencyWeight, s.cfg.FrequencyWeight,
		s.cfg.FeedbackWeight, s.cfg.AgeWeight
}

// accuracyComponent is the observed accuracy rate, neutral until feedback
// exists.
func accuracyComponent(rate *float64) float64 {
	if rate == nil {
		return 0.5
	}
	return clamp01(*rate)
}

// frequencyComponent saturates as execution_count approaches the target.
func frequencyComponent(count int64, target int) float64 {
	if count <= 0 {
		return 0
	}
	if target <= 0 {
		target = 1000
	}
	return math.Min(1, math.Log1p(float64(count))/math.Log1p(float64(target)))
}

func feedbackComponent(positive, negative int64) float64 {
	return float64(positive) / (float64(positive) + float64(negative) + feedbackEpsilon)
}

// ageComponent saturates as the ruleset approaches the target age in days.
func ageComponent(created, now time.Time, targetDays int) float64 {
	if targetDays <= 0 {
		targetDays = 90
	}
	days := now.Sub(created).Hours() / 24
	if days <= 0 {
		return 0
	}
	return math.Min(1, days/float64(targetDays))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
