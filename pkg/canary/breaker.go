package canary

import (
	"fmt"
	"time"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/models"
)

// warningFactor scales each threshold down to its warning line.
const warningFactor = 0.7

// check is one classified health probe.
type check struct {
	state models.CircuitState
	text  string
}

// EvaluateCircuit derives the breaker verdict from the latest canary and
// stable windows. It is stateless and re-reads the evidence on every call;
// the monitor decides what to do with the verdict.
//
// With fewer than cfg.MinSamples canary observations (or no canary window
// at all) the verdict is HEALTHY: thin evidence must never trip a rollback.
func EvaluateCircuit(canaryWin, stableWin *models.MetricsWindow, cfg models.CanaryConfig) models.CircuitStatus {
	status := models.CircuitStatus{
		State:     models.CircuitHealthy,
		Canary:    canaryWin,
		Stable:    stableWin,
		CheckedAt: time.Now().UTC(),
	}
	if canaryWin == nil || canaryWin.SampleCount < cfg.MinSamples {
		return status
	}

	checks := []check{
		absoluteErrorCheck(canaryWin, cfg),
		relativeErrorCheck(canaryWin, stableWin, cfg),
		relativeLatencyCheck(canaryWin, stableWin, cfg),
		consecutiveFailureCheck(canaryWin, cfg),
	}
	for _, c := range checks {
		switch c.state {
		case models.CircuitCritical:
			if status.HaltReason == "" {
				status.HaltReason = c.text
			}
		case models.CircuitWarning:
			status.Warnings = append(status.Warnings, c.text)
		}
		if c.state.Worse(status.State) {
			status.State = c.state
		}
	}
	status.ShouldHalt = status.State == models.CircuitCritical
	return status
}

// EffectiveConfig fills unset per-deployment thresholds from the configured
// defaults. AutoRollbackEnabled is always taken from the deployment row.
func EffectiveConfig(c models.CanaryConfig, defaults config.CanaryConfig) models.CanaryConfig {
	if c.MinSamples <= 0 {
		c.MinSamples = defaults.MinSamples
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = defaults.ErrorRateThreshold
	}
	if c.RelativeErrorThreshold <= 0 {
		c.RelativeErrorThreshold = defaults.RelativeErrorThreshold
	}
	if c.LatencyP95Threshold <= 0 {
		c.LatencyP95Threshold = defaults.LatencyP95Threshold
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = defaults.ConsecutiveFailureThreshold
	}
	return c
}

func absoluteErrorCheck(canary *models.MetricsWindow, cfg models.CanaryConfig) check {
	state := classify(canary.ErrorRate, cfg.ErrorRateThreshold)
	if state == models.CircuitHealthy {
		return check{state: state}
	}
	return check{state, fmt.Sprintf("canary error rate %.2f%% %s threshold %.2f%%",
		canary.ErrorRate*100, relation(state), cfg.ErrorRateThreshold*100)}
}

func relativeErrorCheck(canary, stable *models.MetricsWindow, cfg models.CanaryConfig) check {
	// Ratio is undefined while the stable side has no errors.
	if stable == nil || stable.ErrorRate <= 0 {
		return check{state: models.CircuitHealthy}
	}
	ratio := canary.ErrorRate / stable.ErrorRate
	state := classify(ratio, cfg.RelativeErrorThreshold)
	if state == models.CircuitHealthy {
		return check{state: state}
	}
	return check{state, fmt.Sprintf("canary error rate %.1fx stable, %s threshold %.1fx",
		ratio, relation(state), cfg.RelativeErrorThreshold)}
}

func relativeLatencyCheck(canary, stable *models.MetricsWindow, cfg models.CanaryConfig) check {
	// Needs a p95 on both sides.
	if canary.LatencyP95 == nil || stable == nil || stable.LatencyP95 == nil || *stable.LatencyP95 <= 0 {
		return check{state: models.CircuitHealthy}
	}
	ratio := *canary.LatencyP95 / *stable.LatencyP95
	state := classify(ratio, cfg.LatencyP95Threshold)
	if state == models.CircuitHealthy {
		return check{state: state}
	}
	return check{state, fmt.Sprintf("canary p95 latency %.1fx stable, %s threshold %.1fx",
		ratio, relation(state), cfg.LatencyP95Threshold)}
}

func consecutiveFailureCheck(canary *models.MetricsWindow, cfg models.CanaryConfig) check {
	state := classify(float64(canary.ConsecutiveFailures), float64(cfg.ConsecutiveFailureThreshold))
	if state == models.CircuitHealthy {
		return check{state: state}
	}
	return check{state, fmt.Sprintf("%d consecutive canary failures, %s threshold %d",
		canary.ConsecutiveFailures, relation(state), cfg.ConsecutiveFailureThreshold)}
}

// classify grades one measurement against its threshold. A disabled
// threshold (zero or negative) always reads healthy.
func classify(value, threshold float64) models.CircuitState {
	if threshold <= 0 {
		return models.CircuitHealthy
	}
	if value > threshold {
		return models.CircuitCritical
	}
	if value >= warningFactor*threshold {
		return models.CircuitWarning
	}
	return models.CircuitHealthy
}

// relation words the verdict line for a single check.
func relation(state models.CircuitState) string {
	if state == models.CircuitCritical {
		return "above"
	}
	return "near"
}
