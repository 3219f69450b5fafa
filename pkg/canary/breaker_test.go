package canary

import (
	"strings"
	"testing"

	"github.com/fabrikhq/decision-core/pkg/config"
	"github.com/fabrikhq/decision-core/pkg/models"
)

func floatPtr(v float64) *float64 { return &v }

func testCanaryConfig() models.CanaryConfig {
	return models.CanaryConfig{
		MinSamples:                  10,
		ErrorRateThreshold:          0.05,
		RelativeErrorThreshold:      2.0,
		LatencyP95Threshold:         2.0,
		ConsecutiveFailureThreshold: 5,
	}
}

func metricsWindow(samples int, errorRate float64, p95 *float64, consecutive int) *models.MetricsWindow {
	return &models.MetricsWindow{
		SampleCount:         samples,
		ErrorRate:           errorRate,
		LatencyP95:          p95,
		ConsecutiveFailures: consecutive,
	}
}

func TestEvaluateCircuit(t *testing.T) {
	tests := []struct {
		name       string
		canary     *models.MetricsWindow
		stable     *models.MetricsWindow
		cfg        *models.CanaryConfig
		wantState  models.CircuitState
		wantHalt   bool
		wantReason string // substring of HaltReason; empty means no reason
		wantWarns  int
	}{
		{
			name:      "no canary window",
			canary:    nil,
			stable:    metricsWindow(100, 0.02, floatPtr(120), 0),
			wantState: models.CircuitHealthy,
		},
		{
			name:      "below min samples never halts",
			canary:    metricsWindow(9, 1.0, floatPtr(900), 9),
			stable:    metricsWindow(100, 0.0, floatPtr(100), 0),
			wantState: models.CircuitHealthy,
		},
		{
			name:      "clean canary",
			canary:    metricsWindow(50, 0.0, floatPtr(110), 0),
			stable:    metricsWindow(500, 0.01, floatPtr(100), 0),
			wantState: models.CircuitHealthy,
		},
		{
			name:       "absolute error rate critical",
			canary:     metricsWindow(120, 0.5, nil, 0),
			wantState:  models.CircuitCritical,
			wantHalt:   true,
			wantReason: "error rate",
		},
		{
			name:      "error rate at threshold warns",
			canary:    metricsWindow(100, 0.05, nil, 0),
			wantState: models.CircuitWarning,
			wantWarns: 1,
		},
		{
			name:      "error rate in warning band",
			canary:    metricsWindow(100, 0.04, nil, 0),
			wantState: models.CircuitWarning,
			wantWarns: 1,
		},
		{
			name:      "error rate under warning band",
			canary:    metricsWindow(100, 0.03, nil, 0),
			wantState: models.CircuitHealthy,
		},
		{
			name:       "relative error rate critical",
			canary:     metricsWindow(100, 0.03, nil, 0),
			stable:     metricsWindow(500, 0.01, nil, 0),
			wantState:  models.CircuitCritical,
			wantHalt:   true,
			wantReason: "stable",
		},
		{
			name:      "relative check skipped when stable clean",
			canary:    metricsWindow(100, 0.03, nil, 0),
			stable:    metricsWindow(500, 0.0, nil, 0),
			wantState: models.CircuitHealthy,
		},
		{
			name:       "latency ratio critical",
			canary:     metricsWindow(50, 0.0, floatPtr(330), 0),
			stable:     metricsWindow(500, 0.0, floatPtr(100), 0),
			wantState:  models.CircuitCritical,
			wantHalt:   true,
			wantReason: "p95",
		},
		{
			name:      "latency ratio warning band",
			canary:    metricsWindow(50, 0.0, floatPtr(150), 0),
			stable:    metricsWindow(500, 0.0, floatPtr(100), 0),
			wantState: models.CircuitWarning,
			wantWarns: 1,
		},
		{
			name:      "latency check skipped without stable p95",
			canary:    metricsWindow(50, 0.0, floatPtr(900), 0),
			stable:    metricsWindow(500, 0.0, nil, 0),
			wantState: models.CircuitHealthy,
		},
		{
			name:       "consecutive failures critical",
			canary:     metricsWindow(40, 0.15, nil, 6),
			cfg:        &models.CanaryConfig{MinSamples: 10, ConsecutiveFailureThreshold: 5},
			wantState:  models.CircuitCritical,
			wantHalt:   true,
			wantReason: "consecutive",
		},
		{
			name:      "consecutive failures warning",
			canary:    metricsWindow(40, 0.1, nil, 4),
			cfg:       &models.CanaryConfig{MinSamples: 10, ConsecutiveFailureThreshold: 5},
			wantState: models.CircuitWarning,
			wantWarns: 1,
		},
		{
			name:       "first critical wins the halt reason",
			canary:     metricsWindow(200, 0.5, floatPtr(500), 12),
			stable:     metricsWindow(500, 0.02, floatPtr(100), 0),
			wantState:  models.CircuitCritical,
			wantHalt:   true,
			wantReason: "error rate",
		},
		{
			name:      "warning next to critical is still collected",
			canary:    metricsWindow(100, 0.04, nil, 7),
			cfg:       &models.CanaryConfig{MinSamples: 10, ErrorRateThreshold: 0.05, ConsecutiveFailureThreshold: 5},
			wantState:  models.CircuitCritical,
			wantHalt:   true,
			wantReason: "consecutive",
			wantWarns:  1,
		},
		{
			name:      "all thresholds disabled",
			canary:    metricsWindow(100, 0.9, floatPtr(999), 50),
			stable:    metricsWindow(100, 0.01, floatPtr(10), 0),
			cfg:       &models.CanaryConfig{},
			wantState: models.CircuitHealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testCanaryConfig()
			if tt.cfg != nil {
				cfg = *tt.cfg
			}
			got := EvaluateCircuit(tt.canary, tt.stable, cfg)
			if got.State != tt.wantState {
				t.Errorf("State = %s, want %s", got.State, tt.wantState)
			}
			if got.ShouldHalt != tt.wantHalt {
				t.Errorf("ShouldHalt = %v, want %v", got.ShouldHalt, tt.wantHalt)
			}
			if tt.wantReason == "" && got.HaltReason != "" {
				t.Errorf("HaltReason = %q, want none", got.HaltReason)
			}
			if tt.wantReason != "" && !strings.Contains(got.HaltReason, tt.wantReason) {
				t.Errorf("HaltReason = %q, want it to mention %q", got.HaltReason, tt.wantReason)
			}
			if len(got.Warnings) != tt.wantWarns {
				t.Errorf("Warnings = %v, want %d entries", got.Warnings, tt.wantWarns)
			}
			if got.Canary != tt.canary || got.Stable != tt.stable {
				t.Error("verdict should embed the windows it judged")
			}
			if got.CheckedAt.IsZero() {
				t.Error("CheckedAt not set")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		threshold float64
		want      models.CircuitState
	}{
		{"disabled threshold", 99, 0, models.CircuitHealthy},
		{"negative threshold", 99, -1, models.CircuitHealthy},
		{"well under", 0.5, 1.0, models.CircuitHealthy},
		{"just under warning line", 0.69, 1.0, models.CircuitHealthy},
		{"at warning line", 0.7, 1.0, models.CircuitWarning},
		{"between warning and threshold", 0.9, 1.0, models.CircuitWarning},
		{"at threshold", 1.0, 1.0, models.CircuitWarning},
		{"over threshold", 1.01, 1.0, models.CircuitCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.value, tt.threshold); got != tt.want {
				t.Errorf("classify(%v, %v) = %s, want %s", tt.value, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestEffectiveConfig(t *testing.T) {
	defaults := config.CanaryConfig{
		MinSamples:                  10,
		ErrorRateThreshold:          0.05,
		RelativeErrorThreshold:      2.0,
		LatencyP95Threshold:         2.0,
		ConsecutiveFailureThreshold: 5,
	}

	t.Run("zero values take defaults", func(t *testing.T) {
		got := EffectiveConfig(models.CanaryConfig{AutoRollbackEnabled: true}, defaults)
		want := models.CanaryConfig{
			MinSamples:                  10,
			ErrorRateThreshold:          0.05,
			RelativeErrorThreshold:      2.0,
			LatencyP95Threshold:         2.0,
			ConsecutiveFailureThreshold: 5,
			AutoRollbackEnabled:         true,
		}
		if got != want {
			t.Errorf("EffectiveConfig() = %+v, want %+v", got, want)
		}
	})

	t.Run("explicit values kept", func(t *testing.T) {
		stored := models.CanaryConfig{
			MinSamples:                  30,
			ErrorRateThreshold:          0.10,
			RelativeErrorThreshold:      3.0,
			LatencyP95Threshold:         1.5,
			ConsecutiveFailureThreshold: 8,
		}
		if got := EffectiveConfig(stored, defaults); got != stored {
			t.Errorf("EffectiveConfig() = %+v, want %+v", got, stored)
		}
	})

	t.Run("partial overrides merge", func(t *testing.T) {
		got := EffectiveConfig(models.CanaryConfig{ErrorRateThreshold: 0.2}, defaults)
		if got.ErrorRateThreshold != 0.2 || got.MinSamples != 10 || got.ConsecutiveFailureThreshold != 5 {
			t.Errorf("EffectiveConfig() = %+v", got)
		}
	})
}
