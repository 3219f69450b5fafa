package judgment

import (
	"path"
	"sort"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// ResolveRisk maps an action type to a risk level using the tenant's
// definitions: exact name first, then glob patterns in priority order.
// Anything unmatched — including an absent action type — is HIGH.
func ResolveRisk(actionType string, defs []models.ActionRiskDefinition) models.RiskLevel {
	if actionType == "" || len(defs) == 0 {
		return models.RiskHigh
	}

	for _, def := range defs {
		if def.ActionType == actionType {
			return def.RiskLevel
		}
	}

	patterns := make([]models.ActionRiskDefinition, 0, len(defs))
	for _, def := range defs {
		if hasGlobMeta(def.ActionType) {
			patterns = append(patterns, def)
		}
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Priority > patterns[j].Priority
	})
	for _, def := range patterns {
		if ok, err := path.Match(def.ActionType, actionType); err == nil && ok {
			return def.RiskLevel
		}
	}

	return models.RiskHigh
}

func hasGlobMeta(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
