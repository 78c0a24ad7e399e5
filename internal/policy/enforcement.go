package policy

import (
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// ShouldFail reports whether any result has a severity at or above the
// configured fail_on_severity threshold.
//
// It returns false when:
//   - cfg is nil (no policy loaded)
//   - fail_on_severity is empty or an unrecognised value
//   - results is empty
//
// SeverityRank ordering: CRITICAL > HIGH > MEDIUM > LOW.
func ShouldFail(results []models.RuleResult, cfg *PolicyConfig) bool {
	if cfg == nil || cfg.Enforcement.FailOnSeverity == "" {
		return false
	}
	threshold, ok := models.ParseSeverity(cfg.Enforcement.FailOnSeverity)
	if !ok {
		return false
	}
	for _, r := range results {
		if r.Severity.Rank() >= threshold.Rank() {
			return true
		}
	}
	return false
}
