package policy

import (
	"strings"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// ApplyPolicy re-grades results with the first matching severity override.
// Outcomes are untouched: the policy changes how drift is reported, never
// whether it is revoked. The input slice is not modified.
func ApplyPolicy(results []models.RuleResult, cfg *PolicyConfig) []models.RuleResult {
	if cfg == nil || len(cfg.SeverityOverrides) == 0 {
		return results
	}

	out := make([]models.RuleResult, len(results))
	for i, res := range results {
		res.Severity = Severity(res.Rule, res.Severity, cfg)
		out[i] = res
	}
	return out
}

// Severity returns the override for r, or current when none matches.
func Severity(r models.Rule, current models.Severity, cfg *PolicyConfig) models.Severity {
	if cfg == nil {
		return current
	}
	for _, o := range cfg.SeverityOverrides {
		if !o.matches(r) {
			continue
		}
		if sev, ok := models.ParseSeverity(o.Severity); ok {
			return sev
		}
	}
	return current
}

func (o SeverityOverride) matches(r models.Rule) bool {
	if o.Direction != "" && !strings.EqualFold(o.Direction, string(r.Direction)) {
		return false
	}
	if o.Protocol != "" && canonicalProtocol(o.Protocol) != r.Protocol {
		return false
	}
	if o.Ports != "" {
		pr, err := parsePorts(o.Ports)
		if err != nil || !overlaps(pr, r) {
			return false
		}
	}
	switch strings.ToLower(o.Source) {
	case SourceInternet:
		return r.IsOpenToInternet()
	case SourcePrivate:
		return !r.IsOpenToInternet()
	}
	return true
}

// overlaps reports whether any port in pr reaches r. Rules without a port
// dimension match only when they cover every port.
func overlaps(pr portRange, r models.Rule) bool {
	switch r.Protocol {
	case models.ProtocolAll:
		return true
	case models.ProtocolTCP, models.ProtocolUDP:
		if !r.HasPorts {
			return true
		}
		return r.FromPort <= pr.to && pr.from <= r.ToPort
	default:
		return false
	}
}

func canonicalProtocol(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case "all":
		return models.ProtocolAll
	case "6":
		return models.ProtocolTCP
	case "17":
		return models.ProtocolUDP
	default:
		return p
	}
}
