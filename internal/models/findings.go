package models

import (
	"strings"
	"time"
)

// Severity represents the risk level of an unauthorized rule.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// ParseSeverity returns the severity named by s, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", false
	}
	return sev, true
}

// Rank orders severities; higher is more severe and 0 means unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RevocationOutcome is the result of attempting to remove one drifted rule.
type RevocationOutcome string

const (
	OutcomeRevoked       RevocationOutcome = "revoked"
	OutcomeAlreadyAbsent RevocationOutcome = "already-absent"
	OutcomeFailed        RevocationOutcome = "failed"
)

// Succeeded reports whether the rule is no longer present on the object.
func (o RevocationOutcome) Succeeded() bool {
	return o == OutcomeRevoked || o == OutcomeAlreadyAbsent
}

// RuleResult records what happened to one drifted rule.
type RuleResult struct {
	Rule        Rule              `json:"rule"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Outcome     RevocationOutcome `json:"outcome"`
	// Reason is set for failed revocations only.
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

// Actor identifies the principal that caused a change.
type Actor struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	ARN  string `json:"arn,omitempty"`
	// Known is false for the placeholder used when the event carried no
	// usable identity.
	Known bool `json:"known"`
}

// DriftFinding is the auditable record of one remediation pass over a
// security group. It is what the notifier renders.
type DriftFinding struct {
	ObjectID  string       `json:"object_id"`
	Region    string       `json:"region"`
	AccountID string       `json:"account_id,omitempty"`
	EventID   string       `json:"event_id"`
	EventName string       `json:"event_name"`
	EventTime time.Time    `json:"event_time"`
	Actor     Actor        `json:"actor"`
	Results   []RuleResult `json:"results"`
	// MissingBaselineRules lists baseline rules absent from the live group.
	// They are reported, never re-applied.
	MissingBaselineRules []Rule    `json:"missing_baseline_rules,omitempty"`
	DetectedAt           time.Time `json:"detected_at"`
}

// Succeeded reports whether every drifted rule was removed.
func (f *DriftFinding) Succeeded() bool {
	for _, r := range f.Results {
		if !r.Outcome.Succeeded() {
			return false
		}
	}
	return true
}

// Counts returns the number of removed and failed rules.
func (f *DriftFinding) Counts() (removed, failed int) {
	for _, r := range f.Results {
		if r.Outcome.Succeeded() {
			removed++
		} else {
			failed++
		}
	}
	return removed, failed
}

// HighestSeverity returns the most severe classification among the results,
// or "" when there are none.
func (f *DriftFinding) HighestSeverity() Severity {
	best := Severity("")
	for _, r := range f.Results {
		if r.Severity.Rank() > best.Rank() {
			best = r.Severity
		}
	}
	return best
}
