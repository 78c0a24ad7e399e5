// Package policy loads the optional severity policy: operator overrides of
// the built-in drift classification and the severity at which a check run
// fails.
package policy

// PolicyConfig is the parsed policy file.
type PolicyConfig struct {
	Version           int                `yaml:"version"`
	SeverityOverrides []SeverityOverride `yaml:"severity_overrides"`
	Enforcement       EnforcementConfig  `yaml:"enforcement"`
}

// SeverityOverride re-grades drifted rules that match every set field.
// Empty fields match anything.
type SeverityOverride struct {
	Direction string `yaml:"direction,omitempty"`
	Protocol  string `yaml:"protocol,omitempty"`
	// Ports is a single port ("22") or an inclusive range ("8000-8080").
	Ports string `yaml:"ports,omitempty"`
	// Source is one of any, internet or private.
	Source   string `yaml:"source,omitempty"`
	Severity string `yaml:"severity"`
}

type EnforcementConfig struct {
	FailOnSeverity string `yaml:"fail_on_severity,omitempty"`
}

const (
	SourceAny      = "any"
	SourceInternet = "internet"
	SourcePrivate  = "private"
)
