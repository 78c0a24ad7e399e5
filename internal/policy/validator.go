package policy

import (
	"fmt"
	"strings"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

const severityValues = "CRITICAL, HIGH, MEDIUM, LOW"

// Validate checks cfg for semantic correctness and returns all validation errors
// found. An empty slice means the config is valid.
//
// Checks performed:
//   - version must be 1
//   - override direction must be ingress or egress if set
//   - override ports must be a port or an ascending range within 0-65535
//   - override source must be any, internet or private if set
//   - override severity is required and must be a valid severity value
//   - an override must constrain at least one field
//   - enforcement fail_on_severity must be a valid severity value if set
//
// All errors are collected before returning; Validate never stops at the first error.
func Validate(cfg *PolicyConfig) []error {
	if cfg == nil {
		return []error{fmt.Errorf("policy config is nil")}
	}

	var errs []error

	if cfg.Version != 1 {
		errs = append(errs, fmt.Errorf("version: unsupported value %d; must be 1", cfg.Version))
	}

	for i, o := range cfg.SeverityOverrides {
		field := fmt.Sprintf("severity_overrides[%d]", i)
		switch strings.ToLower(o.Direction) {
		case "", "ingress", "egress":
		default:
			errs = append(errs, fmt.Errorf("%s.direction: invalid value %q; valid values: ingress, egress", field, o.Direction))
		}
		if o.Ports != "" {
			if _, err := parsePorts(o.Ports); err != nil {
				errs = append(errs, fmt.Errorf("%s.ports: %w", field, err))
			}
		}
		switch strings.ToLower(o.Source) {
		case "", SourceAny, SourceInternet, SourcePrivate:
		default:
			errs = append(errs, fmt.Errorf("%s.source: invalid value %q; valid values: any, internet, private", field, o.Source))
		}
		if o.Severity == "" {
			errs = append(errs, fmt.Errorf("%s.severity: required", field))
		} else if !validSeverity(o.Severity) {
			errs = append(errs, fmt.Errorf("%s.severity: invalid value %q; valid values: %s", field, o.Severity, severityValues))
		}
		if o.Direction == "" && o.Protocol == "" && o.Ports == "" && o.Source == "" {
			errs = append(errs, fmt.Errorf("%s: matches every rule; set direction, protocol, ports or source", field))
		}
	}

	if f := cfg.Enforcement.FailOnSeverity; f != "" && !validSeverity(f) {
		errs = append(errs, fmt.Errorf("enforcement.fail_on_severity: invalid value %q; valid values: %s", f, severityValues))
	}

	return errs
}

func validSeverity(s string) bool {
	_, ok := models.ParseSeverity(s)
	return ok
}
