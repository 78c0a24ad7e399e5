// Package drift compares a baseline rule set with the live rule set of the
// monitored security group.
package drift

import (
	"fmt"
	"strings"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

const (
	sshPort = 22
	rdpPort = 3389
)

// Diff returns the rules present in current but not in baseline, sorted by
// canonical key. These are the only rules the remediator may touch. The
// result is empty iff current is a subset of baseline.
func Diff(baseline, current models.RuleSet) []models.Rule {
	return subtract(current, baseline)
}

// Missing returns baseline rules absent from the live group. They are
// reported for visibility and never re-applied.
func Missing(baseline, current models.RuleSet) []models.Rule {
	return subtract(baseline, current)
}

func subtract(a, b models.RuleSet) []models.Rule {
	var out []models.Rule
	for _, r := range a.Rules() {
		if !b.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Classify grades how dangerous an unauthorized rule is. It only affects
// reporting; every drifted rule is revoked regardless of its severity.
//
//   - CRITICAL: remote admin ports (SSH 22, RDP 3389) or all traffic, open
//     to the internet (0.0.0.0/0 or ::/0).
//   - HIGH: any other rule open to the internet.
//   - MEDIUM: everything else.
func Classify(r models.Rule) models.Severity {
	if !r.IsOpenToInternet() {
		return models.SeverityMedium
	}
	if r.Protocol == models.ProtocolAll || r.CoversPort(sshPort) || r.CoversPort(rdpPort) {
		return models.SeverityCritical
	}
	return models.SeverityHigh
}

// Describe renders a rule the way an operator reads it in a notification,
// e.g. "Inbound Protocol tcp, Port 22 from 0.0.0.0/0".
func Describe(r models.Rule) string {
	var b strings.Builder
	if r.Direction == models.DirectionEgress {
		b.WriteString("Outbound ")
	} else {
		b.WriteString("Inbound ")
	}

	switch {
	case r.Protocol == models.ProtocolAll:
		b.WriteString("All traffic")
	case r.Protocol == models.ProtocolICMP || r.Protocol == models.ProtocolICMPv6:
		fmt.Fprintf(&b, "Protocol %s", r.Protocol)
		if r.HasPorts {
			if r.ToPort == -1 {
				fmt.Fprintf(&b, ", Type %d", r.FromPort)
			} else {
				fmt.Fprintf(&b, ", Type %d Code %d", r.FromPort, r.ToPort)
			}
		}
	case !r.HasPorts:
		fmt.Fprintf(&b, "Protocol %s", r.Protocol)
		if r.Protocol == models.ProtocolTCP || r.Protocol == models.ProtocolUDP {
			b.WriteString(", All ports")
		}
	case r.FromPort == r.ToPort:
		fmt.Fprintf(&b, "Protocol %s, Port %d", r.Protocol, r.FromPort)
	default:
		fmt.Fprintf(&b, "Protocol %s, Ports %d-%d", r.Protocol, r.FromPort, r.ToPort)
	}

	if r.Direction == models.DirectionEgress {
		b.WriteString(" to ")
	} else {
		b.WriteString(" from ")
	}
	b.WriteString(r.Source.Value)
	return b.String()
}
