package policy

import (
	"testing"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

func tcpRule(from, to int32, cidr string) models.Rule {
	return models.Rule{
		Direction: models.DirectionIngress,
		Protocol:  models.ProtocolTCP,
		HasPorts:  true,
		FromPort:  from,
		ToPort:    to,
		Source:    models.Source{Kind: models.SourceCIDRv4, Value: cidr},
	}
}

func TestApplyPolicy_NilConfig(t *testing.T) {
	results := []models.RuleResult{{Rule: tcpRule(22, 22, "0.0.0.0/0"), Severity: models.SeverityCritical}}

	out := ApplyPolicy(results, nil)

	if out[0].Severity != models.SeverityCritical {
		t.Fatalf("nil policy must not change severity")
	}
}

func TestApplyPolicy_SeverityOverride(t *testing.T) {
	cfg := &PolicyConfig{
		SeverityOverrides: []SeverityOverride{
			{Protocol: "tcp", Ports: "5432", Source: "private", Severity: "high"},
		},
	}

	results := []models.RuleResult{
		{Rule: tcpRule(5432, 5432, "10.0.0.0/8"), Severity: models.SeverityMedium, Outcome: models.OutcomeRevoked},
		{Rule: tcpRule(443, 443, "10.0.0.0/8"), Severity: models.SeverityMedium, Outcome: models.OutcomeRevoked},
	}

	out := ApplyPolicy(results, cfg)

	if out[0].Severity != models.SeverityHigh {
		t.Errorf("5432 from private: got %s, want HIGH", out[0].Severity)
	}
	if out[1].Severity != models.SeverityMedium {
		t.Errorf("443 must keep built-in severity, got %s", out[1].Severity)
	}
	if out[0].Outcome != models.OutcomeRevoked {
		t.Errorf("outcome must be preserved")
	}
	if results[0].Severity != models.SeverityMedium {
		t.Errorf("input slice was modified")
	}
}

func TestApplyPolicy_FirstMatchWins(t *testing.T) {
	cfg := &PolicyConfig{
		SeverityOverrides: []SeverityOverride{
			{Ports: "22", Severity: "LOW"},
			{Ports: "0-65535", Severity: "CRITICAL"},
		},
	}

	out := ApplyPolicy([]models.RuleResult{{Rule: tcpRule(22, 22, "0.0.0.0/0"), Severity: models.SeverityCritical}}, cfg)

	if out[0].Severity != models.SeverityLow {
		t.Fatalf("got %s, want LOW", out[0].Severity)
	}
}

// ── matching ──────────────────────────────────────────────────────────────────

func TestSeverity_Matching(t *testing.T) {
	allTraffic := models.Rule{
		Direction: models.DirectionEgress,
		Protocol:  models.ProtocolAll,
		Source:    models.Source{Kind: models.SourceCIDRv4, Value: "0.0.0.0/0"},
	}
	icmp := models.Rule{
		Direction: models.DirectionIngress,
		Protocol:  models.ProtocolICMP,
		HasPorts:  true,
		FromPort:  8,
		ToPort:    -1,
		Source:    models.Source{Kind: models.SourceCIDRv4, Value: "0.0.0.0/0"},
	}
	anyTCP := models.Rule{
		Direction: models.DirectionIngress,
		Protocol:  models.ProtocolTCP,
		Source:    models.Source{Kind: models.SourceCIDRv6, Value: "::/0"},
	}

	tests := []struct {
		name     string
		override SeverityOverride
		rule     models.Rule
		want     bool
	}{
		{"direction match", SeverityOverride{Direction: "INGRESS"}, tcpRule(80, 80, "10.0.0.0/8"), true},
		{"direction mismatch", SeverityOverride{Direction: "egress"}, tcpRule(80, 80, "10.0.0.0/8"), false},
		{"protocol alias all", SeverityOverride{Protocol: "all"}, allTraffic, true},
		{"protocol number", SeverityOverride{Protocol: "6"}, tcpRule(80, 80, "10.0.0.0/8"), true},
		{"protocol mismatch", SeverityOverride{Protocol: "udp"}, tcpRule(80, 80, "10.0.0.0/8"), false},
		{"port inside range", SeverityOverride{Ports: "8000-8100"}, tcpRule(8080, 8080, "10.0.0.0/8"), true},
		{"range overlaps rule", SeverityOverride{Ports: "20-25"}, tcpRule(0, 1024, "10.0.0.0/8"), true},
		{"port outside", SeverityOverride{Ports: "22"}, tcpRule(443, 443, "10.0.0.0/8"), false},
		{"all traffic covers ports", SeverityOverride{Ports: "22"}, allTraffic, true},
		{"all tcp ports", SeverityOverride{Ports: "3389"}, anyTCP, true},
		{"icmp has no ports", SeverityOverride{Ports: "8"}, icmp, false},
		{"invalid ports never match", SeverityOverride{Ports: "ssh"}, tcpRule(22, 22, "0.0.0.0/0"), false},
		{"internet v4", SeverityOverride{Source: "internet"}, tcpRule(22, 22, "0.0.0.0/0"), true},
		{"internet v6", SeverityOverride{Source: "internet"}, anyTCP, true},
		{"internet vs private", SeverityOverride{Source: "internet"}, tcpRule(22, 22, "10.0.0.0/8"), false},
		{"private", SeverityOverride{Source: "private"}, tcpRule(22, 22, "10.0.0.0/8"), true},
		{"any", SeverityOverride{Source: "any"}, tcpRule(22, 22, "0.0.0.0/0"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.override.matches(tt.rule); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeverity_InvalidOverrideSeveritySkipped(t *testing.T) {
	cfg := &PolicyConfig{
		SeverityOverrides: []SeverityOverride{
			{Ports: "22", Severity: "URGENT"},
			{Ports: "22", Severity: "medium"},
		},
	}

	got := Severity(tcpRule(22, 22, "0.0.0.0/0"), models.SeverityCritical, cfg)

	if got != models.SeverityMedium {
		t.Fatalf("got %s, want MEDIUM from the next valid override", got)
	}
}

func TestParsePorts(t *testing.T) {
	if pr, err := parsePorts("22"); err != nil || pr.from != 22 || pr.to != 22 {
		t.Errorf("22: got %+v, %v", pr, err)
	}
	if pr, err := parsePorts(" 8000 - 8080 "); err != nil || pr.from != 8000 || pr.to != 8080 {
		t.Errorf("8000-8080: got %+v, %v", pr, err)
	}
	for _, bad := range []string{"", "x", "80-", "90-80", "70000", "-1"} {
		if _, err := parsePorts(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
