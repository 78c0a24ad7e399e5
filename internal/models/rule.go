package models

import (
	"fmt"
	"sort"
	"strings"
)

// Direction identifies which side of the security group a rule applies to.
type Direction string

const (
	DirectionIngress Direction = "ingress"
	DirectionEgress  Direction = "egress"
)

// Canonical protocol tokens. Any other protocol is carried as its decimal
// IANA number (e.g. "47" for GRE).
const (
	ProtocolAll    = "-1"
	ProtocolTCP    = "tcp"
	ProtocolUDP    = "udp"
	ProtocolICMP   = "icmp"
	ProtocolICMPv6 = "icmpv6"
)

// SourceKind is the form of a rule's peer. The form is part of the rule's
// identity: a CIDR and a security group reference are never interchangeable.
type SourceKind string

const (
	SourceCIDRv4        SourceKind = "cidr-ipv4"
	SourceCIDRv6        SourceKind = "cidr-ipv6"
	SourcePrefixList    SourceKind = "prefix-list"
	SourceSecurityGroup SourceKind = "security-group"
)

// Source is the peer of a rule: the traffic source for ingress rules and the
// destination for egress rules.
type Source struct {
	Kind  SourceKind `json:"kind"`
	Value string     `json:"value"`
}

// String renders the source value as it appears in the provider console.
func (s Source) String() string { return s.Value }

// Rule is the canonical form of a single directional permission.
//
// The struct is comparable and its value is the canonical tuple
// (direction, protocol, port range, source): two Rules are the same rule iff
// they are ==. Rules are only ever produced by the normalizer and are passed
// by value, so a constructed Rule is never mutated.
//
// HasPorts is false when the rule covers every port of its protocol (or the
// protocol has no ports). FromPort and ToPort are zero in that case. For ICMP
// the pair carries the ICMP type and code.
type Rule struct {
	Direction Direction `json:"direction"`
	Protocol  string    `json:"protocol"`
	HasPorts  bool      `json:"has_ports"`
	FromPort  int32     `json:"from_port,omitempty"`
	ToPort    int32     `json:"to_port,omitempty"`
	Source    Source    `json:"source"`
}

// Key returns a stable string form of the canonical tuple. It is used for
// deterministic ordering and as a log/report identifier.
func (r Rule) Key() string {
	ports := "*"
	if r.HasPorts {
		ports = fmt.Sprintf("%d-%d", r.FromPort, r.ToPort)
	}
	return strings.Join([]string{
		string(r.Direction), r.Protocol, ports, string(r.Source.Kind), r.Source.Value,
	}, "|")
}

// IsOpenToInternet reports whether the rule's peer is the whole IPv4 or IPv6
// address space.
func (r Rule) IsOpenToInternet() bool {
	return r.Source.Value == "0.0.0.0/0" || r.Source.Value == "::/0"
}

// CoversPort reports whether traffic to port would match the rule.
func (r Rule) CoversPort(port int32) bool {
	switch r.Protocol {
	case ProtocolAll:
		return true
	case ProtocolTCP, ProtocolUDP:
		return !r.HasPorts || (port >= r.FromPort && port <= r.ToPort)
	default:
		return false
	}
}

// RuleSet is an unordered set of canonical rules. Duplicate tuples collapse
// on construction. A RuleSet is read-only once built.
type RuleSet struct {
	rules map[Rule]struct{}
}

// NewRuleSet builds a RuleSet from rules in any order.
func NewRuleSet(rules ...Rule) RuleSet {
	set := RuleSet{rules: make(map[Rule]struct{}, len(rules))}
	for _, r := range rules {
		set.rules[r] = struct{}{}
	}
	return set
}

// Contains reports whether r is a member of the set.
func (s RuleSet) Contains(r Rule) bool {
	_, ok := s.rules[r]
	return ok
}

// Len returns the number of distinct rules.
func (s RuleSet) Len() int { return len(s.rules) }

// Rules returns every rule sorted by Key.
func (s RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for r := range s.rules {
		out = append(out, r)
	}
	SortRules(out)
	return out
}

// Ingress returns the inbound rules sorted by Key.
func (s RuleSet) Ingress() []Rule { return s.direction(DirectionIngress) }

// Egress returns the outbound rules sorted by Key.
func (s RuleSet) Egress() []Rule { return s.direction(DirectionEgress) }

func (s RuleSet) direction(d Direction) []Rule {
	var out []Rule
	for r := range s.rules {
		if r.Direction == d {
			out = append(out, r)
		}
	}
	SortRules(out)
	return out
}

// SortRules sorts rules in place by Key.
func SortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key() < rules[j].Key() })
}
