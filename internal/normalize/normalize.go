// Package normalize converts provider-shaped permissions into canonical
// rules so that semantically identical rules compare equal regardless of
// where they came from (baseline file, change event or live API).
package normalize

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

const (
	minPort = 0
	maxPort = 65535
	maxICMP = 255
)

var protocolAliases = map[string]string{
	"-1":     models.ProtocolAll,
	"all":    models.ProtocolAll,
	"tcp":    models.ProtocolTCP,
	"6":      models.ProtocolTCP,
	"udp":    models.ProtocolUDP,
	"17":     models.ProtocolUDP,
	"icmp":   models.ProtocolICMP,
	"1":      models.ProtocolICMP,
	"icmpv6": models.ProtocolICMPv6,
	"58":     models.ProtocolICMPv6,
}

// Normalize returns one canonical Rule per source listed in raw. It fails
// only with a MalformedRule fault.
func Normalize(direction models.Direction, raw models.RawRule) ([]models.Rule, error) {
	if direction != models.DirectionIngress && direction != models.DirectionEgress {
		return nil, malformed("unknown direction %q", direction)
	}

	proto, err := canonicalProtocol(raw.IPProtocol)
	if err != nil {
		return nil, err
	}

	hasPorts, from, to, err := canonicalPorts(proto, raw.FromPort, raw.ToPort)
	if err != nil {
		return nil, err
	}

	sources, err := canonicalSources(raw)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, malformed("%s rule %s has no sources", direction, proto)
	}

	rules := make([]models.Rule, 0, len(sources))
	for _, src := range sources {
		rules = append(rules, models.Rule{
			Direction: direction,
			Protocol:  proto,
			HasPorts:  hasPorts,
			FromPort:  from,
			ToPort:    to,
			Source:    src,
		})
	}
	return rules, nil
}

// NormalizeAll normalizes every ingress and egress permission and collects
// the results into a RuleSet. The first malformed permission aborts the
// whole set.
func NormalizeAll(ingress, egress []models.RawRule) (models.RuleSet, error) {
	var all []models.Rule
	for i, raw := range ingress {
		rules, err := Normalize(models.DirectionIngress, raw)
		if err != nil {
			return models.RuleSet{}, fmt.Errorf("ingress[%d]: %w", i, err)
		}
		all = append(all, rules...)
	}
	for i, raw := range egress {
		rules, err := Normalize(models.DirectionEgress, raw)
		if err != nil {
			return models.RuleSet{}, fmt.Errorf("egress[%d]: %w", i, err)
		}
		all = append(all, rules...)
	}
	return models.NewRuleSet(all...), nil
}

// NormalizeDirected normalizes permissions that each carry their own
// direction, as found in change events.
func NormalizeDirected(raws []models.DirectedRawRule) ([]models.Rule, error) {
	var out []models.Rule
	for i, d := range raws {
		rules, err := Normalize(d.Direction, d.Rule)
		if err != nil {
			return nil, fmt.Errorf("rule[%d]: %w", i, err)
		}
		out = append(out, rules...)
	}
	return out, nil
}

// Raw renders a canonical rule back into the provider shape. The result is
// accepted by the provider's revoke API and normalizes back to exactly r.
func Raw(r models.Rule) models.RawRule {
	raw := models.RawRule{IPProtocol: r.Protocol}

	switch r.Protocol {
	case models.ProtocolTCP, models.ProtocolUDP:
		from, to := int32(minPort), int32(maxPort)
		if r.HasPorts {
			from, to = r.FromPort, r.ToPort
		}
		raw.FromPort, raw.ToPort = &from, &to
	case models.ProtocolICMP, models.ProtocolICMPv6:
		from, to := int32(-1), int32(-1)
		if r.HasPorts {
			from, to = r.FromPort, r.ToPort
		}
		raw.FromPort, raw.ToPort = &from, &to
	}

	switch r.Source.Kind {
	case models.SourceCIDRv4:
		raw.IPRanges = []models.RawIPRange{{CidrIP: r.Source.Value}}
	case models.SourceCIDRv6:
		raw.IPv6Ranges = []models.RawIPv6Range{{CidrIPv6: r.Source.Value}}
	case models.SourcePrefixList:
		raw.PrefixListIDs = []models.RawPrefixList{{PrefixListID: r.Source.Value}}
	case models.SourceSecurityGroup:
		raw.UserIDGroupPairs = []models.RawGroupPair{{GroupID: r.Source.Value}}
	}
	return raw
}

// ---------------------------------------------------------------------------
// Package-private helpers
// ---------------------------------------------------------------------------

func canonicalProtocol(p string) (string, error) {
	token := strings.ToLower(strings.TrimSpace(p))
	if token == "" {
		return "", malformed("missing protocol")
	}
	if canon, ok := protocolAliases[token]; ok {
		return canon, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 || n > 255 {
		return "", malformed("unknown protocol %q", p)
	}
	// Numeric aliases of named protocols ("006") resolve to the name.
	if canon, ok := protocolAliases[strconv.Itoa(n)]; ok {
		return canon, nil
	}
	return strconv.Itoa(n), nil
}

func canonicalPorts(proto string, fromPtr, toPtr *int32) (hasPorts bool, from, to int32, err error) {
	if (fromPtr == nil) != (toPtr == nil) {
		return false, 0, 0, malformed("protocol %s: port range has only one bound", proto)
	}
	if fromPtr == nil {
		return false, 0, 0, nil
	}
	from, to = *fromPtr, *toPtr

	switch proto {
	case models.ProtocolTCP, models.ProtocolUDP:
		if from == -1 && to == -1 {
			return false, 0, 0, nil
		}
		if from < minPort || to > maxPort || from > to {
			return false, 0, 0, malformed("protocol %s: invalid port range %d-%d", proto, from, to)
		}
		if from == minPort && to == maxPort {
			return false, 0, 0, nil
		}
		return true, from, to, nil

	case models.ProtocolICMP, models.ProtocolICMPv6:
		// For ICMP the pair is (type, code); -1 means "any".
		if from == -1 {
			if to != -1 {
				return false, 0, 0, malformed("protocol %s: code %d given for any type", proto, to)
			}
			return false, 0, 0, nil
		}
		if from < 0 || from > maxICMP || to < -1 || to > maxICMP {
			return false, 0, 0, malformed("protocol %s: invalid type/code %d/%d", proto, from, to)
		}
		return true, from, to, nil

	default:
		if from == -1 && to == -1 {
			return false, 0, 0, nil
		}
		return false, 0, 0, malformed("protocol %s does not take ports (got %d-%d)", proto, from, to)
	}
}

func canonicalSources(raw models.RawRule) ([]models.Source, error) {
	var out []models.Source

	for _, r := range raw.IPRanges {
		p, err := parsePrefix(r.CidrIP)
		if err != nil {
			return nil, err
		}
		if !p.Addr().Is4() {
			return nil, malformed("IPv6 range %q listed as IPv4", r.CidrIP)
		}
		out = append(out, models.Source{Kind: models.SourceCIDRv4, Value: p.String()})
	}
	for _, r := range raw.IPv6Ranges {
		p, err := parsePrefix(r.CidrIPv6)
		if err != nil {
			return nil, err
		}
		if !p.Addr().Is6() || p.Addr().Is4In6() {
			return nil, malformed("IPv4 range %q listed as IPv6", r.CidrIPv6)
		}
		out = append(out, models.Source{Kind: models.SourceCIDRv6, Value: p.String()})
	}
	for _, r := range raw.PrefixListIDs {
		id := strings.ToLower(strings.TrimSpace(r.PrefixListID))
		if id == "" {
			return nil, malformed("empty prefix list id")
		}
		out = append(out, models.Source{Kind: models.SourcePrefixList, Value: id})
	}
	// The owning account of a referenced group is not part of rule identity.
	for _, r := range raw.UserIDGroupPairs {
		id := strings.ToLower(strings.TrimSpace(r.GroupID))
		if id == "" {
			return nil, malformed("empty security group reference")
		}
		out = append(out, models.Source{Kind: models.SourceSecurityGroup, Value: id})
	}
	return out, nil
}

// parsePrefix parses a CIDR and clears the host bits, so 10.0.0.5/8 and
// 10.0.0.0/8 are the same source.
func parsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, malformed("invalid CIDR %q", s)
	}
	return p.Masked(), nil
}

func malformed(format string, args ...any) error {
	return faults.Newf(faults.MalformedRule, "normalize rule", format, args...)
}
