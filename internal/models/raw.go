package models

// RawRule is a permission in the provider's wire shape (the EC2 IpPermission
// layout). It is what the baseline document, the change event and the live
// DescribeSecurityGroups call carry. A single RawRule may list several
// sources; the normalizer splits it into one Rule per source.
//
// Field names follow the EC2 JSON casing so that documents produced by the
// AWS CLI or boto3 decode without translation.
type RawRule struct {
	IPProtocol       string          `json:"IpProtocol" yaml:"IpProtocol"`
	FromPort         *int32          `json:"FromPort,omitempty" yaml:"FromPort,omitempty"`
	ToPort           *int32          `json:"ToPort,omitempty" yaml:"ToPort,omitempty"`
	IPRanges         []RawIPRange    `json:"IpRanges,omitempty" yaml:"IpRanges,omitempty"`
	IPv6Ranges       []RawIPv6Range  `json:"Ipv6Ranges,omitempty" yaml:"Ipv6Ranges,omitempty"`
	PrefixListIDs    []RawPrefixList `json:"PrefixListIds,omitempty" yaml:"PrefixListIds,omitempty"`
	UserIDGroupPairs []RawGroupPair  `json:"UserIdGroupPairs,omitempty" yaml:"UserIdGroupPairs,omitempty"`
}

// RawIPRange is an IPv4 CIDR source. Description is informational only and
// never part of a rule's identity.
type RawIPRange struct {
	CidrIP      string `json:"CidrIp" yaml:"CidrIp"`
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
}

// RawIPv6Range is an IPv6 CIDR source.
type RawIPv6Range struct {
	CidrIPv6    string `json:"CidrIpv6" yaml:"CidrIpv6"`
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
}

// RawPrefixList references a managed prefix list.
type RawPrefixList struct {
	PrefixListID string `json:"PrefixListId" yaml:"PrefixListId"`
	Description  string `json:"Description,omitempty" yaml:"Description,omitempty"`
}

// RawGroupPair references another security group, optionally in another
// account.
type RawGroupPair struct {
	GroupID     string `json:"GroupId" yaml:"GroupId"`
	UserID      string `json:"UserId,omitempty" yaml:"UserId,omitempty"`
	Description string `json:"Description,omitempty" yaml:"Description,omitempty"`
}

// DirectedRawRule pairs a RawRule with the side of the group it targets.
type DirectedRawRule struct {
	Direction Direction `json:"direction"`
	Rule      RawRule   `json:"rule"`
}
