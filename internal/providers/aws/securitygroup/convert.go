package securitygroup

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// rawFromPermission copies an SDK IpPermission into the provider-neutral
// RawRule shape. Nothing is interpreted here; the normalizer owns that.
func rawFromPermission(p ec2types.IpPermission) models.RawRule {
	raw := models.RawRule{
		IPProtocol: aws.ToString(p.IpProtocol),
		FromPort:   p.FromPort,
		ToPort:     p.ToPort,
	}
	for _, r := range p.IpRanges {
		raw.IPRanges = append(raw.IPRanges, models.RawIPRange{
			CidrIP:      aws.ToString(r.CidrIp),
			Description: aws.ToString(r.Description),
		})
	}
	for _, r := range p.Ipv6Ranges {
		raw.IPv6Ranges = append(raw.IPv6Ranges, models.RawIPv6Range{
			CidrIPv6:    aws.ToString(r.CidrIpv6),
			Description: aws.ToString(r.Description),
		})
	}
	for _, pl := range p.PrefixListIds {
		raw.PrefixListIDs = append(raw.PrefixListIDs, models.RawPrefixList{
			PrefixListID: aws.ToString(pl.PrefixListId),
			Description:  aws.ToString(pl.Description),
		})
	}
	for _, g := range p.UserIdGroupPairs {
		raw.UserIDGroupPairs = append(raw.UserIDGroupPairs, models.RawGroupPair{
			GroupID:     aws.ToString(g.GroupId),
			UserID:      aws.ToString(g.UserId),
			Description: aws.ToString(g.Description),
		})
	}
	return raw
}

// permissionFromRaw builds the IpPermission sent to the revoke APIs.
func permissionFromRaw(raw models.RawRule) ec2types.IpPermission {
	p := ec2types.IpPermission{
		IpProtocol: aws.String(raw.IPProtocol),
		FromPort:   raw.FromPort,
		ToPort:     raw.ToPort,
	}
	for _, r := range raw.IPRanges {
		p.IpRanges = append(p.IpRanges, ec2types.IpRange{CidrIp: aws.String(r.CidrIP)})
	}
	for _, r := range raw.IPv6Ranges {
		p.Ipv6Ranges = append(p.Ipv6Ranges, ec2types.Ipv6Range{CidrIpv6: aws.String(r.CidrIPv6)})
	}
	for _, pl := range raw.PrefixListIDs {
		p.PrefixListIds = append(p.PrefixListIds, ec2types.PrefixListId{PrefixListId: aws.String(pl.PrefixListID)})
	}
	for _, g := range raw.UserIDGroupPairs {
		pair := ec2types.UserIdGroupPair{GroupId: aws.String(g.GroupID)}
		if g.UserID != "" {
			pair.UserId = aws.String(g.UserID)
		}
		p.UserIdGroupPairs = append(p.UserIdGroupPairs, pair)
	}
	return p
}
