// Package securitygroup reads and revokes the rules of one EC2 security
// group.
package securitygroup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2svc "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/normalize"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/retry"
)

// API error codes with a specific meaning for this client.
const (
	codeGroupNotFound      = "InvalidGroup.NotFound"
	codeGroupIDMalformed   = "InvalidGroupId.Malformed"
	codePermissionNotFound = "InvalidPermission.NotFound"
)

// Snapshot is the live permission list of a group in provider shape.
type Snapshot struct {
	GroupID   string
	GroupName string
	VPCID     string
	OwnerID   string
	Ingress   []models.RawRule
	Egress    []models.RawRule
}

// Client is the production current-state fetcher and revoker.
//
// Canonical rules name a referenced group by id alone. Describe remembers
// the owning account of every referenced group it sees, and RevokeRule
// sends it back so that cross-account references match.
type Client struct {
	ec2    common.EC2Client
	policy retry.Policy
	logger *zap.Logger

	mu     sync.Mutex
	owners map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy sets the backoff used for throttled describe calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client calling EC2 through api.
func NewClient(api common.EC2Client, opts ...Option) *Client {
	c := &Client{ec2: api, policy: retry.DefaultPolicy, logger: zap.NewNop(), owners: map[string]string{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Fetch
// ---------------------------------------------------------------------------

// Describe returns the group's live permissions in provider shape.
// Throttled calls are retried with bounded backoff before the fault is
// returned.
func (c *Client) Describe(ctx context.Context, groupID string) (*Snapshot, error) {
	var out *ec2svc.DescribeSecurityGroupsOutput
	_, err := retry.Do(ctx, c.policy, common.IsThrottle, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.ec2.DescribeSecurityGroups(ctx, &ec2svc.DescribeSecurityGroupsInput{
			GroupIds: []string{groupID},
		})
		return callErr
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("describe security group throttled",
			zap.String("object_id", groupID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, classify("describe security group "+groupID, err)
	}

	for _, sg := range out.SecurityGroups {
		if aws.ToString(sg.GroupId) != groupID {
			continue
		}
		snap := snapshotFrom(sg)
		c.rememberOwners(snap)
		return snap, nil
	}
	return nil, faults.Newf(faults.ObjectNotFound, "describe security group", "security group %s not found", groupID)
}

// FetchCurrentRules returns the canonical live rule set of the group. A live
// permission the normalizer rejects is a MalformedRule fault.
func (c *Client) FetchCurrentRules(ctx context.Context, groupID string) (models.RuleSet, error) {
	snap, err := c.Describe(ctx, groupID)
	if err != nil {
		return models.RuleSet{}, err
	}
	set, err := normalize.NormalizeAll(snap.Ingress, snap.Egress)
	if err != nil {
		return models.RuleSet{}, fmt.Errorf("normalize live rules of %s: %w", groupID, err)
	}
	return set, nil
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

// RevokeRule removes exactly one canonical rule from the group. It makes a
// single API call; callers own retries. alreadyAbsent is true when the
// provider reports that the rule did not exist, which counts as success.
func (c *Client) RevokeRule(ctx context.Context, groupID string, r models.Rule) (alreadyAbsent bool, err error) {
	raw := normalize.Raw(r)
	for i, pair := range raw.UserIDGroupPairs {
		raw.UserIDGroupPairs[i].UserID = c.ownerOf(pair.GroupID)
	}
	perm := permissionFromRaw(raw)
	op := fmt.Sprintf("revoke %s rule on %s", r.Direction, groupID)

	var unknown []ec2types.IpPermission
	switch r.Direction {
	case models.DirectionIngress:
		out, callErr := c.ec2.RevokeSecurityGroupIngress(ctx, &ec2svc.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		err = callErr
		if out != nil {
			unknown = out.UnknownIpPermissions
		}
	case models.DirectionEgress:
		out, callErr := c.ec2.RevokeSecurityGroupEgress(ctx, &ec2svc.RevokeSecurityGroupEgressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		err = callErr
		if out != nil {
			unknown = out.UnknownIpPermissions
		}
	default:
		return false, faults.Newf(faults.MalformedRule, op, "unknown direction %q", r.Direction)
	}

	if err != nil {
		if common.HasCode(err, codePermissionNotFound) {
			return true, nil
		}
		return false, classify(op, err)
	}
	return len(unknown) > 0, nil
}

// ---------------------------------------------------------------------------
// Package-private helpers
// ---------------------------------------------------------------------------

func snapshotFrom(sg ec2types.SecurityGroup) *Snapshot {
	snap := &Snapshot{
		GroupID:   aws.ToString(sg.GroupId),
		GroupName: aws.ToString(sg.GroupName),
		VPCID:     aws.ToString(sg.VpcId),
		OwnerID:   aws.ToString(sg.OwnerId),
	}
	for _, p := range sg.IpPermissions {
		snap.Ingress = append(snap.Ingress, rawFromPermission(p))
	}
	for _, p := range sg.IpPermissionsEgress {
		snap.Egress = append(snap.Egress, rawFromPermission(p))
	}
	return snap
}

func (c *Client) rememberOwners(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rules := range [][]models.RawRule{snap.Ingress, snap.Egress} {
		for _, r := range rules {
			for _, g := range r.UserIDGroupPairs {
				if g.GroupID != "" && g.UserID != "" {
					c.owners[g.GroupID] = g.UserID
				}
			}
		}
	}
}

func (c *Client) ownerOf(groupID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[groupID]
}

// classify maps an EC2 error onto the fault taxonomy. Errors that match no
// known code are returned wrapped but unclassified.
func classify(op string, err error) error {
	switch {
	case common.HasCode(err, codeGroupNotFound, codeGroupIDMalformed):
		return faults.New(faults.ObjectNotFound, op, err)
	case common.IsThrottle(err):
		return faults.New(faults.ProviderThrottled, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
