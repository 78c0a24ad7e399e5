// Package events turns incoming change notifications into ChangeEvents.
//
// Two shapes are accepted: the EventBridge envelope around a CloudTrail
// record ("AWS API Call via CloudTrail"), which is what the Lambda runtime
// delivers, and a flat ChangeEvent document for replay and the HTTP intake.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

const op = "parse change event"

// CloudTrail event name prefixes for security group rule mutations.
const (
	authorizePrefix = "AuthorizeSecurityGroup"
	revokePrefix    = "RevokeSecurityGroup"
)

// cloudTrailDetail is the part of a CloudTrail record we read.
type cloudTrailDetail struct {
	EventID            string             `json:"eventID"`
	EventTime          string             `json:"eventTime"`
	EventName          string             `json:"eventName"`
	AWSRegion          string             `json:"awsRegion"`
	RecipientAccountID string             `json:"recipientAccountId"`
	UserIdentity       json.RawMessage    `json:"userIdentity"`
	RequestParameters  *requestParameters `json:"requestParameters"`
	ErrorCode          string             `json:"errorCode"`
}

type requestParameters struct {
	GroupID       string `json:"groupId"`
	IPPermissions struct {
		Items []ctPermission `json:"items"`
	} `json:"ipPermissions"`
}

// ctPermission is an IpPermission as CloudTrail records it: lower camel
// case with every list wrapped in {"items": [...]}.
type ctPermission struct {
	IPProtocol string `json:"ipProtocol"`
	FromPort   *int32 `json:"fromPort"`
	ToPort     *int32 `json:"toPort"`
	IPRanges   struct {
		Items []struct {
			CidrIP      string `json:"cidrIp"`
			Description string `json:"description"`
		} `json:"items"`
	} `json:"ipRanges"`
	IPv6Ranges struct {
		Items []struct {
			CidrIPv6    string `json:"cidrIpv6"`
			Description string `json:"description"`
		} `json:"items"`
	} `json:"ipv6Ranges"`
	PrefixListIDs struct {
		Items []struct {
			PrefixListID string `json:"prefixListId"`
			Description  string `json:"description"`
		} `json:"items"`
	} `json:"prefixListIds"`
	Groups struct {
		Items []struct {
			GroupID     string `json:"groupId"`
			UserID      string `json:"userId"`
			Description string `json:"description"`
		} `json:"items"`
	} `json:"groups"`
}

// Parse decodes data as either an EventBridge envelope or a flat
// ChangeEvent. Anything else is a MalformedEvent fault.
func Parse(data []byte) (models.ChangeEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return models.ChangeEvent{}, faults.Newf(faults.MalformedEvent, op, "empty payload")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return models.ChangeEvent{}, faults.New(faults.MalformedEvent, op, err)
	}
	if _, ok := keys["detail"]; ok {
		var env lambdaevents.CloudWatchEvent
		if err := json.Unmarshal(data, &env); err != nil {
			return models.ChangeEvent{}, faults.New(faults.MalformedEvent, op, err)
		}
		return FromCloudWatchEvent(env)
	}

	return parseFlat(data)
}

// flatEvent is the replay/intake document. The short names (operation,
// actor) and the long ones (operation_kind, actor_identity) are both
// accepted; mutated_rules items are either directed {direction, rule} pairs
// or bare rules whose direction follows the event name.
type flatEvent struct {
	EventID       string            `json:"event_id"`
	EventTime     time.Time         `json:"event_time"`
	EventName     string            `json:"event_name"`
	Operation     string            `json:"operation"`
	OperationKind string            `json:"operation_kind"`
	ObjectID      string            `json:"object_id"`
	Region        string            `json:"region"`
	AccountID     string            `json:"account_id"`
	Actor         json.RawMessage   `json:"actor"`
	ActorIdentity json.RawMessage   `json:"actor_identity"`
	MutatedRules  []json.RawMessage `json:"mutated_rules"`
}

func parseFlat(data []byte) (models.ChangeEvent, error) {
	var f flatEvent
	if err := json.Unmarshal(data, &f); err != nil {
		return models.ChangeEvent{}, faults.New(faults.MalformedEvent, op, err)
	}
	if f.EventID == "" || f.ObjectID == "" {
		return models.ChangeEvent{}, faults.Newf(faults.MalformedEvent, op, "event_id and object_id are required")
	}

	ev := models.ChangeEvent{
		EventID:   f.EventID,
		EventTime: f.EventTime,
		EventName: f.EventName,
		ObjectID:  f.ObjectID,
		Region:    f.Region,
		AccountID: f.AccountID,
		Actor:     f.Actor,
	}
	if len(ev.Actor) == 0 || string(ev.Actor) == "null" {
		ev.Actor = f.ActorIdentity
	}

	kind := firstNonEmpty(f.Operation, f.OperationKind)
	switch {
	case kind != "":
		operation, err := parseOperation(kind)
		if err != nil {
			return models.ChangeEvent{}, err
		}
		ev.Operation = operation
	case f.EventName != "":
		ev.Operation = OperationFor(f.EventName)
	default:
		return models.ChangeEvent{}, faults.Newf(faults.MalformedEvent, op, "operation_kind or event_name is required")
	}

	dir := directionFor(f.EventName)
	for i, item := range f.MutatedRules {
		r, err := decodeMutatedRule(item, dir)
		if err != nil {
			return models.ChangeEvent{}, faults.New(faults.MalformedEvent, op, fmt.Errorf("mutated_rules[%d]: %w", i, err))
		}
		ev.MutatedRules = append(ev.MutatedRules, r)
	}
	return ev, nil
}

func parseOperation(s string) (models.Operation, error) {
	switch o := models.Operation(strings.ToLower(strings.TrimSpace(s))); o {
	case models.OperationAuthorize, models.OperationRevoke, models.OperationOther:
		return o, nil
	default:
		return "", faults.Newf(faults.MalformedEvent, op, "unknown operation %q; want authorize, revoke or other", s)
	}
}

func decodeMutatedRule(item json.RawMessage, dir models.Direction) (models.DirectedRawRule, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(item, &keys); err != nil {
		return models.DirectedRawRule{}, err
	}
	if _, ok := keys["rule"]; ok {
		var d models.DirectedRawRule
		if err := json.Unmarshal(item, &d); err != nil {
			return models.DirectedRawRule{}, err
		}
		if d.Direction == "" {
			d.Direction = dir
		}
		return d, nil
	}
	var r models.RawRule
	if err := json.Unmarshal(item, &r); err != nil {
		return models.DirectedRawRule{}, err
	}
	return models.DirectedRawRule{Direction: dir, Rule: r}, nil
}

// FromCloudWatchEvent converts an EventBridge-delivered CloudTrail record.
func FromCloudWatchEvent(env lambdaevents.CloudWatchEvent) (models.ChangeEvent, error) {
	if len(env.Detail) == 0 {
		return models.ChangeEvent{}, faults.Newf(faults.MalformedEvent, op, "event %s has no detail", env.ID)
	}
	var d cloudTrailDetail
	if err := json.Unmarshal(env.Detail, &d); err != nil {
		return models.ChangeEvent{}, faults.New(faults.MalformedEvent, op, fmt.Errorf("decode detail: %w", err))
	}

	ev := models.ChangeEvent{
		EventID:   d.EventID,
		EventName: d.EventName,
		Operation: OperationFor(d.EventName),
		Region:    firstNonEmpty(d.AWSRegion, env.Region),
		AccountID: firstNonEmpty(d.RecipientAccountID, env.AccountID),
		Actor:     d.UserIdentity,
	}
	if ev.EventID == "" {
		ev.EventID = env.ID
	}
	if ev.EventID == "" {
		return models.ChangeEvent{}, faults.Newf(faults.MalformedEvent, op, "event has no identifier")
	}

	ev.EventTime = env.Time.UTC()
	if d.EventTime != "" {
		t, err := time.Parse(time.RFC3339, d.EventTime)
		if err != nil {
			return models.ChangeEvent{}, faults.New(faults.MalformedEvent, op, fmt.Errorf("eventTime: %w", err))
		}
		ev.EventTime = t.UTC()
	}

	if d.RequestParameters != nil {
		ev.ObjectID = d.RequestParameters.GroupID
		dir := directionFor(d.EventName)
		for _, p := range d.RequestParameters.IPPermissions.Items {
			ev.MutatedRules = append(ev.MutatedRules, models.DirectedRawRule{Direction: dir, Rule: p.raw()})
		}
	}
	// A failed API call changed nothing.
	if d.ErrorCode != "" {
		ev.Operation = models.OperationOther
	}
	return ev, nil
}

// OperationFor maps a CloudTrail event name onto the operation it performs.
func OperationFor(eventName string) models.Operation {
	switch {
	case strings.HasPrefix(eventName, authorizePrefix):
		return models.OperationAuthorize
	case strings.HasPrefix(eventName, revokePrefix):
		return models.OperationRevoke
	default:
		return models.OperationOther
	}
}

func directionFor(eventName string) models.Direction {
	if strings.HasSuffix(eventName, "Egress") {
		return models.DirectionEgress
	}
	return models.DirectionIngress
}

func (p ctPermission) raw() models.RawRule {
	r := models.RawRule{IPProtocol: p.IPProtocol, FromPort: p.FromPort, ToPort: p.ToPort}
	for _, x := range p.IPRanges.Items {
		r.IPRanges = append(r.IPRanges, models.RawIPRange{CidrIP: x.CidrIP, Description: x.Description})
	}
	for _, x := range p.IPv6Ranges.Items {
		r.IPv6Ranges = append(r.IPv6Ranges, models.RawIPv6Range{CidrIPv6: x.CidrIPv6, Description: x.Description})
	}
	for _, x := range p.PrefixListIDs.Items {
		r.PrefixListIDs = append(r.PrefixListIDs, models.RawPrefixList{PrefixListID: x.PrefixListID, Description: x.Description})
	}
	for _, x := range p.Groups.Items {
		r.UserIDGroupPairs = append(r.UserIDGroupPairs, models.RawGroupPair{GroupID: x.GroupID, UserID: x.UserID, Description: x.Description})
	}
	return r
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
