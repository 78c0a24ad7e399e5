// Package identity works out who made a change from the audit record's
// userIdentity block.
package identity

import (
	"encoding/json"
	"strings"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// UnknownName is the actor name used when the event carries no usable
// identity.
const UnknownName = "unknown"

// CloudTrail userIdentity types handled specially.
const (
	typeIAMUser     = "IAMUser"
	typeAssumedRole = "AssumedRole"
	typeRoot        = "Root"
)

// userIdentity is the subset of CloudTrail's userIdentity element we read.
type userIdentity struct {
	Type           string `json:"type"`
	PrincipalID    string `json:"principalId"`
	ARN            string `json:"arn"`
	AccountID      string `json:"accountId"`
	UserName       string `json:"userName"`
	InvokedBy      string `json:"invokedBy"`
	SessionContext *struct {
		SessionIssuer *struct {
			Type     string `json:"type"`
			UserName string `json:"userName"`
			ARN      string `json:"arn"`
		} `json:"sessionIssuer"`
	} `json:"sessionContext"`
}

// Unknown returns the placeholder actor.
func Unknown() models.Actor {
	return models.Actor{Name: UnknownName, Type: "Unknown"}
}

// Extract resolves the actor of ev.
//
// IAM users are named by user name, assumed roles by the issuing role's
// name (or the session name from the ARN), the root user as "root", and
// anything else by principal id. When no identity can be read an
// IdentityUnavailable fault is returned together with the placeholder, so
// callers can log the fault and carry on.
func Extract(ev models.ChangeEvent) (models.Actor, error) {
	const op = "extract identity"
	if len(ev.Actor) == 0 || string(ev.Actor) == "null" {
		return Unknown(), faults.Newf(faults.IdentityUnavailable, op, "event %s has no userIdentity", ev.EventID)
	}

	var name string
	if err := json.Unmarshal(ev.Actor, &name); err == nil {
		return named(ev.EventID, name)
	}

	var id userIdentity
	if err := json.Unmarshal(ev.Actor, &id); err != nil {
		return Unknown(), faults.New(faults.IdentityUnavailable, op, err)
	}

	actor := models.Actor{Type: id.Type, ARN: id.ARN, Known: true}
	switch id.Type {
	case typeIAMUser:
		actor.Name = id.UserName
	case typeAssumedRole:
		if id.SessionContext != nil && id.SessionContext.SessionIssuer != nil {
			actor.Name = id.SessionContext.SessionIssuer.UserName
		}
		if actor.Name == "" {
			actor.Name = sessionFromARN(id.ARN)
		}
	case typeRoot:
		actor.Name = "root"
	}
	if actor.Name == "" {
		actor.Name = id.PrincipalID
	}
	if actor.Name == "" {
		actor.Name = id.InvokedBy
	}
	if actor.Name == "" {
		actor.Name = id.ARN
	}
	if actor.Name == "" {
		return Unknown(), faults.Newf(faults.IdentityUnavailable, op, "event %s: userIdentity names no principal", ev.EventID)
	}
	if actor.Type == "" {
		actor.Type = "Unknown"
	}
	return actor, nil
}

// named handles an actor given as a bare string, as replayed events and the
// HTTP intake carry it: either a principal ARN or a plain name.
func named(eventID, name string) (models.Actor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Unknown(), faults.Newf(faults.IdentityUnavailable, "extract identity", "event %s has an empty actor", eventID)
	}
	actor := models.Actor{Name: name, Type: "Principal", Known: true}
	if strings.HasPrefix(name, "arn:") {
		actor.ARN = name
	}
	return actor, nil
}

// sessionFromARN returns the last path element of an assumed-role ARN
// (arn:aws:sts::123456789012:assumed-role/Role/session → "session").
func sessionFromARN(arn string) string {
	i := strings.LastIndex(arn, "/")
	if i < 0 || i == len(arn)-1 {
		return ""
	}
	return arn[i+1:]
}
