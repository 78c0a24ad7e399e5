package models

import (
	"encoding/json"
	"time"
)

// Operation classifies what a change event did to the monitored object.
type Operation string

const (
	OperationAuthorize Operation = "authorize"
	OperationRevoke    Operation = "revoke"
	OperationOther     Operation = "other"
)

// ChangeEvent is a parsed notification that the monitored object changed.
//
// Actor is the raw identity payload from the audit record; the identity
// extractor interprets it. MutatedRules is informational: the engine always
// compares against the live state, never against the event's rule list.
type ChangeEvent struct {
	EventID      string            `json:"event_id"`
	EventTime    time.Time         `json:"event_time"`
	EventName    string            `json:"event_name"`
	Operation    Operation         `json:"operation"`
	ObjectID     string            `json:"object_id"`
	Region       string            `json:"region,omitempty"`
	AccountID    string            `json:"account_id,omitempty"`
	Actor        json.RawMessage   `json:"actor,omitempty"`
	MutatedRules []DirectedRawRule `json:"mutated_rules,omitempty"`
}
