package models

import "time"

// Baseline is the authorized rule set for the monitored security group.
//
// Version, CreatedAt and SourceURI are carried for observability only; they
// never take part in drift comparison. A Baseline is reloaded on every
// invocation and is never cached between invocations.
type Baseline struct {
	ObjectID  string    `json:"object_id"`
	Rules     RuleSet   `json:"-"`
	Version   string    `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	SourceURI string    `json:"source_uri,omitempty"`
}
