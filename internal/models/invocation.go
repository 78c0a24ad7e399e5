package models

import "time"

// State is a step of the per-event lifecycle.
type State string

const (
	StateReceived     State = "received"
	StateDeduplicated State = "deduplicated"
	StateLoaded       State = "loaded"
	StateDiffed       State = "diffed"
	StateRemediated   State = "remediated"
	StateNotified     State = "notified"
	StateCompleted    State = "completed"
	StateFaulted      State = "faulted"
)

// Outcome summarises how an invocation ended.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial-failure"
	OutcomeNoDrift        Outcome = "no-drift"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeFault          Outcome = "fault"
)

// ChannelOutcome is the delivery result for one notification channel.
type ChannelOutcome struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// InvocationError is the serialisable form of a classified fault.
type InvocationError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// InvocationResult is the structured outcome of handling one change event.
type InvocationResult struct {
	InvocationID  string           `json:"invocation_id"`
	EventID       string           `json:"event_id"`
	ObjectID      string           `json:"object_id"`
	State         State            `json:"state"`
	Outcome       Outcome          `json:"outcome"`
	Trail         []State          `json:"trail"`
	Finding       *DriftFinding    `json:"finding,omitempty"`
	Notifications []ChannelOutcome `json:"notifications,omitempty"`
	Error         *InvocationError `json:"error,omitempty"`
	Duration      time.Duration    `json:"duration_ns"`
}

// FaultNotice describes a faulted invocation for operators.
type FaultNotice struct {
	ObjectID  string    `json:"object_id"`
	Region    string    `json:"region,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	EventName string    `json:"event_name,omitempty"`
	Code      string    `json:"code"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
