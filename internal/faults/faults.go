// Package faults classifies the errors that end an invocation early.
//
// Every error that crosses a component boundary is either a *faults.Error or
// wraps one. The Kind of the error decides what the caller does with it: a
// transient fault releases the idempotency claim and asks the runtime to
// redeliver, a data or object fault is final for that event.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure mode.
type Code string

const (
	BaselineUnavailable   Code = "BaselineUnavailable"
	BaselineCorrupt       Code = "BaselineCorrupt"
	ObjectNotFound        Code = "ObjectNotFound"
	ProviderThrottled     Code = "ProviderThrottled"
	MalformedRule         Code = "MalformedRule"
	MalformedEvent        Code = "MalformedEvent"
	IdentityUnavailable   Code = "IdentityUnavailable"
	StoreUnavailable      Code = "StoreUnavailable"
	// EventInProgress means another invocation holds a live claim on the
	// event; the redelivery must be retried once the claim is committed or
	// its lease lapses.
	EventInProgress       Code = "EventInProgress"
	// RemediationIncomplete means the deadline cut remediation short and
	// drifted rules were left in place.
	RemediationIncomplete Code = "RemediationIncomplete"
)

// Kind groups codes by how the caller must react.
type Kind string

const (
	// KindTransient faults may succeed on redelivery.
	KindTransient Kind = "transient"
	// KindData faults are caused by bad input and will not fix themselves.
	KindData Kind = "data"
	// KindObject faults mean the monitored object itself is unusable.
	KindObject Kind = "object"
)

// Kind returns the classification of c. Unknown codes are treated as
// transient so that an unexpected failure is retried rather than dropped.
func (c Code) Kind() Kind {
	switch c {
	case BaselineCorrupt, MalformedRule, MalformedEvent, IdentityUnavailable:
		return KindData
	case ObjectNotFound:
		return KindObject
	default:
		return KindTransient
	}
}

// HTTPStatus maps a kind to the status the intake endpoint answers with.
func (k Kind) HTTPStatus() int {
	if k == KindTransient {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

// Error is a classified failure. Op names the operation that failed, e.g.
// "load baseline" or "describe security group".
type Error struct {
	Code Code
	Op   string
	Err  error
}

// New returns an *Error for code wrapping err.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf returns an *Error for code with a formatted message as its cause.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the classification of the error's code.
func (e *Error) Kind() Kind { return e.Code.Kind() }

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err is nil or unclassified.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// KindOf returns the classification of err. Unclassified errors are
// transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind()
	}
	return KindTransient
}

// IsRetryable reports whether redelivering the event may succeed.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
