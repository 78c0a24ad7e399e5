package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeKinds(t *testing.T) {
	cases := map[Code]Kind{
		BaselineUnavailable:   KindTransient,
		ProviderThrottled:     KindTransient,
		StoreUnavailable:      KindTransient,
		EventInProgress:       KindTransient,
		RemediationIncomplete: KindTransient,
		BaselineCorrupt:       KindData,
		MalformedRule:         KindData,
		MalformedEvent:        KindData,
		IdentityUnavailable:   KindData,
		ObjectNotFound:        KindObject,
		Code("Surprise"):      KindTransient,
	}
	for code, want := range cases {
		if got := code.Kind(); got != want {
			t.Errorf("%s.Kind() = %s, want %s", code, got, want)
		}
	}
}

func TestCodeOf_WrappedChain(t *testing.T) {
	base := New(ObjectNotFound, "describe security group", errors.New("gone"))
	wrapped := fmt.Errorf("fetch live rules: %w", base)

	if got := CodeOf(wrapped); got != ObjectNotFound {
		t.Fatalf("CodeOf = %q, want %q", got, ObjectNotFound)
	}
	if !Is(wrapped, ObjectNotFound) {
		t.Error("Is(wrapped, ObjectNotFound) = false")
	}
	if IsRetryable(wrapped) {
		t.Error("object fault must not be retryable")
	}
}

func TestUnclassifiedErrorIsTransient(t *testing.T) {
	err := errors.New("connection reset")
	if CodeOf(err) != "" {
		t.Error("unclassified error should have no code")
	}
	if !IsRetryable(err) {
		t.Error("unclassified error should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Newf(BaselineCorrupt, "load baseline", "object id %q does not match %q", "sg-1", "sg-2")
	want := `BaselineCorrupt: load baseline: object id "sg-1" does not match "sg-2"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestHTTPStatus(t *testing.T) {
	if got := KindTransient.HTTPStatus(); got != http.StatusServiceUnavailable {
		t.Errorf("transient status = %d", got)
	}
	if got := KindData.HTTPStatus(); got != http.StatusUnprocessableEntity {
		t.Errorf("data status = %d", got)
	}
	if got := KindObject.HTTPStatus(); got != http.StatusUnprocessableEntity {
		t.Errorf("object status = %d", got)
	}
}
