package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewForbiddenError(t *testing.T) {
	e := NewForbiddenError("access denied")
	if e.Code != ErrForbidden {
		t.Errorf("Code = %q, want %q", e.Code, ErrForbidden)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "process", Code: "REQUIRED", Message: "process is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "process" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "process")
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternalError {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternalError)
	}
}

func TestNewHookError_unwraps_cause(t *testing.T) {
	cause := errors.New("disk full")
	e := NewHookError("on_complete", cause)
	if e.Code != ErrHookFailed {
		t.Errorf("Code = %q, want %q", e.Code, ErrHookFailed)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(hook error, cause) = false")
	}
	if got := e.Error(); got != "HOOK_FAILED: hook on_complete failed: disk full" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), ""},
		{"envelope", NewConflictError("stale"), ErrConflict},
		{"wrapped envelope", fmt.Errorf("tx: %w", NewInvalidStateError("held")), ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	if IsCode(nil, ErrConflict) {
		t.Error("IsCode(nil) = true")
	}
	if !IsCode(NewConfigurationError("no reject edge"), ErrConfiguration) {
		t.Error("IsCode(configuration error) = false")
	}
	if IsCode(NewForbiddenError("x"), ErrConflict) {
		t.Error("IsCode(forbidden, CONFLICT) = true")
	}
}
