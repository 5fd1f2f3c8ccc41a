package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the stable, wire-visible error code.
type Code string

const (
	CodeNotFound                   Code = "NOT_FOUND"
	CodeExpired                    Code = "EXPIRED"
	CodeStateConflict              Code = "STATE_CONFLICT"
	CodeBackendInput               Code = "BACKEND_INPUT_ERROR"
	CodeBackendExecution           Code = "BACKEND_EXECUTION_ERROR"
	CodeBackendResourceUnavailable Code = "BACKEND_RESOURCE_UNAVAILABLE"
	CodeInvalidRequest             Code = "INVALID_REQUEST"
	CodeIdempotencyConflict        Code = "IDEMPOTENCY_CONFLICT"
	CodeDuplicateJob               Code = "DUPLICATE_JOB"
	CodeInternal                   Code = "INTERNAL_ERROR"
)

// Retryable is the default retry classification of a code.
func (c Code) Retryable() bool {
	switch c {
	case CodeBackendExecution, CodeBackendResourceUnavailable, CodeInternal:
		return true
	default:
		return false
	}
}

// Error is the error shape surfaced to transports: a stable code, a human
// message, a retryable flag and optional structured details.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	Cause     error
}

func NewError(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
	}
}

func NewErrorWithCause(code Code, message string, cause error) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Details) > 0 {
		var ctxParts []string
		for k, v := range e.Details {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("details: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so errors.Is(err, ErrStateConflict)
// works against wrapped instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrExpired       = &Error{Code: CodeExpired}
	ErrStateConflict = &Error{Code: CodeStateConflict}
)

func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsError returns err as an *Error. Unclassified errors become a retryable
// CodeInternal error wrapping the original.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewErrorWithCause(CodeInternal, err.Error(), err)
}

func notFound(jobID string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("job %s not found", jobID)).WithDetail("job_id", jobID)
}

func expired(jobID string) *Error {
	return NewError(CodeExpired, fmt.Sprintf("job %s has expired", jobID)).WithDetail("job_id", jobID)
}

func stateConflict(jobID string, current Status, expected ...Status) *Error {
	want := make([]string, 0, len(expected))
	for _, s := range expected {
		want = append(want, string(s))
	}
	return NewError(CodeStateConflict, fmt.Sprintf("job %s is %s, expected %s", jobID, current, strings.Join(want, " or "))).
		WithDetail("job_id", jobID).
		WithDetail("status", string(current))
}
