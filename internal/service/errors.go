package service

import (
	"fmt"

	"github.com/MimeLyc/docjobs/internal/jobs"
)

func invalidRequest(format string, args ...any) *jobs.Error {
	return jobs.NewError(jobs.CodeInvalidRequest, fmt.Sprintf(format, args...))
}

func idempotencyConflict(key, jobID string) *jobs.Error {
	return jobs.NewError(jobs.CodeIdempotencyConflict,
		"idempotency key was already used for a different request").
		WithDetail("idempotency_key", key).
		WithDetail("job_id", jobID)
}

// internalError wraps an unexpected failure for the transport boundary.
func internalError(message string, cause error) *jobs.Error {
	return jobs.NewErrorWithCause(jobs.CodeInternal, message, cause)
}
