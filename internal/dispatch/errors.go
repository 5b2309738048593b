package dispatch

import (
	"errors"
	"fmt"
)

// Code classifies a workflow-platform failure. Callers branch on codes, never
// on message text.
type Code string

const (
	CodeUnauthorized        Code = "Unauthorized"
	CodeForbiddenRepo       Code = "ForbiddenRepo"
	CodeWorkflowNotFound    Code = "WorkflowNotFound"
	CodeIdempotencyConflict Code = "IdempotencyConflict"
	CodeArtifactExpired     Code = "ArtifactExpired"
	CodeValidationError     Code = "ValidationError"
	CodeRateLimited         Code = "RateLimited"
	CodeTimeout             Code = "Timeout"
	CodeInternal            Code = "Internal"
)

// Error is a typed workflow-platform error carrying the mapped code and the
// upstream HTTP status.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s (status %d): %s", e.Code, e.Status, e.Message)
}

// CodeOf extracts the dispatch code from an error chain, or CodeInternal if
// the error is not a dispatch error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// codeForStatus maps a non-2xx platform status to a code. Every status maps
// deterministically; unknown statuses are internal errors.
func codeForStatus(status int) Code {
	switch status {
	case 401:
		return CodeUnauthorized
	case 403:
		return CodeForbiddenRepo
	case 404:
		return CodeWorkflowNotFound
	case 409:
		return CodeIdempotencyConflict
	case 410:
		return CodeArtifactExpired
	case 422:
		return CodeValidationError
	case 429:
		return CodeRateLimited
	case 504:
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// statusError builds an Error for a platform response. Artifact fetches remap
// 404 to ArtifactExpired: both 404 and 410 mean "no longer retrievable".
func statusError(status int, message string, artifact bool) *Error {
	code := codeForStatus(status)
	if artifact && status == 404 {
		code = CodeArtifactExpired
	}
	return &Error{Code: code, Status: status, Message: message}
}
