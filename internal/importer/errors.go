package importer

import (
	"errors"
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// Error is the class of unexpected importer failures.
	Error = errs.Class("import")
	// StagingError wraps failures writing or resolving the staging record.
	StagingError = errs.Class("staging")
	// MergeError wraps failures of the merge operation.
	MergeError = errs.Class("merge")
)

// ValidationError rejects an envelope the client must fix before resubmitting.
type ValidationError struct {
	Status  int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Status: http.StatusUnprocessableEntity, Field: field, Message: message}
}

// FailedError reports a downstream failure after the envelope was accepted.
// The batch stays staged (when staging succeeded) and can be replayed using
// CorrelationID.
type FailedError struct {
	Message       string
	CorrelationID string
	Err           error
}

func (e *FailedError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Reason is the underlying cause with the outer error class prefix removed.
func (e *FailedError) Reason() string {
	if e.Err == nil {
		return e.Message
	}
	cause := e.Err
	if Error.Has(cause) || StagingError.Has(cause) || MergeError.Has(cause) {
		if inner := errors.Unwrap(cause); inner != nil {
			cause = inner
		}
	}
	return cause.Error()
}
