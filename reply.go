package xrelay

import (
	"errors"
	"fmt"
)

// FailureCategory classifies a failed reply for the requester.
type FailureCategory string

const (
	// CategoryValidation marks a request that was malformed or rejected by
	// business rules. Retrying the same request will fail again.
	CategoryValidation FailureCategory = "validation"
	// CategoryInternal marks a failure on our side. Details stay in the logs.
	CategoryInternal FailureCategory = "internal"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reply is the structured answer a worker sends back for an envelope.
type Reply struct {
	Status string   `json:"status" msgpack:"status"`
	Result any      `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  *Failure `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Failure is the typed failure carried by an error reply. Message never holds
// raw internal error text.
type Failure struct {
	Category FailureCategory `json:"category" msgpack:"category"`
	Message  string          `json:"message" msgpack:"message"`
	Field    string          `json:"field,omitempty" msgpack:"field,omitempty"`
}

// OK wraps a processor result.
func OK(result any) Reply { return Reply{Status: StatusOK, Result: result} }

// Fail wraps a failure.
func Fail(f Failure) Reply { return Reply{Status: StatusError, Error: &f} }

// ValidationError is returned by processors (and by required-field checks) to
// reject a request. It maps to a validation failure reply.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Missing builds the ValidationError reported for an absent required field.
func Missing(field string) error {
	return &ValidationError{Field: field, Reason: "required"}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FailureFor maps a processing error to the failure sent to the requester.
func FailureFor(err error) Failure {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Failure{Category: CategoryValidation, Message: ve.Reason, Field: ve.Field}
	}
	return Failure{Category: CategoryInternal, Message: "internal error"}
}
