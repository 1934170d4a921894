package core

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

// Failure kinds.
const (
	KindUnknown     Kind = "unknown"
	KindValidation  Kind = "validation"
	KindEmptyInput  Kind = "empty_input"
	KindRateLimited Kind = "rate_limited"
	KindAPI         Kind = "api"
	KindTransport   Kind = "transport"
	KindStorage     Kind = "storage"
)

const msgNothingToSynthesize = "nothing to synthesize: the script has no non-empty paragraphs"

// Error is the tagged failure type used across the pipeline. Message is suitable for direct
// display; StatusCode is set for remote responses.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindTransport {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError reports missing or invalid input.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewEmptyInputError reports a script that reduces to zero chunks.
func NewEmptyInputError() *Error {
	return &Error{Kind: KindEmptyInput, Message: msgNothingToSynthesize}
}

// NewAPIError reports a non-success response from the remote service.
func NewAPIError(message string, statusCode int) *Error {
	return &Error{Kind: KindAPI, Message: message, StatusCode: statusCode}
}

// NewTransportError reports a network failure that survived every retry.
func NewTransportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: "network request failed", Err: err}
}

// NewStorageError reports a persistence failure during the named operation.
func NewStorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf("failed to %s: %v", op, err), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Kind
	}

	return KindUnknown
}

// StatusCodeOf returns the remote status code carried by err, or 0.
func StatusCodeOf(err error) int {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.StatusCode
	}

	return 0
}
