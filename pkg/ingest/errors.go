package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError rejects an inbound request before anything is stored.
// Status is the HTTP status returned to the sender.
type ValidationError struct {
	Status int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%d): %s", e.Status, e.Reason)
}

// NewValidationError creates a new ValidationError
func NewValidationError(status int, reason string) *ValidationError {
	return &ValidationError{Status: status, Reason: reason}
}

// NotFoundError is terminal: a referenced row does not exist.
type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s for %s", e.What, e.Key)
}

// UpstreamError wraps a provider HTTP failure (file fetch or page request).
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// DecodeError means the fetched payload could not be parsed. Not retryable
// without a new payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NonCyclingSkip is a deliberate skip outcome, not a failure.
type NonCyclingSkip struct {
	Sport string
}

func (e *NonCyclingSkip) Error() string {
	return fmt.Sprintf("non-cycling activity (sport %q)", e.Sport)
}

// PartialWriteError reports track-point chunks that failed to insert. The
// activity itself was written.
type PartialWriteError struct {
	ActivityID   string
	FailedChunks []int
	Written      int
	Expected     int
	Err          error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("activity %s: %d of %d track points written, chunks %v failed: %v",
		e.ActivityID, e.Written, e.Expected, e.FailedChunks, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error to the status an HTTP caller sees.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Status
	case errors.As(err, &nf):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ErrorKind returns a short label for metrics and sync history.
func ErrorKind(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UpstreamError
		de *DecodeError
		nc *NonCyclingSkip
		pw *PartialWriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &ue):
		return "upstream"
	case errors.As(err, &de):
		return "decode"
	case errors.As(err, &nc):
		return "non_cycling"
	case errors.As(err, &pw):
		return "partial_write"
	default:
		return "internal"
	}
}
