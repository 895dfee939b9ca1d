package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later status classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	return &classifiedError{marker: marker, detail: detail, message: strings.TrimSpace(message), cause: err}
}

// classifiedError retains the sentinel marker and cause for errors.Is/As while
// exposing ErrorKind for queue status mapping.
type classifiedError struct {
	marker  error
	detail  string
	message string
	cause   error
}

func (e *classifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.marker.Error(), e.detail, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.marker.Error(), e.detail)
}

func (e *classifiedError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.marker, e.cause}
	}
	return []error{e.marker}
}

// ErrorKind reports the classification consumed by queue.FailureStatus.
// Kinds "validation", "configuration", and "not_found" route jobs to review;
// everything else routes to failed.
func (e *classifiedError) ErrorKind() string {
	switch {
	case errors.Is(e.marker, ErrValidation):
		return "validation"
	case errors.Is(e.marker, ErrConfiguration):
		return "configuration"
	case errors.Is(e.marker, ErrNotFound):
		return "not_found"
	case errors.Is(e.marker, ErrTimeout):
		return "timeout"
	case errors.Is(e.marker, ErrExternalTool):
		return "external_tool"
	default:
		return "transient"
	}
}

// Kind reports the classification of a wrapped error for structured logging.
// Unwrapped errors report "unclassified".
func Kind(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.ErrorKind()
	}
	return "unclassified"
}

// Message returns the human-readable description attached at wrap time,
// falling back to the full error text for unclassified errors. Failure
// handling surfaces this on queue rows and review reasons.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var classified *classifiedError
	if errors.As(err, &classified) && classified.message != "" {
		return classified.message
	}
	return strings.TrimSpace(err.Error())
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
