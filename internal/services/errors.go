package services

import (
	"errors"
	"fmt"
	"strings"

	"alembic/internal/queue"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrNoPath        = errors.New("no conversion path")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
	ErrCancelled     = errors.New("cancellation requested")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above; a nil marker means non-transient.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		if err != nil {
			return fmt.Errorf("%s: %w", detail, err)
		}
		return errors.New(detail)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an execution error is eligible for another
// attempt. Only errors explicitly tagged transient qualify; anything
// unclassified is treated as a bug to surface, never as flakiness.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// FailureStatus maps a step execution error to the task status the scheduler
// should persist after the run fails.
func FailureStatus(err error) queue.Status {
	if errors.Is(err, ErrCancelled) {
		return queue.StatusCancelled
	}
	return queue.StatusFailed
}

// ErrorKind returns the stable classification label recorded on the task.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNoPath):
		return "no_path"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}

// UserMessage extracts the message safe to store on the task record. For
// unclassified errors the full detail stays in logs and a generic message is
// returned instead.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := ErrorKind(err)
	if kind == "internal" {
		return "conversion failed due to an internal error"
	}
	return strings.TrimSpace(err.Error())
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
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
