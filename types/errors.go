package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Kinds are behavioral categories, not
// source types: retriability and surfacing depend only on the kind.
type Kind string

// Failure kinds.
const (
	KindFileNotFound           Kind = "file_not_found"
	KindFileUnsupportedType    Kind = "file_unsupported_type"
	KindFileTooLarge           Kind = "file_too_large"
	KindExtractionEncoding     Kind = "extraction_encoding"
	KindExtractionUnavailable  Kind = "extraction_unavailable"
	KindDetectorUnavailable    Kind = "detector_unavailable"
	KindAnonymizerUnavailable  Kind = "anonymizer_unavailable"
	KindPolicyInvalid          Kind = "policy_invalid"
	KindQueueFull              Kind = "queue_full"
	KindTimeout                Kind = "timeout"
	KindStalled                Kind = "stalled"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

// Retriable reports whether the queue substrate should redeliver a job that
// failed with this kind. Transient service outages retry with backoff;
// everything else fails immediately.
func (k Kind) Retriable() bool {
	switch k {
	case KindExtractionUnavailable, KindDetectorUnavailable, KindAnonymizerUnavailable:
		return true
	}
	return false
}

// StageError is a failure raised by a stage processor or the queue substrate,
// tagged with its kind. It wraps the underlying cause for errors.Is/As.
type StageError struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewStageError builds a StageError with a formatted message.
func NewStageError(kind Kind, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapStageError builds a StageError wrapping an underlying cause.
func WrapStageError(kind Kind, err error, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retriable reports whether this error's kind permits redelivery.
func (e *StageError) Retriable() bool {
	return e.Kind.Retriable()
}

// KindOf extracts the kind from an error chain. Context cancellation maps to
// KindCancelled, context deadline expiry to KindTimeout; anything untagged
// maps to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetriable reports whether err should be redelivered by the queue.
func IsRetriable(err error) bool {
	return KindOf(err).Retriable()
}
