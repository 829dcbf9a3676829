// Package failure defines the error taxonomy shared by every pipeline stage.
// Errors carry a Kind so batch summaries and HTTP handlers can classify a
// failure without string matching, while still wrapping the original cause.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindInvalidDocumentNumber Kind = "invalid_document_number"
	KindSelection             Kind = "selection"
	KindRasterization         Kind = "rasterization"
	KindDetectionBackend      Kind = "detection_backend"
	KindMemoryAborted         Kind = "memory_aborted"
	KindNoData                Kind = "no_data"
	KindCascadeDelete         Kind = "cascade_delete"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrInvalidDocumentNumber = &Error{Kind: KindInvalidDocumentNumber}
	ErrSelection             = &Error{Kind: KindSelection}
	ErrRasterization         = &Error{Kind: KindRasterization}
	ErrDetectionBackend      = &Error{Kind: KindDetectionBackend}
	ErrMemoryAborted         = &Error{Kind: KindMemoryAborted}
	ErrNoData                = &Error{Kind: KindNoData}
	ErrCascadeDelete         = &Error{Kind: KindCascadeDelete}
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so callers can compare against
// the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// With attaches a detail field and returns the receiver.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToMap converts the error into a map for JSON responses and stored
// summaries.
func (e *Error) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	for k, v := range e.Details {
		result[k] = v
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	return result
}

// New builds a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around cause. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NoData(format string, args ...interface{}) *Error {
	return New(KindNoData, format, args...)
}

func Selection(format string, args ...interface{}) *Error {
	return New(KindSelection, format, args...)
}

// KindOf returns the Kind of the outermost classified error in err's chain.
// Context cancellation is reported as KindCancelled and anything else
// unclassified as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsCancelled(err) {
		return KindCancelled
	}
	return KindInternal
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
