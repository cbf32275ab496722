// Package errors provides structured error handling for Melchi with rich
// context, stack traces, and error categorization.
//
// Errors are categorized by type, which drives the orchestrator's handling
// strategy: configuration errors abort the whole invocation before any table
// work, setup-time errors (unsupported type, identity collision, strategy
// violation) abort only the affected table, sync-time errors (source read,
// target write) roll back that table's transaction and leave it to be
// retried on the next run, and lock contention skips the table without
// counting as a failure.
//
// Basic usage:
//
//	if err := tx.Commit(ctx); err != nil {
//	    return errors.Wrap(err, errors.ErrorTypeTargetWrite, "metadata commit failed").
//	        WithDetail("table", spec.QualifiedName())
//	}
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for error handling
// strategies, monitoring, and exit status mapping.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfiguration represents fatal configuration errors that
	// abort the invocation before any table is processed
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeUnsupportedType represents a source column type with no
	// target mapping, detected at setup time
	ErrorTypeUnsupportedType ErrorType = "unsupported_type"
	// ErrorTypeStrategyViolation represents a change batch that violates
	// its table's CDC strategy, e.g. a delete captured from an
	// append-only stream
	ErrorTypeStrategyViolation ErrorType = "strategy_violation"
	// ErrorTypeSourceRead represents a failure reading from the source
	// warehouse during capture
	ErrorTypeSourceRead ErrorType = "source_read"
	// ErrorTypeTargetWrite represents a failure writing to the target
	// warehouse during apply or metadata commit
	ErrorTypeTargetWrite ErrorType = "target_write"
	// ErrorTypeIdentityCollision represents a synthetic identity column
	// name that collides with existing columns and cannot be resolved
	ErrorTypeIdentityCollision ErrorType = "identity_collision"
	// ErrorTypeLockContention represents a table whose prior sync still
	// holds the per-table lock; the table is skipped this run
	ErrorTypeLockContention ErrorType = "lock_contention"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeData represents data shape or conversion errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeCapability represents operations unsupported by an adapter
	ErrorTypeCapability ErrorType = "capability"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface, returning a formatted error message
// that includes the error type, message, and cause (if present).
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling compatibility with errors.Is
// and errors.As for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. This method can be
// chained for adding multiple details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, automatically
// capturing the call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the
// original error as the cause. If the error is already a structured Error,
// its stack trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable based on its type.
// Timeout and connection errors are considered transient: the orchestrator
// retries them a bounded number of times with backoff before surfacing them
// as a table failure. Warehouse adapters classify transient write contention
// (lock waits, serialization conflicts) as timeouts for this reason.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the error type of a structured error, or ErrorTypeInternal
// for plain errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
