package core

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrKeyNotFound is returned by Get when the key has no live entry in the keydir.
var ErrKeyNotFound = errors.New("caskdb: key not found")

// ErrHandleClosed is returned by any operation performed on a closed Handle.
var ErrHandleClosed = errors.New("caskdb: handle is closed")

// ErrorCode categorizes an Error for programmatic handling, mirroring the
// distinguishable error kinds the storage engine's design calls for.
type ErrorCode int

const (
	// CodeIO covers underlying file or directory I/O failures.
	CodeIO ErrorCode = iota
	// CodeSegmentWrite covers a short write or flush failure on the active segment.
	CodeSegmentWrite
	// CodeCorruption covers a record that failed structural checks mid-segment.
	CodeCorruption
	// CodeConfig covers invalid configuration rejected at Open.
	CodeConfig
	// CodeRecovery covers an aggregated failure from parallel recovery workers.
	CodeRecovery
)

func (c ErrorCode) String() string {
	switch c {
	case CodeIO:
		return "io"
	case CodeSegmentWrite:
		return "segment_write"
	case CodeCorruption:
		return "corruption"
	case CodeConfig:
		return "config"
	case CodeRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Error is caskdb's structured error type. It carries a code for programmatic
// dispatch plus free-form details for logging, and unwraps to the underlying
// cause so errors.Is/errors.As keep working through the chain.
type Error struct {
	cause   error
	message string
	code    ErrorCode
	details map[string]any
}

// NewError builds an Error wrapping cause with the given code and message.
func NewError(cause error, code ErrorCode, message string) *Error {
	return &Error{cause: cause, code: code, message: message}
}

// WithDetail attaches a key/value pair of debugging context and returns the
// receiver, so callers can chain NewError(...).WithDetail(...).WithDetail(...).
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's category.
func (e *Error) Code() ErrorCode { return e.code }

// Details returns the attached debugging context, possibly nil.
func (e *Error) Details() map[string]any { return e.details }

// IoError wraps a low-level I/O failure.
func IoError(cause error, message string) *Error {
	return NewError(cause, CodeIO, message)
}

// SegmentWriteError wraps a short write or flush failure on the active segment.
func SegmentWriteError(cause error, segmentID uint64, message string) *Error {
	return NewError(cause, CodeSegmentWrite, message).WithDetail("segment_id", segmentID)
}

// CorruptionError reports a structurally invalid record at a known offset.
func CorruptionError(segmentID uint64, offset int64, reason string) *Error {
	return NewError(nil, CodeCorruption, fmt.Sprintf("corrupt record at offset %d: %s", offset, reason)).
		WithDetail("segment_id", segmentID).
		WithDetail("offset", offset).
		WithDetail("reason", reason)
}

// ConfigError reports invalid configuration rejected at Open.
func ConfigError(message string) *Error {
	return NewError(nil, CodeConfig, message)
}

// RecoveryError aggregates one or more worker failures encountered while
// rebuilding the keydir during Open. Error() lists every failure; Unwrap
// returns the first one so errors.Is/errors.As can target a specific cause.
type RecoveryError struct {
	errs []error
}

func newRecoveryError(errs ...error) *RecoveryError {
	var joined []error
	for _, err := range errs {
		if err != nil {
			joined = append(joined, err)
		}
	}
	if len(joined) == 0 {
		return nil
	}
	return &RecoveryError{errs: joined}
}

func (r *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed: %v", multierr.Combine(r.errs...))
}

// Unwrap exposes the first recorded failure to errors.Is/errors.As.
func (r *RecoveryError) Unwrap() error {
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

// Errors returns every worker failure that was aggregated.
func (r *RecoveryError) Errors() []error { return r.errs }
