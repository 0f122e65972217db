// Package errs implements the error taxonomy from spec.md §7 as a small
// sentinel-backed hierarchy, in the shape of the teacher's
// infrastructure/errors package: a Code, a human message, an optional
// wrapped cause, and predicates callers switch on instead of string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Code is one taxonomy entry from spec.md §7. It is not an HTTP status —
// this node has no query surface — just a stable classification.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeQueryExecution     Code = "QUERY_EXECUTION"
	CodePoolTimeout        Code = "POOL_TIMEOUT"
	CodeHostExport         Code = "HOST_EXPORT"
	CodeMappingAborted     Code = "MAPPING_ABORTED"
	CodeChainReverted      Code = "CHAIN_REVERTED"
	CodeReorgTooDeep       Code = "REORG_TOO_DEEP"
	CodeTransport          Code = "TRANSPORT"

	// Link Resolver failure kinds (spec.md §4.A). Distinct from the store's
	// NotFound/Transport because a missing or oversized link is a property
	// of content-addressed fetches, not of the relational store.
	CodeTimeout    Code = "TIMEOUT"
	CodeTooLarge   Code = "TOO_LARGE"
	CodeParseError Code = "PARSE_ERROR"
)

// Error is the concrete error type every package in this module returns
// for classified failures.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an existing cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is lets errors.Is(err, errs.New(CodeNotFound, "")) match by Code alone,
// which is how callers in this module compare without allocating sentinels
// per call site.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to "" when err isn't one of
// ours.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retriable reports whether the instance runtime should retry the same
// block with capped exponential backoff instead of marking the deployment
// failed (spec.md §4.F, §7).
func Retriable(err error) bool {
	switch CodeOf(err) {
	case CodePoolTimeout, CodeTransport, CodeTimeout:
		return true
	}
	return false
}

// Fatal reports whether err should stop the instance and mark the
// deployment failed (spec.md §4.F, §7).
func Fatal(err error) bool {
	switch CodeOf(err) {
	case CodeMappingAborted, CodeReorgTooDeep, CodeConstraintViolation:
		return true
	}
	return false
}

// NotFound is a convenience constructor for the common "key absent" case,
// which callers recover from rather than propagate.
func NotFound(message string) *Error { return New(CodeNotFound, message) }

// IsNotFound reports whether err (or anything it wraps) is a NotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
