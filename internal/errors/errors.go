// Package errors implements the structured error taxonomy shared by
// every layer of the engine.
//
// Errors carry:
//   - A stable string code (used by category predicates and retry logic)
//   - A human-readable message
//   - A string-map context (operation, namespace, entityId, ...)
//   - An optional wrapped cause
//
// Serialization is symmetric: ToJSON followed by FromJSON preserves the
// code, message, context and the full cause chain.
//
// Thread Safety: Error values are immutable after construction except
// via WithContext, which callers use before the error escapes.
package errors

import (
	stderrors "errors"
	"encoding/json"
	"fmt"
)

// Code is a stable error code string.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInternal         Code = "INTERNAL"
	CodeTimeout          Code = "TIMEOUT"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeRequiredField    Code = "REQUIRED_FIELD"
	CodeInvalidType      Code = "INVALID_TYPE"

	CodeNotFound         Code = "NOT_FOUND"
	CodeEntityNotFound   Code = "ENTITY_NOT_FOUND"
	CodeIndexNotFound    Code = "INDEX_NOT_FOUND"
	CodeEventNotFound    Code = "EVENT_NOT_FOUND"
	CodeSnapshotNotFound Code = "SNAPSHOT_NOT_FOUND"
	CodeFileNotFound     Code = "FILE_NOT_FOUND"

	CodeConflict          Code = "CONFLICT"
	CodeVersionConflict   Code = "VERSION_CONFLICT"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeETagMismatch      Code = "ETAG_MISMATCH"
	CodeUniqueConstraint  Code = "UNIQUE_CONSTRAINT"
	CodeRelationshipError Code = "RELATIONSHIP_ERROR"

	CodeQueryError    Code = "QUERY_ERROR"
	CodeInvalidFilter Code = "INVALID_FILTER"

	CodeStorageError     Code = "STORAGE_ERROR"
	CodeStorageReadError Code = "STORAGE_READ_ERROR"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeInvalidPath      Code = "INVALID_PATH"
	CodePathTraversal    Code = "PATH_TRAVERSAL"
	CodeNetworkError     Code = "NETWORK_ERROR"

	CodeAuthorizationError      Code = "AUTHORIZATION_ERROR"
	CodeAuthenticationRequired  Code = "AUTHENTICATION_REQUIRED"
	CodePermissionDenied        Code = "PERMISSION_DENIED"
	CodeConfigurationError      Code = "CONFIGURATION_ERROR"

	CodeRPCError   Code = "RPC_ERROR"
	CodeRPCTimeout Code = "RPC_TIMEOUT"

	CodeIndexError         Code = "INDEX_ERROR"
	CodeIndexBuildError    Code = "INDEX_BUILD_ERROR"
	CodeIndexLoadError     Code = "INDEX_LOAD_ERROR"
	CodeIndexAlreadyExists Code = "INDEX_ALREADY_EXISTS"
	CodeEventError         Code = "EVENT_ERROR"

	CodeBackpressureTimeout Code = "BACKPRESSURE_TIMEOUT"
)

// Error is the structured error type used across the engine.
type Error struct {
	Code    Code
	Message string
	Context map[string]string
	Cause   error
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error. A nil cause yields a plain error.
func Wrap(cause error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithContext adds a single context key. Returns the receiver for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, 4)
	}
	e.Context[key] = value
	return e
}

// WithContextMap merges a context map into the error.
func (e *Error) WithContextMap(ctx map[string]string) *Error {
	for k, v := range ctx {
		e.WithContext(k, v)
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As interop.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of err, walking the wrap chain.
// Non-taxonomy errors report CodeUnknown; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// ContextOf returns the context map of err, or nil.
func ContextOf(err error) map[string]string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Context
	}
	return nil
}

// IsNotFound reports whether err belongs to the not-found category.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeEntityNotFound, CodeIndexNotFound,
		CodeEventNotFound, CodeSnapshotNotFound, CodeFileNotFound:
		return true
	}
	return false
}

// IsConflict reports whether err belongs to the conflict category.
func IsConflict(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeVersionConflict, CodeAlreadyExists,
		CodeETagMismatch, CodeUniqueConstraint:
		return true
	}
	return false
}

// IsValidation reports whether err belongs to the validation category.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeValidationFailed, CodeInvalidInput, CodeRequiredField,
		CodeInvalidType, CodeInvalidFilter:
		return true
	}
	return false
}

// IsStorage reports whether err belongs to the storage category.
func IsStorage(err error) bool {
	switch CodeOf(err) {
	case CodeStorageError, CodeStorageReadError, CodeQuotaExceeded,
		CodeInvalidPath, CodePathTraversal, CodeNetworkError:
		return true
	}
	return false
}

// IsRetryable reports whether err is worth retrying by default:
// version conflicts and ETag mismatches, which resolve on re-read.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeVersionConflict, CodeETagMismatch:
		return true
	}
	return false
}

// FromStatus maps an HTTP-like status to an error of the matching kind.
func FromStatus(status int, message string) *Error {
	switch {
	case status == 400:
		return New(CodeInvalidInput, message)
	case status == 401:
		return New(CodeAuthenticationRequired, message)
	case status == 403:
		return New(CodePermissionDenied, message)
	case status == 404:
		return New(CodeNotFound, message)
	case status == 409:
		return New(CodeConflict, message)
	case status >= 500:
		return New(CodeInternal, message)
	default:
		return New(CodeUnknown, message)
	}
}

// AssertValid returns nil when cond holds, otherwise a VALIDATION_FAILED
// error carrying ctx.
func AssertValid(cond bool, message string, ctx map[string]string) error {
	if cond {
		return nil
	}
	e := New(CodeValidationFailed, message)
	return e.WithContextMap(ctx)
}

// AssertFound returns nil when found holds, otherwise a not-found error.
// code defaults to NOT_FOUND when empty.
func AssertFound(found bool, message string, code Code) error {
	if found {
		return nil
	}
	if code == "" {
		code = CodeNotFound
	}
	return New(code, message)
}

// wireError is the JSON wire form. Causes outside the taxonomy are
// flattened to UNKNOWN with the original message.
type wireError struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
	Cause   *wireError        `json:"cause,omitempty"`
}

func toWire(err error) *wireError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &wireError{
			Code:    e.Code,
			Message: e.Message,
			Context: e.Context,
			Cause:   toWire(e.Cause),
		}
	}
	return &wireError{Code: CodeUnknown, Message: err.Error()}
}

func fromWire(w *wireError) *Error {
	if w == nil {
		return nil
	}
	e := &Error{Code: w.Code, Message: w.Message, Context: w.Context}
	if w.Cause != nil {
		e.Cause = fromWire(w.Cause)
	}
	return e
}

// ToJSON serializes the error including its cause chain.
func (e *Error) ToJSON() ([]byte, error) {
	return json.Marshal(toWire(e))
}

// FromJSON reconstructs an error serialized with ToJSON.
func FromJSON(data []byte) (*Error, error) {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, Wrap(err, CodeInvalidInput, "malformed error payload")
	}
	return fromWire(&w), nil
}
