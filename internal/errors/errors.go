// Package errors provides structured error types for the chronotable engine.
// All errors carry a category, code, message, and retryable flag for consistent
// handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryChunk      ErrorCategory = "CHUNK"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryPolicy     ErrorCategory = "POLICY"
	ErrCategoryAggregate  ErrorCategory = "AGGREGATE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"

	// Catalog codes
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"

	// Chunk codes
	CodeImmutableChunk = "IMMUTABLE_CHUNK"
	CodeChunkDropped   = "CHUNK_DROPPED"

	// Storage codes
	CodeStorageFailure = "STORAGE_FAILURE"

	// Policy codes
	CodePolicyConflict = "POLICY_CONFLICT"

	// Aggregate codes
	CodeRefreshFailed = "REFRESH_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EngineError is the structured error type used throughout the system.
type EngineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *EngineError) WithDetails(details map[string]interface{}) *EngineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
// Storage failures and refresh aborts are safe to retry; everything else is
// a caller mistake or a terminal state.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStorageFailure:
		return true
	case category == ErrCategoryAggregate && code == CodeRefreshFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for the common error conditions.

// NewNotFound reports a missing hypertable, chunk, or aggregate.
func NewNotFound(kind, name string) *EngineError {
	return New(ErrCategoryCatalog, CodeNotFound, fmt.Sprintf("%s %q not found", kind, name))
}

// NewAlreadyExists reports a duplicate creation. Callers may treat this as
// a non-fatal outcome.
func NewAlreadyExists(kind, name string) *EngineError {
	return New(ErrCategoryCatalog, CodeAlreadyExists, fmt.Sprintf("%s %q already exists", kind, name))
}

// NewImmutableChunk reports a write against a compressed chunk.
func NewImmutableChunk(chunkID string) *EngineError {
	return New(ErrCategoryChunk, CodeImmutableChunk,
		fmt.Sprintf("chunk %s is compressed and immutable; use DecompressAndWrite", chunkID))
}

// NewInvalidConfiguration reports a rejected configuration value.
func NewInvalidConfiguration(message string) *EngineError {
	return New(ErrCategoryValidation, CodeInvalidConfiguration, message)
}

// NewPolicyConflict reports an overlapping policy run.
func NewPolicyConflict(message string) *EngineError {
	return New(ErrCategoryPolicy, CodePolicyConflict, message)
}

// NewStorageFailure wraps an opaque row/column store failure.
func NewStorageFailure(message string, cause error) *EngineError {
	return Wrap(ErrCategoryStorage, CodeStorageFailure, message, cause)
}

// NewRefreshFailed wraps a continuous aggregate refresh failure. The refresh
// cycle aborts without advancing the watermark, so retrying is safe.
func NewRefreshFailed(aggregate string, cause error) *EngineError {
	return Wrap(ErrCategoryAggregate, CodeRefreshFailed,
		fmt.Sprintf("refresh of continuous aggregate %q failed", aggregate), cause)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
