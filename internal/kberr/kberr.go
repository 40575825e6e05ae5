// Package kberr provides structured error handling for localkb.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: validation errors (rejected before any side effect)
//   - 2XX: not-found errors
//   - 3XX: conflict errors (actionable, never silently resolved)
//   - 4XX: transient I/O errors (retryable)
//   - 5XX: integrity errors (always fatal)
//   - 6XX: filesystem errors (recorded per item, do not abort the job)
//   - 9XX: internal errors
package kberr

import (
	"errors"
	"fmt"
)

// Category classifies errors along the engine's handling taxonomy.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategoryNotFound   Category = "NOT_FOUND"
	CategoryConflict   Category = "CONFLICT"
	CategoryTransient  Category = "TRANSIENT"
	CategoryIntegrity  Category = "INTEGRITY"
	CategoryFilesystem Category = "FILESYSTEM"
	CategoryInternal   Category = "INTERNAL"
)

// Error codes organized by category.
const (
	ErrCodeMissingParam = "ERR_101_MISSING_PARAM"
	ErrCodeInvalidParam = "ERR_102_INVALID_PARAM"
	ErrCodeNotConfirmed = "ERR_103_NOT_CONFIRMED"

	ErrCodeKnowledgeBaseNotFound = "ERR_201_KB_NOT_FOUND"
	ErrCodeDocumentNotFound      = "ERR_202_DOCUMENT_NOT_FOUND"
	ErrCodeJobNotFound           = "ERR_203_JOB_NOT_FOUND"

	ErrCodeConfigMismatch = "ERR_301_VECTOR_CONFIG_MISMATCH"
	ErrCodeJobActive      = "ERR_302_JOB_ACTIVE"
	ErrCodeLockHeld       = "ERR_303_KB_LOCK_HELD"
	ErrCodeNotBuilt       = "ERR_304_VECTOR_INDEX_NOT_BUILT"

	ErrCodeEmbeddingUnavailable = "ERR_401_EMBEDDING_UNAVAILABLE"

	ErrCodeDimensionMismatch = "ERR_501_DIMENSION_MISMATCH"
	ErrCodeEmbeddingMissing  = "ERR_502_EMBEDDING_MISSING"

	ErrCodeSourceUnreadable = "ERR_601_SOURCE_UNREADABLE"

	ErrCodeInternal = "ERR_901_INTERNAL"
)

// Error is the structured error type for the engine.
type Error struct {
	// Code is the unique error code (e.g., "ERR_301_VECTOR_CONFIG_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the handling category derived from the code.
	Category Category

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, enabling errors.Is with sentinel values.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an Error with the given code and message.
// Category and retryable flag are derived from the code.
func New(code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Retryable: categoryFromCode(code) == CategoryTransient,
		Cause:     cause,
	}
}

// Newf creates an Error with a formatted message.
func Newf(code string, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error from an existing error, keeping its message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(ErrCodeMissingParam, message, nil)
}

// NotFound creates a not-found error.
func NotFound(code, message string) *Error {
	return New(code, message, nil)
}

// Conflict creates a conflict error with an actionable message.
func Conflict(code, message string) *Error {
	return New(code, message, nil)
}

// Transient creates a retryable I/O error.
func Transient(message string, cause error) *Error {
	return New(ErrCodeEmbeddingUnavailable, message, cause)
}

// Integrity creates a fatal data-integrity error.
func Integrity(code, message string) *Error {
	return New(code, message, nil)
}

// Filesystem creates a per-item filesystem error.
func Filesystem(message string, cause error) *Error {
	return New(ErrCodeSourceUnreadable, message, cause)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CategoryOf extracts the category from an error chain.
// Returns CategoryInternal for plain errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// CodeOf extracts the error code from an error chain.
// Returns ErrCodeInternal for plain errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryValidation
	case '2':
		return CategoryNotFound
	case '3':
		return CategoryConflict
	case '4':
		return CategoryTransient
	case '5':
		return CategoryIntegrity
	case '6':
		return CategoryFilesystem
	default:
		return CategoryInternal
	}
}
