// Package errors provides the structured error system used across the cache
// engine, with error codes, categories, and retry hints.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of engine failure.
type ErrorCode string

const (
	// Key errors
	ErrCodeKeyNotSerializable ErrorCode = "KEY_NOT_SERIALIZABLE"

	// Fetch errors
	ErrCodeProducerFailed  ErrorCode = "PRODUCER_FAILED"
	ErrCodeRetryExhausted  ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeFetchCanceled   ErrorCode = "FETCH_CANCELED"
	ErrCodeStaleGeneration ErrorCode = "STALE_GENERATION"
	ErrCodePausedOffline   ErrorCode = "PAUSED_OFFLINE"

	// Mutation errors
	ErrCodeMutationFailed ErrorCode = "MUTATION_FAILED"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// State errors
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeEntryNotFound ErrorCode = "ENTRY_NOT_FOUND"
	ErrCodeNotMounted    ErrorCode = "CLIENT_NOT_MOUNTED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryKey           ErrorCategory = "key"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryMutation      ErrorCategory = "mutation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
)

// Error is a structured engine error with context and metadata.
type Error struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Key is the canonical form of the cache key involved, if any.
	Key       string    `json:"key,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Cause     error     `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	// Retryable hints to the fetch coordinator whether another attempt
	// may succeed. Mutations never consult this; they are not retried.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Operation != "" {
		if e.Key != "" {
			return fmt.Sprintf("[%s] %s: %s (key=%s)", e.Operation, e.Code, e.Message, e.Key)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Operation, e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if engineErr, ok := target.(*Error); ok {
		return e.Code == engineErr.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates a new engine error with default values for the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeKeyNotSerializable:
		return CategoryKey
	case ErrCodeProducerFailed, ErrCodeRetryExhausted, ErrCodeFetchCanceled,
		ErrCodeStaleGeneration, ErrCodePausedOffline:
		return CategoryFetch
	case ErrCodeMutationFailed:
		return CategoryMutation
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	default:
		return CategoryState
	}
}

// IsRetryableByDefault determines if an error code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeProducerFailed
}

// WithKey sets the canonical key for an error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithOperation sets the operation for an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsCanceled reports whether err represents a canceled fetch.
func IsCanceled(err error) bool {
	var engineErr *Error
	if stderrors.As(err, &engineErr) {
		return engineErr.Code == ErrCodeFetchCanceled
	}
	return false
}

// IsStaleGeneration reports whether err is the internal superseded-result
// signal. It is never surfaced through entry state.
func IsStaleGeneration(err error) bool {
	var engineErr *Error
	if stderrors.As(err, &engineErr) {
		return engineErr.Code == ErrCodeStaleGeneration
	}
	return false
}

// CodeOf extracts the engine error code from err, or empty string if err is
// not a structured engine error.
func CodeOf(err error) ErrorCode {
	var engineErr *Error
	if stderrors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}
