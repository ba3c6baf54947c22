package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Prism error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"      // 400
	ErrNotFound            ErrorCode = "NOT_FOUND"            // 404
	ErrConflict            ErrorCode = "CONFLICT"             // 409
	ErrBudgetOverflow      ErrorCode = "BUDGET_OVERFLOW"      // 413
	ErrNormalizationFailed ErrorCode = "NORMALIZATION_FAILED" // 422
	ErrCancelled           ErrorCode = "CANCELLED"            // 499
	ErrInternal            ErrorCode = "INTERNAL"             // 500
	ErrCacheCorrupt        ErrorCode = "CACHE_CORRUPT"        // 500
	ErrProbeFailed         ErrorCode = "PROBE_FAILED"         // 502
)

// PrismError represents a structured error with code, status, and details.
type PrismError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *PrismError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *PrismError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *PrismError {
	return &PrismError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing capability entry or source.
func NewNotFound(identifier string) *PrismError {
	return &PrismError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewConflict creates a 409 error when an import would overwrite existing entries.
func NewConflict(msg string) *PrismError {
	return &PrismError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewBudgetOverflow creates a 413 error when the index and task alone exceed the budget.
func NewBudgetOverflow(max, floor int) *PrismError {
	return &PrismError{
		Code:    ErrBudgetOverflow,
		Status:  413,
		Message: fmt.Sprintf("context index and task need %d tokens (budget %d)", floor, max),
		Details: map[string]any{"max_tokens": max, "required_tokens": floor},
	}
}

// NewNormalizationFailed creates a 422 error for a source that could not be normalized.
func NewNormalizationFailed(index int, err error) *PrismError {
	return &PrismError{
		Code:    ErrNormalizationFailed,
		Status:  422,
		Message: err.Error(),
		Details: map[string]any{"index": index},
		cause:   err,
	}
}

// NewCancelled creates a 499 error when the caller cancels an operation.
func NewCancelled(operation string) *PrismError {
	return &PrismError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", operation),
		Details: map[string]any{"operation": operation},
	}
}

// NewCacheCorrupt creates an error describing an unreadable capability document.
// The cache keeps running on an empty probed layer; this is reported, not fatal.
func NewCacheCorrupt(path string, err error) *PrismError {
	msg := "capability cache document is unreadable"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &PrismError{
		Code:    ErrCacheCorrupt,
		Status:  500,
		Message: msg,
		Details: map[string]any{"path": path},
		cause:   err,
	}
}

// NewProbeFailed creates a 502 error when the baseline text probe did not succeed.
func NewProbeFailed(key, reason string) *PrismError {
	return &PrismError{
		Code:    ErrProbeFailed,
		Status:  502,
		Message: fmt.Sprintf("baseline probe failed for %s: %s", key, reason),
		Details: map[string]any{"key": key, "reason": reason},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *PrismError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &PrismError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error is (or wraps) a PrismError with the given code.
func Is(err error, code ErrorCode) bool {
	var pErr *PrismError
	if stderrors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}
