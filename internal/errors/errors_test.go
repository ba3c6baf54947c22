package errors

import (
	"fmt"
	"testing"
)

func TestPrismError_Error(t *testing.T) {
	err := &PrismError{
		Code:    ErrNotFound,
		Status:  404,
		Message: "not found: openai:gpt-4o",
	}

	expected := "NOT_FOUND: not found: openai:gpt-4o"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("provider is required")

	if err.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidRequest)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Message != "provider is required" {
		t.Errorf("Message = %q, want %q", err.Message, "provider is required")
	}
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("openai:gpt-4o")

	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Details["identifier"] != "openai:gpt-4o" {
		t.Errorf("Details[identifier] = %v", err.Details["identifier"])
	}
}

func TestNewConflict(t *testing.T) {
	err := NewConflict("2 entries already exist")
	if err.Code != ErrConflict || err.Status != 409 {
		t.Errorf("got %s/%d, want CONFLICT/409", err.Code, err.Status)
	}
}

func TestNewBudgetOverflow(t *testing.T) {
	err := NewBudgetOverflow(100, 250)

	if err.Code != ErrBudgetOverflow {
		t.Errorf("Code = %q, want %q", err.Code, ErrBudgetOverflow)
	}
	if err.Status != 413 {
		t.Errorf("Status = %d, want 413", err.Status)
	}
	if err.Details["max_tokens"] != 100 {
		t.Errorf("Details[max_tokens] = %v, want 100", err.Details["max_tokens"])
	}
	if err.Details["required_tokens"] != 250 {
		t.Errorf("Details[required_tokens] = %v, want 250", err.Details["required_tokens"])
	}
}

func TestNewNormalizationFailed_Unwraps(t *testing.T) {
	cause := fmt.Errorf("webpage markdown is empty")
	err := NewNormalizationFailed(3, cause)

	if err.Code != ErrNormalizationFailed {
		t.Errorf("Code = %q, want %q", err.Code, ErrNormalizationFailed)
	}
	if err.Details["index"] != 3 {
		t.Errorf("Details[index] = %v, want 3", err.Details["index"])
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
}

func TestNewCacheCorrupt(t *testing.T) {
	err := NewCacheCorrupt("/tmp/capabilities.json", fmt.Errorf("unexpected EOF"))

	if err.Code != ErrCacheCorrupt {
		t.Errorf("Code = %q, want %q", err.Code, ErrCacheCorrupt)
	}
	if err.Details["path"] != "/tmp/capabilities.json" {
		t.Errorf("Details[path] = %v", err.Details["path"])
	}
}

func TestNewInternal_NilError(t *testing.T) {
	err := NewInternal(nil)
	if err.Message != "internal error" {
		t.Errorf("Message = %q, want %q", err.Message, "internal error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching code", NewNotFound("x"), ErrNotFound, true},
		{"different code", NewNotFound("x"), ErrInternal, false},
		{"wrapped", fmt.Errorf("resolve: %w", NewProbeFailed("a:b", "401")), ErrProbeFailed, true},
		{"plain error", fmt.Errorf("boom"), ErrInternal, false},
		{"nil", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}
