package domain

import (
	"errors"
	"fmt"
	"testing"
)

// TestDomainError_Error tests error message formatting.
func TestDomainError_Error(t *testing.T) {
	t.Run("without details", func(t *testing.T) {
		err := NewDomainError("GV-TREE-4040", "snapshot not found")
		want := "[GV-TREE-4040] snapshot not found"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("with details", func(t *testing.T) {
		err := ErrNotFound.WithDetails("id 42")
		want := "[GV-TREE-4040] snapshot not found: id 42"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	})
}

// TestDomainError_Is tests errors.Is comparison by code.
func TestDomainError_Is(t *testing.T) {
	t.Run("same code matches", func(t *testing.T) {
		err := ErrAlreadyOpen.WithDetails("snapshot 3")
		if !errors.Is(err, ErrAlreadyOpen) {
			t.Error("errors.Is should match on code")
		}
	})

	t.Run("different code does not match", func(t *testing.T) {
		if errors.Is(ErrNotFound, ErrProtectedBase) {
			t.Error("errors.Is should not match different codes")
		}
	})

	t.Run("wrapped cause survives", func(t *testing.T) {
		cause := fmt.Errorf("disk full")
		err := ErrStorage.WithCause(cause)
		if !errors.Is(err, ErrStorage) {
			t.Error("errors.Is should match the domain error")
		}
		if errors.Unwrap(err) != cause {
			t.Error("Unwrap should return the cause")
		}
	})
}

// TestIsDomainError tests domain error detection.
func TestIsDomainError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", ErrDeployFailed)

	if !IsDomainError(wrapped, "GV-DEPL-5000") {
		t.Error("IsDomainError should find wrapped domain errors")
	}
	if !IsDomainError(wrapped, "") {
		t.Error("IsDomainError with empty code should match any domain error")
	}
	if IsDomainError(errors.New("plain"), "") {
		t.Error("IsDomainError should reject plain errors")
	}
}

// TestGetErrorCode tests code extraction.
func TestGetErrorCode(t *testing.T) {
	if code := GetErrorCode(ErrRollbackUnavailable); code != "GV-DEPL-4040" {
		t.Errorf("GetErrorCode = %s, want GV-DEPL-4040", code)
	}
	if code := GetErrorCode(errors.New("plain")); code != "" {
		t.Errorf("GetErrorCode on plain error = %s, want empty", code)
	}
}
