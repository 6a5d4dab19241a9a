package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestVigilError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("file not found")
	errWithCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)
	expectedWithCause := "[1001] Startup: invalid config file (cause: file not found)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}
}

func TestVigilError_Unwrap(t *testing.T) {
	cause := errors.New("file not found")
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Expected cause %v, got %v", cause, errors.Unwrap(err))
	}

	errNoCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(ErrCodePackageRejected, "Package", "wrong app", nil))
	if CodeOf(err) != ErrCodePackageRejected {
		t.Errorf("Expected %d, got %d", ErrCodePackageRejected, CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != ErrCodeUnknown {
		t.Error("Expected ErrCodeUnknown for a plain error")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(New(ErrCodeCancelled, "Upgrade", "stopped", nil)) {
		t.Error("Expected coded cancellation to be detected")
	}
	if !IsCancelled(New(ErrCodeDownloadFailed, "Upgrade", "stopped", ErrCancelled)) {
		t.Error("Expected wrapped ErrCancelled to be detected")
	}
	if IsCancelled(New(ErrCodeDownloadFailed, "Upgrade", "exit 8", nil)) {
		t.Error("Ordinary failure must not count as cancellation")
	}
}

func TestMultiError(t *testing.T) {
	m := &MultiError{}
	if m.Err() != nil {
		t.Fatal("Empty MultiError should yield nil")
	}
	m.Add(nil)
	if m.Err() != nil {
		t.Fatal("Adding nil must not record an error")
	}

	first := New(ErrCodePackageCopyFailed, "Package 1", "copy", nil)
	m.Add(first)
	if m.Error() != first.Error() {
		t.Errorf("Single error should pass through, got %q", m.Error())
	}

	m.Add(New(ErrCodePackageRejected, "Package 2", "mismatch", nil))
	if m.Error() != "2 errors occurred" {
		t.Errorf("Unexpected summary %q", m.Error())
	}
	if CodeOf(m.Err()) != ErrCodePackageCopyFailed {
		t.Error("errors.As should reach aggregated errors")
	}
}
