package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Vigil.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001
	ErrCodeCancelled     ErrorCode = 1002

	// Upgrade: binary stage
	ErrCodeDownloaderMissing ErrorCode = 2001
	ErrCodeDownloadFailed    ErrorCode = 2002
	ErrCodeStopFailed        ErrorCode = 2003

	// Upgrade: package stage
	ErrCodeMetadataUnavailable ErrorCode = 3001
	ErrCodePackageRejected     ErrorCode = 3002
	ErrCodePackageCopyFailed   ErrorCode = 3003
	ErrCodeMarkerIO            ErrorCode = 3004

	// Command channel
	ErrCodeRconConnect ErrorCode = 4001
	ErrCodeRconAuth    ErrorCode = 4002
	ErrCodeRconCommand ErrorCode = 4003
)

// ErrCancelled is the cause attached to errors produced by cooperative cancellation.
var ErrCancelled = errors.New("operation cancelled")

// VigilError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type VigilError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *VigilError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *VigilError) Unwrap() error {
	return e.Err
}

// New creates a new VigilError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &VigilError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the first VigilError in err's chain, or ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	var ve *VigilError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ErrCodeUnknown
}

// IsCancelled reports whether err stems from cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || CodeOf(err) == ErrCodeCancelled
}

// MultiError aggregates independent failures, such as one per package.
type MultiError struct {
	Errors []error
}

// Error returns a summary of the accumulated errors.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself.
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// Unwrap exposes the aggregated errors to errors.Is and errors.As.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Personal.AI order the ending
