// Package errors provides the error taxonomy for the entire project.
//
// This file provides:
// - Wire protocol error codes
// - Sentinel errors for all error conditions
// - Typed errors carrying the offending field, dimension or method
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - carried in error frames
// ============================================================================

const (
	CodeUnknown           int32 = 1
	CodeInvalidRequest    int32 = 2
	CodeDimensionMismatch int32 = 3
	CodeUnsupported       int32 = 4
	CodeCorrupt           int32 = 5
	CodeTooLarge          int32 = 6
	CodeInternal          int32 = 7
	CodeTimeout           int32 = 8
	CodeStale             int32 = 9
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeDimensionMismatch:
		return "DimensionMismatch"
	case CodeUnsupported:
		return "Unsupported"
	case CodeCorrupt:
		return "Corrupt"
	case CodeTooLarge:
		return "TooLarge"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	case CodeStale:
		return "Stale"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Construction errors
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrUnsupportedMethod = errors.New("unsupported method")

	// Data errors
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrInvalidPoint      = errors.New("invalid point")
	ErrCorruptData       = errors.New("corrupt data")
	ErrMethodMismatch    = errors.New("method mismatch")

	// Sync errors
	ErrStaleDiff        = errors.New("stale diff")
	ErrRoundClosed      = errors.New("round closed")
	ErrNoParticipants   = errors.New("no participants")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Internal errors
	ErrInternal     = errors.New("internal error")
	ErrWriterClosed = errors.New("writer is closed")
)

// ============================================================================
// Typed errors
// ============================================================================

// InvalidParameterError reports a configuration value outside its domain.
type InvalidParameterError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid %s '%v': %s", e.Field, e.Value, e.Reason)
}

// Is reports ErrInvalidParameter so callers can use errors.Is.
func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// DimensionMismatchError reports a point whose length disagrees with the
// established dimensionality.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is reports ErrDimensionMismatch so callers can use errors.Is.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// UnsupportedMethodError reports an unknown method or compressor name.
type UnsupportedMethodError struct {
	Name string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported method: %q", e.Name)
}

// Is reports ErrUnsupportedMethod so callers can use errors.Is.
func (e *UnsupportedMethodError) Is(target error) bool {
	return target == ErrUnsupportedMethod
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsValidation returns true if err is a construction or input validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidParameter) ||
		errors.Is(err, ErrUnsupportedMethod) ||
		errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrInvalidPoint)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrStaleDiff) ||
		errors.Is(err, ErrRoundClosed)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrDimensionMismatch):
		return CodeDimensionMismatch
	case Is(err, ErrUnsupportedMethod), Is(err, ErrMethodMismatch):
		return CodeUnsupported
	case Is(err, ErrCorruptData):
		return CodeCorrupt
	case Is(err, ErrMessageTooLarge):
		return CodeTooLarge
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrStaleDiff), Is(err, ErrRoundClosed):
		return CodeStale
	case IsValidation(err):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidParameter
	case CodeDimensionMismatch:
		return ErrDimensionMismatch
	case CodeUnsupported:
		return ErrUnsupportedMethod
	case CodeCorrupt:
		return ErrCorruptData
	case CodeTooLarge:
		return ErrMessageTooLarge
	case CodeTimeout:
		return ErrTimeout
	case CodeStale:
		return ErrStaleDiff
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewInvalidParameter creates an invalid parameter error for a config field.
func NewInvalidParameter(field string, value interface{}, reason string) error {
	return &InvalidParameterError{Field: field, Value: value, Reason: reason}
}

// NewDimensionMismatch creates a dimension mismatch error.
func NewDimensionMismatch(expected, actual int) error {
	return &DimensionMismatchError{Expected: expected, Actual: actual}
}

// NewUnsupportedMethod creates an unsupported method error.
func NewUnsupportedMethod(name string) error {
	return &UnsupportedMethodError{Name: name}
}

// NewCorrupt creates a corrupt data error with context.
func NewCorrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCorruptData)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field string, value interface{}, reason string) {
	v.Errors = append(v.Errors, NewInvalidParameter(field, value, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns all collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

// Fields returns the names of all fields reported by InvalidParameterErrors.
func (v *ValidationErrors) Fields() []string {
	var fields []string
	for _, err := range v.Errors {
		var ip *InvalidParameterError
		if errors.As(err, &ip) {
			fields = append(fields, ip.Field)
		}
	}
	return fields
}
