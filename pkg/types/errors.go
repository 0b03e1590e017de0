package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for wire reporting and retry decisions
type ErrorKind string

const (
	ErrInvalidRequest        ErrorKind = "InvalidRequest"
	ErrUnauthenticated       ErrorKind = "Unauthenticated"
	ErrUnknownTool           ErrorKind = "UnknownTool"
	ErrUnknownOp             ErrorKind = "UnknownOp"
	ErrContinuationNotFound  ErrorKind = "ContinuationNotFound"
	ErrOverloaded            ErrorKind = "Overloaded"
	ErrTimedOut              ErrorKind = "TimedOut"
	ErrCancelled             ErrorKind = "Cancelled"
	ErrProviderRateLimited   ErrorKind = "ProviderRateLimited"
	ErrProviderAuth          ErrorKind = "ProviderAuth"
	ErrProviderFatal         ErrorKind = "ProviderFatal"
	ErrRepositoryUnavailable ErrorKind = "RepositoryUnavailable"
	ErrInternal              ErrorKind = "Internal"
)

// Retryable reports whether a client may retry a call that failed with this kind
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrOverloaded, ErrProviderRateLimited, ErrTimedOut:
		return true
	}
	return false
}

// CallError is a typed error carried across component boundaries.
// The dispatcher maps it to an error frame.
type CallError struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a CallError with a formatted message
func NewError(kind ErrorKind, format string, args ...interface{}) *CallError {
	return &CallError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetail attaches a structured detail field and returns the error
func (e *CallError) WithDetail(key string, value interface{}) *CallError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the ErrorKind from an error chain. Context errors map to
// TimedOut/Cancelled; anything unclassified is Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrInternal
}

// DetailsOf extracts structured details from an error chain, if any
func DetailsOf(err error) map[string]interface{} {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Details
	}
	return nil
}
