package models

import (
	"errors"
	"fmt"
)

// ErrorKind classification of call failures.
type ErrorKind string

// Error kinds.
const (
	KindConfiguration ErrorKind = "configuration"
	KindPermission    ErrorKind = "permission"
	KindTransport     ErrorKind = "transport"
	KindPersistence   ErrorKind = "persistence"
	KindPayment       ErrorKind = "payment"
	KindConflict      ErrorKind = "conflict"
	KindState         ErrorKind = "state"
	KindUnknown       ErrorKind = "unknown"
)

// Retryable reports whether a new call attempt may succeed after a failure of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindPermission || k == KindTransport || k == KindPersistence
}

// CallError a failure surfaced to the user of a call.
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// NewCallError creates a CallError.
func NewCallError(kind ErrorKind, message string, err error) *CallError {
	return &CallError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf("%s error: %s. %v", e.Kind, e.Message, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first CallError in the chain of err.
func KindOf(err error) ErrorKind {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}

	return KindUnknown
}

// AsCallError returns err as a CallError, wrapping it with the fallback kind if needed.
func AsCallError(err error, fallback ErrorKind, message string) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}

	return NewCallError(fallback, message, err)
}
