package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failure")
)

// InvalidTransitionError reports an attempted state change the ledger does not allow.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError is returned for bad input and for batch items that fail a domain gate.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failure: " + e.Reason
	}
	return fmt.Sprintf("validation failure: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError names the missing resource; errors.Is(err, ErrNotFound) holds.
func NotFoundError(resource, id string) error {
	return fmt.Errorf("%s %s: %w", resource, id, ErrNotFound)
}

// ExecutionError is what business logic returns to tell the worker loop how a failure should be treated.
type ExecutionError struct {
	Class   ErrorClass
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Class, msg)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func newExecutionError(class ErrorClass, code ErrorCode, err error, format string, args ...any) *ExecutionError {
	return &ExecutionError{Class: class, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Transient(code ErrorCode, err error, format string, args ...any) *ExecutionError {
	return newExecutionError(ClassTransient, code, err, format, args...)
}

func Blocked(code ErrorCode, err error, format string, args ...any) *ExecutionError {
	return newExecutionError(ClassValidation, code, err, format, args...)
}

func Fatal(code ErrorCode, err error, format string, args ...any) *ExecutionError {
	return newExecutionError(ClassFatal, code, err, format, args...)
}

// ClassifyError turns whatever an executor returned into an ExecutionError.
// Unclassified errors are fatal: automatic retry is reserved for failures a delay can fix.
func ClassifyError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		if !ee.Class.Valid() {
			cp := *ee
			cp.Class = ee.Code.Class()
			return &cp
		}
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(CodeTimeout, err, "%v", err)
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Blocked(CodeInvalidInput, err, "%v", err)
	}
	return Fatal(CodeInternalError, err, "%v", err)
}
