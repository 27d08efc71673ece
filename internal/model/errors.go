package model

import (
	"errors"
	"fmt"
)

// ErrorClass classifies failures so each phase can count and decide
// (drop, retry, degrade) without letting errors cross phase boundaries.
type ErrorClass string

const (
	ErrClassTransient  ErrorClass = "transient"
	ErrClassValidation ErrorClass = "validation"
	ErrClassContention ErrorClass = "contention"
	ErrClassDeadline   ErrorClass = "deadline"
	ErrClassFatal      ErrorClass = "fatal"
)

// ClassifiedError carries an error class alongside the underlying error
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps an error expected to recover after retry
func Transient(err error) error {
	return &ClassifiedError{Class: ErrClassTransient, Err: err}
}

// Validation wraps a malformed-input error; the offending item is dropped
func Validation(err error) error {
	return &ClassifiedError{Class: ErrClassValidation, Err: err}
}

// Validationf builds a validation error from a format string
func Validationf(format string, args ...interface{}) error {
	return Validation(fmt.Errorf(format, args...))
}

// Contention wraps a per-symbol lock timeout
func Contention(err error) error {
	return &ClassifiedError{Class: ErrClassContention, Err: err}
}

// Deadline wraps a per-phase budget overrun
func Deadline(err error) error {
	return &ClassifiedError{Class: ErrClassDeadline, Err: err}
}

// Fatal wraps an unrecoverable structural error; the pipeline refuses to start
func Fatal(err error) error {
	return &ClassifiedError{Class: ErrClassFatal, Err: err}
}

// Classify returns the class of an error, defaulting to transient for
// unclassified errors so callers err on the side of retrying
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ErrClassTransient
}

// IsFatal reports whether an error is classified fatal
func IsFatal(err error) bool {
	return Classify(err) == ErrClassFatal
}
