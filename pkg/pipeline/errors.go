// Package pipeline carries the cross-stage error taxonomy and the retry
// timing helpers. Every stage classifies failures into a tagged class; the
// retry decision is a pure function of that tag, never of the error text at
// the call site.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrClass tags a failure with where it sits in the retry taxonomy.
type ErrClass string

const (
	// Retryable classes.
	ClassNetwork   ErrClass = "network"
	ClassTimeout   ErrClass = "timeout"
	ClassServer    ErrClass = "server_error"
	ClassRateLimit ErrClass = "rate_limit"
	ClassParse     ErrClass = "parse_error"
	ClassValidate  ErrClass = "validation_error"

	// Fatal classes.
	ClassAuth           ErrClass = "auth"
	ClassPermission     ErrClass = "permission"
	ClassQuota          ErrClass = "quota_exhausted"
	ClassUnknownChannel ErrClass = "unknown_channel"
	ClassConfig         ErrClass = "config"
	ClassUnknown        ErrClass = "unknown"
)

// Retryable reports whether a class may be retried with backoff.
func Retryable(class ErrClass) bool {
	switch class {
	case ClassNetwork, ClassTimeout, ClassServer, ClassRateLimit, ClassParse, ClassValidate:
		return true
	}
	return false
}

// Error is a classified failure. RetryAfter is set only for rate-limit
// errors whose reset time is known.
type Error struct {
	Class      ErrClass
	RetryAfter *time.Time
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err with a class tag.
func Classify(class ErrClass, err error) *Error {
	return &Error{Class: class, Err: err}
}

// RateLimited wraps err as a rate-limit failure with a known reset time.
func RateLimited(err error, resetAt time.Time) *Error {
	return &Error{Class: ClassRateLimit, RetryAfter: &resetAt, Err: err}
}

// ClassOf extracts the class tag from err, walking the wrap chain.
// Unclassified errors report ClassUnknown.
func ClassOf(err error) ErrClass {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// RetryAfterOf returns the reset time attached to a rate-limit error, if any.
func RetryAfterOf(err error) *time.Time {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return nil
}
