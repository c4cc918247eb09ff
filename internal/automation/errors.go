// internal/automation/errors.go
package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies failures raised while driving the browser agent.
// Callers branch on the kind instead of string matching error messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindTransient
	KindRateLimit
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ConfigError reports missing or invalid configuration. It is raised before
// any external call is made and is never retried.
type ConfigError struct {
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	switch {
	case len(e.Missing) > 0 && e.Reason != "":
		return fmt.Sprintf("configuration error: missing %s; %s", strings.Join(e.Missing, ", "), e.Reason)
	case len(e.Missing) > 0:
		return fmt.Sprintf("configuration error: missing %s", strings.Join(e.Missing, ", "))
	default:
		return "configuration error: " + e.Reason
	}
}

// TransientError wraps an agent failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient automation error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError signals provider throttling. RetryAfter is zero when the
// provider did not say how long to back off.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limited"
	}
	return "rate limited: " + e.Err.Error()
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable failure: retries exhausted, or the error was
// classified as non-retryable (e.g. credentials rejected).
type FatalError struct {
	ActionID string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	if e.ActionID == "" {
		return "fatal automation error: " + e.Err.Error()
	}
	return fmt.Sprintf("fatal automation error: action %q failed after %d attempt(s): %v", e.ActionID, e.Attempts, e.Err)
}
func (e *FatalError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// KindOf returns the classification carried by err, if any.
func KindOf(err error) ErrorKind {
	var (
		cfgErr   *ConfigError
		rlErr    *RateLimitError
		fatalErr *FatalError
		trErr    *TransientError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &rlErr):
		return KindRateLimit
	case errors.As(err, &fatalErr):
		return KindFatal
	case errors.As(err, &trErr):
		return KindTransient
	default:
		return KindUnknown
	}
}

func IsConfigError(err error) bool    { return KindOf(err) == KindConfiguration }
func IsRateLimitError(err error) bool { return KindOf(err) == KindRateLimit }
func IsFatalError(err error) bool     { return KindOf(err) == KindFatal }
func IsTransientError(err error) bool { return KindOf(err) == KindTransient }
