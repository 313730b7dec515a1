package watch

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPoolExhausted is returned once no usable worker remains.
var ErrPoolExhausted = errors.New("worker pool exhausted")

// Class is the recovery category of a fetch or login error.
type Class int

const (
	ClassFetch Class = iota
	ClassRateLimit
	ClassAuth
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassAuth:
		return "auth"
	case ClassFatal:
		return "fatal"
	default:
		return "fetch"
	}
}

// MissingEnvError is returned when required configuration is missing.
type MissingEnvError struct {
	Provider  string
	Variables []string
}

func (e MissingEnvError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return fmt.Sprintf("%s credentials not configured (missing %s)", e.Provider, strings.Join(e.Variables, ", "))
}

// ConfigError means a job cannot start because of missing or invalid settings.
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// AuthError is a per-account login failure.
type AuthError struct {
	Provider string
	Username string
	Err      error
}

func (e AuthError) Error() string {
	return fmt.Sprintf("%s login failed for %s: %v", e.Provider, e.Username, e.Err)
}

func (e AuthError) Unwrap() error { return e.Err }

// SuspensionError marks an account as permanently unusable until it is
// re-verified by hand.
type SuspensionError struct {
	Provider string
	Username string
	Reason   string
}

func (e SuspensionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s account %s is suspended", e.Provider, e.Username)
	}
	return fmt.Sprintf("%s account %s is suspended: %s", e.Provider, e.Username, e.Reason)
}

// RateLimitError signals quota exhaustion for one worker.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited (retry after %s): %v", e.Provider, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s rate limited: %v", e.Provider, e.Err)
}

func (e RateLimitError) Unwrap() error { return e.Err }

// FetchError is a transient network or platform failure.
type FetchError struct {
	Provider string
	Err      error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("%s fetch failed: %v", e.Provider, e.Err)
}

func (e FetchError) Unwrap() error { return e.Err }

// TargetResolutionError means the monitored handle does not exist or is not
// accessible.
type TargetResolutionError struct {
	Provider string
	Target   string
	Err      error
}

func (e TargetResolutionError) Error() string {
	return fmt.Sprintf("%s: cannot resolve target %q: %v", e.Provider, e.Target, e.Err)
}

func (e TargetResolutionError) Unwrap() error { return e.Err }

// ValidationError captures provider-specific validation issues.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}

// ClassOf maps the typed errors above to a recovery class. Providers call it
// after their own provider-specific checks.
func ClassOf(err error) Class {
	var (
		rl   RateLimitError
		auth AuthError
		susp SuspensionError
		tgt  TargetResolutionError
		cfg  ConfigError
	)
	switch {
	case err == nil:
		return ClassFetch
	case errors.As(err, &rl):
		return ClassRateLimit
	case errors.As(err, &susp), errors.As(err, &auth):
		return ClassAuth
	case errors.As(err, &tgt), errors.As(err, &cfg):
		return ClassFatal
	}
	return ClassFetch
}

// ContainsAny reports whether the error text mentions any of the markers,
// case-insensitively. Providers use it for errors that only carry a message.
func ContainsAny(err error, markers ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
