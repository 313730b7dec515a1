// Package ratelimit derives a safe polling interval from the size of the
// worker pool and the provider's request quota.
package ratelimit

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ErrEmptyPool is returned when an interval is requested for zero workers.
var ErrEmptyPool = errors.New("ratelimit: pool size must be at least 1")

// ErrInvalidQuota is returned for a quota that allows no requests.
var ErrInvalidQuota = errors.New("ratelimit: quota must allow at least 1 request per window")

// Quota describes a provider limit of Requests per Window for one worker.
type Quota struct {
	Requests     int
	Window       time.Duration
	SafetyMargin float64
}

// DefaultQuota is the X user-timeline limit of 50 requests per 15 minutes
// with a 20% margin.
var DefaultQuota = Quota{Requests: 50, Window: 15 * time.Minute, SafetyMargin: 0.2}

// Interval returns the delay between two requests that keeps a pool of
// poolSize workers inside the quota.
func (q Quota) Interval(poolSize int) (time.Duration, error) {
	if poolSize < 1 {
		return 0, ErrEmptyPool
	}
	if q.Requests < 1 || q.Window <= 0 {
		return 0, ErrInvalidQuota
	}
	secs := Compute(poolSize, q.Requests, q.Window.Seconds(), q.SafetyMargin)
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

// Compute is the raw formula, in seconds:
// window / (requests * poolSize) * (1 + margin).
func Compute(poolSize, requests int, windowSeconds, margin float64) float64 {
	return (windowSeconds / float64(requests*poolSize)) * (1 + margin)
}

// Jitter returns a random duration in [0, max).
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
