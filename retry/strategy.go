// Package retry provides the backoff strategies used across the
// reliability layer: a fixed ladder for publish dispatch, linear backoff
// for initial connects, and capped exponential backoff for background
// reconnection work.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ExhaustedError wraps the original error once a strategy gives up.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last underlying error.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Ladder retries an operation over a fixed, short delay schedule. The
// attempt count is len(Delays)+1: one initial try plus one per rung.
// Only errors Retryable classifies as transient are retried.
type Ladder struct {
	Delays    []time.Duration
	Retryable func(error) bool
}

// DefaultPublishLadder returns the dispatch retry ladder: two retries at
// 250ms and 1s on top of the initial attempt.
func DefaultPublishLadder(retryable func(error) bool) Ladder {
	return Ladder{
		Delays:    []time.Duration{250 * time.Millisecond, time.Second},
		Retryable: retryable,
	}
}

// MaxAttempts returns the total number of attempts the ladder makes.
func (l Ladder) MaxAttempts() int { return len(l.Delays) + 1 }

// Do runs fn until it succeeds, a non-retryable error occurs, the ladder
// is exhausted, or ctx is done. On exhaustion the returned error is an
// *ExhaustedError wrapping the last failure.
func (l Ladder) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < l.MaxAttempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.Delays[attempt-1]):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if l.Retryable != nil && !l.Retryable(lastErr) {
			return lastErr
		}
	}
	return &ExhaustedError{Attempts: l.MaxAttempts(), Err: lastErr}
}

// Linear retries with linearly increasing delay: BaseDelay * attempt.
// Used for initial broker connects, where each failure is logged and the
// final failure is fatal.
type Linear struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConnectStrategy returns the initial-connect retry behavior:
// five attempts at 1s, 2s, 3s, 4s spacing.
func DefaultConnectStrategy() Linear {
	return Linear{MaxAttempts: 5, BaseDelay: time.Second}
}

// Delay returns the wait before the given 1-based attempt. The first
// attempt has no delay.
func (s Linear) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(attempt-1) * s.BaseDelay
}

// Strategy retries with capped exponential backoff:
// delay = min(BaseDelay * ExponentialBase^attempt, MaxDelay).
// Used by the background stream-context refresh loop after a reconnect.
type Strategy struct {
	MaxAttempts     int           // Maximum attempts before giving up
	BaseDelay       time.Duration // Initial delay
	MaxDelay        time.Duration // Delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
}

// DefaultRefreshStrategy returns the background refresh behavior: ten
// attempts from 500ms doubling up to a 30s cap.
func DefaultRefreshStrategy() Strategy {
	return Strategy{
		MaxAttempts:     10,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Delay returns the backoff before the given 0-based attempt.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return s.BaseDelay
	}
	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Schedule returns a human-readable description of the backoff schedule,
// useful in logs.
func (s Strategy) Schedule() string {
	schedule := ""
	for i := 0; i < s.MaxAttempts; i++ {
		if i > 0 {
			schedule += " -> "
		}
		schedule += s.Delay(i).String()
	}
	return schedule
}
