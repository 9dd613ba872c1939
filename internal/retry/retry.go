// Package retry implements bounded exponential backoff for remote operations.
//
// The policy never drops work on its own: it decides whether and when to
// retry, and propagates the final failure to the caller, which owns the
// queued item.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Config is an immutable retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// Named presets tuned per call class.
var (
	// Network covers calls over the public internet.
	Network = Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}

	// Auth retries sparingly; credential failures rarely heal on retry.
	Auth = Config{MaxAttempts: 2, BaseDelay: 1 * time.Second, MaxDelay: 4 * time.Second, Multiplier: 2, Jitter: false}

	// Database covers calls against the remote relational store.
	Database = Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true}

	// Quick is for operations where the caller is latency sensitive.
	Quick = Config{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, Multiplier: 2, Jitter: false}
)

// Options customizes a single Do invocation.
type Options struct {
	// ShouldRetry gates whether a given failure is retried at all. When it
	// returns false the operation fails immediately, regardless of the
	// remaining attempt budget. Defaults to Retryable.
	ShouldRetry func(error) bool

	// OnRetry is called after each failed attempt except the last, before
	// the backoff delay.
	OnRetry func(attempt int, err error)
}

// Do invokes op up to cfg.MaxAttempts times, sleeping between attempts per
// the backoff schedule. The last error is returned after exhaustion; context
// cancellation during a delay returns ctx.Err().
func Do(ctx context.Context, cfg Config, op func(context.Context) error, opts Options) error {
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Retryable
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		select {
		case <-time.After(Delay(cfg, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// Delay computes the backoff delay before the attempt following the given
// one: min(MaxDelay, BaseDelay * Multiplier^(attempt-1)), optionally scaled
// by a uniform jitter factor in [0.5, 1.5) to avoid synchronized retry
// storms across clients.
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if max := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && d > max {
		d = max
	}

	if cfg.Jitter {
		d *= 0.5 + rand.Float64()
	}

	return time.Duration(d)
}

// Substrings that mark an error as transient. Matching is case-insensitive
// against the full error chain text.
var retryableMarkers = []string{
	"network",
	"timeout",
	"timed out",
	"connection",
	"unreachable",
	"temporarily unavailable",
	"too many requests",
	"service unavailable",
	"broken pipe",
	"eof",
}

// Substrings that mark an error as terminal. These win over retryable
// markers: an authentication failure on a connection is still terminal.
var terminalMarkers = []string{
	"auth",
	"unauthorized",
	"forbidden",
	"permission",
	"invalid",
	"validation",
	"malformed",
	"not found",
}

// Retryable classifies an error by its message text. Network, timeout and
// connection failures are retryable; authentication and validation failures
// are not. Unclassified errors default to non-retryable so unknown
// conditions fail fast instead of retrying indefinitely.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
