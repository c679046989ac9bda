// Package retry runs infrastructure calls (store connects, broker pings)
// with capped exponential backoff. Job-level retries are handled by the
// worker pool through models.RetryPolicy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/psantana5/genflow/pkg/models"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
	Jitter         float64       // Fraction of each backoff randomised, 0..1
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// permanent wraps an error that must not be retried
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err so Do returns it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do executes fn with exponential backoff retries. Errors marked with
// Permanent, or that IsRetryable rejects, stop the loop at once.
func Do(ctx context.Context, config Config, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var p *permanent
		if errors.As(err, &p) {
			return p.err
		}
		if !IsRetryable(err) {
			return err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(Jitter(backoff, config.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// Jitter spreads d uniformly over [d*(1-frac), d*(1+frac)]
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	if frac > 1 {
		frac = 1
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}

var transientNeedles = []string{
	"connection refused",
	"connection reset",
	"temporary failure",
	"502",
	"504",
	"eof",
	"broken pipe",
	"i/o timeout",
}

// IsRetryable checks if an error is retryable. Provider-style failures are
// classified the same way as job failures; socket-level errors that the
// classifier does not name are matched directly.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	category := models.ClassifyError(err)
	if category != models.FailureUnknown {
		return models.IsRetryableCategory(category)
	}

	errStr := strings.ToLower(err.Error())
	for _, needle := range transientNeedles {
		if strings.Contains(errStr, needle) {
			return true
		}
	}
	// unclassified errors get the benefit of the doubt, as with jobs
	return true
}
