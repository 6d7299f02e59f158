package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// RetryableError marks an error as safe to retry, optionally after a delay.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err with a retry delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts a retry delay from err when it is retryable.
func RetryDelay(err error) (time.Duration, bool) {
	type retryDelayProvider interface {
		RetryDelay() time.Duration
	}
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

// Policy is a bounded exponential backoff. The zero value performs a single
// attempt and never retries.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry, when set, is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := p.MaxDelay
	if max <= 0 {
		max = defaultMaxDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Do runs fn until it succeeds, returns an error not marked retryable, the
// retry budget is exhausted, or ctx is done. Retryable errors are unwrapped
// before being returned so callers see the underlying cause. The returned
// attempt count includes the first call.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		hint, retryable := RetryDelay(err)
		if !retryable {
			return attempts, err
		}
		cause := unwrapRetryable(err)
		if attempts > p.MaxRetries {
			return attempts, cause
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, cause
		}
		delay := p.Backoff(attempts)
		if hint > delay {
			delay = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, cause)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, cause
		case <-timer.C:
		}
	}
}

func unwrapRetryable(err error) error {
	var re *RetryableError
	if errors.As(err, &re) && re.Err != nil {
		return re.Err
	}
	return err
}
