package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetryableError(t *testing.T) {
	err := &RetryableError{Err: errors.New("boom"), Delay: 0}
	if err.Error() == "" || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if err.RetryDelay() != 0 {
		t.Fatalf("expected zero delay")
	}
	if err.Unwrap() == nil {
		t.Fatalf("expected unwrap error")
	}

	err = &RetryableError{Err: errors.New("later"), Delay: 2 * time.Second}
	if !strings.Contains(err.Error(), "retry after") {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if err.RetryDelay() != 2*time.Second {
		t.Fatalf("unexpected delay")
	}
}

func TestRetryDelayNonRetryable(t *testing.T) {
	if delay, ok := RetryDelay(errors.New("no")); ok || delay != 0 {
		t.Fatalf("expected no retry delay")
	}
}

func TestRetryAfterClamp(t *testing.T) {
	err := RetryAfter(nil, -5*time.Second)
	if delay, ok := RetryDelay(err); !ok || delay != 0 {
		t.Fatalf("expected clamped delay")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond}
	cases := map[int]time.Duration{
		0: 0,
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 350 * time.Millisecond,
		9: 350 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s got %s", attempt, want, got)
		}
	}
}

func TestDoZeroPolicySingleAttempt(t *testing.T) {
	calls := 0
	cause := errors.New("reset")
	attempts, err := Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return RetryAfter(cause, 0)
	})
	if calls != 1 || attempts != 1 {
		t.Fatalf("expected single attempt, got calls=%d attempts=%d", calls, attempts)
	}
	if err != cause {
		t.Fatalf("expected unwrapped cause, got %v", err)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int
	p := Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		OnRetry: func(attempt int, _ time.Duration, _ error) {
			retried = append(retried, attempt)
		},
	}
	attempts, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return RetryAfter(errors.New("flaky"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 || len(retried) != 2 {
		t.Fatalf("unexpected attempts=%d retried=%v", attempts, retried)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	p := Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	attempts, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return RetryAfter(errors.New("down"), 0)
	})
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected last cause, got %v", err)
	}
	if calls != 3 || attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", calls, attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("rejected")
	p := Policy{MaxRetries: 5, BaseDelay: time.Millisecond}
	_, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected immediate stop, calls=%d err=%v", calls, err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, p, func(context.Context) error {
		calls++
		return RetryAfter(errors.New("slow"), 0)
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected cancellation after first attempt, calls=%d err=%v", calls, err)
	}
}
