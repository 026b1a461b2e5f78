package sheetgate

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func unavailable() *RemoteError {
	return &RemoteError{Op: OpBatchGet, StatusCode: http.StatusServiceUnavailable, Status: "UNAVAILABLE", Message: "backend unavailable"}
}

func TestRetrierRetriesTransientFailures(t *testing.T) {
	sleeps := &recordedSleeps{}
	var attempts []RetryAttempt
	r := NewRetrier(RetrierOptions{
		Policy:  RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: -1},
		Sleep:   sleeps.sleep,
		OnRetry: func(a RetryAttempt) { attempts = append(attempts, a) },
	})
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return unavailable()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(sleeps.delays) != 2 || sleeps.delays[0] != 10*time.Millisecond || sleeps.delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff delays %v", sleeps.delays)
	}
	if len(attempts) != 2 || attempts[0].Attempt != 1 || attempts[1].Attempt != 2 {
		t.Fatalf("unexpected retry notifications %+v", attempts)
	}
}

func TestRetrierDoesNotRetryFatalErrors(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(RetrierOptions{Sleep: sleeps.sleep})
	calls := 0
	notFound := &RemoteError{Op: OpBatchGet, StatusCode: http.StatusNotFound, Status: "NOT_FOUND"}
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return notFound
	})
	if err != notFound {
		t.Fatalf("expected the fatal error unchanged, got %v", err)
	}
	if calls != 1 || len(sleeps.delays) != 0 {
		t.Fatalf("expected one call and no sleeps, got calls=%d sleeps=%d", calls, len(sleeps.delays))
	}
}

func TestRetrierReturnsLastErrorWhenExhausted(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(RetrierOptions{
		Policy: RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, Jitter: -1},
		Sleep:  sleeps.sleep,
	})
	var last *RemoteError
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		last = unavailable()
		return last
	})
	if err != last {
		t.Fatalf("expected last attempt's error, got %v", err)
	}
	if calls != 4 || len(sleeps.delays) != 3 {
		t.Fatalf("expected 4 calls and 3 sleeps, got calls=%d sleeps=%d", calls, len(sleeps.delays))
	}
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected exhausted error to still classify as transient")
	}
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(RetrierOptions{
		Policy: RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: -1},
		Sleep:  sleeps.sleep,
	})
	calls := 0
	_ = r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &RemoteError{Op: OpAppend, StatusCode: http.StatusTooManyRequests, RetryAfter: 3 * time.Second}
		}
		return nil
	})
	if len(sleeps.delays) != 1 || sleeps.delays[0] != 3*time.Second {
		t.Fatalf("expected a 3s wait from Retry-After, got %v", sleeps.delays)
	}
}

func TestRetrierCapsDelayAtMax(t *testing.T) {
	sleeps := &recordedSleeps{}
	r := NewRetrier(RetrierOptions{
		Policy: RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Jitter: -1},
		Sleep:  sleeps.sleep,
	})
	_ = r.Do(context.Background(), func(context.Context) error {
		return &RemoteError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Minute}
	})
	if len(sleeps.delays) != 1 || sleeps.delays[0] != 50*time.Millisecond {
		t.Fatalf("expected delay capped at 50ms, got %v", sleeps.delays)
	}
}

func TestRetrierStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(RetrierOptions{
		Policy: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Jitter: -1},
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return unavailable()
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt after cancellation, got %d", calls)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected the attempt's error, got %v", err)
	}
}

func TestRetryReturnsValue(t *testing.T) {
	r := NewRetrier(RetrierOptions{Sleep: func(context.Context, time.Duration) error { return nil }})
	calls := 0
	got, err := Retry(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, ErrTransient
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d err=%v", got, err)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	if p.MaxAttempts != 3 || p.BaseDelay != time.Second || p.MaxDelay != 30*time.Second || p.Multiplier != 2 || p.Jitter != 0.5 {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if got := (RetryPolicy{Jitter: -1}).withDefaults().Jitter; got != 0 {
		t.Fatalf("expected negative jitter to disable randomization, got %v", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &RemoteError{StatusCode: 429}, true},
		{"502", &RemoteError{StatusCode: 502}, true},
		{"400", &RemoteError{StatusCode: 400}, false},
		{"403", &RemoteError{StatusCode: 403}, false},
		{"sentinel", ErrTransient, true},
		{"canceled", context.Canceled, false},
		{"validation", &ValidationError{Field: "x"}, false},
	}
	for _, tc := range tests {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
