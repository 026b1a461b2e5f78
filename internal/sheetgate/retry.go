package sheetgate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts  = 3
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
	defaultJitterFactor = 0.5
)

// RetryPolicy bounds the retry executor. Zero fields take defaults; a
// negative Jitter disables randomization.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Multiplier:  defaultMultiplier,
		Jitter:      defaultJitterFactor,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	switch {
	case p.Jitter == 0:
		p.Jitter = d.Jitter
	case p.Jitter < 0:
		p.Jitter = 0
	case p.Jitter > 1:
		p.Jitter = 1
	}
	return p
}

type RetryAttempt struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

type RetrierOptions struct {
	Policy   RetryPolicy
	Sleep    func(ctx context.Context, delay time.Duration) error
	Classify func(error) bool
	OnRetry  func(RetryAttempt)
}

// Retrier runs remote operations with bounded, jittered exponential backoff.
type Retrier struct {
	policy   RetryPolicy
	sleep    func(ctx context.Context, delay time.Duration) error
	classify func(error) bool
	onRetry  func(RetryAttempt)
}

func NewRetrier(opts RetrierOptions) *Retrier {
	r := &Retrier{
		policy:   opts.Policy.withDefaults(),
		sleep:    opts.Sleep,
		classify: opts.Classify,
		onRetry:  opts.OnRetry,
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	if r.classify == nil {
		r.classify = IsTransient
	}
	return r
}

func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

type retryState struct {
	attempt     int
	maxAttempts int
	nextDelay   time.Duration
	backoff     *backoff.ExponentialBackOff
}

func (r *Retrier) newState() *retryState {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.BaseDelay,
		RandomizationFactor: r.policy.Jitter,
		Multiplier:          r.policy.Multiplier,
		MaxInterval:         r.policy.MaxDelay,
	}
	b.Reset()
	return &retryState{maxAttempts: r.policy.MaxAttempts, backoff: b}
}

// advance computes the wait before the next attempt, preferring a
// server-supplied Retry-After hint.
func (s *retryState) advance(err error, maxDelay time.Duration) {
	delay := s.backoff.NextBackOff()
	var remote *RemoteError
	if errors.As(err, &remote) && remote.RetryAfter > delay {
		delay = remote.RetryAfter
	}
	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}
	s.nextDelay = delay
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	state := r.newState()
	for {
		state.attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !r.classify(err) || state.attempt >= state.maxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		state.advance(err, r.policy.MaxDelay)
		if r.onRetry != nil {
			r.onRetry(RetryAttempt{Attempt: state.attempt, Delay: state.nextDelay, Err: err})
		}
		if sleepErr := r.sleep(ctx, state.nextDelay); sleepErr != nil {
			return sleepErr
		}
	}
}

// Retry is Do for operations that produce a value.
func Retry[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
