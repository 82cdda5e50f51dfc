// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// jitterFraction is the upper bound of the random delay added to each backoff, as a
// fraction of the computed delay.
const jitterFraction = 0.3

// Policy configures how an operation is retried.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Retryable decides whether a failed attempt is retried. Defaults to IsRetryable.
	Retryable func(error) bool
	// OnRetry is called once per scheduled retry with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Timeout bounds the whole operation including waits. Zero means no bound.
	Timeout time.Duration
	// Breaker, when set, wraps every attempt. An open breaker ends the loop.
	Breaker *gobreaker.CircuitBreaker
}

// DefaultPolicy returns 3 attempts starting at 1s, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}

// Delay returns the un-jittered delay before the retry that follows attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(n-1))
	if limit := float64(p.MaxDelay); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// exponential is a backoff.BackOff producing Policy.Delay plus up to 30% jitter.
type exponential struct {
	policy  Policy
	attempt int
	jitter  func() float64
}

func (b *exponential) NextBackOff() time.Duration {
	b.attempt++
	d := b.policy.Delay(b.attempt)
	return d + time.Duration(float64(d)*jitterFraction*b.jitter())
}

func (b *exponential) Reset() {
	b.attempt = 0
}

// Do runs op until it succeeds, fails with a non-retryable error or runs out of attempts.
// The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	if p.Timeout <= 0 {
		return run(ctx, p, op)
	}

	tctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := run(tctx, p, op)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, p.Timeout, r.err)
		}
		return r.v, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
	}
}

func run[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		out     T
		attempt int
	)
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		v, err := call(ctx, p.Breaker, op)
		if err == nil {
			out = v
			return nil
		}
		if isBreakerOpen(err) || !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
	}

	b := &exponential{policy: p, jitter: rand.Float64}
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func call[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	if cb == nil {
		return op(ctx)
	}
	v, err := cb.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// WithFallback runs op under p and, once retries are exhausted, returns whatever fallback
// produces for the final error.
func WithFallback[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), fallback func(ctx context.Context, err error) (T, error)) (T, error) {
	v, err := DoValue(ctx, p, op)
	if err == nil {
		return v, nil
	}
	return fallback(ctx, err)
}

// Outcome is the settled result of one operation passed to All.
type Outcome[T any] struct {
	Value T
	Err   error
}

// All runs every op concurrently under p and waits for all of them. One failure
// does not cancel the others.
func All[T any](ctx context.Context, p Policy, ops ...func(ctx context.Context) (T, error)) []Outcome[T] {
	out := make([]Outcome[T], len(ops))
	var g errgroup.Group
	for i, op := range ops {
		g.Go(func() error {
			v, err := DoValue(ctx, p, op)
			out[i] = Outcome[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
