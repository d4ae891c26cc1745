// Package retry provides the shared exponential retry policy used by the
// notification relay reconnect loop and the lock heartbeat.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 16 * time.Second
	defaultMultiplier  = 2.0
)

// ErrExhausted reports that every attempt allowed by the policy failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes a capped exponential schedule without jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy returns the 1s base, 16s cap, x2, five attempt schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		Multiplier:  defaultMultiplier,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	normalized := p.normalized()
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = normalized.BaseDelay
	schedule.MaxInterval = normalized.MaxDelay
	schedule.Multiplier = normalized.Multiplier
	schedule.RandomizationFactor = 0
	schedule.MaxElapsedTime = 0
	schedule.Reset()
	return schedule
}

// BackOff returns a fresh schedule that stops after MaxAttempts delays.
func (p Policy) BackOff() backoff.BackOff {
	return backoff.WithMaxRetries(p.exponential(), uint64(p.normalized().MaxAttempts))
}

// Delay returns the wait before the given zero-based retry attempt:
// min(BaseDelay * Multiplier^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	schedule := p.exponential()
	delay := schedule.NextBackOff()
	for index := 0; index < attempt; index++ {
		delay = schedule.NextBackOff()
	}
	return delay
}

// Delays lists the wait before each attempt the policy allows.
func (p Policy) Delays() []time.Duration {
	normalized := p.normalized()
	schedule := p.exponential()
	delays := make([]time.Duration, 0, normalized.MaxAttempts)
	for index := 0; index < normalized.MaxAttempts; index++ {
		delays = append(delays, schedule.NextBackOff())
	}
	return delays
}

// Operation is one attempt. Attempt zero is the immediate first try; retries
// are numbered from one.
type Operation func(ctx context.Context, attempt int) error

// Option adjusts a single Do invocation.
type Option func(*settings)

type settings struct {
	delayFirst bool
	onRetry    func(attempt int, delay time.Duration, lastErr error)
}

// DelayFirst skips the immediate try and waits the first delay before attempt one.
func DelayFirst() Option {
	return func(s *settings) {
		s.delayFirst = true
	}
}

// OnRetry registers a callback invoked before each scheduled wait.
func OnRetry(callback func(attempt int, delay time.Duration, lastErr error)) Option {
	return func(s *settings) {
		s.onRetry = callback
	}
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or the policy runs out of attempts.
func Do(ctx context.Context, policy Policy, op Operation, opts ...Option) error {
	config := settings{}
	for _, opt := range opts {
		opt(&config)
	}

	schedule := backoff.WithContext(policy.BackOff(), ctx)
	attempt := 0
	var lastErr error
	if !config.delayFirst {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if permanentErr, ok := asPermanent(lastErr); ok {
			return permanentErr
		}
	}

	for {
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if lastErr == nil {
				return ErrExhausted
			}
			return fmt.Errorf("%w: %w", ErrExhausted, lastErr)
		}
		attempt++
		if config.onRetry != nil {
			config.onRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if permanentErr, ok := asPermanent(lastErr); ok {
			return permanentErr
		}
	}
}

func asPermanent(err error) (error, bool) {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err, true
	}
	return nil, false
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
