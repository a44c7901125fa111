package retry

import (
	"context"
	"errors"
	"log"
	"time"
)

// Class is the policy decision for a failure.
type Class int

const (
	// Recoverable failures are logged and the run proceeds.
	Recoverable Class = iota
	// Retryable failures are attempted again after a backoff.
	Retryable
	// Escalate failures stop the step and are surfaced to a human.
	Escalate
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case Retryable:
		return "retryable"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy holds the retry limits. The zero value is not useful; use DefaultPolicy.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps any single wait.
	MaxDelay time.Duration
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the standard policy: 3 attempts, 1s/2s backoff, 30s cap.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Sleep:       SleepContext,
	}
}

// Classify maps an error to its policy class. Classification is a pure
// function of the error kind.
func Classify(err error) Class {
	if err == nil {
		return Recoverable
	}
	// A caller cancellation is never worth retrying, whatever it wraps.
	if errors.Is(err, context.Canceled) {
		return Escalate
	}
	switch KindOf(err) {
	case KindHandled:
		return Recoverable
	case KindTransport, KindRateLimit, KindTimeout:
		return Retryable
	default:
		return Escalate
	}
}

// ClassifyAttempt classifies err that ended attempt (1-indexed). A retryable
// failure on the last allowed attempt becomes Escalate.
func (p *Policy) ClassifyAttempt(err error, attempt int) Class {
	c := Classify(err)
	if c == Retryable && attempt >= p.maxAttempts() {
		return Escalate
	}
	return c
}

// Backoff returns the wait after a failed attempt (1-indexed):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. fn receives the 1-indexed attempt number. Recoverable
// failures are returned to the caller unchanged so it can decide to continue.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if p.ClassifyAttempt(err, attempt) != Retryable {
			return err
		}
		delay := p.Backoff(attempt)
		log.Printf("[retry] attempt %d/%d failed (%s), retrying in %s: %v", attempt, p.maxAttempts(), KindOf(err), delay, err)
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// Wait sleeps for the backoff after attempt using the policy's sleeper.
// It returns early with ctx's error when ctx is done.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	return p.sleep(ctx, p.Backoff(attempt))
}

// Attempts returns the total number of attempts the policy allows.
func (p *Policy) Attempts() int { return p.maxAttempts() }

func (p *Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
