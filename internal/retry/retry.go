// Package retry wraps a single remote call with bounded retries,
// exponential backoff and failure classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Kind classifies a failure as retryable or not.
type Kind int

const (
	// KindTransient covers rate limits, timeouts and transient network
	// failures. Retried with backoff.
	KindTransient Kind = iota
	// KindFatal covers invalid input, authentication failures and
	// permanent quota exhaustion. Never retried.
	KindFatal
)

// Error carries an explicit classification for a remote-call failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindTransient {
		return "transient: " + e.Err.Error()
	}
	return "fatal: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Fatal marks err as never retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// Classify maps an error to its retry kind. Explicit classifications are
// respected; deadline and network timeouts default to transient; anything
// unclassified is fatal.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindFatal
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool { return err != nil && Classify(err) == KindTransient }

// IsFatal reports whether err classifies as not retryable.
func IsFatal(err error) bool { return err != nil && Classify(err) == KindFatal }

// Policy bounds the retry loop for one remote call.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry; it doubles each
	// retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// AttemptTimeout, when positive, bounds each individual attempt.
	AttemptTimeout time.Duration
}

// DefaultPolicy mirrors the service defaults: three attempts starting at
// one second, capped at thirty.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// OnRetry is invoked after each transient failure that will be retried,
// with the 1-based retry number, the failure and the chosen delay. It lets
// callers surface retry counts while the call is still unresolved.
type OnRetry func(retry int, err error, delay time.Duration)

// Execute runs op under the policy. Transient failures are retried with
// exponential backoff and jitter; fatal failures and context cancellation
// propagate immediately. Exhausting MaxAttempts turns the last transient
// failure into a fatal outcome.
func Execute(ctx context.Context, p Policy, op func(context.Context) error, onRetry OnRetry) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		// The owning job was cancelled, not the attempt itself.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if Classify(err) == KindFatal {
			return err
		}

		lastErr = err
		if attempt == p.MaxAttempts {
			break
		}

		delay := backoffDelay(p, attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return Fatal(fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr))
}

// backoffDelay doubles the base delay per retry, caps it at MaxDelay and
// applies equal jitter so concurrently failing chunks do not retry in
// lockstep.
func backoffDelay(p Policy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
