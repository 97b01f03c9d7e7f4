package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Outcome classifies a single attempt against the inference endpoint.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeServerError
	OutcomeTransportError
	OutcomeTimeout
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate-limited"
	case OutcomeServerError:
		return "server-error"
	case OutcomeTransportError:
		return "transport-error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// Policy decides per-attempt deadlines and the wait before the next attempt.
type Policy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration // attempt n gets n x AttemptTimeout
	RetryDelay     time.Duration // attempt n waits n x RetryDelay after a server error
	RateLimitWait  time.Duration // used when a 429 carries no retry-after
}

// DefaultPolicy returns three attempts of 40s/80s/120s with 1s linear backoff
// and a 5s rate-limit wait.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		AttemptTimeout: 40 * time.Second,
		RetryDelay:     time.Second,
		RateLimitWait:  5 * time.Second,
	}
}

// Timeout is the deadline for the given 1-based attempt.
func (p Policy) Timeout(attempt int) time.Duration {
	return time.Duration(attempt) * p.AttemptTimeout
}

// Delay returns how long to wait before the attempt after `attempt`, and
// whether there should be one at all.
func (p Policy) Delay(attempt int, outcome Outcome, retryAfter time.Duration) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	switch outcome {
	case OutcomeRateLimited:
		if retryAfter <= 0 {
			retryAfter = p.RateLimitWait
		}
		return retryAfter, true
	case OutcomeServerError, OutcomeTransportError:
		return time.Duration(attempt) * p.RetryDelay, true
	case OutcomeTimeout:
		return 0, true
	default:
		return 0, false
	}
}

// Attempt records one try. It only lives for the duration of a Retry call.
type Attempt struct {
	Number  int
	Timeout time.Duration
	Outcome Outcome
	Err     error
}

// Backoff runs attempts under a Policy. The zero Sleep uses a timer bound to
// the caller's context; Limiter, when set, throttles every attempt.
type Backoff struct {
	Policy  Policy
	Sleep   func(ctx context.Context, d time.Duration) error
	Limiter *rate.Limiter
}

// NewBackoff creates a Backoff for the given policy.
func NewBackoff(policy Policy) *Backoff {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Backoff{Policy: policy, Sleep: sleepContext}
}

// AttemptFunc performs a single attempt. ctx carries that attempt's deadline.
type AttemptFunc[T any] func(ctx context.Context, attempt int) (T, error)

// Retry calls fn until it succeeds, fails fatally or the attempt budget is
// spent. base overrides Policy.AttemptTimeout when positive.
func Retry[T any](ctx context.Context, b *Backoff, base time.Duration, fn AttemptFunc[T]) (T, error) {
	var zero T
	policy := b.Policy
	if base > 0 {
		policy.AttemptTimeout = base
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	logger := LoggerFrom(ctx)
	var last Attempt
	for n := 1; n <= policy.MaxAttempts; n++ {
		if b.Limiter != nil {
			if err := b.Limiter.Wait(ctx); err != nil {
				return zero, fmt.Errorf("waiting for request slot: %w", err)
			}
		}

		timeout := policy.Timeout(n)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := fn(attemptCtx, n)
		deadlineHit := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			logger.Debug("Inference attempt succeeded", "attempt", n, "timeout", timeout, "elapsed", time.Since(start))
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		outcome, retryAfter, err := classify(err, deadlineHit)
		if outcome == OutcomeTimeout {
			err = &TimeoutError{Attempt: n, Timeout: timeout, Elapsed: time.Since(start)}
		}
		last = Attempt{Number: n, Timeout: timeout, Outcome: outcome, Err: err}

		delay, again := policy.Delay(n, outcome, retryAfter)
		if !again {
			break
		}
		logger.Warn("Inference attempt failed, retrying",
			"attempt", n,
			"outcome", outcome.String(),
			"delay", delay,
			"error", err,
		)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}
	}

	if last.Outcome == OutcomeFatal {
		return zero, last.Err
	}
	logger.Error("Inference attempts exhausted", "attempts", last.Number, "outcome", last.Outcome.String(), "error", last.Err)
	return zero, fmt.Errorf("giving up after %d attempts: %w", last.Number, last.Err)
}

func classify(err error, deadlineHit bool) (Outcome, time.Duration, error) {
	var statusErr *StatusError
	var perm *permanentError
	switch {
	case errors.As(err, &statusErr):
		switch {
		case statusErr.RateLimited():
			return OutcomeRateLimited, statusErr.RetryAfter, err
		case statusErr.StatusCode >= 500:
			return OutcomeServerError, 0, err
		default:
			return OutcomeFatal, 0, err
		}
	case errors.As(err, &perm):
		return OutcomeFatal, 0, perm.err
	case deadlineHit || errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout, 0, err
	default:
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			err = &TransportError{Err: err}
		}
		return OutcomeTransportError, 0, err
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
