package payment

import (
	"context"
	"time"
)

// RetryAttempt records one failed attempt that will be (or was) retried.
type RetryAttempt struct {
	Timestamp     time.Time
	AttemptNumber int
	ErrorCode     ErrorCode
	ErrorMessage  string
	StatusCode    int
}

// RetryOptions configures one Execute call. Zero values fall back to the
// defaults below.
type RetryOptions struct {
	MaxRetries        int           // extra attempts after the first (default 3)
	BaseDelay         time.Duration // backoff base (default 1s); delay before attempt n+1 is BaseDelay * 2^(n-1)
	MaxDelay          time.Duration // backoff ceiling (default 30s)
	PerAttemptTimeout time.Duration // bound on a single provider call (default 30s)

	// OnRetry is invoked after a retryable failure, before the backoff wait.
	OnRetry func(attempt RetryAttempt, delay time.Duration)

	// Sleep replaces time.Sleep between attempts. Tests inject a recorder here.
	Sleep func(d time.Duration)
}

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1000 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
	defaultTimeout    = 30 * time.Second
)

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.PerAttemptTimeout <= 0 {
		o.PerAttemptTimeout = defaultTimeout
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// Result is the outcome of a retried operation. History holds every attempt
// that was superseded by a retry, so the caller can persist it for audit even
// when a later attempt succeeded.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      *PaymentError
	Attempts int
	History  []RetryAttempt
}

// Execute runs op under the retry policy. Attempts are numbered from 1; each
// one is bounded by PerAttemptTimeout, and a timeout classifies as
// TIMEOUT_ERROR. A non-retryable failure, or exhausting MaxRetries+1 attempts,
// ends the sequence. The per-attempt timeout cancels only that attempt; the
// overall sequence has no external cancellation beyond ctx itself.
func Execute[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) Result[T] {
	opts = opts.withDefaults()
	var history []RetryAttempt

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.PerAttemptTimeout)
		data, err := op(attemptCtx)
		cancel()
		if err == nil {
			return Result[T]{Success: true, Data: data, Attempts: attempt, History: history}
		}

		perr := Classify(err)
		perr.AttemptNumber = attempt
		if !perr.Retryable() || attempt >= opts.MaxRetries+1 {
			return Result[T]{Err: perr, Attempts: attempt, History: history}
		}

		entry := RetryAttempt{
			Timestamp:     time.Now(),
			AttemptNumber: attempt,
			ErrorCode:     perr.Code,
			ErrorMessage:  perr.Error(),
			StatusCode:    perr.StatusCode,
		}
		history = append(history, entry)

		delay := backoff(opts.BaseDelay, opts.MaxDelay, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(entry, delay)
		}
		opts.Sleep(delay)

		if ctx.Err() != nil {
			perr = Classify(ctx.Err())
			perr.AttemptNumber = attempt
			return Result[T]{Err: perr, Attempts: attempt, History: history}
		}
	}
}

// backoff returns BaseDelay * 2^(attempt-1), capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
