// Package retry executes operations with bounded attempts and a configurable
// backoff curve. Whether a failure is retried is decided by an error
// classifier, never by the operation itself.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/h10086733/xlayer-402/internal/errs"
)

// MaxDelay is the hard ceiling applied to every backoff policy so a single
// call's worst-case latency stays bounded.
const MaxDelay = 30 * time.Second

// jitterFraction is the maximum random jitter added by PolicyJittered.
const jitterFraction = 0.3

// Policy selects the backoff curve between attempts.
type Policy int

const (
	// PolicyFixed waits BaseDelay between every attempt.
	PolicyFixed Policy = iota
	// PolicyLinear waits BaseDelay * attempt.
	PolicyLinear
	// PolicyExponential waits BaseDelay * Multiplier^(attempt-1).
	PolicyExponential
	// PolicyJittered is PolicyExponential plus up to 30% random jitter.
	PolicyJittered
)

// Options configures one Do invocation.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Policy      Policy

	// IsRetryable classifies failures. Defaults to errs.Retryable.
	IsRetryable func(error) bool
}

// Result records what one Do invocation did.
type Result struct {
	Attempts   int
	TotalDelay time.Duration
	Err        error
}

// Succeeded reports whether the operation eventually succeeded.
func (r Result) Succeeded() bool { return r.Err == nil }

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 2
	}
	if o.IsRetryable == nil {
		o.IsRetryable = errs.Retryable
	}
}

// Delay computes the backoff before attempt n+1 after n failed attempts,
// capped at MaxDelay. Exported so callers can reason about schedules in tests.
func Delay(policy Policy, base time.Duration, multiplier float64, attempt int) time.Duration {
	var d time.Duration
	switch policy {
	case PolicyFixed:
		d = base
	case PolicyLinear:
		d = base * time.Duration(attempt)
	case PolicyExponential, PolicyJittered:
		f := float64(base)
		for i := 1; i < attempt; i++ {
			f *= multiplier
			if f >= float64(MaxDelay) {
				break
			}
		}
		d = time.Duration(f)
	}
	if policy == PolicyJittered {
		d += time.Duration(rand.Float64() * jitterFraction * float64(d))
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return d
}

// Do runs op until it succeeds, a non-retryable error occurs, the attempt
// budget is exhausted, or ctx is cancelled. The last error is surfaced
// verbatim; non-retryable errors abort without consuming further attempts.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) Result {
	opts.withDefaults()

	var res Result
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res.Attempts = attempt

		err := op(ctx)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		if !opts.IsRetryable(err) || attempt == opts.MaxAttempts {
			return res
		}

		delay := Delay(opts.Policy, opts.BaseDelay, opts.Multiplier, attempt)
		res.TotalDelay += delay
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		}
	}
	return res
}
