package recovery

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures the retry/backoff engine: exponential backoff capped
// at MaxInterval, jittered into [0.5, 1.5) of the nominal delay, with
// per-error-class delay multipliers (network 1.5x, timeout 0.8x).
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int

	// ClassMultiplier scales the computed delay per error Category.
	ClassMultiplier map[Category]float64
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        60 * time.Second,
		MaxRetries: 3,
		ClassMultiplier: map[Category]float64{
			CategoryNetwork: 1.5,
			CategoryTimeout: 0.8,
		},
	}
}

// delayFor returns the backoff interval for the given 1-indexed attempt
// and error category. With b = Base scaled by the category's multiplier,
// the result is always within [0.5*b*2^(n-1), 1.5*min(b*2^(n-1), max)].
func (p Policy) delayFor(attempt int, cat Category) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base)
	if mult := p.ClassMultiplier[cat]; mult > 0 {
		base *= mult
	}
	capped := base * pow2(attempt-1)
	if maxF := float64(p.Max); capped > maxF {
		capped = maxF
	}

	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(capped * jitter)
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// backOffAdapter satisfies cenkalti/backoff/v4's BackOff interface using
// Policy.delayFor, so the retry loop itself is driven by the real
// third-party backoff.Retry driver rather than a hand-rolled loop.
type backOffAdapter struct {
	policy  Policy
	class   Category
	attempt int
}

func (a *backOffAdapter) NextBackOff() time.Duration {
	a.attempt++
	if a.attempt > a.policy.MaxRetries {
		return backoff.Stop
	}
	return a.policy.delayFor(a.attempt, a.class)
}

func (a *backOffAdapter) Reset() { a.attempt = 0 }

// Retry runs fn, classifying every failure against ctx and retrying
// according to policy. Non-retryable errors (authentication,
// configuration, circuit-breaker) short-circuit the loop.
type Retry struct {
	policy Policy
}

// NewRetry constructs a Retry engine with policy.
func NewRetry(policy Policy) *Retry {
	return &Retry{policy: policy}
}

// Execute runs fn up to policy.MaxRetries+1 times, classifying every error
// with errCtx (AttemptNumber is overwritten per attempt). It returns the
// last StructuredError on exhaustion, or nil on success.
func (r *Retry) Execute(ctx context.Context, errCtx ErrorContext, fn func(ctx context.Context) error) error {
	var lastErr *StructuredError
	attempt := 0
	bo := &backOffAdapter{policy: r.policy}

	operation := func() error {
		attempt++
		thisCtx := errCtx
		thisCtx.AttemptNumber = attempt

		start := time.Now()
		err := fn(ctx)
		thisCtx.Duration = time.Since(start)
		if err == nil {
			return nil
		}

		se := Classify(err, thisCtx)
		lastErr = se
		bo.class = se.Category
		if !se.Retryable {
			return backoff.Permanent(se)
		}
		return se
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
