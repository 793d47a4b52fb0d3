package registry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/dexsync/errs"
)

// RetryPolicy bounds the retries of failed tokens. Delays start at BaseDelay
// and grow by Multiplier every round, without jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultRetryPolicy retries five times starting at one second, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, Multiplier: 2}
}

// Validate reports policy errors.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("maxRetries must be >= 0"))
	}
	if p.BaseDelay <= 0 {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("baseDelay must be > 0"))
	}
	if p.Multiplier < 1 {
		return errs.New("registry", errs.CodeInvalid, errs.WithMessage("multiplier must be >= 1"))
	}
	return nil
}

// Delays lists every delay the policy produces, in order.
func (p RetryPolicy) Delays() []time.Duration {
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Total returns the sum of every delay, saturating at the largest duration.
func (p RetryPolicy) Total() time.Duration {
	b := p.newBackOff()
	var total time.Duration
	for i := 0; i < p.MaxRetries; i++ {
		d := b.NextBackOff()
		if d >= time.Duration(math.MaxInt64)-total {
			return time.Duration(math.MaxInt64)
		}
		total += d
	}
	return total
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.Reset()
	return b
}
