package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Retry defaults, matching the network-call policy used across the client.
const (
	DefaultRetryAttempts = 4
	DefaultRetryWait     = 500 * time.Millisecond
	DefaultRetryFactor   = 2.0
)

// RetryPolicy wraps an operation with bounded exponential-backoff retry.
// Every failed attempt is reported through OnError before the wait; the last
// failure is returned unchanged once attempts are exhausted.
type RetryPolicy struct {
	Attempts    int
	InitialWait time.Duration
	Factor      float64
	OnError     func() // external error counter, may be nil
	Logger      *zap.Logger
}

// DefaultRetryPolicy returns the policy applied to every exchange call.
func DefaultRetryPolicy(onError func(), logger *zap.Logger) RetryPolicy {
	return RetryPolicy{
		Attempts:    DefaultRetryAttempts,
		InitialWait: DefaultRetryWait,
		Factor:      DefaultRetryFactor,
		OnError:     onError,
		Logger:      logger,
	}
}

// Do runs op until it succeeds, attempts are exhausted, or ctx is cancelled.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = p.InitialWait
	sched.Multiplier = p.Factor
	sched.RandomizationFactor = 0
	sched.MaxInterval = time.Minute
	sched.Reset()

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op()
		if last == nil {
			return nil
		}
		if p.OnError != nil {
			p.OnError()
		}
		if attempt == attempts {
			break
		}
		if p.Logger != nil {
			p.Logger.Warn("retrying call",
				zap.Int("attempt", attempt),
				zap.Int("attempts", attempts),
				zap.Error(last))
		}
		wait := sched.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}
