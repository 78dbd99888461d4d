package exchange

import (
	"context"
	"sync"
	"time"
)

// Default call caps per class, trailing one-second window.
const (
	PublicCallsPerSecond  = 150
	PrivateCallsPerSecond = 60
)

// RateLimiter bounds the number of calls inside any trailing one-second
// window. Wait blocks the caller until the call fits under the cap.
type RateLimiter struct {
	rps int
	now func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

// NewRateLimiter builds a limiter allowing rps calls per trailing second.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{rps: rps, now: time.Now}
}

// Wait blocks until the call is admitted or ctx is cancelled. The call's
// timestamp is recorded on admission.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.trim(now)
		if len(l.calls) < l.rps {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}
		wait := time.Second - now.Sub(l.calls[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// trim drops call timestamps older than one second. Caller holds the lock.
func (l *RateLimiter) trim(now time.Time) {
	cut := 0
	for cut < len(l.calls) && now.Sub(l.calls[cut]) >= time.Second {
		cut++
	}
	if cut > 0 {
		l.calls = l.calls[cut:]
	}
}
