package obs

import (
	"fmt"
	"sync"
	"time"
)

// Stopper requests a process-level stop. Satisfied by *shutdown.Controller.
type Stopper interface {
	Stop(reason string)
}

// ErrorTracker counts recoverable failures across all subsystems and stops
// the process once too many occur within the trailing window, no matter
// which subsystem produced them.
type ErrorTracker struct {
	window  time.Duration
	limit   int
	sink    Sink
	alerter Alerter
	stopper Stopper
	now     func() time.Time

	mu     sync.Mutex
	errors []time.Time
}

// NewErrorTracker builds the shared error circuit breaker.
func NewErrorTracker(window time.Duration, limit int, sink Sink, alerter Alerter, stopper Stopper) *ErrorTracker {
	return &ErrorTracker{
		window:  window,
		limit:   limit,
		sink:    sink,
		alerter: alerter,
		stopper: stopper,
		now:     time.Now,
	}
}

// Record registers one recoverable failure.
func (t *ErrorTracker) Record() {
	t.sink.IncError("runtime")

	now := t.now()
	t.mu.Lock()
	t.errors = append(t.errors, now)
	t.trim(now)
	count := len(t.errors)
	t.mu.Unlock()

	if count >= t.limit {
		msg := fmt.Sprintf("too many errors: %d within %s", count, t.window)
		t.alerter.Error(msg)
		t.stopper.Stop(msg)
	}
}

// Count returns the number of errors inside the current window.
func (t *ErrorTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trim(t.now())
	return len(t.errors)
}

func (t *ErrorTracker) trim(now time.Time) {
	cut := 0
	for cut < len(t.errors) && now.Sub(t.errors[cut]) > t.window {
		cut++
	}
	if cut > 0 {
		t.errors = t.errors[cut:]
	}
}
