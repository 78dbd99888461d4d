// Package shutdown coordinates cooperative process termination.
//
// Components that hit a hard limit (capital breach, risk breach, error storm)
// call Stop instead of killing the process directly. Every task observes the
// shared context and exits on its own; a hard process-exit timer remains as a
// backstop in case the graceful path stalls.
package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod is how long the graceful path gets before the hard exit.
const DefaultGracePeriod = 15 * time.Second

// Controller owns the process-wide cancellation context.
type Controller struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	grace  time.Duration
	exitFn func(int) // replaced in tests

	mu      sync.Mutex
	stopped bool
	reason  string
}

// NewController derives the shared context from parent.
func NewController(parent context.Context, logger *zap.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		grace:  DefaultGracePeriod,
		exitFn: os.Exit,
	}
}

// Context returns the context cancelled by Stop.
func (c *Controller) Context() context.Context { return c.ctx }

// Done reports completion of the shared context.
func (c *Controller) Done() <-chan struct{} { return c.ctx.Done() }

// Stop cancels the shared context once and arms the hard-exit backstop.
// Subsequent calls are no-ops; the first reason wins.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.reason = reason
	grace := c.grace
	exit := c.exitFn
	c.mu.Unlock()

	c.logger.Warn("shutdown requested", zap.String("reason", reason))
	c.cancel()

	if grace > 0 && exit != nil {
		time.AfterFunc(grace, func() {
			c.logger.Error("graceful shutdown stalled, terminating", zap.String("reason", reason))
			exit(1)
		})
	}
}

// Reason returns the first stop reason, or "" while running.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// SetExitFunc overrides the hard-exit behaviour. Tests pass a recorder; nil
// disables the backstop entirely.
func (c *Controller) SetExitFunc(fn func(int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitFn = fn
}

// SetGracePeriod overrides the delay before the hard exit fires.
func (c *Controller) SetGracePeriod(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grace = d
}
