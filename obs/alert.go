package obs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Alerter is the boundary to whatever notifies a human. Delivery (email,
// chat) lives outside this module; the engine only raises events.
type Alerter interface {
	// Error raises a human-readable alert about an operational problem.
	Error(msg string)
	// TradeExecuted marks trading liveness; inactivity watchers reset on it.
	TradeExecuted()
}

// LogAlerter writes alerts to the process log and tracks the last trade time.
type LogAlerter struct {
	logger *zap.Logger

	mu        sync.Mutex
	lastTrade time.Time
}

// NewLogAlerter wraps a zap logger as the default alert destination.
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger, lastTrade: time.Now()}
}

func (a *LogAlerter) Error(msg string) {
	a.logger.Error("ALERT: " + msg)
}

func (a *LogAlerter) TradeExecuted() {
	a.mu.Lock()
	a.lastTrade = time.Now()
	a.mu.Unlock()
}

// SinceLastTrade reports how long the engine has gone without a fill.
func (a *LogAlerter) SinceLastTrade() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastTrade)
}
