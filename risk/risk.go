// Package risk is the independent watchdog over aggregate and per-symbol
// P&L. It never trades; it only decides when the process must stop.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bybit-arb-bot/obs"
)

// DefaultCheckInterval is the periodic evaluation cadence.
const DefaultCheckInterval = 30 * time.Second

// Violation kinds reported to the sink.
const (
	ViolationProfitTarget     = "profit_target"
	ViolationAbsoluteDrawdown = "absolute_drawdown"
	ViolationRelativeDrawdown = "relative_drawdown"
	ViolationSymbolDrawdown   = "symbol_drawdown"
)

// View exposes the orchestrator's accounting to the watchdog.
type View interface {
	Totals() (realized, unrealized decimal.Decimal)
	SymbolPnL() map[string]decimal.Decimal
}

// Closer cancels outstanding exposure before a profit-target stop.
type Closer func(ctx context.Context) error

// Config holds the stop conditions. Zero-valued optional limits disable
// their check.
type Config struct {
	MaxDrawdownUSD      decimal.Decimal // absolute aggregate floor
	RelativeDrawdownUSD decimal.Decimal // drop from high-water mark
	SymbolDrawdownUSD   decimal.Decimal // drop from per-symbol high-water mark
	ProfitTargetUSD     decimal.Decimal
	CheckInterval       time.Duration
}

// Manager tracks high-water marks and enforces the stop conditions.
type Manager struct {
	cfg      Config
	view     View
	sink     obs.Sink
	alerter  obs.Alerter
	stopper  obs.Stopper
	logger   *zap.Logger
	closeAll Closer

	mu        sync.Mutex
	highWater decimal.Decimal
	symHigh   map[string]decimal.Decimal
}

// NewManager builds the watchdog. closeAll may be nil when no orderly-close
// hook exists.
func NewManager(cfg Config, view View, sink obs.Sink, alerter obs.Alerter, stopper obs.Stopper, closeAll Closer, logger *zap.Logger) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Manager{
		cfg:       cfg,
		view:      view,
		sink:      sink,
		alerter:   alerter,
		stopper:   stopper,
		logger:    logger,
		closeAll:  closeAll,
		highWater: decimal.Zero,
		symHigh:   make(map[string]decimal.Decimal),
	}
}

// Hydrate restores persisted high-water marks so a restart does not reset
// drawdown protection.
func (m *Manager) Hydrate(highWater decimal.Decimal, symHigh map[string]decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highWater = highWater
	for sym, hw := range symHigh {
		m.symHigh[sym] = hw
	}
}

// HighWater returns the aggregate P&L peak.
func (m *Manager) HighWater() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater
}

// SymHighWater returns a copy of the per-symbol P&L peaks.
func (m *Manager) SymHighWater() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.symHigh))
	for sym, hw := range m.symHigh {
		out[sym] = hw
	}
	return out
}

// Watch evaluates the stop conditions on a fixed cadence until ctx is done.
func (m *Manager) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass over the stop conditions, in priority order:
// profit target, absolute drawdown, relative drawdown, per-symbol drawdown.
func (m *Manager) Evaluate(ctx context.Context) {
	real, unreal := m.view.Totals()
	total := real.Add(unreal)

	if m.cfg.ProfitTargetUSD.IsPositive() && total.GreaterThanOrEqual(m.cfg.ProfitTargetUSD) {
		m.trigger(ViolationProfitTarget,
			fmt.Sprintf("profit target %s reached (pnl %s)", m.cfg.ProfitTargetUSD, total))
		if m.closeAll != nil {
			if err := m.closeAll(ctx); err != nil {
				m.logger.Warn("orderly close failed", zap.Error(err))
			}
		}
		m.stopper.Stop("profit target reached")
		return
	}

	if total.LessThanOrEqual(m.cfg.MaxDrawdownUSD.Neg()) {
		m.trigger(ViolationAbsoluteDrawdown,
			fmt.Sprintf("drawdown limit %s$ breached (pnl %s$)", m.cfg.MaxDrawdownUSD, total))
		m.stopper.Stop("absolute drawdown breached")
		return
	}

	m.mu.Lock()
	if total.GreaterThan(m.highWater) {
		m.highWater = total
	}
	drop := m.highWater.Sub(total)
	m.mu.Unlock()

	if m.cfg.RelativeDrawdownUSD.IsPositive() && drop.GreaterThanOrEqual(m.cfg.RelativeDrawdownUSD) {
		m.trigger(ViolationRelativeDrawdown,
			fmt.Sprintf("drop of %s$ from high-water mark exceeds %s$", drop, m.cfg.RelativeDrawdownUSD))
		m.stopper.Stop("relative drawdown breached")
		return
	}

	if !m.cfg.SymbolDrawdownUSD.IsPositive() {
		return
	}
	for sym, pnl := range m.view.SymbolPnL() {
		m.mu.Lock()
		if pnl.GreaterThan(m.symHigh[sym]) {
			m.symHigh[sym] = pnl
		}
		symDrop := m.symHigh[sym].Sub(pnl)
		m.mu.Unlock()

		if symDrop.GreaterThanOrEqual(m.cfg.SymbolDrawdownUSD) {
			m.trigger(ViolationSymbolDrawdown,
				fmt.Sprintf("%s drawdown %s$ exceeds %s$", sym, symDrop, m.cfg.SymbolDrawdownUSD))
			m.stopper.Stop("per-symbol drawdown breached")
			return
		}
	}
}

func (m *Manager) trigger(kind, msg string) {
	m.sink.IncRiskViolation(kind)
	m.alerter.Error(msg)
	m.logger.Warn("risk violation", zap.String("kind", kind), zap.String("detail", msg))
}
