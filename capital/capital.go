// Package capital sizes positions from realized volatility and account
// equity, and halts trading when loss limits are hit.
package capital

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bybit-arb-bot/obs"
)

// qtyPrecision is the fixed decimal precision of order quantities.
const qtyPrecision = 4

// volFallback substitutes for volatility when the window is too short.
var volFallback = decimal.RequireFromString("0.002")

// PnLView exposes the orchestrator's accounting totals.
type PnLView interface {
	Totals() (realized, unrealized decimal.Decimal)
}

// Config holds capital management parameters.
type Config struct {
	StartEquity          decimal.Decimal
	RiskPerTrade         decimal.Decimal // fraction of equity risked per trade
	VolWindow            int             // rolling price samples per symbol
	StopMultiplier       decimal.Decimal
	Leverage             decimal.Decimal // multiplies risk capital; treated as 1 when unset
	MaxPositionUSD       decimal.Decimal
	DailyDrawdownUSD     decimal.Decimal
	MaxConsecutiveLosses int
}

// Manager tracks equity and computes position sizes. Safe for concurrent use.
type Manager struct {
	cfg     Config
	view    PnLView
	alerter obs.Alerter
	stopper obs.Stopper
	logger  *zap.Logger
	now     func() time.Time

	mu                sync.Mutex
	equity            decimal.Decimal
	dailyStart        time.Time
	dailyLoss         decimal.Decimal
	consecutiveLosses int
	tripped           bool
	history           map[string][]decimal.Decimal
}

// NewManager builds a capital manager over the given accounting view.
func NewManager(cfg Config, view PnLView, alerter obs.Alerter, stopper obs.Stopper, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		view:       view,
		alerter:    alerter,
		stopper:    stopper,
		logger:     logger,
		now:        time.Now,
		equity:     cfg.StartEquity,
		dailyStart: time.Now(),
		dailyLoss:  decimal.Zero,
		history:    make(map[string][]decimal.Decimal),
	}
}

// RecordPrice appends a price sample to the symbol's bounded window.
func (m *Manager) RecordPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[symbol], price)
	if len(h) > m.cfg.VolWindow {
		h = h[len(h)-m.cfg.VolWindow:]
	}
	m.history[symbol] = h
}

// Volatility returns the standard deviation of simple returns over the
// symbol's window, or zero with fewer than two samples.
func (m *Manager) Volatility(symbol string) decimal.Decimal {
	m.mu.Lock()
	h := m.history[symbol]
	prices := make([]float64, len(h))
	for i, p := range h {
		prices[i] = p.InexactFloat64()
	}
	m.mu.Unlock()

	if len(prices) < 2 {
		return decimal.Zero
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(returns) == 0 {
		return decimal.Zero
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// StopDistance returns price * volatility * stopMultiplier, with a 0.2%
// volatility floor when the window is empty.
func (m *Manager) StopDistance(symbol string, price decimal.Decimal) decimal.Decimal {
	vol := m.Volatility(symbol)
	if vol.IsZero() {
		vol = volFallback
	}
	return price.Mul(vol).Mul(m.cfg.StopMultiplier)
}

// OrderQty sizes a trade: risk capital over stop distance, capped so the
// notional never exceeds the per-symbol USD limit. Rounded down to the fixed
// quantity precision; zero when the stop distance degenerates.
func (m *Manager) OrderQty(symbol string, price decimal.Decimal) decimal.Decimal {
	stop := m.StopDistance(symbol, price)
	if !stop.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	m.mu.Lock()
	riskCap := m.equity.Mul(m.cfg.RiskPerTrade)
	m.mu.Unlock()
	if m.cfg.Leverage.IsPositive() {
		riskCap = riskCap.Mul(m.cfg.Leverage)
	}

	qty := riskCap.Div(stop)
	maxQty := m.cfg.MaxPositionUSD.Div(price)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}
	return qty.RoundDown(qtyPrecision)
}

// Equity returns the current derived equity.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

// UpdateEquity recomputes equity from the accounting totals. A decrease
// counts a consecutive loss and accumulates the daily loss; an increase
// resets the loss streak. Breaching either limit fires the process stop
// signal once per breach; the rolling 24h window clears both.
func (m *Manager) UpdateEquity() {
	real, unreal := m.view.Totals()
	newEquity := m.cfg.StartEquity.Add(real).Add(unreal)

	m.mu.Lock()
	change := newEquity.Sub(m.equity)
	if change.IsNegative() {
		m.consecutiveLosses++
		m.dailyLoss = m.dailyLoss.Sub(change)
	} else {
		m.consecutiveLosses = 0
	}
	m.equity = newEquity

	if m.now().Sub(m.dailyStart) > 24*time.Hour {
		m.dailyStart = m.now()
		m.dailyLoss = decimal.Zero
		m.consecutiveLosses = 0
		m.tripped = false
	}

	breach := m.dailyLoss.GreaterThanOrEqual(m.cfg.DailyDrawdownUSD) ||
		m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses
	fire := breach && !m.tripped
	if fire {
		m.tripped = true
	}
	dailyLoss := m.dailyLoss
	losses := m.consecutiveLosses
	m.mu.Unlock()

	if fire {
		msg := fmt.Sprintf("capital limits reached: daily loss %s, %d consecutive losses",
			dailyLoss, losses)
		m.alerter.Error(msg)
		m.logger.Warn("capital circuit breaker",
			zap.String("daily_loss", dailyLoss.String()),
			zap.Int("consecutive_losses", losses))
		m.stopper.Stop(msg)
	}
}
