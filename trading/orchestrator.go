// Package trading runs the per-symbol decision loops and owns all position
// and P&L accounting.
package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bybit-arb-bot/exchange"
	"bybit-arb-bot/obs"
	"bybit-arb-bot/risk"
	"bybit-arb-bot/state"
	"bybit-arb-bot/strategy"
)

// slipTolerance is the fraction of the observed edge that estimated slippage
// may consume before a trade is rejected.
var slipTolerance = decimal.RequireFromString("0.60")

// ExchangeClient is the exchange surface the orchestrator needs.
type ExchangeClient interface {
	GetBest(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
	PlaceOrder(ctx context.Context, symbol string, side exchange.Side, qty decimal.Decimal) (string, error)
	RestorePositions(ctx context.Context) (map[string]decimal.Decimal, error)
}

// CapitalManager sizes orders and tracks equity limits.
type CapitalManager interface {
	RecordPrice(symbol string, price decimal.Decimal)
	OrderQty(symbol string, price decimal.Decimal) decimal.Decimal
	UpdateEquity()
}

// Config holds orchestration parameters.
type Config struct {
	Symbols          []string
	MinEdgeThreshold decimal.Decimal
	MaxPositionUSD   decimal.Decimal
	Cooldown         time.Duration
	ParallelTasks    int           // redundant loops per symbol
	CycleInterval    time.Duration // target loop cadence, default 50ms
	StateSaveEvery   time.Duration
	ReconcileEvery   time.Duration   // default 2s
	MinReconcileQty  decimal.Decimal // default 0.0001
}

// symbolState is the per-symbol accounting record. All fields are mutated
// only while holding mu, which serializes trade submission and P&L updates
// across the redundant loops.
type symbolState struct {
	mu        sync.Mutex
	position  decimal.Decimal
	entry     *decimal.Decimal // nil iff position is zero
	real      decimal.Decimal
	unreal    decimal.Decimal
	lastTrade time.Time
}

// Orchestrator coordinates decisions, orders, accounting and persistence.
type Orchestrator struct {
	cfg     Config
	client  ExchangeClient
	decide  strategy.Decision
	capital CapitalManager
	store   *state.Store
	sink    obs.Sink
	alerter obs.Alerter
	tracker *obs.ErrorTracker
	retry   exchange.RetryPolicy
	sim     *SlippageModel
	logger  *zap.Logger
	riskMgr *risk.Manager

	symbols map[string]*symbolState

	ordersMu sync.Mutex
	orders   []exchange.Order

	saveMu   sync.Mutex
	lastSave time.Time
}

// New builds the orchestrator. The per-symbol state map is created once for
// the configured symbol set and never resized. The capital manager is
// attached afterwards because it observes this orchestrator's accounting.
func New(cfg Config, client ExchangeClient, decide strategy.Decision,
	store *state.Store, sink obs.Sink, alerter obs.Alerter, tracker *obs.ErrorTracker,
	retry exchange.RetryPolicy, logger *zap.Logger) *Orchestrator {

	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 50 * time.Millisecond
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 2 * time.Second
	}
	if cfg.MinReconcileQty.IsZero() {
		cfg.MinReconcileQty = decimal.RequireFromString("0.0001")
	}
	if cfg.ParallelTasks < 1 {
		cfg.ParallelTasks = 1
	}

	symbols := make(map[string]*symbolState, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = &symbolState{}
	}
	return &Orchestrator{
		cfg:     cfg,
		client:  client,
		decide:  decide,
		store:   store,
		sink:    sink,
		alerter: alerter,
		tracker: tracker,
		retry:   retry,
		sim:     NewSlippageModel(),
		logger:  logger,
		symbols: symbols,
	}
}

// AttachCapital wires the capital manager that sizes this orchestrator's
// orders.
func (o *Orchestrator) AttachCapital(m CapitalManager) { o.capital = m }

// AttachRisk wires the risk watchdog so its high-water marks ride along in
// the persisted snapshot.
func (o *Orchestrator) AttachRisk(m *risk.Manager) { o.riskMgr = m }

// Run hydrates persisted state, reconciles with the exchange, then drives
// the per-symbol loops until ctx is cancelled. A final snapshot is written
// on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	snap := o.store.Load()
	o.hydrate(snap)
	if o.riskMgr != nil {
		o.riskMgr.Hydrate(snap.HighWater, snap.SymHighWater)
	}

	o.syncPositions(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reconcileLoop(ctx)
	}()
	for _, sym := range o.cfg.Symbols {
		for i := 0; i < o.cfg.ParallelTasks; i++ {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				o.loop(ctx, sym)
			}(sym)
		}
	}
	wg.Wait()

	o.persist()
	return ctx.Err()
}

// loop is one decision cycle runner: analyze, maybe trade, update
// accounting, then throttle to the target cadence. Overrunning cycles do
// not sleep.
func (o *Orchestrator) loop(ctx context.Context, sym string) {
	for ctx.Err() == nil {
		t0 := time.Now()

		action, edge, err := o.decide.Analyze(ctx, sym)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.tracker.Record()
			o.logger.Warn("analyze failed", zap.String("sym", sym), zap.Error(err))
		} else {
			o.sink.SetEdge(sym, edge.InexactFloat64())
			if edge.GreaterThanOrEqual(o.cfg.MinEdgeThreshold) {
				if err := o.trade(ctx, sym, action, edge); err != nil && ctx.Err() == nil {
					o.logger.Warn("trade failed", zap.String("sym", sym), zap.Error(err))
				}
			}
			if err := o.updatePnL(ctx, sym); err != nil && ctx.Err() == nil {
				o.logger.Warn("pnl update failed", zap.String("sym", sym), zap.Error(err))
			}
		}

		elapsed := time.Since(t0)
		o.sink.SetCycleLatencyMs(sym, float64(elapsed)/float64(time.Millisecond))
		if wait := o.cfg.CycleInterval - elapsed; wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// trade runs the order pipeline for one decision: cooldown, exposure cap,
// sizing, slippage gate, submission, accounting. Everything but the final
// persist happens under the symbol lock.
func (o *Orchestrator) trade(ctx context.Context, sym string, action strategy.Action, edge decimal.Decimal) error {
	if action == strategy.ActionHold {
		return nil
	}
	st, ok := o.symbols[sym]
	if !ok {
		return fmt.Errorf("trading: unknown symbol %s", sym)
	}

	placed, err := o.tradeLocked(ctx, st, sym, action, edge)
	if placed {
		o.alerter.TradeExecuted()
		o.maybePersist()
	}
	return err
}

func (o *Orchestrator) tradeLocked(ctx context.Context, st *symbolState, sym string, action strategy.Action, edge decimal.Decimal) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Cooldown is the sole trade de-duplication across redundant loops, so
	// it must be checked while holding the lock.
	if time.Since(st.lastTrade) < o.cfg.Cooldown {
		return false, nil
	}

	bid, ask, err := o.client.GetBest(ctx, sym)
	if err != nil {
		return false, err
	}
	var side exchange.Side
	var price decimal.Decimal
	if action == strategy.ActionBuySpot {
		side, price = exchange.SideBuy, ask
	} else {
		side, price = exchange.SideSell, bid
	}

	if st.position.Mul(price).Abs().GreaterThanOrEqual(o.cfg.MaxPositionUSD) {
		o.logger.Debug("exposure cap reached", zap.String("sym", sym),
			zap.String("position", st.position.String()))
		return false, nil
	}

	qty := o.capital.OrderQty(sym, price)
	if !qty.IsPositive() {
		return false, nil
	}

	worst := o.sim.WorstPrice(side, bid, ask, qty)
	slip := worst.Sub(price).Div(price).Abs()
	if slip.GreaterThan(slipTolerance.Mul(edge)) {
		o.logger.Debug("slippage too large", zap.String("sym", sym),
			zap.String("slip", slip.String()), zap.String("edge", edge.String()))
		return false, nil
	}

	clientID, err := o.client.PlaceOrder(ctx, sym, side, qty)
	if err != nil {
		return false, err
	}

	o.applyFillLocked(st, side, qty, price)
	st.lastTrade = time.Now()

	order := exchange.Order{
		ClientID:  clientID,
		Symbol:    sym,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now().UTC(),
	}
	o.ordersMu.Lock()
	o.orders = append(o.orders, order)
	o.ordersMu.Unlock()

	o.sink.SetOrdersActive(sym, true)
	o.sink.SetPositionSize(sym, st.position.InexactFloat64())
	o.logger.Info("order filled",
		zap.String("sym", sym),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("edge", edge.String()))
	return true, nil
}

// applyFillLocked folds one fill into the position. Caller holds st.mu.
//
// Entry price policy: opening from flat takes the fill price; adding in the
// same direction takes the notional-weighted average; reducing realizes P&L
// on the closed portion and keeps the entry; reversing beyond the prior
// size re-enters at the fill price; flattening exactly clears the entry.
func (o *Orchestrator) applyFillLocked(st *symbolState, side exchange.Side, qty, price decimal.Decimal) {
	delta := qty
	if side == exchange.SideSell {
		delta = qty.Neg()
	}
	old := st.position
	next := old.Add(delta)

	switch {
	case old.IsZero():
		p := price
		st.entry = &p
	case old.Sign() == delta.Sign():
		if st.entry != nil {
			oldAbs := old.Abs()
			weighted := oldAbs.Mul(*st.entry).Add(qty.Mul(price)).Div(oldAbs.Add(qty))
			st.entry = &weighted
		} else {
			p := price
			st.entry = &p
		}
	default:
		closed := qty
		if closed.GreaterThan(old.Abs()) {
			closed = old.Abs()
		}
		if st.entry != nil {
			pnl := price.Sub(*st.entry).Mul(closed)
			if old.IsNegative() {
				pnl = st.entry.Sub(price).Mul(closed)
			}
			st.real = st.real.Add(pnl)
		}
		switch {
		case next.IsZero():
			st.entry = nil
			st.unreal = decimal.Zero
		case next.Sign() != old.Sign():
			p := price
			st.entry = &p
		}
	}
	st.position = next
}

// updatePnL marks the open position against the current quote and feeds the
// capital manager.
func (o *Orchestrator) updatePnL(ctx context.Context, sym string) error {
	st, ok := o.symbols[sym]
	if !ok {
		return fmt.Errorf("trading: unknown symbol %s", sym)
	}

	st.mu.Lock()
	bid, ask, err := o.client.GetBest(ctx, sym)
	if err != nil {
		st.mu.Unlock()
		return err
	}
	mark := ask
	if st.position.IsNegative() {
		mark = bid
	}
	if !st.position.IsZero() && st.entry != nil {
		st.unreal = mark.Sub(*st.entry).Mul(st.position)
	} else {
		st.unreal = decimal.Zero
	}
	real := st.real
	unreal := st.unreal
	st.mu.Unlock()

	o.sink.SetRealizedPnL(sym, real.InexactFloat64())
	o.sink.SetUnrealizedPnL(sym, unreal.InexactFloat64())

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	o.capital.RecordPrice(sym, mid)
	o.capital.UpdateEquity()

	o.maybePersist()
	return nil
}

// Totals sums realized and unrealized P&L across all symbols.
func (o *Orchestrator) Totals() (decimal.Decimal, decimal.Decimal) {
	real, unreal := decimal.Zero, decimal.Zero
	for _, st := range o.symbols {
		st.mu.Lock()
		real = real.Add(st.real)
		unreal = unreal.Add(st.unreal)
		st.mu.Unlock()
	}
	return real, unreal
}

// SymbolPnL returns realized+unrealized P&L per symbol.
func (o *Orchestrator) SymbolPnL() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(o.symbols))
	for sym, st := range o.symbols {
		st.mu.Lock()
		out[sym] = st.real.Add(st.unreal)
		st.mu.Unlock()
	}
	return out
}

// Position returns the tracked signed position for symbol.
func (o *Orchestrator) Position(sym string) decimal.Decimal {
	st, ok := o.symbols[sym]
	if !ok {
		return decimal.Zero
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.position
}

// OrderLog returns a copy of the execution log.
func (o *Orchestrator) OrderLog() []exchange.Order {
	o.ordersMu.Lock()
	defer o.ordersMu.Unlock()
	out := make([]exchange.Order, len(o.orders))
	copy(out, o.orders)
	return out
}

// CloseAll flattens every open position at market; used as the orderly
// shutdown hook when the profit target is reached.
func (o *Orchestrator) CloseAll(ctx context.Context) error {
	var firstErr error
	for sym, st := range o.symbols {
		st.mu.Lock()
		pos := st.position
		if pos.IsZero() {
			st.mu.Unlock()
			continue
		}
		side := exchange.SideSell
		if pos.IsNegative() {
			side = exchange.SideBuy
		}
		bid, ask, err := o.client.GetBest(ctx, sym)
		if err != nil {
			st.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		price := bid
		if side == exchange.SideBuy {
			price = ask
		}
		qty := pos.Abs()
		if _, err := o.client.PlaceOrder(ctx, sym, side, qty); err != nil {
			st.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.applyFillLocked(st, side, qty, price)
		st.mu.Unlock()
		o.logger.Info("position closed", zap.String("sym", sym), zap.String("qty", qty.String()))
	}
	o.persist()
	return firstErr
}

// hydrate applies a persisted snapshot to the configured symbol set.
func (o *Orchestrator) hydrate(snap state.Snapshot) {
	for sym, st := range o.symbols {
		st.mu.Lock()
		if q, ok := snap.Position[sym]; ok {
			st.position = q
		}
		if e, ok := snap.Entry[sym]; ok && e != nil {
			p := *e
			st.entry = &p
		}
		if r, ok := snap.Real[sym]; ok {
			st.real = r
		}
		if u, ok := snap.Unreal[sym]; ok {
			st.unreal = u
		}
		if st.position.IsZero() {
			st.entry = nil
		}
		st.mu.Unlock()
	}
}

// snapshot captures current accounting plus the risk high-water marks.
func (o *Orchestrator) snapshot() state.Snapshot {
	snap := state.NewSnapshot()
	for sym, st := range o.symbols {
		st.mu.Lock()
		snap.Position[sym] = st.position
		if st.entry != nil {
			p := *st.entry
			snap.Entry[sym] = &p
		} else {
			snap.Entry[sym] = nil
		}
		snap.Real[sym] = st.real
		snap.Unreal[sym] = st.unreal
		st.mu.Unlock()
	}
	if o.riskMgr != nil {
		snap.HighWater = o.riskMgr.HighWater()
		snap.SymHighWater = o.riskMgr.SymHighWater()
	}
	return snap
}

// maybePersist writes a snapshot when the persistence interval has elapsed.
func (o *Orchestrator) maybePersist() {
	o.saveMu.Lock()
	if time.Since(o.lastSave) < o.cfg.StateSaveEvery {
		o.saveMu.Unlock()
		return
	}
	o.lastSave = time.Now()
	o.saveMu.Unlock()
	o.persist()
}

func (o *Orchestrator) persist() {
	if err := o.store.Save(o.snapshot()); err != nil {
		o.logger.Warn("state save failed", zap.Error(err))
	}
}

// syncPositions adopts the exchange's authoritative position quantities at
// startup. Failure is recoverable: the engine continues on persisted state.
func (o *Orchestrator) syncPositions(ctx context.Context) {
	var positions map[string]decimal.Decimal
	err := o.retry.Do(ctx, func() error {
		var err error
		positions, err = o.client.RestorePositions(ctx)
		return err
	})
	if err != nil {
		o.logger.Warn("position sync failed, continuing on local state", zap.Error(err))
		return
	}
	for sym, st := range o.symbols {
		st.mu.Lock()
		st.position = positions[sym] // zero when absent
		if st.position.IsZero() {
			st.entry = nil
			st.unreal = decimal.Zero
		}
		st.mu.Unlock()
	}
	o.logger.Info("positions synced", zap.Int("symbols", len(positions)))
}
