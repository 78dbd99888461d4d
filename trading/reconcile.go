package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bybit-arb-bot/exchange"
)

// reconcileLoop periodically compares local accounting against the exchange
// and corrects any drift.
func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.reconcile(ctx); err != nil && ctx.Err() == nil {
				o.tracker.Record()
				o.logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// reconcile fetches the exchange's positions and, for every symbol whose
// imbalance exceeds the minimum, issues a corrective market order that moves
// the exchange toward the local book. Local accounting is never rewritten
// here; local is the book of record and the exchange is brought in line.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	var positions map[string]decimal.Decimal
	if err := o.retry.Do(ctx, func() error {
		var err error
		positions, err = o.client.RestorePositions(ctx)
		return err
	}); err != nil {
		return err
	}

	for sym, st := range o.symbols {
		st.mu.Lock()
		diff := st.position.Sub(positions[sym])
		st.mu.Unlock()

		if diff.Abs().LessThan(o.cfg.MinReconcileQty) {
			continue
		}
		side := exchange.SideBuy
		if diff.IsNegative() {
			side = exchange.SideSell
		}
		qty := diff.Abs()
		if _, err := o.client.PlaceOrder(ctx, sym, side, qty); err != nil {
			o.tracker.Record()
			o.logger.Warn("corrective order failed",
				zap.String("sym", sym),
				zap.String("imbalance", diff.String()),
				zap.Error(err))
			continue
		}
		o.logger.Warn("position imbalance corrected",
			zap.String("sym", sym),
			zap.String("side", string(side)),
			zap.String("qty", qty.String()))
	}
	return nil
}
