package trading

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bybit-arb-bot/exchange"
	"bybit-arb-bot/obs"
	"bybit-arb-bot/state"
	"bybit-arb-bot/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type placedOrder struct {
	symbol string
	side   exchange.Side
	qty    decimal.Decimal
}

type fakeExchange struct {
	mu        sync.Mutex
	bid, ask  decimal.Decimal
	placed    []placedOrder
	placeErr  error
	positions map[string]decimal.Decimal
	posErr    error
}

func (f *fakeExchange) GetBest(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bid, f.ask, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, symbol string, side exchange.Side, qty decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, qty: qty})
	return "arb-test0000000000000a", nil
}

func (f *fakeExchange) RestorePositions(context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, f.posErr
}

func (f *fakeExchange) orders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, len(f.placed))
	copy(out, f.placed)
	return out
}

type fixedCapital struct {
	qty     decimal.Decimal
	updates int
}

func (c *fixedCapital) RecordPrice(string, decimal.Decimal)      {}
func (c *fixedCapital) OrderQty(string, decimal.Decimal) decimal.Decimal { return c.qty }
func (c *fixedCapital) UpdateEquity()                            { c.updates++ }

type stubStopper struct{}

func (stubStopper) Stop(string) {}

type fixture struct {
	orch *Orchestrator
	ex   *fakeExchange
	cap  *fixedCapital
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := Config{
		Symbols:          []string{"BTCUSDT"},
		MinEdgeThreshold: dec("0.0001"),
		MaxPositionUSD:   dec("100000"),
		ParallelTasks:    1,
		StateSaveEvery:   time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	dir := t.TempDir()
	store := state.NewStore(filepath.Join(dir, "state.json"), filepath.Join(dir, "state.bak.json"))
	ex := &fakeExchange{bid: dec("100.5"), ask: dec("100.7")}
	capMgr := &fixedCapital{qty: dec("0.1")}
	logger := zap.NewNop()
	alerter := obs.NewLogAlerter(logger)
	tracker := obs.NewErrorTracker(time.Minute, 1000, obs.NopSink{}, alerter, stubStopper{})
	retry := exchange.RetryPolicy{Attempts: 2, InitialWait: time.Millisecond, Factor: 2}

	orch := New(cfg, ex, nil, store, obs.NopSink{}, alerter, tracker, retry, logger)
	orch.AttachCapital(capMgr)
	return &fixture{orch: orch, ex: ex, cap: capMgr}
}

func (f *fixture) st(sym string) *symbolState { return f.orch.symbols[sym] }

func TestFillFromFlatSetsEntry(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")

	f.orch.applyFillLocked(st, exchange.SideBuy, dec("1"), dec("100"))
	require.True(t, st.position.Equal(dec("1")))
	require.NotNil(t, st.entry)
	require.True(t, st.entry.Equal(dec("100")))
	require.True(t, st.real.IsZero())
}

func TestFillSameDirectionWeightsEntry(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")

	f.orch.applyFillLocked(st, exchange.SideBuy, dec("1"), dec("100"))
	f.orch.applyFillLocked(st, exchange.SideBuy, dec("1"), dec("110"))
	require.True(t, st.position.Equal(dec("2")))
	require.True(t, st.entry.Equal(dec("105")), st.entry.String())
}

func TestFillReduceRealizesKeepsEntry(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")

	f.orch.applyFillLocked(st, exchange.SideBuy, dec("2"), dec("100"))
	f.orch.applyFillLocked(st, exchange.SideSell, dec("1"), dec("110"))
	require.True(t, st.position.Equal(dec("1")))
	require.True(t, st.real.Equal(dec("10")), st.real.String())
	require.NotNil(t, st.entry)
	require.True(t, st.entry.Equal(dec("100")))
}

func TestFillFlattenClearsEntry(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")

	f.orch.applyFillLocked(st, exchange.SideBuy, dec("2"), dec("100"))
	f.orch.applyFillLocked(st, exchange.SideSell, dec("1"), dec("110"))
	f.orch.applyFillLocked(st, exchange.SideSell, dec("1"), dec("90"))
	require.True(t, st.position.IsZero())
	require.Nil(t, st.entry)
	// +10 on the first close, -10 on the second.
	require.True(t, st.real.IsZero(), st.real.String())
	require.True(t, st.unreal.IsZero())
}

func TestFillFlipReEnters(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")

	f.orch.applyFillLocked(st, exchange.SideBuy, dec("1"), dec("100"))
	f.orch.applyFillLocked(st, exchange.SideSell, dec("3"), dec("110"))
	require.True(t, st.position.Equal(dec("-2")))
	require.True(t, st.real.Equal(dec("10")))
	require.NotNil(t, st.entry)
	require.True(t, st.entry.Equal(dec("110")))
}

func TestFillShortSideRealizes(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")

	f.orch.applyFillLocked(st, exchange.SideSell, dec("1"), dec("100"))
	f.orch.applyFillLocked(st, exchange.SideBuy, dec("1"), dec("90"))
	require.True(t, st.position.IsZero())
	require.True(t, st.real.Equal(dec("10")), st.real.String())
	require.Nil(t, st.entry)
}

func TestTradePlacesOrderAndAccounts(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, dec("0.01"))
	require.NoError(t, err)

	orders := f.ex.orders()
	require.Len(t, orders, 1)
	require.Equal(t, exchange.SideBuy, orders[0].side)
	require.True(t, orders[0].qty.Equal(dec("0.1")))

	st := f.st("BTCUSDT")
	require.True(t, st.position.Equal(dec("0.1")))
	require.True(t, st.entry.Equal(dec("100.7")), "buys lift the ask")

	log := f.orch.OrderLog()
	require.Len(t, log, 1)
	require.Equal(t, "BTCUSDT", log[0].Symbol)
	require.False(t, log[0].Timestamp.IsZero())
}

func TestTradeHoldDoesNothing(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionHold, dec("1")))
	require.Empty(t, f.ex.orders())
}

func TestTradeCooldownSuppressesSecondOrder(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Cooldown = time.Hour })

	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, dec("0.01")))
	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, dec("0.01")))
	require.Len(t, f.ex.orders(), 1)
}

func TestTradeCooldownUnderConcurrentLoops(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Cooldown = time.Hour })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, dec("0.01"))
		}()
	}
	wg.Wait()
	require.Len(t, f.ex.orders(), 1, "cooldown is the sole dedup across redundant loops")
}

func TestTradeNotionalCap(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxPositionUSD = dec("5") })
	st := f.st("BTCUSDT")
	st.position = dec("0.05") // 0.05 * ~100 >= $5

	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, dec("0.01")))
	require.Empty(t, f.ex.orders())
}

func TestTradeSlippageGate(t *testing.T) {
	f := newFixture(t, nil)
	f.cap.qty = dec("10") // worst price moves 0.1, slip 0.1% of price

	edge := dec("0.001") // tolerance 0.06% < 0.1% slip
	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, edge))
	require.Empty(t, f.ex.orders())

	f.cap.qty = dec("0.1") // slip collapses to 0.001%
	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, edge))
	require.Len(t, f.ex.orders(), 1)
}

func TestTradeZeroQtySkips(t *testing.T) {
	f := newFixture(t, nil)
	f.cap.qty = decimal.Zero

	require.NoError(t, f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionSellSpot, dec("0.01")))
	require.Empty(t, f.ex.orders())
}

func TestTradePlaceErrorPropagates(t *testing.T) {
	f := newFixture(t, nil)
	f.ex.placeErr = errors.New("rejected")

	err := f.orch.trade(context.Background(), "BTCUSDT", strategy.ActionBuySpot, dec("0.01"))
	require.Error(t, err)
	require.True(t, f.st("BTCUSDT").position.IsZero(), "no fill recorded on failure")
}

func TestUpdatePnLMarksLongAgainstAsk(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	f.orch.applyFillLocked(st, exchange.SideBuy, dec("1"), dec("100"))

	require.NoError(t, f.orch.updatePnL(context.Background(), "BTCUSDT"))
	require.True(t, st.unreal.Equal(dec("0.7")), st.unreal.String())
	require.Equal(t, 1, f.cap.updates)
}

func TestUpdatePnLMarksShortAgainstBid(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	f.orch.applyFillLocked(st, exchange.SideSell, dec("1"), dec("102"))

	require.NoError(t, f.orch.updatePnL(context.Background(), "BTCUSDT"))
	// Short of 1 from 102, marked at the 100.5 bid: +1.5.
	require.True(t, st.unreal.Equal(dec("1.5")), st.unreal.String())
}

func TestTotalsAndSymbolPnL(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"} })
	btc := f.st("BTCUSDT")
	eth := f.st("ETHUSDT")
	btc.real, btc.unreal = dec("10"), dec("2")
	eth.real, eth.unreal = dec("-4"), dec("1")

	real, unreal := f.orch.Totals()
	require.True(t, real.Equal(dec("6")))
	require.True(t, unreal.Equal(dec("3")))

	perSym := f.orch.SymbolPnL()
	require.True(t, perSym["BTCUSDT"].Equal(dec("12")))
	require.True(t, perSym["ETHUSDT"].Equal(dec("-3")))
}

func TestSnapshotHydrateRoundtrip(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	f.orch.applyFillLocked(st, exchange.SideBuy, dec("0.5"), dec("100"))
	st.real = dec("7")
	f.orch.persist()

	// A second orchestrator over the same store picks up where this one left off.
	ex2 := &fakeExchange{bid: dec("100.5"), ask: dec("100.7")}
	orch2 := New(f.orch.cfg, ex2, nil, f.orch.store, obs.NopSink{},
		obs.NewLogAlerter(zap.NewNop()),
		obs.NewErrorTracker(time.Minute, 1000, obs.NopSink{}, obs.NewLogAlerter(zap.NewNop()), stubStopper{}),
		exchange.RetryPolicy{Attempts: 1}, zap.NewNop())
	orch2.hydrate(orch2.store.Load())

	st2 := orch2.symbols["BTCUSDT"]
	require.True(t, st2.position.Equal(dec("0.5")))
	require.NotNil(t, st2.entry)
	require.True(t, st2.entry.Equal(dec("100")))
	require.True(t, st2.real.Equal(dec("7")))
}

func TestSyncPositionsAdoptsExchangeKeepsRealized(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	st.position = dec("0.2")
	st.real = dec("12")
	f.ex.positions = map[string]decimal.Decimal{"BTCUSDT": dec("0.7")}

	f.orch.syncPositions(context.Background())
	require.True(t, st.position.Equal(dec("0.7")), "exchange quantity is authoritative")
	require.True(t, st.real.Equal(dec("12")), "realized P&L survives the sync")
}

func TestSyncPositionsFlattensAbsentSymbols(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	st.position = dec("0.2")
	entry := dec("100")
	st.entry = &entry
	f.ex.positions = map[string]decimal.Decimal{}

	f.orch.syncPositions(context.Background())
	require.True(t, st.position.IsZero())
	require.Nil(t, st.entry)
}

func TestSyncPositionsFailureKeepsLocalState(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	st.position = dec("0.2")
	f.ex.posErr = errors.New("exchange down")

	f.orch.syncPositions(context.Background())
	require.True(t, st.position.Equal(dec("0.2")))
}

func TestCloseAllFlattens(t *testing.T) {
	f := newFixture(t, nil)
	st := f.st("BTCUSDT")
	f.orch.applyFillLocked(st, exchange.SideBuy, dec("0.5"), dec("100"))

	require.NoError(t, f.orch.CloseAll(context.Background()))

	orders := f.ex.orders()
	require.Len(t, orders, 1)
	require.Equal(t, exchange.SideSell, orders[0].side)
	require.True(t, orders[0].qty.Equal(dec("0.5")))
	require.True(t, st.position.IsZero())
	require.Nil(t, st.entry)
	// Closed at the 100.5 bid from a 100 entry.
	require.True(t, st.real.Equal(dec("0.25")), st.real.String())
}

func TestCloseAllSkipsFlatSymbols(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.CloseAll(context.Background()))
	require.Empty(t, f.ex.orders())
}
