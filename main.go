package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bybit-arb-bot/capital"
	"bybit-arb-bot/config"
	"bybit-arb-bot/exchange"
	"bybit-arb-bot/marketdata"
	"bybit-arb-bot/obs"
	"bybit-arb-bot/risk"
	"bybit-arb-bot/shutdown"
	"bybit-arb-bot/state"
	"bybit-arb-bot/strategy"
	"bybit-arb-bot/trading"
)

const heartbeatInterval = 60 * time.Second

func main() {
	// A missing .env file is fine; the environment may already be populated.
	_ = godotenv.Overload()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	logger.Info("starting engine",
		zap.Strings("symbols", cfg.Symbols),
		zap.Bool("testnet", cfg.UseTestnet),
		zap.String("max_position_usd", cfg.MaxPositionUSD.String()),
		zap.Int("parallel_tasks", cfg.ParallelTasks))

	sigCtx, sigCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer sigCancel()

	ctrl := shutdown.NewController(sigCtx, logger)
	ctx := ctrl.Context()

	var sink obs.Sink = obs.NopSink{}
	var prom *obs.PromSink
	if cfg.MetricsEnabled {
		prom = obs.NewPromSink()
		sink = prom
	}

	alerter := obs.NewLogAlerter(logger)
	tracker := obs.NewErrorTracker(cfg.ErrorWindow, cfg.ErrorLimit, sink, alerter, ctrl)
	retry := exchange.DefaultRetryPolicy(tracker.Record, logger)

	md := marketdata.NewClient(marketdata.Config{
		URL:             cfg.WSURL,
		Symbols:         cfg.Symbols,
		LivenessTimeout: cfg.WSLivenessTimeout,
	}, logger, sink)
	md.Start(ctx)
	defer md.Close()

	client := exchange.NewClient(exchange.Config{
		BaseURL:    cfg.APIBaseURL,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		MarginMode: cfg.MarginMode,
	}, md, retry, logger)

	strat := strategy.NewSpreadStrategy(md, cfg.SpotFeeRate, cfg.FuturesFeeTaker)
	store := state.NewStore(cfg.StateFile, cfg.StateBackupFile)

	orch := trading.New(trading.Config{
		Symbols:          cfg.Symbols,
		MinEdgeThreshold: cfg.MinEdgeThreshold,
		MaxPositionUSD:   cfg.MaxPositionUSD,
		Cooldown:         cfg.Cooldown,
		ParallelTasks:    cfg.ParallelTasks,
		StateSaveEvery:   cfg.StateSaveEvery,
	}, client, strat, store, sink, alerter, tracker, retry, logger)

	capMgr := capital.NewManager(capital.Config{
		StartEquity:          cfg.AccountEquityUSD,
		RiskPerTrade:         cfg.RiskPerTrade,
		VolWindow:            cfg.VolWindow,
		StopMultiplier:       cfg.StopMultiplier,
		Leverage:             cfg.Leverage,
		MaxPositionUSD:       cfg.MaxPositionUSD,
		DailyDrawdownUSD:     cfg.DailyDrawdownUSD,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
	}, orch, alerter, ctrl, logger)
	orch.AttachCapital(capMgr)

	riskMgr := risk.NewManager(risk.Config{
		MaxDrawdownUSD:      cfg.MaxDrawdownUSD,
		RelativeDrawdownUSD: cfg.RelativeDrawdownUSD,
		SymbolDrawdownUSD:   cfg.SymbolDrawdownUSD,
		ProfitTargetUSD:     cfg.ProfitTargetUSD,
	}, orch, sink, alerter, ctrl, orch.CloseAll, logger)
	orch.AttachRisk(riskMgr)
	go riskMgr.Watch(ctx)

	if cfg.MetricsEnabled {
		go serveMetrics(ctx, cfg.MetricsAddr, prom, logger)
	}
	go heartbeat(ctx, orch, capMgr, alerter, logger)

	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("orchestrator stopped", zap.Error(err))
	}

	logger.Info("engine stopped", zap.String("reason", ctrl.Reason()))
}

// serveMetrics exposes the Prometheus registry and a liveness endpoint.
func serveMetrics(ctx context.Context, addr string, prom *obs.PromSink, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// heartbeat logs a periodic status line so long quiet stretches are visibly
// alive rather than silently wedged.
func heartbeat(ctx context.Context, orch *trading.Orchestrator, capMgr *capital.Manager, alerter *obs.LogAlerter, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			real, unreal := orch.Totals()
			logger.Info("heartbeat",
				zap.String("realized", real.String()),
				zap.String("unrealized", unreal.String()),
				zap.String("equity", capMgr.Equity().String()),
				zap.Duration("since_last_trade", alerter.SinceLastTrade()),
				zap.Int("orders", len(orch.OrderLog())))
		}
	}
}
