// Package config loads trading engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the trading engine.
type Config struct {
	// Exchange connectivity
	UseTestnet bool   // Route to the Bybit testnet
	APIBaseURL string // REST base URL
	WSURL      string // Public linear stream URL
	APIKey     string // Exchange API key
	APISecret  string // Exchange API secret

	// Trading universe
	Symbols    []string        // Tracked trading pairs
	MarginMode string          // CROSS or ISOLATED
	Leverage   decimal.Decimal // Account leverage

	// Position and exposure caps
	MaxPositionUSD decimal.Decimal // Per-symbol notional cap in USD

	// Fees (always included when computing edge)
	SpotFeeRate     decimal.Decimal
	FuturesFeeTaker decimal.Decimal
	FuturesFeeMaker decimal.Decimal

	// Decision gating
	MinEdgeThreshold decimal.Decimal // Minimum net edge before a trade is considered

	// Risk limits
	MaxDrawdownUSD      decimal.Decimal // Absolute aggregate P&L floor
	RelativeDrawdownUSD decimal.Decimal // Max drop from the high-water mark (0 disables)
	SymbolDrawdownUSD   decimal.Decimal // Per-symbol loss floor (0 disables)
	ProfitTargetUSD     decimal.Decimal // Orderly stop once reached (0 disables)

	// Capital management
	AccountEquityUSD     decimal.Decimal // Starting account equity
	RiskPerTrade         decimal.Decimal // Fraction of equity risked per trade
	VolWindow            int             // Rolling price window for volatility
	StopMultiplier       decimal.Decimal // Stop distance multiplier
	DailyDrawdownUSD     decimal.Decimal // Daily loss circuit breaker
	MaxConsecutiveLosses int             // Consecutive loss circuit breaker

	// Orchestration
	Cooldown      time.Duration // Minimum interval between trades per symbol
	ParallelTasks int           // Redundant decision loops per symbol

	// Resilience
	ErrorLimit        int           // Errors within ErrorWindow before a hard stop
	ErrorWindow       time.Duration // Trailing error window
	WSLivenessTimeout time.Duration // Force-close the stream when silent this long

	// Persistence
	StateFile       string
	StateBackupFile string
	StateSaveEvery  time.Duration

	// Observability
	MetricsEnabled bool
	MetricsAddr    string
}

// Default returns the configuration used when an environment key is unset.
func Default() Config {
	return Config{
		UseTestnet:           true,
		Symbols:              []string{"BTCUSDT"},
		MarginMode:           "CROSS",
		Leverage:             decimal.NewFromInt(1),
		MaxPositionUSD:       decimal.NewFromInt(1000),
		SpotFeeRate:          decimal.RequireFromString("0.0010"),
		FuturesFeeTaker:      decimal.RequireFromString("0.00055"),
		FuturesFeeMaker:      decimal.RequireFromString("0.00020"),
		MinEdgeThreshold:     decimal.RequireFromString("0.0001"),
		MaxDrawdownUSD:       decimal.NewFromInt(100),
		RelativeDrawdownUSD:  decimal.Zero,
		SymbolDrawdownUSD:    decimal.Zero,
		ProfitTargetUSD:      decimal.Zero,
		AccountEquityUSD:     decimal.NewFromInt(10000),
		RiskPerTrade:         decimal.RequireFromString("0.01"),
		VolWindow:            120,
		StopMultiplier:       decimal.NewFromInt(2),
		DailyDrawdownUSD:     decimal.NewFromInt(50),
		MaxConsecutiveLosses: 5,
		Cooldown:             10 * time.Second,
		ParallelTasks:        1,
		ErrorLimit:           10,
		ErrorWindow:          60 * time.Second,
		WSLivenessTimeout:    30 * time.Second,
		StateFile:            "state.json",
		StateBackupFile:      "state.bak.json",
		StateSaveEvery:       5 * time.Second,
		MetricsEnabled:       false,
		MetricsAddr:          ":9100",
	}
}

// Load builds a Config from environment variables, falling back to Default.
func Load() (Config, error) {
	cfg := Default()

	cfg.UseTestnet = envBool("USE_TESTNET", cfg.UseTestnet)
	if cfg.UseTestnet {
		cfg.APIBaseURL = "https://api-testnet.bybit.com"
		cfg.WSURL = "wss://stream-testnet.bybit.com/v5/public/linear"
		cfg.APIKey = os.Getenv("BYBIT_API_KEY_TESTNET")
		cfg.APISecret = os.Getenv("BYBIT_API_SECRET_TESTNET")
	} else {
		cfg.APIBaseURL = "https://api.bybit.com"
		cfg.WSURL = "wss://stream.bybit.com/v5/public/linear"
		cfg.APIKey = os.Getenv("BYBIT_API_KEY_MAIN")
		cfg.APISecret = os.Getenv("BYBIT_API_SECRET_MAIN")
	}
	if v := os.Getenv("BYBIT_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("BYBIT_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return cfg, fmt.Errorf("config: API keys not set")
	}

	if v := os.Getenv("TRADE_PAIRS"); v != "" {
		pairs := make([]string, 0, 4)
		for _, p := range strings.Split(v, ",") {
			if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
				pairs = append(pairs, p)
			}
		}
		if len(pairs) > 0 {
			cfg.Symbols = pairs
		}
	}

	cfg.MarginMode = strings.ToUpper(envString("MARGIN_MODE", cfg.MarginMode))

	var err error
	if cfg.Leverage, err = envDecimal("LEVERAGE", cfg.Leverage); err != nil {
		return cfg, err
	}
	if cfg.MaxPositionUSD, err = envDecimal("MAX_POSITION_USD", cfg.MaxPositionUSD); err != nil {
		return cfg, err
	}
	if cfg.SpotFeeRate, err = envDecimal("SPOT_FEE_RATE", cfg.SpotFeeRate); err != nil {
		return cfg, err
	}
	if cfg.FuturesFeeTaker, err = envDecimal("FUTURES_FEE_TAKER_RATE", cfg.FuturesFeeTaker); err != nil {
		return cfg, err
	}
	if cfg.FuturesFeeMaker, err = envDecimal("FUTURES_FEE_MAKER_RATE", cfg.FuturesFeeMaker); err != nil {
		return cfg, err
	}
	if cfg.MinEdgeThreshold, err = envDecimal("MIN_FUNDING_THRESHOLD", cfg.MinEdgeThreshold); err != nil {
		return cfg, err
	}
	if cfg.MaxDrawdownUSD, err = envDecimal("MAX_DRAWDOWN_USD", cfg.MaxDrawdownUSD); err != nil {
		return cfg, err
	}
	if cfg.RelativeDrawdownUSD, err = envDecimal("RELATIVE_DRAWDOWN_USD", cfg.RelativeDrawdownUSD); err != nil {
		return cfg, err
	}
	if cfg.SymbolDrawdownUSD, err = envDecimal("SYMBOL_DRAWDOWN_USD", cfg.SymbolDrawdownUSD); err != nil {
		return cfg, err
	}
	if cfg.ProfitTargetUSD, err = envDecimal("PROFIT_TARGET_USD", cfg.ProfitTargetUSD); err != nil {
		return cfg, err
	}
	if cfg.AccountEquityUSD, err = envDecimal("ACCOUNT_EQUITY_USD", cfg.AccountEquityUSD); err != nil {
		return cfg, err
	}
	if cfg.RiskPerTrade, err = envDecimal("RISK_PER_TRADE", cfg.RiskPerTrade); err != nil {
		return cfg, err
	}
	if cfg.StopMultiplier, err = envDecimal("STOP_MULTIPLIER", cfg.StopMultiplier); err != nil {
		return cfg, err
	}
	if cfg.DailyDrawdownUSD, err = envDecimal("DAILY_DRAWDOWN_USD", cfg.DailyDrawdownUSD); err != nil {
		return cfg, err
	}

	cfg.VolWindow = envInt("VOL_WINDOW", cfg.VolWindow)
	cfg.MaxConsecutiveLosses = envInt("MAX_CONSECUTIVE_LOSSES", cfg.MaxConsecutiveLosses)
	cfg.Cooldown = envSeconds("COOLDOWN_SEC", cfg.Cooldown)
	cfg.ParallelTasks = envInt("PARALLEL_TASKS", cfg.ParallelTasks)
	cfg.ErrorLimit = envInt("ERROR_LIMIT", cfg.ErrorLimit)
	cfg.ErrorWindow = envSeconds("ERROR_WINDOW_SEC", cfg.ErrorWindow)
	cfg.WSLivenessTimeout = envSeconds("WS_LIVENESS_TIMEOUT", cfg.WSLivenessTimeout)
	cfg.StateFile = envString("STATE_FILE", cfg.StateFile)
	cfg.StateBackupFile = envString("STATE_BACKUP_FILE", cfg.StateBackupFile)
	cfg.StateSaveEvery = envSeconds("STATE_SAVE_SEC", cfg.StateSaveEvery)
	cfg.MetricsEnabled = envBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = envString("METRICS_ADDR", cfg.MetricsAddr)

	if cfg.ParallelTasks < 1 {
		cfg.ParallelTasks = 1
	}
	if cfg.VolWindow < 2 {
		return cfg, fmt.Errorf("config: VOL_WINDOW must be at least 2")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func envDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}
