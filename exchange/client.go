// Package exchange implements the signed, rate-limited, retrying REST client
// for Bybit v5 linear perpetuals, plus best-quote lookup backed by the
// streaming market data client.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 2 * time.Second
	userAgent      = "bybit-arb-bot/1.0"
)

// Side is the order direction on the exchange.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Order is one fill as recorded in the execution log. Immutable once built.
type Order struct {
	ClientID  string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// Quoter supplies best bid/ask per symbol; satisfied by *marketdata.Client.
type Quoter interface {
	GetBest(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
}

// Config holds client credentials and endpoints.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	MarginMode string        // CROSS or ISOLATED
	Timeout    time.Duration // per-request timeout, default 2s
}

// Client signs and sends REST calls under rate limiting and retry.
type Client struct {
	cfg    Config
	http   *http.Client
	quotes Quoter
	pub    *RateLimiter
	priv   *RateLimiter
	retry  RetryPolicy
	logger *zap.Logger
	nowMs  func() int64
}

// NewClient builds an exchange client. quotes may not be nil.
func NewClient(cfg Config, quotes Quoter, retry RetryPolicy, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		quotes: quotes,
		pub:    NewRateLimiter(PublicCallsPerSecond),
		priv:   NewRateLimiter(PrivateCallsPerSecond),
		retry:  retry,
		logger: logger,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// GetBest returns the current best bid/ask for symbol.
func (c *Client) GetBest(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	return c.quotes.GetBest(ctx, symbol)
}

// GetServerTimeMs fetches the exchange clock in milliseconds.
func (c *Client) GetServerTimeMs(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, http.MethodGet, "/v5/public/time", nil, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("exchange: parse server time: %w", err)
	}
	sec, err := strconv.ParseInt(res.TimeSecond, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("exchange: parse server time: %w", err)
	}
	return sec * 1000, nil
}

// PlaceOrder submits a market order and returns the client-assigned order id.
// The id is generated locally so retried submissions stay idempotent on the
// exchange side.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (string, error) {
	clientID := newOrderID()
	body := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Market",
		"qty":         qty.String(),
		"orderLinkId": clientID,
		"timeInForce": "GoodTillCancel",
		"marginMode":  titleCase(c.cfg.MarginMode),
	}
	if _, err := c.call(ctx, http.MethodPost, "/v5/order/create", body, true); err != nil {
		return "", err
	}
	return clientID, nil
}

// RestorePositions returns the exchange's authoritative signed position
// quantity per symbol. Flat symbols are omitted.
func (c *Client) RestorePositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	raw, err := c.call(ctx, http.MethodGet, "/v5/position/list",
		map[string]string{"category": "linear"}, true)
	if err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			Symbol string `json:"symbol"`
			Size   string `json:"size"`
			Side   string `json:"side"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("exchange: parse positions: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(res.List))
	for _, p := range res.List {
		qty, err := decimal.NewFromString(p.Size)
		if err != nil || qty.IsZero() {
			continue
		}
		if p.Side == string(SideSell) {
			qty = qty.Neg()
		}
		out[p.Symbol] = qty
	}
	return out, nil
}

// sign merges the API key and a millisecond timestamp into params, then
// appends an HMAC-SHA256 signature over the lexicographically sorted query.
func (c *Client) sign(params map[string]string) map[string]string {
	signed := make(map[string]string, len(params)+3)
	for k, v := range params {
		signed[k] = v
	}
	signed["api_key"] = c.cfg.APIKey
	signed["timestamp"] = strconv.FormatInt(c.nowMs(), 10)

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+signed[k])
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	signed["sign"] = hex.EncodeToString(mac.Sum(nil))
	return signed
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// call sends one request through the class limiter and the retry policy.
// A non-zero retCode counts as a failure exactly like a transport error.
func (c *Client) call(ctx context.Context, method, path string, params map[string]string, private bool) (json.RawMessage, error) {
	limiter := c.pub
	if private {
		limiter = c.priv
	}

	var result json.RawMessage
	err := c.retry.Do(ctx, func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		payload := params
		if private {
			payload = c.sign(params)
		}
		raw, err := c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		result = raw
		return nil
	})
	return result, err
}

func (c *Client) send(ctx context.Context, method, path string, payload map[string]string) (json.RawMessage, error) {
	endpoint := c.cfg.BaseURL + path

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet:
		if len(payload) > 0 {
			q := url.Values{}
			for k, v := range payload {
				q.Set(k, v)
			}
			endpoint += "?" + q.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		var body []byte
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("exchange: marshal request: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: read response: %w", err)
	}
	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("exchange: parse response: %w", err)
	}
	if parsed.RetCode != 0 {
		return nil, fmt.Errorf("exchange: bybit %d: %s", parsed.RetCode, parsed.RetMsg)
	}
	return parsed.Result, nil
}

// newOrderID generates the client order token: "arb-" plus 18 hex chars.
func newOrderID() string {
	id := uuid.New()
	return "arb-" + hex.EncodeToString(id[:])[:18]
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
