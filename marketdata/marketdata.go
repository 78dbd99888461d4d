// Package marketdata maintains the streaming best bid/ask feed from the
// Bybit v5 public linear stream.
//
// The client holds one subscription session per run: connect, subscribe one
// orderbook channel per tracked symbol, then listen. A watchdog independent
// of the read loop force-closes the connection when no message arrives within
// the liveness window, which drives the outer reconnect loop. Reconnects
// retry forever with a fixed delay; market data is the lifeline of the bot
// and losing it is never fatal.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay = 5 * time.Second
	// pollInterval is the GetBest busy-poll sleep.
	pollInterval = 100 * time.Millisecond
)

// Conn is the subset of a websocket connection the client uses. It exists so
// the watchdog behaviour is testable without a live stream.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the stream endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

// ReconnectCounter receives one increment per reconnect attempt; satisfied
// by the observability sink.
type ReconnectCounter interface {
	IncReconnect()
}

// Config holds the market data client settings.
type Config struct {
	URL             string
	Symbols         []string
	LivenessTimeout time.Duration
	ReconnectDelay  time.Duration // defaults to ReconnectDelay
}

type quote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// Client streams quotes and republishes the best bid/ask per symbol.
type Client struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger
	sink   ReconnectCounter

	mu   sync.RWMutex
	best map[string]quote
	conn Conn

	lastMsg atomic.Int64 // unix nanos of the last inbound message

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewClient builds a market data client for the configured symbol set.
func NewClient(cfg Config, logger *zap.Logger, sink ReconnectCounter) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = ReconnectDelay
	}
	best := make(map[string]quote, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		best[s] = quote{}
	}
	return &Client{
		cfg:    cfg,
		dial:   gorillaDial,
		logger: logger,
		sink:   sink,
		best:   best,
	}
}

// SetDialer replaces the connection factory; used by tests.
func (c *Client) SetDialer(d Dialer) { c.dial = d }

// Start launches the subscription session and the liveness watchdog.
func (c *Client) Start(ctx context.Context) {
	c.once.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.wg.Add(2)
		go c.run(ctx)
		go c.watchdog(ctx)
	})
}

// Close stops all background activity and releases the connection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
}

// GetBest returns the best bid/ask for symbol, waiting until both sides are
// non-zero. Returns an error only for untracked symbols or cancellation.
func (c *Client) GetBest(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	for {
		c.mu.RLock()
		q, ok := c.best[symbol]
		c.mu.RUnlock()
		if !ok {
			return decimal.Zero, decimal.Zero, fmt.Errorf("marketdata: symbol %s not tracked", symbol)
		}
		if q.bid.IsPositive() && q.ask.IsPositive() {
			return q.bid, q.ask, nil
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, decimal.Zero, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// run drives the Disconnected -> Connecting -> Subscribed -> Listening
// cycle, reconnecting forever on any failure.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.sink.IncReconnect()
			c.logger.Warn("stream reconnect",
				zap.Duration("delay", c.cfg.ReconnectDelay),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ReconnectDelay):
			}
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("marketdata: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.markMessage()
	defer c.closeConn()

	if err := c.subscribe(conn); err != nil {
		return err
	}
	return c.listen(conn)
}

// subscribe issues the single subscribe request naming one orderbook channel
// per tracked symbol.
func (c *Client) subscribe(conn Conn) error {
	args := make([]string, 0, len(c.cfg.Symbols))
	for _, s := range c.cfg.Symbols {
		args = append(args, "orderbook.1."+s)
	}
	msg, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return fmt.Errorf("marketdata: marshal subscribe: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("marketdata: subscribe: %w", err)
	}
	c.logger.Info("stream subscribed", zap.Strings("channels", args))
	return nil
}

// orderbookMessage mirrors the v5 orderbook topic payload; only the best
// level of each side is consumed.
type orderbookMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	} `json:"data"`
}

func (c *Client) listen(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("marketdata: read: %w", err)
		}
		c.markMessage()
		c.handle(data)
	}
}

// handle updates the quote cache; unrecognized or partial payloads are
// ignored.
func (c *Client) handle(data []byte) {
	var msg orderbookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	sym := msg.Data.Symbol
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.best[sym]
	if !ok {
		return
	}
	if len(msg.Data.Bids) > 0 && len(msg.Data.Bids[0]) > 0 {
		if bid, err := decimal.NewFromString(msg.Data.Bids[0][0]); err == nil {
			q.bid = bid
		}
	}
	if len(msg.Data.Asks) > 0 && len(msg.Data.Asks[0]) > 0 {
		if ask, err := decimal.NewFromString(msg.Data.Asks[0][0]); err == nil {
			q.ask = ask
		}
	}
	c.best[sym] = q
}

// watchdog wakes every liveness interval and force-closes the connection if
// no message arrived within the window. The close is self-inflicted, not an
// error; the read loop sees it and reconnects.
func (c *Client) watchdog(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LivenessTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastMsg.Load())
			if time.Since(last) <= c.cfg.LivenessTimeout {
				continue
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn != nil {
				c.logger.Warn("stream stale, forcing reconnect",
					zap.Duration("liveness_timeout", c.cfg.LivenessTimeout))
				conn.Close()
			}
		}
	}
}

func (c *Client) markMessage() {
	c.lastMsg.Store(time.Now().UnixNano())
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
