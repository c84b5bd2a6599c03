package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var errNoTick = errors.New("oracle: no tick received yet")

var pingMessage = map[string]string{"method": "ping"}

// WSFeedClient maintains one websocket against a quote service and fans
// ticks out to per-symbol feeds. The resolver still reads per call; this
// client only holds the latest tick per subscribed symbol.
type WSFeedClient struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  []string
	ticks map[string]tick
}

type tick struct {
	price    *big.Int
	decimals uint8
}

type tickMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Symbol   string `json:"symbol"`
		Price    string `json:"price"`
		Decimals uint8  `json:"decimals"`
	} `json:"data"`
}

func NewWSFeedClient(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *WSFeedClient {
	return &WSFeedClient{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		ticks:          make(map[string]tick),
	}
}

// SymbolFeed returns the Feed view for one subscribed symbol and records
// the subscription for (re)connect time.
func (c *WSFeedClient) SymbolFeed(symbol string) Feed {
	c.mu.Lock()
	c.subs = append(c.subs, symbol)
	c.mu.Unlock()
	return &symbolFeed{client: c, symbol: symbol}
}

func (c *WSFeedClient) Run(ctx context.Context) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logError("ws connect failed", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logError("ws read loop ended", err)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *WSFeedClient) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()
	for _, symbol := range subs {
		msg := map[string]any{"method": "subscribe", "symbol": symbol}
		if err := writeJSON(ctx, conn, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *WSFeedClient) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handle(data)
	}
}

func (c *WSFeedClient) handle(data []byte) {
	var msg tickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "price" || msg.Data.Symbol == "" {
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(msg.Data.Price), 10)
	if !ok || price.Sign() <= 0 {
		c.logError("ws tick rejected", fmt.Errorf("bad price %q for %s", msg.Data.Price, msg.Data.Symbol))
		return
	}
	c.mu.Lock()
	c.ticks[msg.Data.Symbol] = tick{price: price, decimals: msg.Data.Decimals}
	c.mu.Unlock()
}

func (c *WSFeedClient) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *WSFeedClient) resetConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
	}
}

func (c *WSFeedClient) logError(msg string, err error) {
	if c.log == nil || err == nil {
		return
	}
	c.log.Warn(msg, zap.Error(err))
}

func (c *WSFeedClient) latest(symbol string) (tick, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.ticks[symbol]
	return t, ok
}

type symbolFeed struct {
	client *WSFeedClient
	symbol string
}

func (f *symbolFeed) LatestPrice(_ context.Context) (*big.Int, uint8, error) {
	t, ok := f.client.latest(f.symbol)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", errNoTick, f.symbol)
	}
	return new(big.Int).Set(t.price), t.decimals, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
