package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
)

type tick struct {
	price float64
	at    time.Time
}

// BybitTickerStream keeps last prices from Bybit's public spot ticker feed.
// Coordinators prefer it over REST polling when a quote is fresh.
type BybitTickerStream struct {
	wsURL    string
	maxAge   time.Duration
	logger   *zap.Logger
	mu       sync.RWMutex
	prices   map[string]tick
	symbols  []string
	callback []func(symbol string, price float64)
}

func NewBybitTickerStream(wsURL string, maxAge time.Duration, logger *zap.Logger) *BybitTickerStream {
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &BybitTickerStream{
		wsURL:  wsURL,
		maxAge: maxAge,
		logger: logger,
		prices: make(map[string]tick),
	}
}

var _ domain.PriceSource = (*BybitTickerStream)(nil)

func (s *BybitTickerStream) OnPriceUpdate(cb func(symbol string, price float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = append(s.callback, cb)
}

// LastPrice returns a price no older than maxAge. symbol may be in any notation.
func (s *BybitTickerStream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.prices[bybitSymbol(symbol)]
	if !ok || time.Since(t.at) > s.maxAge {
		return 0, false
	}
	return t.price, true
}

// Run connects, subscribes and reconnects with backoff until ctx is cancelled.
func (s *BybitTickerStream) Run(ctx context.Context, symbols []string) {
	s.mu.Lock()
	s.symbols = make([]string, 0, len(symbols))
	for _, sym := range symbols {
		s.symbols = append(s.symbols, bybitSymbol(sym))
	}
	s.mu.Unlock()

	backoff := time.Second
	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Ticker stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		if sleepCtx(ctx, backoff) != nil {
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *BybitTickerStream) session(ctx context.Context) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.Close()
		case <-done:
		}
	}()

	if err := s.subscribe(c); err != nil {
		return err
	}
	s.logger.Info("Ticker stream connected", zap.Int("symbols", len(s.symbols)))
	return s.readLoop(c)
}

func (s *BybitTickerStream) subscribe(c *websocket.Conn) error {
	s.mu.RLock()
	args := make([]any, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, "tickers."+sym)
	}
	s.mu.RUnlock()
	if len(args) == 0 {
		return nil
	}
	return c.WriteJSON(map[string]any{"op": "subscribe", "args": args})
}

func (s *BybitTickerStream) readLoop(c *websocket.Conn) error {
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		var event struct {
			Topic string `json:"topic"`
			Data  struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			s.logger.Debug("Ticker unmarshal error", zap.Error(err))
			continue
		}
		if !strings.HasPrefix(event.Topic, "tickers.") {
			continue
		}
		price, err := strconv.ParseFloat(event.Data.LastPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		symbol := strings.TrimPrefix(event.Topic, "tickers.")

		s.mu.Lock()
		s.prices[symbol] = tick{price: price, at: time.Now()}
		callbacks := make([]func(string, float64), len(s.callback))
		copy(callbacks, s.callback)
		s.mu.Unlock()

		for _, cb := range callbacks {
			cb(symbol, price)
		}
	}
}
