package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/spot"

	bybitRecvWindow = 5000
)

// BybitAdapter trades Bybit spot through the v5 unified API.
// Signed requests take their timestamp from the account's nonce stream so
// consecutive calls never share or reorder a timestamp.
type BybitAdapter struct {
	*base
	apiKey    string
	apiSecret string
}

func NewBybitAdapter(apiKey, apiSecret string, deps Deps, s Settings) *BybitAdapter {
	if s.BaseURL == "" {
		s.BaseURL = BybitBaseURL
	}
	return &BybitAdapter{
		base:      newBase("bybit", deps, s),
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

var _ domain.Broker = (*BybitAdapter)(nil)

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// timestamp derives a millisecond timestamp from the nonce stream, falling back
// to the wall clock if the stream has been pushed outside the receive window.
func (b *BybitAdapter) timestamp() (int64, error) {
	now := time.Now().UnixMilli()
	if b.nonces == nil {
		return now, nil
	}
	n, err := b.nonces.Next(b.key)
	if err != nil {
		return 0, err
	}
	ts := n / int64(time.Millisecond)
	if d := ts - now; d > bybitRecvWindow/2 || d < -bybitRecvWindow/2 {
		return now, nil
	}
	return ts, nil
}

func (b *BybitAdapter) classify(retCode int, retMsg string) error {
	switch retCode {
	case 0:
		return nil
	case 10003, 10005, 10010:
		return &domain.PermissionError{Broker: b.name, Scope: strconv.Itoa(retCode), Message: retMsg}
	case 10006, 10018:
		return fmt.Errorf("bybit %s: %w", retMsg, domain.ErrRateLimited)
	case 10000, 10016:
		return fmt.Errorf("bybit %s: %w", retMsg, domain.ErrTransient)
	}
	return fmt.Errorf("bybit error %d: %s", retCode, retMsg)
}

func (b *BybitAdapter) decode(body []byte, status int, out any) error {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if serr := b.statusError(status, body); serr != nil {
			return serr
		}
		return fmt.Errorf("bybit decode: %w", err)
	}
	if err := b.classify(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if serr := b.statusError(status, body); serr != nil {
		return serr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]any, out any) error {
	timestamp, err := b.timestamp()
	if err != nil {
		return err
	}

	var body []byte
	var paramsStr string
	u := b.settings.BaseURL + path
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if len(query) > 0 {
		paramsStr = query.Encode()
		u += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, bybitRecvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(bybitRecvWindow))
	req.Header.Set("Content-Type", "application/json")

	respBody, status, err := b.do(req)
	if err != nil {
		return err
	}
	return b.decode(respBody, status, out)
}

func (b *BybitAdapter) publicGet(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.settings.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	respBody, status, err := b.do(req)
	if err != nil {
		return err
	}
	return b.decode(respBody, status, out)
}

func (b *BybitAdapter) Connect(ctx context.Context) error {
	err := b.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		_, err := b.fetchAssets(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("bybit connect: %w", err)
	}
	b.connected.Store(true)
	b.logger.Info("Connected")
	return nil
}

func (b *BybitAdapter) fetchAssets(ctx context.Context) (map[string]float64, error) {
	var out struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", url.Values{"accountType": {"UNIFIED"}}, nil, &out); err != nil {
		return nil, err
	}
	assets := make(map[string]float64)
	for _, acct := range out.List {
		for _, c := range acct.Coin {
			total := anyFloat(c.WalletBalance) - anyFloat(c.Locked)
			assets[strings.ToUpper(c.Coin)] += total
		}
	}
	return assets, nil
}

func (b *BybitAdapter) GetBalance(ctx context.Context) (*domain.Balance, error) {
	return b.cachedBalance(ctx, func(ctx context.Context) (*domain.Balance, error) {
		assets, err := b.fetchAssets(ctx)
		if err != nil {
			return nil, err
		}
		usdt := assets["USDT"]
		return &domain.Balance{Currency: "USDT", Available: usdt, Total: usdt, Assets: assets}, nil
	})
}

func (b *BybitAdapter) GetPositions(ctx context.Context) ([]domain.Holding, error) {
	return b.cachedHoldings(ctx, func(ctx context.Context) ([]domain.Holding, error) {
		assets, err := b.fetchAssets(ctx)
		if err != nil {
			return nil, err
		}
		return holdingsFromAssets(assets, "USDT"), nil
	})
}

func (b *BybitAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := b.call(ctx, domain.CategoryMonitoring, retryAll, func(ctx context.Context) error {
		return b.publicGet(ctx, "/v5/market/tickers", url.Values{"category": {"spot"}, "symbol": {bybitSymbol(symbol)}}, &out)
	})
	if err != nil {
		return 0, err
	}
	if len(out.List) == 0 {
		return 0, fmt.Errorf("bybit ticker %s: symbol not found", symbol)
	}
	return strconv.ParseFloat(out.List[0].LastPrice, 64)
}

func (b *BybitAdapter) instrument(ctx context.Context, symbol string) (instrument, error) {
	if inst, ok := b.cachedInstrument(symbol); ok {
		return inst, nil
	}
	var out struct {
		List []struct {
			LotSizeFilter struct {
				BasePrecision  string `json:"basePrecision"`
				QuotePrecision string `json:"quotePrecision"`
				MinOrderQty    string `json:"minOrderQty"`
				MinOrderAmt    string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	err := b.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		return b.publicGet(ctx, "/v5/market/instruments-info", url.Values{"category": {"spot"}, "symbol": {bybitSymbol(symbol)}}, &out)
	})
	if err != nil {
		return instrument{}, err
	}
	if len(out.List) == 0 {
		return instrument{}, fmt.Errorf("bybit instrument %s: not found", symbol)
	}
	f := out.List[0].LotSizeFilter
	inst := instrument{
		BaseIncrement:  anyFloat(f.BasePrecision),
		QuoteIncrement: anyFloat(f.QuotePrecision),
		MinBase:        anyFloat(f.MinOrderQty),
		MinQuote:       anyFloat(f.MinOrderAmt),
	}
	b.storeInstrument(symbol, inst)
	return inst, nil
}

func (b *BybitAdapter) MinOrderQuote(ctx context.Context, symbol string) (float64, error) {
	inst, err := b.instrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.MinQuote, nil
}

func (b *BybitAdapter) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	inst, err := b.instrument(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	var price float64
	if req.SizeType == domain.SizeBase {
		price, _ = b.GetCurrentPrice(ctx, req.Symbol)
	}
	size, err := prepareSize(req, inst, price, b.settings.DustUSD)
	if err != nil {
		return nil, err
	}

	linkID := req.ClientOrderID
	if linkID == "" {
		linkID = uuid.New().String()
	}
	payload := map[string]any{
		"category":    "spot",
		"symbol":      bybitSymbol(req.Symbol),
		"side":        bybitSide(req.Side),
		"orderType":   "Market",
		"orderLinkId": linkID,
	}
	if req.SizeType == domain.SizeQuote {
		payload["qty"] = formatSize(size, inst.QuoteIncrement)
		payload["marketUnit"] = "quoteCoin"
	} else {
		payload["qty"] = formatSize(size, inst.BaseIncrement)
		payload["marketUnit"] = "baseCoin"
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	submittedAt := time.Now().UTC()
	err = b.call(ctx, domain.CategoryForSide(req.Side), retryRejected, func(ctx context.Context) error {
		return b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload, &created)
	})
	if err != nil {
		return nil, err
	}
	if created.OrderID == "" {
		return nil, &domain.ExecutionFailedError{Broker: b.name, Missing: []string{"order_id"}}
	}
	b.logger.Info("Order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("order_id", created.OrderID),
		zap.Float64("size", size),
	)

	res, err := b.pollOrder(ctx, created.OrderID, func(ctx context.Context) (*domain.OrderResult, error) {
		return b.queryOrder(ctx, created.OrderID, req)
	})
	if err != nil {
		return nil, err
	}
	res.ClientOrderID = linkID
	res.SubmittedAt = submittedAt
	return b.finishOrder(req, res)
}

type bybitOrder struct {
	OrderID      string `json:"orderId"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecValue string `json:"cumExecValue"`
	CumExecFee   string `json:"cumExecFee"`
	AvgPrice     string `json:"avgPrice"`
}

// queryOrder checks open orders first; filled spot market orders move to history quickly.
func (b *BybitAdapter) queryOrder(ctx context.Context, orderID string, req domain.OrderRequest) (*domain.OrderResult, error) {
	q := url.Values{"category": {"spot"}, "orderId": {orderID}}
	var out struct {
		List []bybitOrder `json:"list"`
	}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out.List) == 0 {
		if err := b.sendRequest(ctx, http.MethodGet, "/v5/order/history", q, nil, &out); err != nil {
			return nil, err
		}
	}
	if len(out.List) == 0 {
		return &domain.OrderResult{OrderID: orderID, Symbol: req.Symbol, Side: req.Side, Status: domain.OrderSubmitted}, nil
	}
	o := out.List[0]
	filled := anyFloat(o.CumExecQty)
	res := &domain.OrderResult{
		OrderID:     orderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		FilledQty:   filled,
		FilledPrice: anyFloat(o.AvgPrice),
		Cost:        anyFloat(o.CumExecValue),
		Fees:        anyFloat(o.CumExecFee),
		Status:      bybitStatus(o.OrderStatus, filled),
	}
	if req.SizeType == domain.SizeBase {
		res.RequestedQty = anyFloat(o.Qty)
		if res.Status == domain.OrderPartiallyFilled && res.RequestedQty > filled {
			res.Remaining = res.RequestedQty - filled
		}
	}
	return res, nil
}

func bybitStatus(status string, filled float64) domain.OrderStatus {
	switch status {
	case "Filled":
		return domain.OrderFilled
	case "PartiallyFilledCanceled":
		return domain.OrderPartiallyFilled
	case "Cancelled", "Deactivated":
		if filled > 0 {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderExpired
	case "Rejected":
		return domain.OrderRejected
	}
	return domain.OrderSubmitted
}

// GetCandles returns klines oldest first. interval uses Bybit's minute notation.
func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, count int) ([]domain.Candle, error) {
	q := url.Values{
		"category": {"spot"},
		"symbol":   {bybitSymbol(symbol)},
		"interval": {interval},
		"limit":    {strconv.Itoa(count)},
	}
	var out struct {
		List [][]string `json:"list"`
	}
	err := b.call(ctx, domain.CategoryMonitoring, retryAll, func(ctx context.Context) error {
		return b.publicGet(ctx, "/v5/market/kline", q, &out)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(out.List))
	// Bybit returns newest first.
	for i := len(out.List) - 1; i >= 0; i-- {
		raw := out.List[i]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   anyFloat(raw[1]),
			High:   anyFloat(raw[2]),
			Low:    anyFloat(raw[3]),
			Close:  anyFloat(raw[4]),
			Volume: anyFloat(raw[5]),
		})
	}
	return candles, nil
}

// bybitSymbol maps "BTC-USD" to "BTCUSDT"; Bybit spot quotes in USDT.
func bybitSymbol(symbol string) string {
	q := domain.QuoteAsset(symbol)
	if q == "USD" {
		q = "USDT"
	}
	return domain.BaseAsset(symbol) + q
}

func bybitSide(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}
