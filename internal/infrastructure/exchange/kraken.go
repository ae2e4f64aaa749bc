package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
)

const KrakenBaseURL = "https://api.kraken.com"

// KrakenAdapter drives Kraken spot via the REST API. Every private call
// consumes one nonce from the account's stream.
type KrakenAdapter struct {
	*base
	apiKey    string
	apiSecret []byte
}

func NewKrakenAdapter(apiKey, apiSecret string, deps Deps, s Settings) (*KrakenAdapter, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("kraken secret is not base64: %w", err)
	}
	if s.BaseURL == "" {
		s.BaseURL = KrakenBaseURL
	}
	return &KrakenAdapter{
		base:      newBase("kraken", deps, s),
		apiKey:    apiKey,
		apiSecret: secret,
	}, nil
}

var _ domain.Broker = (*KrakenAdapter)(nil)

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *KrakenAdapter) sign(path string, nonce int64, postData string) string {
	sha := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))
	mac := hmac.New(sha512.New, k.apiSecret)
	mac.Write(append([]byte(path), sha[:]...))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// classify maps Kraken's string error codes onto the error taxonomy.
func (k *KrakenAdapter) classify(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	msg := strings.Join(errs, "; ")
	switch {
	case strings.Contains(msg, "Invalid nonce"):
		return &domain.NonceError{Account: k.key, Message: msg}
	case strings.Contains(msg, "Permission denied"), strings.Contains(msg, "Invalid key"):
		return &domain.PermissionError{Broker: k.name, Message: msg}
	case strings.Contains(msg, "Rate limit exceeded"), strings.Contains(msg, "Too many requests"):
		return fmt.Errorf("kraken %s: %w", msg, domain.ErrRateLimited)
	case strings.Contains(msg, "EService:Unavailable"), strings.Contains(msg, "EService:Busy"),
		strings.Contains(msg, "EGeneral:Internal error"):
		return fmt.Errorf("kraken %s: %w", msg, domain.ErrTransient)
	}
	return fmt.Errorf("kraken error: %s", msg)
}

func (k *KrakenAdapter) decode(body []byte, status int, out any) error {
	var env krakenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if serr := k.statusError(status, body); serr != nil {
			return serr
		}
		return fmt.Errorf("kraken decode: %w", err)
	}
	if err := k.classify(env.Error); err != nil {
		return err
	}
	if serr := k.statusError(status, body); serr != nil {
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("kraken decode result: %w", err)
	}
	return nil
}

func (k *KrakenAdapter) public(ctx context.Context, method string, params url.Values, out any) error {
	u := k.settings.BaseURL + "/0/public/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	body, status, err := k.do(req)
	if err != nil {
		return err
	}
	return k.decode(body, status, out)
}

func (k *KrakenAdapter) private(ctx context.Context, method string, params url.Values, out any) error {
	if k.nonces == nil {
		return fmt.Errorf("kraken: nonce source not configured")
	}
	nonce, err := k.nonces.Next(k.key)
	if err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	postData := params.Encode()
	path := "/0/private/" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.settings.BaseURL+path, strings.NewReader(postData))
	if err != nil {
		return err
	}
	req.Header.Set("API-Key", k.apiKey)
	req.Header.Set("API-Sign", k.sign(path, nonce, postData))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	body, status, err := k.do(req)
	if err != nil {
		return err
	}
	return k.decode(body, status, out)
}

// Connect verifies credentials with a balance call.
func (k *KrakenAdapter) Connect(ctx context.Context) error {
	err := k.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		return k.private(ctx, "Balance", nil, nil)
	})
	if err != nil {
		return fmt.Errorf("kraken connect: %w", err)
	}
	k.connected.Store(true)
	k.logger.Info("Connected")
	return nil
}

func (k *KrakenAdapter) fetchAssets(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := k.private(ctx, "Balance", nil, &raw); err != nil {
		return nil, err
	}
	assets := make(map[string]float64, len(raw))
	for code, v := range raw {
		qty, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		assets[krakenAsset(code)] += qty
	}
	return assets, nil
}

func (k *KrakenAdapter) GetBalance(ctx context.Context) (*domain.Balance, error) {
	return k.cachedBalance(ctx, func(ctx context.Context) (*domain.Balance, error) {
		assets, err := k.fetchAssets(ctx)
		if err != nil {
			return nil, err
		}
		usd := assets["USD"]
		return &domain.Balance{Currency: "USD", Available: usd, Total: usd, Assets: assets}, nil
	})
}

func (k *KrakenAdapter) GetPositions(ctx context.Context) ([]domain.Holding, error) {
	return k.cachedHoldings(ctx, func(ctx context.Context) ([]domain.Holding, error) {
		assets, err := k.fetchAssets(ctx)
		if err != nil {
			return nil, err
		}
		return holdingsFromAssets(assets, "USD"), nil
	})
}

func (k *KrakenAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var out map[string]struct {
		C []string `json:"c"`
	}
	err := k.call(ctx, domain.CategoryMonitoring, retryAll, func(ctx context.Context) error {
		return k.public(ctx, "Ticker", url.Values{"pair": {krakenPair(symbol)}}, &out)
	})
	if err != nil {
		return 0, err
	}
	for _, t := range out {
		if len(t.C) > 0 {
			return strconv.ParseFloat(t.C[0], 64)
		}
	}
	return 0, fmt.Errorf("kraken ticker %s: symbol not found", symbol)
}

func (k *KrakenAdapter) instrument(ctx context.Context, symbol string) (instrument, error) {
	if inst, ok := k.cachedInstrument(symbol); ok {
		return inst, nil
	}
	var out map[string]struct {
		LotDecimals  int    `json:"lot_decimals"`
		CostDecimals int    `json:"cost_decimals"`
		OrderMin     string `json:"ordermin"`
		CostMin      string `json:"costmin"`
	}
	err := k.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		return k.public(ctx, "AssetPairs", url.Values{"pair": {krakenPair(symbol)}}, &out)
	})
	if err != nil {
		return instrument{}, err
	}
	for _, p := range out {
		minBase, _ := strconv.ParseFloat(p.OrderMin, 64)
		minQuote, _ := strconv.ParseFloat(p.CostMin, 64)
		inst := instrument{
			BaseIncrement:  incrementFromDecimals(p.LotDecimals),
			QuoteIncrement: incrementFromDecimals(p.CostDecimals),
			MinBase:        minBase,
			MinQuote:       minQuote,
		}
		k.storeInstrument(symbol, inst)
		return inst, nil
	}
	return instrument{}, fmt.Errorf("kraken asset pair %s: not found", symbol)
}

func (k *KrakenAdapter) MinOrderQuote(ctx context.Context, symbol string) (float64, error) {
	inst, err := k.instrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	minQuote := inst.MinQuote
	if inst.MinBase > 0 {
		price, err := k.GetCurrentPrice(ctx, symbol)
		if err == nil && inst.MinBase*price > minQuote {
			minQuote = inst.MinBase * price
		}
	}
	return minQuote, nil
}

// PlaceMarketOrder submits via AddOrder and polls QueryOrders until terminal.
// Quote-sized orders use the viqc flag so volume is read in quote currency.
func (k *KrakenAdapter) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := k.requireConnected(); err != nil {
		return nil, err
	}
	inst, err := k.instrument(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	price, _ := k.GetCurrentPrice(ctx, req.Symbol)
	size, err := prepareSize(req, inst, price, k.settings.DustUSD)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"pair":      {krakenPair(req.Symbol)},
		"type":      {strings.ToLower(string(req.Side))},
		"ordertype": {"market"},
	}
	if req.SizeType == domain.SizeQuote {
		params.Set("volume", formatSize(size, inst.QuoteIncrement))
		params.Set("oflags", "viqc")
	} else {
		params.Set("volume", formatSize(size, inst.BaseIncrement))
	}

	var added struct {
		TxID []string `json:"txid"`
	}
	submittedAt := time.Now().UTC()
	err = k.call(ctx, domain.CategoryForSide(req.Side), retryRejected, func(ctx context.Context) error {
		return k.private(ctx, "AddOrder", params, &added)
	})
	if err != nil {
		return nil, err
	}
	if len(added.TxID) == 0 || added.TxID[0] == "" {
		return nil, &domain.ExecutionFailedError{Broker: k.name, Missing: []string{"order_id"}}
	}
	txid := added.TxID[0]
	k.logger.Info("Order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("order_id", txid),
		zap.Float64("size", size),
	)

	res, err := k.pollOrder(ctx, txid, func(ctx context.Context) (*domain.OrderResult, error) {
		return k.queryOrder(ctx, txid, req)
	})
	if err != nil {
		return nil, err
	}
	res.SubmittedAt = submittedAt
	return k.finishOrder(req, res)
}

func (k *KrakenAdapter) queryOrder(ctx context.Context, txid string, req domain.OrderRequest) (*domain.OrderResult, error) {
	var out map[string]struct {
		Status  string `json:"status"`
		Vol     string `json:"vol"`
		VolExec string `json:"vol_exec"`
		Cost    string `json:"cost"`
		Fee     string `json:"fee"`
		Price   string `json:"price"`
	}
	if err := k.private(ctx, "QueryOrders", url.Values{"txid": {txid}}, &out); err != nil {
		return nil, err
	}
	o, ok := out[txid]
	if !ok {
		return &domain.OrderResult{OrderID: txid, Symbol: req.Symbol, Side: req.Side, Status: domain.OrderSubmitted}, nil
	}
	vol, _ := strconv.ParseFloat(o.Vol, 64)
	filled, _ := strconv.ParseFloat(o.VolExec, 64)
	cost, _ := strconv.ParseFloat(o.Cost, 64)
	fee, _ := strconv.ParseFloat(o.Fee, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)

	res := &domain.OrderResult{
		OrderID:      txid,
		Symbol:       req.Symbol,
		Side:         req.Side,
		RequestedQty: vol,
		FilledQty:    filled,
		FilledPrice:  price,
		Cost:         cost,
		Fees:         fee,
		Status:       krakenStatus(o.Status, vol, filled),
	}
	if req.SizeType == domain.SizeBase && vol > filled {
		res.Remaining = vol - filled
	}
	return res, nil
}

func krakenStatus(status string, vol, filled float64) domain.OrderStatus {
	switch status {
	case "closed":
		if filled > 0 && vol-filled > vol*1e-9 {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderFilled
	case "canceled", "expired":
		if filled > 0 {
			return domain.OrderPartiallyFilled
		}
		if status == "expired" {
			return domain.OrderExpired
		}
		return domain.OrderRejected
	}
	return domain.OrderSubmitted
}

// GetCandles returns up to count OHLC bars, oldest first. interval is in minutes.
func (k *KrakenAdapter) GetCandles(ctx context.Context, symbol, interval string, count int) ([]domain.Candle, error) {
	var out map[string]json.RawMessage
	err := k.call(ctx, domain.CategoryMonitoring, retryAll, func(ctx context.Context) error {
		return k.public(ctx, "OHLC", url.Values{"pair": {krakenPair(symbol)}, "interval": {interval}}, &out)
	})
	if err != nil {
		return nil, err
	}
	var candles []domain.Candle
	for name, raw := range out {
		if name == "last" {
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("kraken ohlc decode: %w", err)
		}
		for _, r := range rows {
			if len(r) < 7 {
				continue
			}
			ts, _ := r[0].(float64)
			candles = append(candles, domain.Candle{
				Time:   int64(ts),
				Open:   anyFloat(r[1]),
				High:   anyFloat(r[2]),
				Low:    anyFloat(r[3]),
				Close:  anyFloat(r[4]),
				Volume: anyFloat(r[6]),
			})
		}
		break
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// krakenPair maps "BTC-USD" to Kraken's "XBTUSD".
func krakenPair(symbol string) string {
	b := domain.BaseAsset(symbol)
	q := domain.QuoteAsset(symbol)
	switch b {
	case "BTC":
		b = "XBT"
	case "DOGE":
		b = "XDG"
	}
	return b + q
}

// krakenAsset normalises balance codes such as XXBT, ZUSD or ETH.F.
func krakenAsset(code string) string {
	c := strings.ToUpper(code)
	if i := strings.Index(c, "."); i > 0 {
		c = c[:i]
	}
	if len(c) == 4 && (c[0] == 'X' || c[0] == 'Z') {
		c = c[1:]
	}
	switch c {
	case "XBT":
		return "BTC"
	case "XDG":
		return "DOGE"
	}
	return c
}

func anyFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}
