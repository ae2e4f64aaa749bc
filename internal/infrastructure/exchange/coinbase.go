package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
)

const (
	CoinbaseBaseURL = "https://api.coinbase.com"
	coinbasePrefix  = "/api/v3/brokerage"
)

// CoinbaseAdapter drives Coinbase Advanced Trade. Each request carries a
// short-lived JWT whose header nonce is drawn from the account's stream.
type CoinbaseAdapter struct {
	*base
	keyName string
	signer  jwt.SigningMethod
	signKey any
	host    string
}

func NewCoinbaseAdapter(keyName, privateKeyPEM string, deps Deps, s Settings) (*CoinbaseAdapter, error) {
	if s.BaseURL == "" {
		s.BaseURL = CoinbaseBaseURL
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("coinbase base url: %w", err)
	}
	method, key, err := parseCoinbaseKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &CoinbaseAdapter{
		base:    newBase("coinbase", deps, s),
		keyName: keyName,
		signer:  method,
		signKey: key,
		host:    u.Host,
	}, nil
}

var _ domain.Broker = (*CoinbaseAdapter)(nil)

// parseCoinbaseKey accepts CDP EC keys (ES256) and legacy RSA keys (RS256).
func parseCoinbaseKey(privatePEM string) (jwt.SigningMethod, any, error) {
	if strings.Contains(privatePEM, `\n`) {
		privatePEM = strings.ReplaceAll(privatePEM, `\n`, "\n")
	}
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, nil, errors.New("invalid coinbase private key (no PEM block)")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse EC key: %w", err)
		}
		return jwt.SigningMethodES256, k, nil
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse RSA key: %w", err)
		}
		return jwt.SigningMethodRS256, k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse PKCS8 key: %w", err)
		}
		switch key := k.(type) {
		case *ecdsa.PrivateKey:
			return jwt.SigningMethodES256, key, nil
		case *rsa.PrivateKey:
			return jwt.SigningMethodRS256, key, nil
		}
		return nil, nil, fmt.Errorf("unsupported PKCS8 key %T", k)
	}
	return nil, nil, fmt.Errorf("unsupported key type: %s", block.Type)
}

// mintJWT builds the per-request bearer token bound to method and path.
func (c *CoinbaseAdapter) mintJWT(method, path string, nonce int64) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, c.host, path),
	}
	t := jwt.NewWithClaims(c.signer, claims)
	t.Header["kid"] = c.keyName
	t.Header["nonce"] = strconv.FormatInt(nonce, 10)
	return t.SignedString(c.signKey)
}

func (c *CoinbaseAdapter) request(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}
	u := c.settings.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if c.nonces == nil {
		return fmt.Errorf("coinbase: nonce source not configured")
	}
	nonce, err := c.nonces.Next(c.key)
	if err != nil {
		return err
	}
	token, err := c.mintJWT(method, path, nonce)
	if err != nil {
		return fmt.Errorf("coinbase jwt: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	respBody, status, err := c.do(req)
	if err != nil {
		return err
	}
	if serr := c.statusError(status, respBody); serr != nil {
		var perr *domain.PermissionError
		if errors.As(serr, &perr) {
			perr.Scope = path
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("coinbase decode %s: %w", path, err)
	}
	return nil
}

func (c *CoinbaseAdapter) Connect(ctx context.Context) error {
	err := c.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		_, err := c.fetchAssets(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("coinbase connect: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("Connected")
	return nil
}

type cbAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func (c *CoinbaseAdapter) fetchAssets(ctx context.Context) (map[string]float64, error) {
	assets := make(map[string]float64)
	cursor := ""
	for page := 0; page < 20; page++ {
		q := url.Values{"limit": {"250"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out struct {
			Accounts []struct {
				Currency         string   `json:"currency"`
				AvailableBalance cbAmount `json:"available_balance"`
			} `json:"accounts"`
			HasNext bool   `json:"has_next"`
			Cursor  string `json:"cursor"`
		}
		if err := c.request(ctx, http.MethodGet, coinbasePrefix+"/accounts", q, nil, &out); err != nil {
			return nil, err
		}
		for _, a := range out.Accounts {
			v, _ := strconv.ParseFloat(a.AvailableBalance.Value, 64)
			assets[strings.ToUpper(a.Currency)] += v
		}
		if !out.HasNext || out.Cursor == "" {
			break
		}
		cursor = out.Cursor
	}
	return assets, nil
}

// GetBalance reports USD plus USDC as spendable quote.
func (c *CoinbaseAdapter) GetBalance(ctx context.Context) (*domain.Balance, error) {
	return c.cachedBalance(ctx, func(ctx context.Context) (*domain.Balance, error) {
		assets, err := c.fetchAssets(ctx)
		if err != nil {
			return nil, err
		}
		usd := assets["USD"] + assets["USDC"]
		return &domain.Balance{Currency: "USD", Available: usd, Total: usd, Assets: assets}, nil
	})
}

func (c *CoinbaseAdapter) GetPositions(ctx context.Context) ([]domain.Holding, error) {
	return c.cachedHoldings(ctx, func(ctx context.Context) ([]domain.Holding, error) {
		assets, err := c.fetchAssets(ctx)
		if err != nil {
			return nil, err
		}
		delete(assets, "USDC")
		return holdingsFromAssets(assets, "USD"), nil
	})
}

type cbProduct struct {
	ProductID      string `json:"product_id"`
	Price          string `json:"price"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	BaseMinSize    string `json:"base_min_size"`
	QuoteMinSize   string `json:"quote_min_size"`
}

func (c *CoinbaseAdapter) product(ctx context.Context, symbol string, cat domain.EndpointCategory) (*cbProduct, error) {
	var p cbProduct
	err := c.call(ctx, cat, retryAll, func(ctx context.Context) error {
		return c.request(ctx, http.MethodGet, coinbasePrefix+"/products/"+coinbaseProduct(symbol), nil, nil, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *CoinbaseAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	p, err := c.product(ctx, symbol, domain.CategoryMonitoring)
	if err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(p.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("coinbase price %s: invalid %q", symbol, p.Price)
	}
	return price, nil
}

func (c *CoinbaseAdapter) instrument(ctx context.Context, symbol string) (instrument, error) {
	if inst, ok := c.cachedInstrument(symbol); ok {
		return inst, nil
	}
	p, err := c.product(ctx, symbol, domain.CategoryQuery)
	if err != nil {
		return instrument{}, err
	}
	inst := instrument{
		BaseIncrement:  anyFloat(p.BaseIncrement),
		QuoteIncrement: anyFloat(p.QuoteIncrement),
		MinBase:        anyFloat(p.BaseMinSize),
		MinQuote:       anyFloat(p.QuoteMinSize),
	}
	c.storeInstrument(symbol, inst)
	return inst, nil
}

func (c *CoinbaseAdapter) MinOrderQuote(ctx context.Context, symbol string) (float64, error) {
	inst, err := c.instrument(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return inst.MinQuote, nil
}

type cbOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error                 string `json:"error"`
		Message               string `json:"message"`
		PreviewFailureReason  string `json:"preview_failure_reason"`
		NewOrderFailureReason string `json:"new_order_failure_reason"`
	} `json:"error_response"`
}

// PlaceMarketOrder submits an IOC market order and polls the historical order endpoint.
func (c *CoinbaseAdapter) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	inst, err := c.instrument(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	var price float64
	if req.SizeType == domain.SizeBase {
		price, _ = c.GetCurrentPrice(ctx, req.Symbol)
	}
	size, err := prepareSize(req, inst, price, c.settings.DustUSD)
	if err != nil {
		return nil, err
	}

	ioc := map[string]string{}
	if req.SizeType == domain.SizeQuote {
		ioc["quote_size"] = formatSize(size, inst.QuoteIncrement)
	} else {
		ioc["base_size"] = formatSize(size, inst.BaseIncrement)
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	payload := map[string]any{
		"client_order_id":     clientID,
		"product_id":          coinbaseProduct(req.Symbol),
		"side":                string(req.Side),
		"order_configuration": map[string]any{"market_market_ioc": ioc},
	}

	var out cbOrderResponse
	submittedAt := time.Now().UTC()
	err = c.call(ctx, domain.CategoryForSide(req.Side), retryRejected, func(ctx context.Context) error {
		return c.request(ctx, http.MethodPost, coinbasePrefix+"/orders", nil, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	if !out.Success {
		reason := firstNonEmpty(out.ErrorResponse.Message, out.ErrorResponse.Error,
			out.ErrorResponse.PreviewFailureReason, out.ErrorResponse.NewOrderFailureReason)
		if strings.Contains(strings.ToUpper(reason), "PERMISSION") {
			return nil, &domain.PermissionError{Broker: c.name, Scope: "trade", Message: reason}
		}
		return nil, &domain.ExecutionFailedError{Broker: c.name, Reason: "order rejected: " + reason}
	}
	orderID := out.SuccessResponse.OrderID
	if orderID == "" {
		return nil, &domain.ExecutionFailedError{Broker: c.name, Missing: []string{"order_id"}}
	}
	c.logger.Info("Order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("order_id", orderID),
		zap.String("client_order_id", clientID),
		zap.Float64("size", size),
	)

	res, err := c.pollOrder(ctx, orderID, func(ctx context.Context) (*domain.OrderResult, error) {
		return c.queryOrder(ctx, orderID, req, size)
	})
	if err != nil {
		return nil, err
	}
	res.ClientOrderID = clientID
	res.SubmittedAt = submittedAt
	return c.finishOrder(req, res)
}

func (c *CoinbaseAdapter) queryOrder(ctx context.Context, orderID string, req domain.OrderRequest, size float64) (*domain.OrderResult, error) {
	var out struct {
		Order struct {
			OrderID            string `json:"order_id"`
			Status             string `json:"status"`
			FilledSize         string `json:"filled_size"`
			AverageFilledPrice string `json:"average_filled_price"`
			TotalFees          string `json:"total_fees"`
			FilledValue        string `json:"filled_value"`
		} `json:"order"`
	}
	if err := c.request(ctx, http.MethodGet, coinbasePrefix+"/orders/historical/"+orderID, nil, nil, &out); err != nil {
		return nil, err
	}
	o := out.Order
	filled := anyFloat(o.FilledSize)
	res := &domain.OrderResult{
		OrderID:     firstNonEmpty(o.OrderID, orderID),
		Symbol:      req.Symbol,
		Side:        req.Side,
		FilledQty:   filled,
		FilledPrice: anyFloat(o.AverageFilledPrice),
		Cost:        anyFloat(o.FilledValue),
		Fees:        anyFloat(o.TotalFees),
		Status:      coinbaseStatus(o.Status, filled),
	}
	if req.SizeType == domain.SizeBase {
		res.RequestedQty = size
		if size > filled && res.Status == domain.OrderPartiallyFilled {
			res.Remaining = size - filled
		}
	}
	return res, nil
}

func coinbaseStatus(status string, filled float64) domain.OrderStatus {
	switch strings.ToUpper(status) {
	case "FILLED":
		return domain.OrderFilled
	case "CANCELLED", "CANCELED":
		if filled > 0 {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderRejected
	case "EXPIRED":
		if filled > 0 {
			return domain.OrderPartiallyFilled
		}
		return domain.OrderExpired
	case "FAILED":
		return domain.OrderRejected
	}
	return domain.OrderSubmitted
}

var coinbaseGranularity = map[string]string{
	"1": "ONE_MINUTE", "5": "FIVE_MINUTE", "15": "FIFTEEN_MINUTE", "30": "THIRTY_MINUTE",
	"60": "ONE_HOUR", "120": "TWO_HOUR", "360": "SIX_HOUR", "1440": "ONE_DAY",
}

var granularitySeconds = map[string]int64{
	"ONE_MINUTE": 60, "FIVE_MINUTE": 300, "FIFTEEN_MINUTE": 900, "THIRTY_MINUTE": 1800,
	"ONE_HOUR": 3600, "TWO_HOUR": 7200, "SIX_HOUR": 21600, "ONE_DAY": 86400,
}

// GetCandles accepts minutes ("5") or Coinbase granularity names ("FIVE_MINUTE").
func (c *CoinbaseAdapter) GetCandles(ctx context.Context, symbol, interval string, count int) ([]domain.Candle, error) {
	gran := strings.ToUpper(interval)
	if g, ok := coinbaseGranularity[interval]; ok {
		gran = g
	}
	secs, ok := granularitySeconds[gran]
	if !ok {
		return nil, fmt.Errorf("coinbase candles: unsupported interval %q", interval)
	}
	if count <= 0 || count > 300 {
		count = 300
	}
	end := time.Now().UTC().Unix()
	q := url.Values{
		"granularity": {gran},
		"start":       {strconv.FormatInt(end-secs*int64(count), 10)},
		"end":         {strconv.FormatInt(end, 10)},
	}
	var out struct {
		Candles []struct {
			Start  string `json:"start"`
			Low    string `json:"low"`
			High   string `json:"high"`
			Open   string `json:"open"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	err := c.call(ctx, domain.CategoryMonitoring, retryAll, func(ctx context.Context) error {
		return c.request(ctx, http.MethodGet, coinbasePrefix+"/products/"+coinbaseProduct(symbol)+"/candles", q, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	candles := make([]domain.Candle, 0, len(out.Candles))
	for i := len(out.Candles) - 1; i >= 0; i-- {
		r := out.Candles[i]
		ts, _ := strconv.ParseInt(r.Start, 10, 64)
		candles = append(candles, domain.Candle{
			Time:   ts,
			Open:   anyFloat(r.Open),
			High:   anyFloat(r.High),
			Low:    anyFloat(r.Low),
			Close:  anyFloat(r.Close),
			Volume: anyFloat(r.Volume),
		})
	}
	return candles, nil
}

// coinbaseProduct maps "BTCUSD" or "BTC/USD" to "BTC-USD".
func coinbaseProduct(symbol string) string {
	return domain.BaseAsset(symbol) + "-" + domain.QuoteAsset(symbol)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
