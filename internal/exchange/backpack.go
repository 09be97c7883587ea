package exchange

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the production Backpack exchange REST endpoint.
const DefaultBaseURL = "https://api.backpack.exchange"

// signatureWindowMs is the validity window the exchange grants a signed request.
const signatureWindowMs = 5000

// BackpackClient talks to the Backpack exchange REST API. Private requests
// are signed per-call with the ED25519 key carried in the Credentials, so a
// single client instance serves every bot/account in the process.
type BackpackClient struct {
	http *resty.Client
	now  func() time.Time // injectable for tests
}

// NewBackpackClient creates a REST client with retry on transport errors and
// 5xx responses. Rate limiting is the caller's job (the account cache gates
// private calls process-wide).
func NewBackpackClient(baseURL string, timeout time.Duration) *BackpackClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &BackpackClient{http: httpClient, now: time.Now}
}

type backpackMarket struct {
	Symbol         string `json:"symbol"`
	MarketType     string `json:"marketType"`
	OrderBookState string `json:"orderBookState"`
	Filters        struct {
		Price struct {
			TickSize string `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			StepSize    string `json:"stepSize"`
			MinQuantity string `json:"minQuantity"`
		} `json:"quantity"`
	} `json:"filters"`
}

type backpackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError converts a non-2xx response into a classified *APIError.
func apiError(resp *resty.Response) error {
	var body backpackError
	msg := strings.TrimSpace(resp.String())
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	return &APIError{
		Kind:    classify(resp.StatusCode(), body.Code, msg),
		Status:  resp.StatusCode(),
		Code:    body.Code,
		Message: msg,
	}
}

// sign produces the X-Signature header for a private request: an ED25519
// signature over "instruction=<i>&<sorted params>&timestamp=<ts>&window=<w>".
func sign(creds Credentials, instruction string, params map[string]string, ts int64) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(creds.APISecret)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", &APIError{Kind: KindAuth, Message: "api secret is not a base64 ed25519 seed"}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("instruction=" + instruction)
	for _, k := range keys {
		sb.WriteString("&" + k + "=" + params[k])
	}
	fmt.Fprintf(&sb, "&timestamp=%d&window=%d", ts, signatureWindowMs)

	key := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(key, []byte(sb.String()))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// signedRequest prepares a resty request with auth headers for instruction.
func (c *BackpackClient) signedRequest(ctx context.Context, creds Credentials, instruction string, params map[string]string) (*resty.Request, error) {
	ts := c.now().UnixMilli()
	sig, err := sign(creds, instruction, params, ts)
	if err != nil {
		return nil, err
	}
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key", creds.APIKey).
		SetHeader("X-Signature", sig).
		SetHeader("X-Timestamp", strconv.FormatInt(ts, 10)).
		SetHeader("X-Window", strconv.Itoa(signatureWindowMs)), nil
}

// GetMarkets fetches all market metadata.
func (c *BackpackClient) GetMarkets(ctx context.Context) ([]Market, error) {
	var raw []backpackMarket
	resp, err := c.http.R().SetContext(ctx).SetResult(&raw).Get("/api/v1/markets")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	markets := make([]Market, 0, len(raw))
	for _, m := range raw {
		markets = append(markets, Market{
			Symbol:          m.Symbol,
			TickSize:        m.Filters.Price.TickSize,
			StepSize:        m.Filters.Quantity.StepSize,
			DecimalPrice:    decimalsOf(m.Filters.Price.TickSize),
			DecimalQuantity: decimalsOf(m.Filters.Quantity.StepSize),
			MinQuantity:     m.Filters.Quantity.MinQuantity,
			MarketType:      m.MarketType,
			OrderBookState:  m.OrderBookState,
		})
	}
	return markets, nil
}

// GetMarkPrices fetches mark prices, optionally filtered to symbols.
func (c *BackpackClient) GetMarkPrices(ctx context.Context, symbols []string) ([]MarkPrice, error) {
	var raw []struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	}
	req := c.http.R().SetContext(ctx).SetResult(&raw)
	if len(symbols) == 1 {
		req.SetQueryParam("symbol", symbols[0])
	}
	resp, err := req.Get("/api/v1/markPrices")
	if err != nil {
		return nil, fmt.Errorf("get mark prices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	prices := make([]MarkPrice, 0, len(raw))
	for _, p := range raw {
		if len(want) > 0 && !want[p.Symbol] {
			continue
		}
		prices = append(prices, MarkPrice{Symbol: p.Symbol, Price: parseFloat(p.MarkPrice)})
	}
	return prices, nil
}

// GetKLines fetches up to limit most recent candles for symbol at interval.
func (c *BackpackClient) GetKLines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	dur, err := IntervalDuration(interval)
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	start := c.now().Add(-dur * time.Duration(limit+1)).Unix()

	var raw []struct {
		Start  string `json:"start"`
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"interval":  interval,
			"startTime": strconv.FormatInt(start, 10),
		}).
		SetResult(&raw).
		Get("/api/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		ts, _ := time.Parse("2006-01-02 15:04:05", k.Start)
		candles = append(candles, Candle{
			Start:  ts,
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// GetAccount fetches the account's leverage and fee settings.
func (c *BackpackClient) GetAccount(ctx context.Context, creds Credentials) (*Account, error) {
	req, err := c.signedRequest(ctx, creds, "accountQuery", nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		LeverageLimit  string `json:"leverageLimit"`
		FuturesMakerFee string `json:"futuresMakerFee"`
	}
	resp, err := req.SetResult(&raw).Get("/api/v1/account")
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	lev := parseFloat(raw.LeverageLimit)
	if lev <= 0 {
		lev = 1
	}
	return &Account{Leverage: lev, MakerFee: parseFloat(raw.FuturesMakerFee)}, nil
}

// GetCollateral fetches available net equity.
func (c *BackpackClient) GetCollateral(ctx context.Context, creds Credentials) (*Collateral, error) {
	req, err := c.signedRequest(ctx, creds, "collateralQuery", nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		NetEquityAvailable string `json:"netEquityAvailable"`
	}
	resp, err := req.SetResult(&raw).Get("/api/v1/capital/collateral")
	if err != nil {
		return nil, fmt.Errorf("get collateral: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	return &Collateral{NetEquityAvailable: parseFloat(raw.NetEquityAvailable)}, nil
}

type backpackOrder struct {
	ID                     string `json:"id"`
	ClientID               int64  `json:"clientId"`
	Symbol                 string `json:"symbol"`
	Side                   string `json:"side"`
	OrderType              string `json:"orderType"`
	Price                  string `json:"price"`
	Quantity               string `json:"quantity"`
	ExecutedQuantity       string `json:"executedQuantity"`
	ReduceOnly             bool   `json:"reduceOnly"`
	PostOnly               bool   `json:"postOnly"`
	StopLossTriggerPrice   string `json:"stopLossTriggerPrice"`
	TakeProfitTriggerPrice string `json:"takeProfitTriggerPrice"`
	TriggerPrice           string `json:"triggerPrice"`
	Status                 string `json:"status"`
	CreatedAt              int64  `json:"createdAt"`
}

func (o backpackOrder) toOpenOrder() OpenOrder {
	return OpenOrder{
		ID:                     o.ID,
		ClientID:               o.ClientID,
		Symbol:                 o.Symbol,
		Side:                   Side(o.Side),
		OrderType:              OrderType(o.OrderType),
		LimitPrice:             parseFloat(o.Price),
		Quantity:               parseFloat(o.Quantity),
		ExecutedQuantity:       parseFloat(o.ExecutedQuantity),
		ReduceOnly:             o.ReduceOnly,
		PostOnly:               o.PostOnly,
		StopLossTriggerPrice:   parseFloat(o.StopLossTriggerPrice),
		TakeProfitTriggerPrice: parseFloat(o.TakeProfitTriggerPrice),
		TriggerPrice:           parseFloat(o.TriggerPrice),
		Status:                 OrderStatus(o.Status),
		CreatedAt:              time.UnixMilli(o.CreatedAt),
	}
}

// GetOpenOrders lists open orders, optionally filtered by symbol.
func (c *BackpackClient) GetOpenOrders(ctx context.Context, symbol string, creds Credentials) ([]OpenOrder, error) {
	params := map[string]string{"marketType": MarketTypePerp}
	if symbol != "" {
		params["symbol"] = symbol
	}
	req, err := c.signedRequest(ctx, creds, "orderQueryAll", params)
	if err != nil {
		return nil, err
	}
	var raw []backpackOrder
	resp, err := req.SetQueryParams(params).SetResult(&raw).Get("/api/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toOpenOrder())
	}
	return orders, nil
}

// GetOpenPositions lists the account's open futures positions.
func (c *BackpackClient) GetOpenPositions(ctx context.Context, creds Credentials) ([]OpenPosition, error) {
	req, err := c.signedRequest(ctx, creds, "positionQuery", nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol         string `json:"symbol"`
		NetQuantity    string `json:"netQuantity"`
		EntryPrice     string `json:"entryPrice"`
		MarkPrice      string `json:"markPrice"`
		ImfFunction    string `json:"imf"`
		EstLiquidation string `json:"estLiquidationPrice"`
	}
	resp, err := req.SetResult(&raw).Get("/api/v1/position")
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	positions := make([]OpenPosition, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, OpenPosition{
			Symbol:        p.Symbol,
			NetQuantity:   parseFloat(p.NetQuantity),
			AvgEntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
		})
	}
	return positions, nil
}

// GetFillHistory lists historical fills for symbol since the given time.
func (c *BackpackClient) GetFillHistory(ctx context.Context, symbol string, since time.Time, limit int, creds Credentials) ([]Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}
	if !since.IsZero() {
		params["from"] = strconv.FormatInt(since.UnixMilli(), 10)
	}
	req, err := c.signedRequest(ctx, creds, "fillHistoryQueryAll", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		Price     string `json:"price"`
		Quantity  string `json:"quantity"`
		ClientID  int64  `json:"clientId"`
		Timestamp string `json:"timestamp"`
	}
	resp, err := req.SetQueryParams(params).SetResult(&raw).Get("/wapi/v1/history/fills")
	if err != nil {
		return nil, fmt.Errorf("get fill history: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiError(resp)
	}
	fills := make([]Fill, 0, len(raw))
	for _, f := range raw {
		ts, _ := time.Parse(time.RFC3339, f.Timestamp)
		fills = append(fills, Fill{
			Symbol:    f.Symbol,
			Side:      Side(f.Side),
			Price:     parseFloat(f.Price),
			Quantity:  parseFloat(f.Quantity),
			ClientID:  f.ClientID,
			Timestamp: ts,
		})
	}
	return fills, nil
}

// PlaceOrder submits an order and returns the exchange's view of it.
func (c *BackpackClient) PlaceOrder(ctx context.Context, reqBody OrderRequest, creds Credentials) (*OpenOrder, error) {
	params := orderParams(reqBody)
	req, err := c.signedRequest(ctx, creds, "orderExecute", params)
	if err != nil {
		return nil, err
	}
	var raw backpackOrder
	resp, err := req.SetBody(reqBody).SetResult(&raw).Post("/api/v1/order")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, apiError(resp)
	}
	order := raw.toOpenOrder()
	return &order, nil
}

// CancelOrder cancels by exchange order id or client id.
func (c *BackpackClient) CancelOrder(ctx context.Context, symbol, orderID string, clientID int64, creds Credentials) error {
	body := map[string]any{"symbol": symbol}
	params := map[string]string{"symbol": symbol}
	if orderID != "" {
		body["orderId"] = orderID
		params["orderId"] = orderID
	} else if clientID > 0 {
		body["clientId"] = clientID
		params["clientId"] = strconv.FormatInt(clientID, 10)
	}
	req, err := c.signedRequest(ctx, creds, "orderCancel", params)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(body).Delete("/api/v1/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// orderParams flattens an order body into the key/value form the signature
// covers. Booleans and the client id only appear when set, matching the JSON
// omitempty layout.
func orderParams(r OrderRequest) map[string]string {
	params := map[string]string{
		"symbol":    r.Symbol,
		"side":      string(r.Side),
		"orderType": string(r.OrderType),
		"quantity":  r.Quantity,
	}
	setIf := func(k, v string) {
		if v != "" {
			params[k] = v
		}
	}
	setIf("price", r.Price)
	setIf("timeInForce", r.TimeInForce)
	setIf("selfTradePrevention", r.SelfTradePrevention)
	setIf("stopLossTriggerBy", r.StopLossTriggerBy)
	setIf("stopLossTriggerPrice", r.StopLossTriggerPrice)
	setIf("stopLossLimitPrice", r.StopLossLimitPrice)
	setIf("takeProfitTriggerBy", r.TakeProfitTriggerBy)
	setIf("takeProfitTriggerPrice", r.TakeProfitTriggerPrice)
	setIf("takeProfitLimitPrice", r.TakeProfitLimitPrice)
	if r.ClientID > 0 {
		params["clientId"] = strconv.FormatInt(r.ClientID, 10)
	}
	if r.PostOnly {
		params["postOnly"] = "true"
	}
	if r.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	return params
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// decimalsOf counts the fractional digits of a decimal string like "0.001".
func decimalsOf(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(s[i+1:], "0"))
}

// IntervalDuration converts an exchange kline interval ("1m", "15m", "1h",
// "1d") to a time.Duration.
func IntervalDuration(interval string) (time.Duration, error) {
	if strings.HasSuffix(interval, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(interval, "d"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad interval %q", interval)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("bad interval %q", interval)
	}
	return d, nil
}
