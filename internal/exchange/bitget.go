package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	bitgetName        = "bitget"
	bitgetBaseURL     = "https://api.bitget.com"
	bitgetSuccessCode = "00000"
	bitgetProductType = "USDT-FUTURES"
	bitgetMarginCoin  = "USDT"
	bitgetMarginMode  = "crossed"

	bitgetAccountsPath  = "/api/v2/mix/account/accounts"
	bitgetPositionsPath = "/api/v2/mix/position/all-position"
	bitgetPlaceOrder    = "/api/v2/mix/order/place-order"
	bitgetPlaceTPSL     = "/api/v2/mix/order/place-tpsl-order"
	bitgetContractsPath = "/api/v2/mix/market/contracts"
)

// Bitget is a USDT-M futures client for the Bitget v2 REST API
type Bitget struct {
	client    *resty.Client
	baseURL   string
	creds     Credentials
	contracts *contractCache
	now       func() time.Time
	logger    zerolog.Logger
}

type bitgetEnvelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

// NewBitget creates a client. An empty baseURL uses the production host and
// a zero timeout falls back to 10s. No retries are attempted.
func NewBitget(creds Credentials, baseURL string, timeout time.Duration) *Bitget {
	if baseURL == "" {
		baseURL = bitgetBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("locale", "en-US")

	return &Bitget{
		client:    client,
		baseURL:   baseURL,
		creds:     creds,
		contracts: bitgetContracts,
		now:       time.Now,
		logger:    log.With().Str("exchange", bitgetName).Logger(),
	}
}

func (b *Bitget) Name() string {
	return bitgetName
}

// sign returns base64(HMAC-SHA256(secret, timestamp + METHOD + requestPath + body))
func (b *Bitget) sign(timestamp, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(b.creds.APISecret))
	h.Write([]byte(timestamp + strings.ToUpper(method) + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// do sends a signed request and decodes the data field of the envelope into out
func (b *Bitget) do(ctx context.Context, op, method, path string, query url.Values, payload interface{}, out interface{}) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &Error{Exchange: bitgetName, Op: op, Message: "failed to encode request", Err: err}
		}
		body = string(raw)
	}

	timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
	req := b.client.R().
		SetContext(ctx).
		SetHeader("ACCESS-KEY", b.creds.APIKey).
		SetHeader("ACCESS-SIGN", b.sign(timestamp, method, requestPath, body)).
		SetHeader("ACCESS-TIMESTAMP", timestamp).
		SetHeader("ACCESS-PASSPHRASE", b.creds.Passphrase)
	if body != "" {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, requestPath)
	if err != nil {
		var netErr net.Error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if errors.As(err, &netErr) && netErr.Timeout() {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		b.logger.Warn().Err(err).Str("op", op).Msg("request failed")
		return &Error{Exchange: bitgetName, Op: op, Message: "request failed", Network: true, Err: err}
	}

	b.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("response received")

	var env bitgetEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &Error{
			Exchange: bitgetName,
			Op:       op,
			Code:     strconv.Itoa(resp.StatusCode()),
			Message:  "unreadable response",
			Network:  resp.StatusCode() >= http.StatusInternalServerError,
			Err:      err,
		}
	}
	if env.Code != bitgetSuccessCode {
		return &Error{Exchange: bitgetName, Op: op, Code: env.Code, Message: env.Msg}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Exchange: bitgetName, Op: op, Code: env.Code, Message: "unexpected data payload", Err: err}
	}
	return nil
}

type bitgetAccount struct {
	MarginCoin    string `json:"marginCoin"`
	Available     string `json:"available"`
	AccountEquity string `json:"accountEquity"`
	USDTEquity    string `json:"usdtEquity"`
}

// FetchBalance returns the USDT futures balance, or nil when the exchange
// reports no USDT account
func (b *Bitget) FetchBalance(ctx context.Context) (*Balance, error) {
	var raw json.RawMessage
	query := url.Values{"productType": {bitgetProductType}}
	if err := b.do(ctx, "fetch-balance", http.MethodGet, bitgetAccountsPath, query, nil, &raw); err != nil {
		return nil, err
	}

	var accounts []bitgetAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, &Error{Exchange: bitgetName, Op: "fetch-balance", Message: "unexpected data payload", Err: err}
	}

	for _, a := range accounts {
		if !strings.EqualFold(a.MarginCoin, bitgetMarginCoin) {
			continue
		}
		available, err := parseDecimal(a.Available)
		if err != nil {
			return nil, &Error{Exchange: bitgetName, Op: "fetch-balance", Message: "invalid available balance", Err: err}
		}
		equity, _ := parseDecimal(a.AccountEquity)
		return &Balance{
			Exchange:  bitgetName,
			Currency:  bitgetMarginCoin,
			Available: available.InexactFloat64(),
			Equity:    equity.InexactFloat64(),
			Raw:       raw,
		}, nil
	}

	return nil, nil
}

type bitgetPosition struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
}

// FetchOpenPositions returns every non-empty USDT-M position on the account
func (b *Bitget) FetchOpenPositions(ctx context.Context) ([]Position, error) {
	var rows []bitgetPosition
	query := url.Values{"productType": {bitgetProductType}, "marginCoin": {bitgetMarginCoin}}
	if err := b.do(ctx, "fetch-positions", http.MethodGet, bitgetPositionsPath, query, nil, &rows); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(rows))
	for _, r := range rows {
		size, err := parseDecimal(r.Total)
		if err != nil || !size.IsPositive() {
			continue
		}
		price, _ := parseDecimal(r.OpenPriceAvg)
		positions = append(positions, Position{
			Symbol:     r.Symbol,
			HoldSide:   r.HoldSide,
			Size:       size.InexactFloat64(),
			EntryPrice: price.InexactFloat64(),
		})
	}
	return positions, nil
}

type bitgetOrderResult struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

// PlaceOrder sends entry orders to place-order and exit legs to
// place-tpsl-order. Exit legs close the position of the parent entry, whose
// side is the opposite of the leg side.
func (b *Bitget) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderHandle, error) {
	rules, err := b.contract(ctx, spec.Symbol)
	if err != nil {
		return nil, err
	}

	qty := rules.size(spec.Size)
	if !qty.IsPositive() || qty.LessThan(rules.minTradeNum) {
		return nil, &Error{
			Exchange: bitgetName,
			Op:       "place-order",
			Message:  fmt.Sprintf("size %s is below the minimum trade amount %s of %s", qty, rules.minTradeNum, spec.Symbol),
		}
	}
	size := qty.String()
	price := rules.price(spec.Price).String()

	var (
		op      string
		path    string
		payload map[string]string
	)

	switch spec.Kind {
	case LegEntry:
		op, path = "place-order", bitgetPlaceOrder
		payload = map[string]string{
			"symbol":      spec.Symbol,
			"productType": bitgetProductType,
			"marginMode":  bitgetMarginMode,
			"marginCoin":  bitgetMarginCoin,
			"size":        size,
			"price":       price,
			"side":        strings.ToLower(string(spec.Side)),
			"orderType":   "limit",
			"force":       "gtc",
		}
	case LegTakeProfit, LegStopLoss:
		planType := "profit_plan"
		if spec.Kind == LegStopLoss {
			planType = "loss_plan"
		}
		op, path = "place-tpsl-order", bitgetPlaceTPSL
		payload = map[string]string{
			"symbol":       spec.Symbol,
			"productType":  bitgetProductType,
			"marginCoin":   bitgetMarginCoin,
			"planType":     planType,
			"triggerPrice": price,
			"triggerType":  "fill_price",
			"executePrice": "0",
			"holdSide":     strings.ToLower(string(spec.Side.Opposite())),
			"size":         size,
		}
	default:
		return nil, &Error{Exchange: bitgetName, Op: "place-order", Message: "unknown order kind " + string(spec.Kind)}
	}

	if spec.ClientOrderID != "" {
		payload["clientOid"] = spec.ClientOrderID
	}

	var result bitgetOrderResult
	if err := b.do(ctx, op, http.MethodPost, path, nil, payload, &result); err != nil {
		return nil, err
	}
	if result.OrderID == "" {
		return nil, &Error{Exchange: bitgetName, Op: op, Message: "response carried no order id"}
	}

	b.logger.Info().
		Str("op", op).
		Str("symbol", spec.Symbol).
		Str("kind", string(spec.Kind)).
		Str("order_id", result.OrderID).
		Str("parent_order_id", spec.ParentOrderID).
		Msg("order placed")

	return &OrderHandle{OrderID: result.OrderID, ClientOrderID: result.ClientOid}, nil
}

type bitgetContract struct {
	Symbol       string `json:"symbol"`
	PricePlace   string `json:"pricePlace"`
	PriceEndStep string `json:"priceEndStep"`
	VolumePlace  string `json:"volumePlace"`
	MinTradeNum  string `json:"minTradeNum"`
}

// contractRules are the precision limits Bitget enforces on one contract
type contractRules struct {
	pricePlace  int32
	priceStep   decimal.Decimal
	volumePlace int32
	minTradeNum decimal.Decimal
}

func (c bitgetContract) rules() (contractRules, error) {
	pricePlace, err := strconv.ParseInt(c.PricePlace, 10, 32)
	if err != nil {
		return contractRules{}, fmt.Errorf("pricePlace %q: %w", c.PricePlace, err)
	}
	volumePlace, err := strconv.ParseInt(c.VolumePlace, 10, 32)
	if err != nil {
		return contractRules{}, fmt.Errorf("volumePlace %q: %w", c.VolumePlace, err)
	}

	endStep := int64(1)
	if c.PriceEndStep != "" {
		if endStep, err = strconv.ParseInt(c.PriceEndStep, 10, 64); err != nil || endStep < 1 {
			return contractRules{}, fmt.Errorf("priceEndStep %q is not a positive integer", c.PriceEndStep)
		}
	}

	minTrade := decimal.Zero
	if c.MinTradeNum != "" {
		if minTrade, err = decimal.NewFromString(c.MinTradeNum); err != nil {
			return contractRules{}, fmt.Errorf("minTradeNum %q: %w", c.MinTradeNum, err)
		}
	}

	return contractRules{
		pricePlace:  int32(pricePlace),
		priceStep:   decimal.New(endStep, -int32(pricePlace)),
		volumePlace: int32(volumePlace),
		minTradeNum: minTrade,
	}, nil
}

// size truncates so an order never exceeds the quantity that was sized
func (r contractRules) size(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Truncate(r.volumePlace)
}

// price rounds to the nearest tick of the contract
func (r contractRules) price(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(r.priceStep).Round(0).Mul(r.priceStep).Round(r.pricePlace)
}

// contractCache holds contract rules per host and symbol for the process
type contractCache struct {
	mu    sync.RWMutex
	rules map[string]contractRules
}

var bitgetContracts = &contractCache{rules: make(map[string]contractRules)}

func (c *contractCache) get(key string) (contractRules, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[key]
	return r, ok
}

func (c *contractCache) put(key string, r contractRules) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[key] = r
}

// contract returns the precision rules of symbol, fetching them once
func (b *Bitget) contract(ctx context.Context, symbol string) (contractRules, error) {
	key := b.baseURL + "|" + strings.ToUpper(symbol)
	if r, ok := b.contracts.get(key); ok {
		return r, nil
	}

	var rows []bitgetContract
	query := url.Values{"productType": {bitgetProductType}, "symbol": {symbol}}
	if err := b.do(ctx, "fetch-contract", http.MethodGet, bitgetContractsPath, query, nil, &rows); err != nil {
		return contractRules{}, err
	}

	for _, row := range rows {
		if !strings.EqualFold(row.Symbol, symbol) {
			continue
		}
		r, err := row.rules()
		if err != nil {
			return contractRules{}, &Error{Exchange: bitgetName, Op: "fetch-contract", Message: "invalid contract precision", Err: err}
		}
		b.contracts.put(key, r)
		return r, nil
	}

	return contractRules{}, &Error{Exchange: bitgetName, Op: "fetch-contract", Message: "unknown contract " + symbol}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.New("empty number")
	}
	return decimal.NewFromString(s)
}
