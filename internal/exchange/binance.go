// binance.go is the Binance USDⓈ-M futures REST adapter.
//
// Signed endpoints follow the Binance scheme: every parameter goes into the
// query string together with a millisecond timestamp, and the whole string
// is signed with HMAC-SHA256 under the API secret. The API key travels in
// the X-MBX-APIKEY header. Sandbox mode points the client at the futures
// testnet.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tradepipe/internal/config"
)

const (
	binanceBaseURL    = "https://fapi.binance.com"
	binanceTestnetURL = "https://testnet.binancefuture.com"

	recvWindowMS = 5000
)

// BinanceUSDM is the USDⓈ-M futures client.
type BinanceUSDM struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	rl        *RateLimiter
	logger    *slog.Logger
}

// NewBinanceUSDM creates the futures client with retry and rate limiting.
func NewBinanceUSDM(cfg config.ExchangeConfig, logger *slog.Logger) *BinanceUSDM {
	httpClient := resty.New().
		SetBaseURL(binanceBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	return &BinanceUSDM{
		http:      httpClient,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		rl:        NewRateLimiter(),
		logger:    logger.With("component", "exchange", "exchange", cfg.Name),
	}
}

// SetSandboxMode switches between production and the futures testnet.
func (c *BinanceUSDM) SetSandboxMode(enabled bool) {
	if enabled {
		c.http.SetBaseURL(binanceTestnetURL)
	} else {
		c.http.SetBaseURL(binanceBaseURL)
	}
}

// Close is a no-op for the REST client.
func (c *BinanceUSDM) Close() error { return nil }

// sign appends timestamp and recvWindow, then the HMAC-SHA256 signature
// over the encoded query string.
func (c *BinanceUSDM) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMS))
	params.Set("signature", signPayload(c.apiSecret, params.Encode()))
	return params
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// binanceSymbol maps a unified "BTC/USDT" symbol to Binance's "BTCUSDT".
func binanceSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// FetchOHLCV returns candles as [timestamp_ms, open, high, low, close, volume].
func (c *BinanceUSDM) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([][]float64, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   binanceSymbol(symbol),
			"interval": timeframe,
			"limit":    strconv.Itoa(limit),
		}).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	// Binance klines mix JSON numbers and numeric strings in one array.
	var raw [][]any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	return parseKlines(raw)
}

// parseKlines extracts [ts, o, h, l, c, v] from the 12-element kline rows.
func parseKlines(raw [][]any) ([][]float64, error) {
	out := make([][]float64, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row too short: %d fields", len(row))
		}
		candle := make([]float64, 6)
		for i := 0; i < 6; i++ {
			v, err := toFloat(row[i])
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", i, err)
			}
			candle[i] = v
		}
		out = append(out, candle)
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// CreateOrder submits an order. The caller's client order id rides along as
// newClientOrderId so venue-side idempotency matches ours.
func (c *BinanceUSDM) CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("quantity", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	if req.Params.ClientOrderID != "" {
		params.Set("newClientOrderId", req.Params.ClientOrderID)
	}

	switch req.Type {
	case "limit":
		if req.Price == nil {
			return nil, fmt.Errorf("limit order requires a price")
		}
		params.Set("type", "LIMIT")
		params.Set("price", strconv.FormatFloat(*req.Price, 'f', -1, 64))
		tif := req.Params.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	case "market":
		params.Set("type", "MARKET")
	case "stop_market":
		if req.Params.StopPrice <= 0 {
			return nil, fmt.Errorf("stop_market order requires a stop price")
		}
		params.Set("type", "STOP_MARKET")
		params.Set("stopPrice", strconv.FormatFloat(req.Params.StopPrice, 'f', -1, 64))
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}
	if req.Params.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(c.sign(params)).
		Post("/fapi/v1/order")
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}

	var ack struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &ack); err != nil {
		return nil, fmt.Errorf("decode order ack: %w", err)
	}

	c.logger.Info("order accepted",
		"symbol", req.Symbol,
		"type", req.Type,
		"side", req.Side,
		"client_order_id", ack.ClientOrderID,
		"status", ack.Status)

	return &OrderAck{
		OrderID:       strconv.FormatInt(ack.OrderID, 10),
		ClientOrderID: ack.ClientOrderID,
		Status:        strings.ToLower(ack.Status),
		Raw:           resp.Body(),
	}, nil
}

// FetchPositions returns nonzero venue positions for the requested symbols.
func (c *BinanceUSDM) FetchPositions(ctx context.Context, symbols []string) ([]VenuePosition, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(c.sign(url.Values{})).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	// Map venue symbols back to the unified form the caller asked about.
	unified := make(map[string]string, len(symbols))
	for _, s := range symbols {
		unified[binanceSymbol(s)] = s
	}

	var out []VenuePosition
	for _, p := range raw {
		sym, ok := unified[p.Symbol]
		if !ok {
			continue
		}
		qty, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil || qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		out = append(out, VenuePosition{Symbol: sym, Quantity: qty, EntryPrice: entry})
	}
	return out, nil
}

// FetchOpenOrders returns resting orders on one symbol.
func (c *BinanceUSDM) FetchOpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(c.sign(params)).
		Get("/fapi/v1/openOrders")
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	var raw []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Type          string `json:"type"`
		Side          string `json:"side"`
		OrigQty       string `json:"origQty"`
		StopPrice     string `json:"stopPrice"`
		ReduceOnly    bool   `json:"reduceOnly"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	out := make([]VenueOrder, 0, len(raw))
	for _, o := range raw {
		qty, _ := strconv.ParseFloat(o.OrigQty, 64)
		stop, _ := strconv.ParseFloat(o.StopPrice, 64)
		out = append(out, VenueOrder{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbol,
			Type:          strings.ToLower(o.Type),
			Side:          strings.ToLower(o.Side),
			Quantity:      qty,
			StopPrice:     stop,
			ReduceOnly:    o.ReduceOnly,
		})
	}
	return out, nil
}
