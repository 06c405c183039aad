// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading pipeline: order and
// position entities persisted in the relational store, account snapshots, and
// the JSON payload shapes carried on the message bus. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side. A protective stop for a buy entry is a
// sell order and vice versa.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderStatus is the lifecycle state of a persisted order.
// Transitions are monotone: new → pending → (partially_filled)* →
// filled | canceled | rejected. A terminal status never changes again.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
)

// rank orders statuses along the lifecycle so regressions can be rejected.
func (s OrderStatus) rank() int {
	switch s {
	case StatusNew:
		return 0
	case StatusPending:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCanceled, StatusRejected:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the monotone
// lifecycle. partially_filled may repeat; terminal statuses accept nothing.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == StatusPartiallyFilled && next == StatusPartiallyFilled {
		return true
	}
	return next.rank() > s.rank()
}

// ————————————————————————————————————————————————————————————————————————
// Persisted entities
// ————————————————————————————————————————————————————————————————————————

// Order is an intent to trade submitted (or, under dry-run, recorded in place
// of submission) to an exchange. ClientOrderID is the system-wide idempotency
// key: a deterministic 24-hex blake2b digest of strategy|symbol|side|ts|nonce.
type Order struct {
	ID              string      `db:"id" json:"id"`
	ClientOrderID   string      `db:"client_order_id" json:"client_order_id"`
	ExternalOrderID *string     `db:"external_order_id" json:"external_order_id,omitempty"`
	Strategy        string      `db:"strategy" json:"strategy"`
	Symbol          string      `db:"symbol" json:"symbol"`
	Exchange        string      `db:"exchange" json:"exchange"`
	Side            Side        `db:"side" json:"side"`
	Type            OrderType   `db:"type" json:"type"`
	Status          OrderStatus `db:"status" json:"status"`
	Quantity        float64     `db:"quantity" json:"quantity"`
	FilledQuantity  float64     `db:"filled_quantity" json:"filled_quantity"`
	Price           *float64    `db:"price" json:"price,omitempty"`
	StopPrice       *float64    `db:"stop_price" json:"stop_price,omitempty"`
	ReduceOnly      bool        `db:"reduce_only" json:"reduce_only"`
	TimeInForce     *string     `db:"time_in_force" json:"time_in_force,omitempty"`
	RawRequest      []byte      `db:"raw_request" json:"raw_request,omitempty"`
	RawResponse     []byte      `db:"raw_response" json:"raw_response,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// Position is the net exposure for a (symbol, exchange, strategy) triple.
// At most one open row (ClosedAt == nil) exists per triple. While a position
// is open with nonzero quantity, ReduceOnlyStopInstalled must be true and a
// matching reduce-only stop must rest on the exchange; the reconciler audits
// this and requests repair when the stop has gone missing.
type Position struct {
	ID                      string     `db:"id" json:"id"`
	Symbol                  string     `db:"symbol" json:"symbol"`
	Exchange                string     `db:"exchange" json:"exchange"`
	Strategy                string     `db:"strategy" json:"strategy"`
	Quantity                float64    `db:"quantity" json:"quantity"`
	EntryPrice              float64    `db:"entry_price" json:"entry_price"`
	StopPrice               float64    `db:"stop_price" json:"stop_price"`
	TakeProfitPrice         *float64   `db:"take_profit_price" json:"take_profit_price,omitempty"`
	ReduceOnlyStopInstalled bool       `db:"reduce_only_stop_installed" json:"reduce_only_stop_installed"`
	OpenedAt                time.Time  `db:"opened_at" json:"opened_at"`
	UpdatedAt               time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt                *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Risk returns the currency at risk for the position: |qty| × |entry − stop|.
func (p Position) Risk() float64 {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	dist := p.EntryPrice - p.StopPrice
	if dist < 0 {
		dist = -dist
	}
	return qty * dist
}

// AccountState is an append-only snapshot of account equity and buying power.
type AccountState struct {
	ID          string    `db:"id" json:"id"`
	AccountID   string    `db:"account_id" json:"account_id"`
	Equity      float64   `db:"equity" json:"equity"`
	Cash        float64   `db:"cash" json:"cash"`
	BuyingPower float64   `db:"buying_power" json:"buying_power"`
	Leverage    float64   `db:"leverage" json:"leverage"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Bus payloads
// ————————————————————————————————————————————————————————————————————————
// Every event on the bus is {"type": ..., "payload": ...}. These structs are
// the payload shapes; field names are part of the wire contract.

// MarketDataPayload carries a batch of OHLCV rows for one (exchange, symbol).
// Each row is [ts_ms, open, high, low, close, volume]. Timestamp is tz-aware
// RFC 3339 UTC.
type MarketDataPayload struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Timeframe string      `json:"timeframe"`
	Data      [][]float64 `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Close returns the most recent close price in the batch.
func (m MarketDataPayload) Close() (float64, bool) {
	if len(m.Data) == 0 {
		return 0, false
	}
	row := m.Data[len(m.Data)-1]
	if len(row) < 5 {
		return 0, false
	}
	return row[4], true
}

// RiskParams is the sizing proposal a strategy attaches to its signal.
type RiskParams struct {
	StopDistance float64 `json:"stop_distance"`
	PositionSize float64 `json:"position_size"`
}

// SignalPayload is a candidate trade emitted by StrategyService. RiskService
// republishes the same payload on the approved stream with RiskApproved set.
type SignalPayload struct {
	Strategy     string     `json:"strategy"`
	Exchange     string     `json:"exchange"`
	Symbol       string     `json:"symbol"`
	Decision     Side       `json:"decision"`
	Confidence   float64    `json:"confidence"`
	Price        float64    `json:"price"`
	Risk         RiskParams `json:"risk"`
	RiskApproved bool       `json:"risk_approved,omitempty"`
}

// ReinstallStopPayload is a repair request published by the reconciler when
// an open position has lost its protective stop. ExecutionService is the
// only consumer; the reconciler never talks to the venue itself.
type ReinstallStopPayload struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Strategy  string  `json:"strategy"`
	Quantity  float64 `json:"quantity"`
	StopPrice float64 `json:"stop_price"`
}

// Event type tags carried on the bus.
const (
	EventMarketData     = "market_data"
	EventSignal         = "signal"
	EventApprovedSignal = "approved_signal"
	EventReinstallStop  = "reinstall_stop"
)
