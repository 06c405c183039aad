// Package exchange implements the venue clients the pipeline trades through.
//
// A Client covers the four calls the services need:
//   - FetchOHLCV:      candle history for the data poller
//   - CreateOrder:     entry and stop submission with a client order id
//   - FetchPositions:  venue-side exposure for the reconciliation auditor
//   - FetchOpenOrders: resting orders, used to verify protective stops
//
// Adapters are selected by the exchange module name from config. The
// binanceusdm adapter is the real USDⓈ-M futures REST client; paper is a
// venue simulator for development and tests.
package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"tradepipe/internal/config"
)

// OrderParams carries the venue-specific extras of an order submission.
type OrderParams struct {
	ClientOrderID string
	ReduceOnly    bool
	StopPrice     float64
	TimeInForce   string
}

// OrderRequest is a venue-agnostic order submission.
type OrderRequest struct {
	Symbol string
	Type   string // limit | market | stop_market
	Side   string // buy | sell
	Amount float64
	Price  *float64 // nil for market and stop_market orders
	Params OrderParams
}

// OrderAck is the venue's acknowledgement of a submission.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
	Raw           []byte // verbatim venue response for audit storage
}

// VenuePosition is the venue's view of exposure on one symbol.
type VenuePosition struct {
	Symbol     string
	Quantity   float64 // signed: negative means short
	EntryPrice float64
}

// VenueOrder is a resting order as reported by the venue.
type VenueOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Type          string
	Side          string
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
}

// Client is the interface every venue adapter satisfies.
type Client interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([][]float64, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	FetchPositions(ctx context.Context, symbols []string) ([]VenuePosition, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]VenueOrder, error)
	SetSandboxMode(enabled bool)
	Close() error
}

// New builds the adapter named by cfg.Module and applies the sandbox flag.
func New(cfg config.ExchangeConfig, logger *slog.Logger) (Client, error) {
	module := cfg.Module
	if module == "" {
		module = cfg.Name
	}

	var c Client
	switch module {
	case "binanceusdm":
		c = NewBinanceUSDM(cfg, logger)
	case "paper":
		c = NewPaper(logger)
	default:
		return nil, fmt.Errorf("unknown exchange module %q", module)
	}
	c.SetSandboxMode(cfg.Sandbox)
	return c, nil
}
