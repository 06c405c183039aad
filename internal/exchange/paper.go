// paper.go is an in-memory venue simulator. Entries fill instantly at their
// limit price, stop orders rest in the book, and positions accumulate, so
// the full pipeline can run without touching a real exchange.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"
)

// Paper simulates a venue in memory.
type Paper struct {
	mu        sync.Mutex
	seq       int64
	positions map[string]*VenuePosition // by symbol
	orders    map[string]VenueOrder     // resting, by client order id
	acks      map[string]*OrderAck      // every accepted submission, by client order id
	failures  map[string]error          // order type → injected error, consumed on use
	basePrice float64
	logger    *slog.Logger
}

// NewPaper creates an empty simulator.
func NewPaper(logger *slog.Logger) *Paper {
	return &Paper{
		positions: make(map[string]*VenuePosition),
		orders:    make(map[string]VenueOrder),
		acks:      make(map[string]*OrderAck),
		failures:  make(map[string]error),
		basePrice: 50000,
		logger:    logger.With("component", "exchange", "exchange", "paper"),
	}
}

func (p *Paper) SetSandboxMode(bool) {}

func (p *Paper) Close() error { return nil }

// FailNext injects an error to be returned by the next CreateOrder of the
// given type. Used to exercise failure paths in tests.
func (p *Paper) FailNext(orderType string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[orderType] = err
}

// FetchOHLCV returns a deterministic sine-walk candle series ending now.
func (p *Paper) FetchOHLCV(_ context.Context, symbol, timeframe string, limit int) ([][]float64, error) {
	step, err := timeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	now := time.Now().Truncate(step)
	out := make([][]float64, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		ts := now.Add(-time.Duration(i) * step)
		phase := float64(ts.Unix()) / 3600.0
		mid := p.basePrice * (1 + 0.01*math.Sin(phase))
		out = append(out, []float64{
			float64(ts.UnixMilli()),
			mid * 0.999, // open
			mid * 1.001, // high
			mid * 0.998, // low
			mid,         // close
			10,          // volume
		})
	}
	return out, nil
}

func timeframeDuration(tf string) (time.Duration, error) {
	switch tf {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q", tf)
}

// CreateOrder fills entries immediately and lets stops rest. Resubmitting a
// client order id returns the original acknowledgement, matching venue-side
// idempotency.
func (p *Paper) CreateOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failures[req.Type]; ok {
		delete(p.failures, req.Type)
		return nil, err
	}

	clientID := req.Params.ClientOrderID
	if prev, ok := p.acks[clientID]; ok && clientID != "" {
		return prev, nil
	}

	p.seq++
	orderID := strconv.FormatInt(p.seq, 10)

	status := "filled"
	if req.Type == "stop_market" {
		status = "new"
		p.orders[clientID] = VenueOrder{
			OrderID:       orderID,
			ClientOrderID: clientID,
			Symbol:        req.Symbol,
			Type:          req.Type,
			Side:          req.Side,
			Quantity:      req.Amount,
			StopPrice:     req.Params.StopPrice,
			ReduceOnly:    req.Params.ReduceOnly,
		}
	} else {
		price := p.basePrice
		if req.Price != nil {
			price = *req.Price
		}
		qty := req.Amount
		if req.Side == "sell" {
			qty = -qty
		}
		pos, ok := p.positions[req.Symbol]
		if !ok {
			p.positions[req.Symbol] = &VenuePosition{Symbol: req.Symbol, Quantity: qty, EntryPrice: price}
		} else {
			pos.Quantity += qty
			pos.EntryPrice = price
		}
	}

	raw, _ := json.Marshal(map[string]any{
		"orderId":       orderID,
		"clientOrderId": clientID,
		"status":        status,
	})
	ack := &OrderAck{
		OrderID:       orderID,
		ClientOrderID: clientID,
		Status:        status,
		Raw:           raw,
	}
	if clientID != "" {
		p.acks[clientID] = ack
	}

	p.logger.Debug("paper order",
		"symbol", req.Symbol, "type", req.Type, "side", req.Side, "status", status)
	return ack, nil
}

// CancelStop removes a resting stop, simulating venue-side loss of the
// protective order.
func (p *Paper) CancelStop(clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, clientOrderID)
}

// FetchPositions returns nonzero simulated positions for the symbols.
func (p *Paper) FetchPositions(_ context.Context, symbols []string) ([]VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []VenuePosition
	for _, pos := range p.positions {
		if want[pos.Symbol] && pos.Quantity != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// FetchOpenOrders returns resting orders on the symbol.
func (p *Paper) FetchOpenOrders(_ context.Context, symbol string) ([]VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []VenueOrder
	for _, o := range p.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}
