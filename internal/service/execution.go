package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/internal/exchange"
	"tradepipe/internal/store"
	"tradepipe/pkg/orderid"
	"tradepipe/pkg/types"
)

// ExecutionService turns approved signals into venue orders. Two loops run
// concurrently: one over approved_signals and one over reconciliations,
// which carries stop-reinstall repair requests from the auditor.
//
// Idempotency: the client order id is derived from the bus message id, so a
// redelivered message produces the identical id and collides with the
// already-persisted order instead of double-submitting. Stop-first ordering
// is the one hard rule on the live path: a position row is only written
// after its protective stop is confirmed resting on the venue.
type ExecutionService struct {
	cfg     *config.Config
	bus     bus.Bus
	store   *store.Store
	clients map[string]exchange.Client
	logger  *slog.Logger
}

func NewExecutionService(cfg *config.Config, b bus.Bus, st *store.Store, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{
		cfg:     cfg,
		bus:     b,
		store:   st,
		clients: make(map[string]exchange.Client),
		logger:  logger.With("component", "execution_service"),
	}
}

func (s *ExecutionService) Name() string { return "execution" }

func (s *ExecutionService) Setup(_ context.Context) error {
	if s.cfg.App.DryRun {
		s.logger.Warn("dry-run enabled: orders are recorded, never submitted")
		return nil
	}
	for _, ex := range s.cfg.Exchanges {
		c, err := exchange.New(ex, s.logger)
		if err != nil {
			return fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		s.clients[ex.Name] = c
	}
	return nil
}

func (s *ExecutionService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- consumeLoop(ctx, s.bus, s.cfg.Redis.Streams.ApprovedSignals, "0-0", s.logger, s.handleApproved)
	}()
	go func() {
		defer wg.Done()
		errCh <- consumeLoop(ctx, s.bus, s.cfg.Redis.Streams.Reconciliations, "0-0", s.logger, s.handleRepair)
	}()

	err := <-errCh
	cancel()
	wg.Wait()
	return err
}

func (s *ExecutionService) Stop(_ context.Context) error {
	for name, c := range s.clients {
		if err := c.Close(); err != nil {
			s.logger.Error("close exchange failed", "exchange", name, "error", err)
		}
	}
	return nil
}

// messageIdentity derives the (timestamp_ns, nonce) inputs of the client
// order id from a Redis message id ("<ms>-<seq>"). The message id is stable
// across redeliveries, which is what makes the derived order id stable too.
// The in-memory bus has no ids; there a wall-clock fallback is fine because
// it never redelivers.
func messageIdentity(msgID string) (int64, int) {
	if msgID != "" {
		parts := strings.SplitN(msgID, "-", 2)
		if ms, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
			nonce := 0
			if len(parts) == 2 {
				nonce, _ = strconv.Atoi(parts[1])
			}
			return ms * int64(time.Millisecond), nonce
		}
	}
	return time.Now().UnixNano(), 0
}

func (s *ExecutionService) handleApproved(ctx context.Context, ev bus.Event, msgID string) error {
	if ev.Type != types.EventApprovedSignal {
		return nil
	}
	var sig types.SignalPayload
	if err := ev.Decode(&sig); err != nil {
		return fmt.Errorf("decode approved signal: %w", err)
	}
	if !sig.RiskApproved {
		s.logger.Warn("unapproved signal on approved stream, dropped",
			"strategy", sig.Strategy, "symbol", sig.Symbol)
		return nil
	}

	tsNS, nonce := messageIdentity(msgID)
	clientID := orderid.Make(sig.Strategy, sig.Symbol, string(sig.Decision), tsNS, nonce)

	// Redelivery: the order is already on the books.
	existing, err := s.store.GetOrderByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.logger.Debug("duplicate delivery ignored", "client_order_id", clientID)
		return nil
	}

	if s.cfg.App.DryRun {
		return s.recordDryRun(ctx, sig, clientID)
	}
	return s.executeLive(ctx, sig, clientID, tsNS, nonce)
}

// recordDryRun persists what would have been submitted. No venue calls, no
// stop order, no position update.
func (s *ExecutionService) recordDryRun(ctx context.Context, sig types.SignalPayload, clientID string) error {
	price := sig.Price
	rawReq, _ := json.Marshal(map[string]any{
		"symbol":   sig.Symbol,
		"type":     types.OrderTypeLimit,
		"side":     sig.Decision,
		"quantity": sig.Risk.PositionSize,
		"price":    sig.Price,
	})
	order := &types.Order{
		ClientOrderID: clientID,
		Strategy:      sig.Strategy,
		Symbol:        sig.Symbol,
		Exchange:      sig.Exchange,
		Side:          sig.Decision,
		Type:          types.OrderTypeLimit,
		Status:        types.StatusNew,
		Quantity:      sig.Risk.PositionSize,
		Price:         &price,
		RawRequest:    rawReq,
		RawResponse:   []byte(`{"status": "dry_run"}`),
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		if err == store.ErrDuplicateOrder {
			return nil
		}
		return err
	}
	s.logger.Info("dry-run order recorded",
		"client_order_id", clientID,
		"symbol", sig.Symbol,
		"side", sig.Decision,
		"quantity", sig.Risk.PositionSize)
	return nil
}

// executeLive submits the entry, then the protective stop, then updates the
// position. A stop failure aborts before the position write and is logged
// at critical: the entry may be exposed on the venue until the reconciler
// repairs it.
func (s *ExecutionService) executeLive(ctx context.Context, sig types.SignalPayload, clientID string, tsNS int64, nonce int) error {
	client, ok := s.clients[sig.Exchange]
	if !ok {
		return fmt.Errorf("no client for exchange %q", sig.Exchange)
	}

	price := sig.Price
	entryReq := exchange.OrderRequest{
		Symbol: sig.Symbol,
		Type:   string(types.OrderTypeLimit),
		Side:   string(sig.Decision),
		Amount: sig.Risk.PositionSize,
		Price:  &price,
		Params: exchange.OrderParams{ClientOrderID: clientID},
	}
	ack, err := client.CreateOrder(ctx, entryReq)
	if err != nil {
		return fmt.Errorf("submit entry: %w", err)
	}

	rawReq, _ := json.Marshal(entryReq)
	entry := &types.Order{
		ClientOrderID:   clientID,
		ExternalOrderID: &ack.OrderID,
		Strategy:        sig.Strategy,
		Symbol:          sig.Symbol,
		Exchange:        sig.Exchange,
		Side:            sig.Decision,
		Type:            types.OrderTypeLimit,
		Status:          types.StatusPending,
		Quantity:        sig.Risk.PositionSize,
		Price:           &price,
		RawRequest:      rawReq,
		RawResponse:     ack.Raw,
	}
	if err := s.store.InsertOrder(ctx, entry); err != nil && err != store.ErrDuplicateOrder {
		return err
	}

	// Stop price sits stop_distance beyond the entry, on the losing side.
	stopPrice := sig.Price - sig.Risk.StopDistance
	if sig.Decision == types.Sell {
		stopPrice = sig.Price + sig.Risk.StopDistance
	}
	stopSide := sig.Decision.Opposite()
	stopClientID := orderid.Make(sig.Strategy, sig.Symbol, string(stopSide), tsNS, nonce)

	if err := s.installStop(ctx, client, sig.Strategy, sig.Exchange, sig.Symbol,
		stopSide, sig.Risk.PositionSize, stopPrice, stopClientID); err != nil {
		s.logger.Log(ctx, LevelCritical, "stop install failed, position unprotected",
			"client_order_id", clientID,
			"symbol", sig.Symbol,
			"exchange", sig.Exchange,
			"error", err)
		return nil
	}

	quantity := sig.Risk.PositionSize
	if sig.Decision == types.Sell {
		quantity = -quantity
	}
	if err := s.store.ApplyFill(ctx, sig.Symbol, sig.Exchange, sig.Strategy, quantity, sig.Price, stopPrice); err != nil {
		return err
	}

	s.logger.Info("entry executed with stop",
		"client_order_id", clientID,
		"symbol", sig.Symbol,
		"side", sig.Decision,
		"quantity", sig.Risk.PositionSize,
		"entry_price", sig.Price,
		"stop_price", stopPrice)
	return nil
}

// installStop submits a reduce-only stop_market and records the order row.
func (s *ExecutionService) installStop(ctx context.Context, client exchange.Client, strategy, exchangeName, symbol string, side types.Side, quantity, stopPrice float64, clientID string) error {
	req := exchange.OrderRequest{
		Symbol: symbol,
		Type:   string(types.OrderTypeStopMarket),
		Side:   string(side),
		Amount: quantity,
		Params: exchange.OrderParams{
			ClientOrderID: clientID,
			ReduceOnly:    true,
			StopPrice:     stopPrice,
		},
	}
	ack, err := client.CreateOrder(ctx, req)
	if err != nil {
		return err
	}

	rawReq, _ := json.Marshal(req)
	order := &types.Order{
		ClientOrderID:   clientID,
		ExternalOrderID: &ack.OrderID,
		Strategy:        strategy,
		Symbol:          symbol,
		Exchange:        exchangeName,
		Side:            side,
		Type:            types.OrderTypeStopMarket,
		Status:          types.StatusPending,
		Quantity:        quantity,
		StopPrice:       &stopPrice,
		ReduceOnly:      true,
		RawRequest:      rawReq,
		RawResponse:     ack.Raw,
	}
	if err := s.store.InsertOrder(ctx, order); err != nil && err != store.ErrDuplicateOrder {
		return err
	}
	return nil
}

// handleRepair re-creates a protective stop the reconciler found missing.
func (s *ExecutionService) handleRepair(ctx context.Context, ev bus.Event, msgID string) error {
	if ev.Type != types.EventReinstallStop {
		return nil
	}
	var repair types.ReinstallStopPayload
	if err := ev.Decode(&repair); err != nil {
		return fmt.Errorf("decode reinstall_stop: %w", err)
	}

	side := types.Sell
	quantity := repair.Quantity
	if repair.Quantity < 0 {
		side = types.Buy
		quantity = -quantity
	}

	tsNS, nonce := messageIdentity(msgID)
	clientID := orderid.Make(repair.Strategy, repair.Symbol, string(side), tsNS, nonce)

	existing, err := s.store.GetOrderByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	if !s.cfg.App.DryRun {
		client, ok := s.clients[repair.Exchange]
		if !ok {
			return fmt.Errorf("no client for exchange %q", repair.Exchange)
		}
		if err := s.installStop(ctx, client, repair.Strategy, repair.Exchange, repair.Symbol,
			side, quantity, repair.StopPrice, clientID); err != nil {
			s.logger.Log(ctx, LevelCritical, "stop reinstall failed",
				"symbol", repair.Symbol,
				"exchange", repair.Exchange,
				"error", err)
			return nil
		}
	}

	if err := s.store.MarkStopInstalled(ctx, repair.Symbol, repair.Exchange, repair.Strategy, repair.StopPrice); err != nil {
		return err
	}
	s.logger.Info("protective stop reinstalled",
		"symbol", repair.Symbol,
		"exchange", repair.Exchange,
		"strategy", repair.Strategy,
		"stop_price", repair.StopPrice)
	return nil
}
