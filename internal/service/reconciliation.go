package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/internal/exchange"
	"tradepipe/internal/store"
	"tradepipe/pkg/types"
)

// quantityEpsilon absorbs venue rounding when comparing position sizes.
const quantityEpsilon = 1e-9

// ReconciliationService audits local state against the venue on a fixed
// interval. It reads venue positions and open orders, flags drift at
// critical level, and, when auto-repair is on, asks ExecutionService to
// reinstall missing protective stops via the reconciliations stream. It
// never writes to the venue itself.
type ReconciliationService struct {
	cfg     *config.Config
	bus     bus.Bus
	store   *store.Store
	clients map[string]exchange.Client
	logger  *slog.Logger
}

func NewReconciliationService(cfg *config.Config, b bus.Bus, st *store.Store, logger *slog.Logger) *ReconciliationService {
	return &ReconciliationService{
		cfg:     cfg,
		bus:     b,
		store:   st,
		clients: make(map[string]exchange.Client),
		logger:  logger.With("component", "reconciliation_service"),
	}
}

func (s *ReconciliationService) Name() string { return "reconciliation" }

func (s *ReconciliationService) Setup(_ context.Context) error {
	if !s.cfg.Reconciliation.Enabled {
		return fmt.Errorf("reconciliation is disabled in config")
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

func (s *ReconciliationService) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.Reconciliation.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Cycle(ctx); err != nil {
				s.logger.Error("reconciliation cycle failed", "error", err)
			}
		}
	}
}

func (s *ReconciliationService) Stop(_ context.Context) error {
	for name, c := range s.clients {
		if err := c.Close(); err != nil {
			s.logger.Error("close exchange failed", "exchange", name, "error", err)
		}
	}
	return nil
}

// Cycle runs one full audit pass over all open positions.
func (s *ReconciliationService) Cycle(ctx context.Context) error {
	positions, err := s.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	// One venue snapshot per exchange per cycle.
	byExchange := make(map[string][]types.Position)
	for _, p := range positions {
		byExchange[p.Exchange] = append(byExchange[p.Exchange], p)
	}

	for exchangeName, local := range byExchange {
		client, ok := s.clients[exchangeName]
		if !ok {
			s.logger.Error("no client for exchange with open positions", "exchange", exchangeName)
			continue
		}

		symbols := make([]string, 0, len(local))
		for _, p := range local {
			symbols = append(symbols, p.Symbol)
		}
		venuePositions, err := client.FetchPositions(ctx, symbols)
		if err != nil {
			s.logger.Error("fetch venue positions failed", "exchange", exchangeName, "error", err)
			continue
		}
		venueBySymbol := make(map[string]exchange.VenuePosition, len(venuePositions))
		for _, vp := range venuePositions {
			venueBySymbol[vp.Symbol] = vp
		}

		for _, p := range local {
			s.auditPosition(ctx, client, p, venueBySymbol)
		}
	}
	return nil
}

func (s *ReconciliationService) auditPosition(ctx context.Context, client exchange.Client, p types.Position, venue map[string]exchange.VenuePosition) {
	vp, found := venue[p.Symbol]
	switch {
	case !found:
		s.logger.Log(ctx, LevelCritical, "drift: position missing on venue",
			"symbol", p.Symbol,
			"exchange", p.Exchange,
			"strategy", p.Strategy,
			"local_quantity", p.Quantity)
		return
	case vp.Quantity == 0:
		s.logger.Log(ctx, LevelCritical, "drift: position closed on venue but open locally",
			"symbol", p.Symbol,
			"exchange", p.Exchange,
			"strategy", p.Strategy,
			"local_quantity", p.Quantity)
		return
	case math.Abs(vp.Quantity-p.Quantity) > quantityEpsilon:
		s.logger.Log(ctx, LevelCritical, "drift: quantity mismatch",
			"symbol", p.Symbol,
			"exchange", p.Exchange,
			"strategy", p.Strategy,
			"local_quantity", p.Quantity,
			"venue_quantity", vp.Quantity)
	}

	open, err := client.FetchOpenOrders(ctx, p.Symbol)
	if err != nil {
		s.logger.Error("fetch open orders failed", "symbol", p.Symbol, "error", err)
		return
	}
	if hasProtectiveStop(open, p) {
		return
	}

	s.logger.Log(ctx, LevelCritical, "drift: protective stop missing",
		"symbol", p.Symbol,
		"exchange", p.Exchange,
		"strategy", p.Strategy,
		"quantity", p.Quantity,
		"stop_price", p.StopPrice)

	if !s.cfg.Reconciliation.AutoRepair {
		return
	}
	payload := types.ReinstallStopPayload{
		Symbol:    p.Symbol,
		Exchange:  p.Exchange,
		Strategy:  p.Strategy,
		Quantity:  p.Quantity,
		StopPrice: p.StopPrice,
	}
	ev, err := bus.NewEvent(types.EventReinstallStop, payload)
	if err != nil {
		s.logger.Error("encode reinstall_stop failed", "error", err)
		return
	}
	if _, err := s.bus.Publish(ctx, s.cfg.Redis.Streams.Reconciliations, ev); err != nil {
		s.logger.Error("publish reinstall_stop failed", "error", err)
		return
	}
	s.logger.Info("stop reinstall requested", "symbol", p.Symbol, "strategy", p.Strategy)
}

// hasProtectiveStop reports whether a reduce-only stop-family order on the
// closing side is resting for the position.
func hasProtectiveStop(open []exchange.VenueOrder, p types.Position) bool {
	closeSide := string(types.Sell)
	if p.Quantity < 0 {
		closeSide = string(types.Buy)
	}
	for _, o := range open {
		if o.ReduceOnly && o.Side == closeSide && strings.HasPrefix(o.Type, "stop") {
			return true
		}
	}
	return false
}
