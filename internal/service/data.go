package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/internal/exchange"
	"tradepipe/pkg/types"
)

// DataService polls OHLCV candles from every configured exchange and
// publishes them on the market_data stream. One clock drives all venues; a
// failing symbol is logged and skipped so the rest of the poll proceeds.
type DataService struct {
	cfg     *config.Config
	bus     bus.Bus
	clients map[string]exchange.Client // by exchange name
	logger  *slog.Logger
}

func NewDataService(cfg *config.Config, b bus.Bus, logger *slog.Logger) *DataService {
	return &DataService{
		cfg:     cfg,
		bus:     b,
		clients: make(map[string]exchange.Client),
		logger:  logger.With("component", "data_service"),
	}
}

func (s *DataService) Name() string { return "data" }

// Setup connects one client per configured exchange.
func (s *DataService) Setup(_ context.Context) error {
	if len(s.cfg.Exchanges) == 0 {
		return fmt.Errorf("no exchanges configured")
	}
	for _, ex := range s.cfg.Exchanges {
		c, err := exchange.New(ex, s.logger)
		if err != nil {
			return fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		s.clients[ex.Name] = c
		s.logger.Info("exchange connected", "exchange", ex.Name, "sandbox", ex.Sandbox, "symbols", len(ex.Symbols))
	}
	return nil
}

// Run polls immediately and then on every tick.
func (s *DataService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Data.PollInterval)
	defer ticker.Stop()

	s.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *DataService) pollAll(ctx context.Context) {
	for _, ex := range s.cfg.Exchanges {
		client := s.clients[ex.Name]
		for _, symbol := range ex.Symbols {
			if err := s.pollSymbol(ctx, client, ex.Name, symbol); err != nil {
				s.logger.Error("poll failed", "exchange", ex.Name, "symbol", symbol, "error", err)
			}
		}
	}
}

// pollSymbol fetches the last two 1m candles (the closed one plus the
// in-progress one) and publishes them as a market_data event.
func (s *DataService) pollSymbol(ctx context.Context, client exchange.Client, exchangeName, symbol string) error {
	candles, err := client.FetchOHLCV(ctx, symbol, "1m", 2)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	payload := types.MarketDataPayload{
		Exchange:  exchangeName,
		Symbol:    symbol,
		Timeframe: "1m",
		Data:      candles,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	ev, err := bus.NewEvent(types.EventMarketData, payload)
	if err != nil {
		return err
	}
	if _, err := s.bus.Publish(ctx, s.cfg.Redis.Streams.MarketData, ev); err != nil {
		return err
	}
	s.logger.Debug("market data published", "exchange", exchangeName, "symbol", symbol)
	return nil
}

// Stop closes the exchange clients.
func (s *DataService) Stop(_ context.Context) error {
	for name, c := range s.clients {
		if err := c.Close(); err != nil {
			s.logger.Error("close exchange failed", "exchange", name, "error", err)
		}
	}
	return nil
}
