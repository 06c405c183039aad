package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Environment:  "development",
			BaseCurrency: "USD",
			DryRun:       true,
		},
		Database: config.DatabaseConfig{Engine: "sqlite", URL: ":memory:"},
		Redis: config.RedisConfig{
			Enabled: false,
			Streams: config.StreamsConfig{
				MarketData:      "market_data",
				Signals:         "signals",
				ApprovedSignals: "approved_signals",
				Orders:          "orders",
				Executions:      "executions",
				Reconciliations: "reconciliations",
			},
		},
		Risk: config.RiskConfig{
			MaxRiskPerTrade:   0.02,
			MaxPortfolioHeat:  0.06,
			MaxLeverage:       1.5,
			EquityPlaceholder: 100000,
			CircuitBreakers:   config.CircuitBreakerConfig{DailyLoss: 1.0, TotalDrawdown: 1.0},
		},
		Strategies: []config.StrategyConfig{{
			Name:    "trend",
			Enabled: true,
			Module:  "trend_following",
			Parameters: map[string]any{
				"fast_ma_period": 2,
				"slow_ma_period": 3,
				"atr_period":     2,
				"atr_multiplier": 2.0,
			},
		}},
		Data: config.DataConfig{PollInterval: time.Second},
		Reconciliation: config.ReconciliationConfig{
			Enabled:         true,
			IntervalSeconds: 1,
			AutoRepair:      true,
		},
		Exchanges: []config.ExchangeConfig{{Name: "paper", Module: "paper"}},
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{Engine: "sqlite", URL: ":memory:"}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// drain reads one event from the stream, failing the test on timeout.
func drain(t *testing.T, b bus.Bus, stream string) bus.Event {
	t.Helper()
	ev, _, err := b.Consume(context.Background(), stream, bus.LastOnly, time.Second)
	if err != nil {
		t.Fatalf("consume %s: %v", stream, err)
	}
	return ev
}

// expectEmpty asserts no event arrives on the stream within a short window.
func expectEmpty(t *testing.T, b bus.Bus, stream string) {
	t.Helper()
	_, _, err := b.Consume(context.Background(), stream, bus.LastOnly, 50*time.Millisecond)
	if err != bus.ErrTimeout {
		t.Fatalf("expected empty stream %s, got err=%v", stream, err)
	}
}
