package service

import (
	"context"
	"testing"
	"time"

	"tradepipe/internal/bus"
)

// TestPipelineEndToEnd runs strategy, risk, and execution concurrently over
// the in-memory bus: published market data must flow through signal and
// approval into exactly one recorded dry-run order.
func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	b := bus.NewMemory(testLogger())
	st := testStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	strategy := NewStrategyService(cfg, b, testLogger())
	if err := strategy.Setup(ctx); err != nil {
		t.Fatalf("strategy setup: %v", err)
	}
	risk := NewRiskService(cfg, b, st, testLogger())
	execution := NewExecutionService(cfg, b, st, testLogger())
	if err := execution.Setup(ctx); err != nil {
		t.Fatalf("execution setup: %v", err)
	}

	go strategy.Run(ctx)
	go risk.Run(ctx)
	go execution.Run(ctx)

	// Flat tape, then a breakout: the fourth candle produces the signal.
	for _, close := range []float64{100, 100, 100, 110} {
		if _, err := b.Publish(ctx, cfg.Redis.Streams.MarketData, marketData(close)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		n, err := st.CountOrders(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no order recorded, have %d", n)
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Dry run: the order is on the books, the venue and positions are not.
	positions, err := st.OpenPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions = %+v, want none", positions)
	}

	// The trend persists, so the next candle produces another approved
	// signal and a second recorded order.
	if _, err := b.Publish(ctx, cfg.Redis.Streams.MarketData, marketData(120)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline = time.After(5 * time.Second)
	for {
		n, err := st.CountOrders(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("trend continuation produced no second order, have %d", n)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestPipelineHeatCapBlocksExecution seeds enough open risk that the risk
// gate rejects the strategy's signal before execution ever sees it.
func TestPipelineHeatCapBlocksExecution(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	b := bus.NewMemory(testLogger())
	st := testStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Open risk 6000 fills the entire 6% heat budget.
	if err := st.ApplyFill(ctx, "ETH/USDT", "paper", "trend", 600, 35, 25); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	strategy := NewStrategyService(cfg, b, testLogger())
	if err := strategy.Setup(ctx); err != nil {
		t.Fatalf("strategy setup: %v", err)
	}
	risk := NewRiskService(cfg, b, st, testLogger())
	execution := NewExecutionService(cfg, b, st, testLogger())
	if err := execution.Setup(ctx); err != nil {
		t.Fatalf("execution setup: %v", err)
	}

	go strategy.Run(ctx)
	go risk.Run(ctx)
	go execution.Run(ctx)

	for _, close := range []float64{100, 100, 100, 110} {
		if _, err := b.Publish(ctx, cfg.Redis.Streams.MarketData, marketData(close)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	time.Sleep(500 * time.Millisecond)
	n, err := st.CountOrders(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
}
