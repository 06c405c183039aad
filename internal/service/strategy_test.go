package service

import (
	"context"
	"testing"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/pkg/types"
)

func marketData(closePrice float64) bus.Event {
	ev, _ := bus.NewEvent(types.EventMarketData, types.MarketDataPayload{
		Exchange:  "paper",
		Symbol:    "BTC/USDT",
		Timeframe: "1m",
		Data: [][]float64{
			{1700000000000, closePrice, closePrice, closePrice, closePrice, 10},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	return ev
}

func newStrategyForTest(t *testing.T, b bus.Bus) *StrategyService {
	t.Helper()
	s := NewStrategyService(testConfig(), b, testLogger())
	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return s
}

func TestStrategyEmitsBuyOnUpwardCrossover(t *testing.T) {
	t.Parallel()
	b := bus.NewMemory(testLogger())
	s := newStrategyForTest(t, b)
	ctx := context.Background()

	// Flat warmup, then a jump that pulls the fast MA above the band.
	for _, close := range []float64{100, 100, 100, 110} {
		if err := s.handleMarketData(ctx, marketData(close), ""); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	ev := drain(t, b, "signals")
	if ev.Type != types.EventSignal {
		t.Fatalf("event type = %s", ev.Type)
	}
	var sig types.SignalPayload
	if err := ev.Decode(&sig); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sig.Decision != types.Buy {
		t.Errorf("decision = %s, want buy", sig.Decision)
	}
	if sig.Price != 110 {
		t.Errorf("price = %v, want 110", sig.Price)
	}
	// ATR over the last 3 closes (100, 100, 110) is 5; multiplier 2.
	if sig.Risk.StopDistance != 10 {
		t.Errorf("stop_distance = %v, want 10", sig.Risk.StopDistance)
	}
	// equity 100000 × 2% risk / stop 10.
	if sig.Risk.PositionSize != 200 {
		t.Errorf("position_size = %v, want 200", sig.Risk.PositionSize)
	}
	if sig.RiskApproved {
		t.Error("fresh signal must not be pre-approved")
	}
}

func TestStrategySilentInsideHysteresisBand(t *testing.T) {
	t.Parallel()
	b := bus.NewMemory(testLogger())
	s := newStrategyForTest(t, b)
	ctx := context.Background()

	// Drift of 0.01% stays well inside the 0.1% band.
	for _, close := range []float64{100, 100.01, 100.02, 100.03} {
		if err := s.handleMarketData(ctx, marketData(close), ""); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	expectEmpty(t, b, "signals")
}

func TestStrategyRequiresHistory(t *testing.T) {
	t.Parallel()
	b := bus.NewMemory(testLogger())
	s := newStrategyForTest(t, b)
	ctx := context.Background()

	// Exactly max(fast, slow, atr) closes is still one candle short: every
	// lookback window needs a full period plus the candle under evaluation.
	for _, close := range []float64{100, 100, 130} {
		if err := s.handleMarketData(ctx, marketData(close), ""); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	expectEmpty(t, b, "signals")
}

func TestStrategyFastLongerThanSlow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	// A fast period above the slow one must raise the history floor, not
	// slice out of bounds.
	cfg.Strategies[0].Parameters["fast_ma_period"] = 5
	b := bus.NewMemory(testLogger())
	s := NewStrategyService(cfg, b, testLogger())
	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx := context.Background()

	for _, close := range []float64{100, 100, 100, 110, 120} {
		if err := s.handleMarketData(ctx, marketData(close), ""); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	// Five closes is below the max(5, 3, 2)+1 floor.
	expectEmpty(t, b, "signals")
}

func TestStrategyReemitsWhileTrendPersists(t *testing.T) {
	t.Parallel()
	b := bus.NewMemory(testLogger())
	s := newStrategyForTest(t, b)
	ctx := context.Background()

	for _, close := range []float64{100, 100, 100, 110, 120, 130} {
		if err := s.handleMarketData(ctx, marketData(close), ""); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	// One signal per producing evaluation: the trend holds for three
	// candles, so three buys.
	for i := 0; i < 3; i++ {
		ev := drain(t, b, "signals")
		var sig types.SignalPayload
		if err := ev.Decode(&sig); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if sig.Decision != types.Buy {
			t.Errorf("signal %d decision = %s, want buy", i, sig.Decision)
		}
	}
	expectEmpty(t, b, "signals")
}

func TestStrategyParameterDefaults(t *testing.T) {
	t.Parallel()
	strat := newTrendStrategy(config.StrategyConfig{Name: "bare"})
	if strat.fastPeriod != 50 || strat.slowPeriod != 200 {
		t.Errorf("MA periods = %d/%d, want 50/200", strat.fastPeriod, strat.slowPeriod)
	}
	if strat.atrPeriod != 14 || strat.atrMult != 2.0 {
		t.Errorf("ATR params = %d/%v, want 14/2.0", strat.atrPeriod, strat.atrMult)
	}
	if strat.minHistory() != 201 {
		t.Errorf("minHistory = %d, want 201", strat.minHistory())
	}
}

func TestStrategyVolTargetingUsesConfiguredVolatility(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Risk.VolatilityTargeting = config.VolTargetConfig{Enabled: true, TargetPortfolioVol: 0.10}
	cfg.Strategies[0].Parameters["asset_volatility"] = 10.0
	b := bus.NewMemory(testLogger())
	s := NewStrategyService(cfg, b, testLogger())
	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ctx := context.Background()

	for _, close := range []float64{100, 100, 100, 110} {
		if err := s.handleMarketData(ctx, marketData(close), ""); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	ev := drain(t, b, "signals")
	var sig types.SignalPayload
	if err := ev.Decode(&sig); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Vol target: 100000 × 0.10 / 10 = 1000 of value, 100 units at a stop
	// of 10 — tighter than the 200 the 2% risk budget alone would allow.
	if sig.Risk.PositionSize != 100 {
		t.Errorf("position_size = %v, want 100", sig.Risk.PositionSize)
	}
}

func TestStrategyRejectsUnknownModule(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Strategies[0].Module = "mean_reversion"
	s := NewStrategyService(cfg, bus.NewMemory(testLogger()), testLogger())
	if err := s.Setup(context.Background()); err == nil {
		t.Fatal("expected setup error for unknown module")
	}
}
