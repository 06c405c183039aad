package riskmath

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPositionSizeRiskCapped(t *testing.T) {
	t.Parallel()

	// equity 100000, 2% per trade, stop 4.0 → 2000 / 4 = 500
	size, err := PositionSize(100000, 4.0, Settings{MaxRiskPerTrade: 0.02}, 0)
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if size != 500 {
		t.Errorf("size = %v, want 500", size)
	}
}

func TestPositionSizeNeverExceedsCap(t *testing.T) {
	t.Parallel()

	s := Settings{MaxRiskPerTrade: 0.02}
	for _, stop := range []float64{0.1, 1, 3.7, 42, 900} {
		size, err := PositionSize(250000, stop, s, 0)
		if err != nil {
			t.Fatalf("stop %v: %v", stop, err)
		}
		if cap := 0.02 * 250000 / stop; size > cap+1e-9 {
			t.Errorf("stop %v: size %v exceeds cap %v", stop, size, cap)
		}
	}
}

func TestPositionSizeRejectsBadStop(t *testing.T) {
	t.Parallel()

	for _, stop := range []float64{0, -1.5} {
		if _, err := PositionSize(100000, stop, Settings{}, 0); !errors.Is(err, ErrNonPositiveStop) {
			t.Errorf("stop %v: err = %v, want ErrNonPositiveStop", stop, err)
		}
	}
}

func TestPositionSizeVolTargeting(t *testing.T) {
	t.Parallel()

	s := Settings{
		MaxRiskPerTrade:    0.02,
		VolTargetEnabled:   true,
		TargetPortfolioVol: 0.10,
	}

	// asset vol 0.50 → vol-targeted value = 100000 × 0.2 = 20000 → size 20000/4 = 5000;
	// risk cap 500 is lower, so risk cap wins.
	size, err := PositionSize(100000, 4.0, s, 0.50)
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if size != 500 {
		t.Errorf("size = %v, want risk-capped 500", size)
	}

	// very volatile asset → vol target becomes the binding cap
	size, err = PositionSize(100000, 4.0, s, 20.0)
	if err != nil {
		t.Fatalf("PositionSize: %v", err)
	}
	if want := 100000 * (0.10 / 20.0) / 4.0; size != want {
		t.Errorf("size = %v, want vol-capped %v", size, want)
	}
}

func TestVolTargetedValueRejectsBadVol(t *testing.T) {
	t.Parallel()

	if _, err := VolTargetedValue(100000, 0.1, 0); !errors.Is(err, ErrNonPositiveVol) {
		t.Errorf("err = %v, want ErrNonPositiveVol", err)
	}
}

func TestCircuitBreakerHeat(t *testing.T) {
	t.Parallel()

	s := Settings{MaxPortfolioHeat: 0.06, BreakerDailyLoss: 0.05, BreakerDrawdown: 0.20}

	// exactly at the cap: 6000 ≤ 6000 does not trip
	state := PortfolioState{Equity: 100000, OpenRisk: 6000}
	if ApplyCircuitBreakers(state, s, discardLogger()) {
		t.Error("open_risk == max heat should not halt")
	}

	state.OpenRisk = 6000.01
	if !ApplyCircuitBreakers(state, s, discardLogger()) {
		t.Error("open_risk above max heat should halt")
	}
}

func TestCircuitBreakerDailyLoss(t *testing.T) {
	t.Parallel()

	s := Settings{BreakerDailyLoss: 0.05}
	state := PortfolioState{Equity: 100000, DailyLoss: -5000}
	if !ApplyCircuitBreakers(state, s, discardLogger()) {
		t.Error("daily loss at threshold should halt")
	}

	state.DailyLoss = -4999
	if ApplyCircuitBreakers(state, s, discardLogger()) {
		t.Error("daily loss under threshold should not halt")
	}
}

func TestCircuitBreakerDrawdown(t *testing.T) {
	t.Parallel()

	s := Settings{BreakerDrawdown: 0.20}
	state := PortfolioState{Equity: 100000, CumulativeDrawdown: -20000}
	if !ApplyCircuitBreakers(state, s, discardLogger()) {
		t.Error("drawdown at threshold should halt")
	}
}

func TestCircuitBreakerDefaultsAreLenient(t *testing.T) {
	t.Parallel()

	// Unset breaker thresholds default to 1.0 × equity; a flat portfolio
	// must never halt just because the config section was omitted.
	state := PortfolioState{Equity: 100000}
	if ApplyCircuitBreakers(state, Settings{}, discardLogger()) {
		t.Error("flat portfolio with empty settings should not halt")
	}
}
