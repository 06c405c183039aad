// Package riskmath holds the pure portfolio risk arithmetic shared by the
// strategy and risk services: stop-based position sizing, optional
// volatility targeting, and the circuit breakers that halt new trading.
//
// Everything here is side-effect free except for the breaker logging, so the
// same functions back both live evaluation and tests.
package riskmath

import (
	"errors"
	"log/slog"
)

// Settings are the tunables from the risk section of the config.
// Zero values fall back to the documented defaults at evaluation time, so a
// sparse risk section never disables sizing or trips a breaker instantly.
type Settings struct {
	MaxRiskPerTrade    float64 // fraction of equity risked per trade (default 0.02)
	MaxPortfolioHeat   float64 // cap on Σ open risk as fraction of equity (default 0.06)
	VolTargetEnabled   bool
	TargetPortfolioVol float64
	BreakerDailyLoss   float64 // halt when daily loss ≤ −x × equity (default 1.0)
	BreakerDrawdown    float64 // halt when drawdown ≤ −x × equity (default 1.0)
}

// PortfolioState is the snapshot the circuit breakers evaluate.
type PortfolioState struct {
	Equity             float64
	OpenRisk           float64 // Σ |entry − stop| × |qty| over open positions, plus the candidate
	CumulativeDrawdown float64
	DailyLoss          float64
	VolatilityScalar   float64
}

// ErrNonPositiveStop rejects sizing requests with a degenerate stop.
var ErrNonPositiveStop = errors.New("riskmath: stop_distance must be positive")

// ErrNonPositiveVol rejects volatility targeting with a degenerate asset vol.
var ErrNonPositiveVol = errors.New("riskmath: asset volatility must be positive")

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// VolTargetedValue returns the notional position value that scales the
// portfolio to the target volatility given the asset's volatility.
func VolTargetedValue(equity, targetVol, assetVol float64) (float64, error) {
	if assetVol <= 0 {
		return 0, ErrNonPositiveVol
	}
	return equity * (targetVol / assetVol), nil
}

// PositionSize returns the notional size for a trade whose stop sits
// stopDistance away from entry. The size never risks more than
// MaxRiskPerTrade × equity; with volatility targeting enabled and a known
// asset vol, the vol-targeted size further caps it.
func PositionSize(equity, stopDistance float64, s Settings, assetVol float64) (float64, error) {
	if stopDistance <= 0 {
		return 0, ErrNonPositiveStop
	}
	maxRisk := equity * orDefault(s.MaxRiskPerTrade, 0.02)
	size := maxRisk / stopDistance

	if s.VolTargetEnabled && assetVol > 0 {
		value, err := VolTargetedValue(equity, s.TargetPortfolioVol, assetVol)
		if err != nil {
			return 0, err
		}
		if volSize := value / stopDistance; volSize < size {
			size = volSize
		}
	}
	return size, nil
}

// ApplyCircuitBreakers reports whether trading should halt for the given
// portfolio state. Each tripped breaker is logged before returning.
func ApplyCircuitBreakers(state PortfolioState, s Settings, logger *slog.Logger) bool {
	if state.DailyLoss <= -orDefault(s.BreakerDailyLoss, 1.0)*state.Equity {
		logger.Error("circuit breaker: daily loss", "daily_loss", state.DailyLoss)
		return true
	}
	if state.CumulativeDrawdown <= -orDefault(s.BreakerDrawdown, 1.0)*state.Equity {
		logger.Error("circuit breaker: drawdown", "drawdown", state.CumulativeDrawdown)
		return true
	}
	maxHeat := orDefault(s.MaxPortfolioHeat, 0.06) * state.Equity
	if state.OpenRisk > maxHeat {
		logger.Error("circuit breaker: portfolio heat",
			"open_risk", state.OpenRisk,
			"max_heat", maxHeat,
		)
		return true
	}
	return false
}
