package service

import (
	"context"
	"fmt"
	"log/slog"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/pkg/riskmath"
	"tradepipe/pkg/types"
)

// historyLimit bounds the per-symbol close buffer.
const historyLimit = 500

// StrategyService consumes market_data, maintains a rolling close history
// per (exchange, symbol), and evaluates every enabled strategy against each
// new candle. A produced decision is published as a signal carrying the
// strategy's sizing proposal.
type StrategyService struct {
	cfg        *config.Config
	bus        bus.Bus
	logger     *slog.Logger
	strategies []*trendStrategy
	history    map[string][]float64 // exchange|symbol → closes, oldest first
}

func NewStrategyService(cfg *config.Config, b bus.Bus, logger *slog.Logger) *StrategyService {
	return &StrategyService{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With("component", "strategy_service"),
		history: make(map[string][]float64),
	}
}

func (s *StrategyService) Name() string { return "strategy" }

// Setup instantiates the enabled strategies. An unknown module is a boot
// error: silently trading without a configured strategy is worse than
// refusing to start.
func (s *StrategyService) Setup(_ context.Context) error {
	for _, sc := range s.cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		switch sc.Module {
		case "trend_following":
			s.strategies = append(s.strategies, newTrendStrategy(sc))
			s.logger.Info("strategy loaded", "strategy", sc.Name, "module", sc.Module)
		default:
			return fmt.Errorf("unknown strategy module %q", sc.Module)
		}
	}
	if len(s.strategies) == 0 {
		return fmt.Errorf("no enabled strategies")
	}
	return nil
}

// Run reads market_data from the beginning of the stream so a restarted
// strategy process rebuilds its price history by replay.
func (s *StrategyService) Run(ctx context.Context) error {
	return consumeLoop(ctx, s.bus, s.cfg.Redis.Streams.MarketData, "0-0", s.logger, s.handleMarketData)
}

func (s *StrategyService) Stop(_ context.Context) error { return nil }

func (s *StrategyService) handleMarketData(ctx context.Context, ev bus.Event, _ string) error {
	if ev.Type != types.EventMarketData {
		return nil
	}
	var md types.MarketDataPayload
	if err := ev.Decode(&md); err != nil {
		return fmt.Errorf("decode market data: %w", err)
	}
	closePrice, ok := md.Close()
	if !ok {
		return nil
	}

	key := md.Exchange + "|" + md.Symbol
	closes := append(s.history[key], closePrice)
	if len(closes) > historyLimit {
		closes = closes[len(closes)-historyLimit:]
	}
	s.history[key] = closes

	for _, strat := range s.strategies {
		sig, ok := strat.evaluate(closes)
		if !ok {
			continue
		}
		size, err := riskmath.PositionSize(
			s.cfg.Risk.EquityPlaceholder,
			sig.stopDistance,
			s.cfg.Risk.Math(),
			strat.assetVol,
		)
		if err != nil {
			s.logger.Warn("sizing failed", "strategy", strat.name, "symbol", md.Symbol, "error", err)
			continue
		}

		payload := types.SignalPayload{
			Strategy:   strat.name,
			Exchange:   md.Exchange,
			Symbol:     md.Symbol,
			Decision:   sig.decision,
			Confidence: sig.confidence,
			Price:      closePrice,
			Risk: types.RiskParams{
				StopDistance: sig.stopDistance,
				PositionSize: size,
			},
		}
		out, err := bus.NewEvent(types.EventSignal, payload)
		if err != nil {
			return err
		}
		if _, err := s.bus.Publish(ctx, s.cfg.Redis.Streams.Signals, out); err != nil {
			return err
		}
		s.logger.Info("signal published",
			"strategy", strat.name,
			"symbol", md.Symbol,
			"decision", payload.Decision,
			"price", closePrice,
			"position_size", size)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Trend-following strategy
// ————————————————————————————————————————————————————————————————————————

// signalDraft is a strategy decision before sizing.
type signalDraft struct {
	decision     types.Side
	confidence   float64
	stopDistance float64
}

// trendStrategy is a moving-average crossover with a hysteresis band: the
// fast MA must clear the slow MA by 0.1% before a decision is made, so a
// flat tape does not flip-flop between buy and sell every candle. The stop
// distance is an ATR proxy (mean absolute close-to-close change) scaled by
// a configured multiplier. While the trend holds, a decision is re-emitted
// on every candle; a signal the risk gate rejected under full heat gets
// another chance once heat frees up.
type trendStrategy struct {
	name       string
	fastPeriod int
	slowPeriod int
	atrPeriod  int
	atrMult    float64
	assetVol   float64 // annualized volatility for vol targeting, 0 = unknown
}

const hysteresis = 0.001

func newTrendStrategy(sc config.StrategyConfig) *trendStrategy {
	return &trendStrategy{
		name:       sc.Name,
		fastPeriod: int(sc.ParamFloat("fast_ma_period", 50)),
		slowPeriod: int(sc.ParamFloat("slow_ma_period", 200)),
		atrPeriod:  int(sc.ParamFloat("atr_period", 14)),
		atrMult:    sc.ParamFloat("atr_multiplier", 2.0),
		assetVol:   sc.ParamFloat("asset_volatility", 0),
	}
}

// minHistory is the number of closes needed before any evaluation: one
// more than the longest lookback, so every window is fully populated.
func (t *trendStrategy) minHistory() int {
	longest := t.fastPeriod
	if t.slowPeriod > longest {
		longest = t.slowPeriod
	}
	if t.atrPeriod > longest {
		longest = t.atrPeriod
	}
	return longest + 1
}

// evaluate produces a decision when the fast MA sits outside the
// hysteresis band around the slow MA. Insufficient history produces
// nothing.
func (t *trendStrategy) evaluate(closes []float64) (signalDraft, bool) {
	if len(closes) < t.minHistory() {
		return signalDraft{}, false
	}

	fast := mean(closes[len(closes)-t.fastPeriod:])
	slow := mean(closes[len(closes)-t.slowPeriod:])

	var decision types.Side
	switch {
	case fast > slow*(1+hysteresis):
		decision = types.Buy
	case fast < slow*(1-hysteresis):
		decision = types.Sell
	default:
		return signalDraft{}, false
	}

	atr := meanAbsChange(closes[len(closes)-t.atrPeriod-1:])
	if atr <= 0 {
		return signalDraft{}, false
	}

	return signalDraft{
		decision:     decision,
		confidence:   0.6,
		stopDistance: atr * t.atrMult,
	}, true
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func meanAbsChange(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(xs)-1)
}
