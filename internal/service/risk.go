package service

import (
	"context"
	"fmt"
	"log/slog"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/internal/store"
	"tradepipe/pkg/riskmath"
	"tradepipe/pkg/types"
)

// RiskService is the gate between strategy intent and execution. Every
// signal is checked against portfolio heat, circuit breakers, and the
// leverage cap; only approved signals are republished, byte-for-byte except
// for the risk_approved flag.
type RiskService struct {
	cfg    *config.Config
	bus    bus.Bus
	store  *store.Store
	logger *slog.Logger
}

func NewRiskService(cfg *config.Config, b bus.Bus, st *store.Store, logger *slog.Logger) *RiskService {
	return &RiskService{
		cfg:    cfg,
		bus:    b,
		store:  st,
		logger: logger.With("component", "risk_service"),
	}
}

func (s *RiskService) Name() string { return "risk" }

func (s *RiskService) Setup(_ context.Context) error { return nil }

func (s *RiskService) Run(ctx context.Context) error {
	return consumeLoop(ctx, s.bus, s.cfg.Redis.Streams.Signals, "0-0", s.logger, s.handleSignal)
}

func (s *RiskService) Stop(_ context.Context) error { return nil }

func (s *RiskService) handleSignal(ctx context.Context, ev bus.Event, _ string) error {
	if ev.Type != types.EventSignal {
		return nil
	}
	var sig types.SignalPayload
	if err := ev.Decode(&sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	// A signal without sizing fields cannot be evaluated. Dropped, not
	// errored: the producer is the bug, not the stream.
	if sig.Risk.StopDistance <= 0 || sig.Risk.PositionSize <= 0 || sig.Price <= 0 {
		s.logger.Warn("signal missing risk fields, dropped",
			"strategy", sig.Strategy, "symbol", sig.Symbol,
			"stop_distance", sig.Risk.StopDistance,
			"position_size", sig.Risk.PositionSize)
		return nil
	}

	equity, err := s.equity(ctx)
	if err != nil {
		return err
	}
	openRisk, err := s.store.OpenRisk(ctx)
	if err != nil {
		return err
	}

	// Candidate heat counts as if the trade were already on.
	candidateRisk := sig.Risk.PositionSize * sig.Risk.StopDistance
	state := riskmath.PortfolioState{
		Equity:   equity,
		OpenRisk: openRisk + candidateRisk,
	}
	if riskmath.ApplyCircuitBreakers(state, s.cfg.Risk.Math(), s.logger) {
		s.logger.Warn("signal rejected by circuit breakers",
			"strategy", sig.Strategy, "symbol", sig.Symbol,
			"open_risk", openRisk, "candidate_risk", candidateRisk, "equity", equity)
		return nil
	}

	if maxLev := s.cfg.Risk.MaxLeverage; maxLev > 0 {
		if leverage := sig.Risk.PositionSize / equity; leverage > maxLev {
			s.logger.Warn("signal rejected: leverage cap",
				"strategy", sig.Strategy, "symbol", sig.Symbol,
				"leverage", leverage, "max_leverage", maxLev)
			return nil
		}
	}

	sig.RiskApproved = true
	out, err := bus.NewEvent(types.EventApprovedSignal, sig)
	if err != nil {
		return err
	}
	if _, err := s.bus.Publish(ctx, s.cfg.Redis.Streams.ApprovedSignals, out); err != nil {
		return err
	}
	s.logger.Info("signal approved",
		"strategy", sig.Strategy, "symbol", sig.Symbol,
		"decision", sig.Decision, "position_size", sig.Risk.PositionSize)
	return nil
}

// equity returns the latest recorded account equity, falling back to the
// configured placeholder before the first snapshot exists.
func (s *RiskService) equity(ctx context.Context) (float64, error) {
	equity, ok, err := s.store.LatestEquity(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.cfg.Risk.EquityPlaceholder, nil
	}
	return equity, nil
}
