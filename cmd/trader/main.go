// trader — an automated trading pipeline of cooperating services joined by
// an ordered message bus.
//
// Architecture:
//
//	main.go                        — cobra CLI: one subcommand per service
//	service/data.go                — polls exchange OHLCV, publishes market_data
//	service/strategy.go            — MA-crossover signals from rolling close history
//	service/risk.go                — heat cap, circuit breakers, leverage gate
//	service/execution.go           — idempotent order submission, stop-first protection
//	service/reconciliation.go      — venue drift audit, stop reinstall requests
//	service/monitor.go             — /live, /ready, /metrics, clock sync checks
//	bus/                           — Redis Streams (or in-memory) event transport
//	store/                         — orders, positions, account snapshots (SQLite/Postgres)
//	exchange/                      — Binance USDⓈ-M futures client + paper simulator
//
// Each service is its own process: `trader data`, `trader strategy`, and so
// on, all sharing one YAML config. Services communicate only through the
// bus and the relational store, so any one of them can restart without
// taking the pipeline down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tradepipe/internal/bus"
	"tradepipe/internal/config"
	"tradepipe/internal/service"
	"tradepipe/internal/store"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "trader",
		Short:         "Event-driven trading pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config/config.yaml", "path to YAML config")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override configured log level (debug|info|warn|error)")

	root.AddCommand(
		serviceCommand("data", "Poll market data and publish it on the bus"),
		serviceCommand("strategy", "Evaluate strategies against market data"),
		serviceCommand("risk", "Gate signals through portfolio risk checks"),
		serviceCommand("execution", "Submit approved signals to the venue"),
		serviceCommand("reconciliation", "Audit local state against the venue"),
		serviceCommand("monitor", "Serve health and metrics endpoints"),
	)

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func serviceCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runService(name)
		},
	}
}

func runService(name string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := buildService(ctx, name, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return service.Serve(ctx, runner, logger)
}

// buildService wires exactly the dependencies the named service uses.
func buildService(ctx context.Context, name string, cfg *config.Config, logger *slog.Logger) (service.Runner, func(), error) {
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	needBus := name != "monitor"
	needStore := name != "data" && name != "strategy"

	var b bus.Bus
	if needBus {
		var err error
		b, err = newBus(ctx, cfg, logger)
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, func() { b.Close() })
	}

	var st *store.Store
	if needStore {
		var err error
		st, err = store.Open(cfg.Database, logger)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		cleanups = append(cleanups, func() { st.Close() })
	}

	switch name {
	case "data":
		return service.NewDataService(cfg, b, logger), cleanup, nil
	case "strategy":
		return service.NewStrategyService(cfg, b, logger), cleanup, nil
	case "risk":
		return service.NewRiskService(cfg, b, st, logger), cleanup, nil
	case "execution":
		return service.NewExecutionService(cfg, b, st, logger), cleanup, nil
	case "reconciliation":
		return service.NewReconciliationService(cfg, b, st, logger), cleanup, nil
	case "monitor":
		return service.NewMonitorService(cfg, st, logger), cleanup, nil
	}
	cleanup()
	return nil, func() {}, fmt.Errorf("unknown service %q", name)
}

func newBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	if !cfg.Redis.Enabled {
		return bus.NewMemory(logger), nil
	}
	return bus.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.ClientName, logger)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.App.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}

	var handler slog.Handler
	if cfg.App.Environment == "development" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
