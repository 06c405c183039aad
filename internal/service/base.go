// Package service implements the six pipeline services: data, strategy,
// risk, execution, reconciliation, and monitor. Each is a Runner driven by
// Serve, which walks Setup → Run → Stop and turns context cancellation into
// a clean shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradepipe/internal/bus"
)

// LevelCritical sits above slog.LevelError. Reserved for conditions that
// leave real money unprotected: a failed stop install or venue drift.
const LevelCritical = slog.Level(12)

// consumeBlock bounds each bus read so loops notice cancellation promptly.
const consumeBlock = 2 * time.Second

// Runner is the lifecycle every pipeline service implements.
type Runner interface {
	Name() string
	Setup(ctx context.Context) error
	// Run blocks until ctx is cancelled or a fatal error occurs.
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Serve runs one service to completion. Stop always runs, on its own
// timeout, even when Run returns an error.
func Serve(ctx context.Context, r Runner, logger *slog.Logger) error {
	logger.Info("service starting", "service", r.Name())
	if err := r.Setup(ctx); err != nil {
		return fmt.Errorf("%s setup: %w", r.Name(), err)
	}

	runErr := r.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		logger.Error("service stop failed", "service", r.Name(), "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("%s: %w", r.Name(), runErr)
	}
	logger.Info("service stopped", "service", r.Name())
	return nil
}

// consumeLoop drives a client-held cursor over one stream. The cursor only
// ever moves forward: it advances after each delivery, including deliveries
// whose handler failed, so a poison message cannot wedge the stream. The
// handler error is logged; redelivery safety comes from idempotent handlers,
// not from retrying here.
func consumeLoop(ctx context.Context, b bus.Bus, stream, cursor string, logger *slog.Logger, handle func(context.Context, bus.Event, string) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, id, err := b.Consume(ctx, stream, cursor, consumeBlock)
		switch {
		case errors.Is(err, bus.ErrTimeout):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case err != nil:
			logger.Error("consume failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handle(ctx, ev, id); err != nil {
			logger.Error("handler failed", "stream", stream, "type", ev.Type, "error", err)
		}
		if id != "" {
			cursor = id
		}
	}
}
