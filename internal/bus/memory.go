package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// memoryStreamCap bounds each in-process stream. The bus is the only
// throttle between stages, so a full queue makes Publish block rather than
// letting an unbounded backlog grow.
const memoryStreamCap = 4096

// MemoryBus is the in-process backend: one FIFO queue per stream. Message
// ids are empty and cursors are ignored: each queue has exactly one logical
// consumer, matching how the pipeline wires streams one-to-one.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string]chan Event
	logger  *slog.Logger
}

// NewMemory creates an in-process bus. Used when redis.enabled is false and
// throughout the test suite.
func NewMemory(logger *slog.Logger) *MemoryBus {
	logger.Warn("event bus running in-memory; events do not survive restarts")
	return &MemoryBus{
		streams: make(map[string]chan Event),
		logger:  logger.With("component", "bus"),
	}
}

func (b *MemoryBus) stream(name string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.streams[name]
	if !ok {
		ch = make(chan Event, memoryStreamCap)
		b.streams[name] = ch
	}
	return ch
}

// Publish enqueues the event, blocking if the stream buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, stream string, e Event) (string, error) {
	select {
	case b.stream(stream) <- e:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume dequeues the next event, waiting up to block before ErrTimeout.
func (b *MemoryBus) Consume(ctx context.Context, stream, lastID string, block time.Duration) (Event, string, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case e := <-b.stream(stream):
		return e, "", nil
	case <-timer.C:
		return Event{}, "", ErrTimeout
	case <-ctx.Done():
		return Event{}, "", ctx.Err()
	}
}

// Close drops all queues.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = make(map[string]chan Event)
	return nil
}
