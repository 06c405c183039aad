// Package bus is the ordered, at-least-once message bus binding the pipeline
// services together. Two backends implement the same contract:
//
//   - Redis Streams (durable): per-stream append returning a server-assigned
//     monotonic message id, and a blocking read that resumes from a
//     client-held cursor. Survives process restarts.
//   - In-memory (tests, redis.enabled=false): a bounded FIFO queue per
//     stream with empty message ids; otherwise identical semantics.
//
// Delivery is at-least-once per consumer cursor and strictly FIFO per
// stream. Consume blocks up to the block duration and surfaces expiry as
// ErrTimeout, which callers treat as "try again". Transport errors are
// transient: the caller retries with the same cursor, which is safe because
// cursors are client-held.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout reports that Consume saw no message within its block window.
// Not an operator-facing error; loops continue on it.
var ErrTimeout = errors.New("bus: consume timed out")

// LastOnly is the cursor sentinel meaning "only messages appended after this
// consumer connected".
const LastOnly = "$"

// Bus is the duplex stream abstraction the services share.
type Bus interface {
	// Publish appends the event to the stream and returns the assigned
	// message id (empty for the in-memory backend).
	Publish(ctx context.Context, stream string, e Event) (string, error)

	// Consume returns the first event after lastID, blocking up to block.
	// The returned id becomes the caller's next cursor; callers must only
	// move their cursor forward.
	Consume(ctx context.Context, stream, lastID string, block time.Duration) (Event, string, error)

	Close() error
}
