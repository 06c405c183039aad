// Package orderid generates deterministic, collision-resistant client order
// ids. The id doubles as the system-wide idempotency key: resubmitting an
// order with the same id must be a no-op at the venue, so a replayed bus
// message that reaches the execution layer twice produces one live order.
package orderid

import (
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// digestSize yields 24 hex characters, short enough for every venue's
// clientOrderId field while keeping collisions out of reach.
const digestSize = 12

// Make returns the client order id for the given inputs: a blake2b-12 digest
// of "strategy:symbol:side:timestampNS:nonce", hex encoded. Identical inputs
// always yield the identical id.
func Make(strategy, symbol, side string, timestampNS int64, nonce int) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// blake2b.New only fails on invalid size or key; neither applies.
		panic(err)
	}
	fmt.Fprintf(h, "%s:%s:%s:%d:%d", strategy, symbol, side, timestampNS, nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// New returns an id stamped with the current wall clock. Used when no stable
// source timestamp exists, e.g. reconciler-initiated stop repairs.
func New(strategy, symbol, side string) string {
	return Make(strategy, symbol, side, time.Now().UnixNano(), 0)
}
