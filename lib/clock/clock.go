// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake(t) and advance it explicitly.
//
// Every production loop that waits on a ticker or timer goes through
// this interface instead of the time package, so the fleet rescan and
// rotation schedules can be driven deterministically under test.
package clock

import "time"

// Clock provides the time operations bunkerd needs: current time,
// one-shot waits, and periodic ticks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on its C channel
	// at the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C, call Stop when
// done. The C channel has capacity 1; if the consumer falls behind,
// ticks are dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks arrive on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
