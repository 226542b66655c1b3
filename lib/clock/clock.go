// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations Voxgate performs so that tests
// can control them. Production code injects Real(); tests inject
// Fake() and advance it deterministically.
//
// Code that would call time.Now or time.After should accept a Clock
// (or be a method on a struct carrying one) instead of reaching for
// the time package directly. The permission engine's approval timeout
// is the main consumer.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After. If d <= 0,
	// the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}
