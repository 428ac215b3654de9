// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source used by skycal components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t according to this clock.
	Since(t time.Time) time.Duration
}

// Real returns a Clock backed by the standard library.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }
