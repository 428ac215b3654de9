// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that stamp records (the checkpoint ledger, the task
// runner's invocation journal) accept a Clock instead of calling
// time.Now directly. Production code passes Real(); tests pass a
// FakeClock so timestamps and durations are deterministic:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	ledger, err := ledger.Open(ledger.Config{Path: path, Clock: c})
//	// ...
//	c.Advance(time.Minute)
package clock
