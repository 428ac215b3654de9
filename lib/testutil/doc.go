// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for skycal packages:
// a recording fake process executor, fixture writers, and a logger
// that routes through testing.T.
package testutil
