// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package selfcal holds the per-round policy of direction-dependent
// self-calibration: which solution interval each round uses and when
// the loop switches on amplitude solving, stops, or is judged to have
// diverged.
package selfcal
