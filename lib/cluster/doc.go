// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package cluster groups sky positions into calibration directions.
//
// [Grouper] runs a flux-weighted mean shift: every point repeatedly
// moves to the kernel-weighted mean of its neighbours until the
// positions settle, so points drift toward local flux peaks. Settled
// positions closer than the grouping distance are then linked into
// one cluster. The result is always a partition of the input indices.
package cluster
