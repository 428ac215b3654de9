// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package direction holds the calibration directions of one major
// cycle and the chains of solution artifacts each direction
// accumulates during self-calibration.
//
// A [Registry] is created by direction discovery, persisted after
// every self-calibration round, and reloaded on resume so a restarted
// run continues with identical directions instead of clustering
// again. The on-disk form is a CBOR envelope carrying a schema
// version, the cycle index, and a BLAKE3 checksum of the payload; a
// file that fails any of those checks is rejected with [ErrVersion]
// or [ErrChecksum] rather than read as an empty registry.
package direction
