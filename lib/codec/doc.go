// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides skycal's CBOR encoding configuration.
//
// On-disk state that must survive a crash and be reloaded bit-for-bit
// (the direction registry) is CBOR. Human-facing output (the CLI, the
// invocation journal, the run log) is JSON or text.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same registry always produces identical bytes. The registry envelope
// relies on that to checksum its payload.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types that are only ever stored as CBOR use `cbor` struct tags.
// Types that are also printed as JSON by the CLI use `json` tags, which
// fxamacker/cbor reads as a fallback.
package codec
