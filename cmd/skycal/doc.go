// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// skycal runs direction-dependent calibration of a radio
// interferometric field.
//
// A run works through major cycles. Each cycle clusters the current
// sky model into directions, self-calibrates the bright ones one at a
// time against the shared residual data, merges their solutions into
// a-term screens, and images the field with them. Every completed step
// is recorded in a SQLite ledger under paths.state, so an interrupted
// run resumes where it stopped:
//
//	skycal run --config ddcal.yaml
//	skycal run --config ddcal.yaml --dry-run
//	skycal status --config ddcal.yaml
//	skycal directions --config ddcal.yaml --cycle 0
//	skycal reset --config ddcal.yaml --prefix c01-
//
// The config path may also come from SKYCAL_CONFIG.
package main
