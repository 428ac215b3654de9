// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the skycal binary.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time via -ldflags -X and default to "unknown" / "0.1.0-dev"
// in development builds and tests.
//
// The skycal binary logs [Info] when a run starts.
package version
