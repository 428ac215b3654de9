// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsutil provides crash-safe file operations for state files
// that a resumed run must find either whole or absent.
package fsutil
