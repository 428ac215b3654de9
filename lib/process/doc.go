// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers for the skycal binary:
// reporting an error that escaped run() and choosing the exit status.
package process
