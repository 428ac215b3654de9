// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads skycal's run configuration.
//
// Configuration comes from a single file named by the --config flag or
// the SKYCAL_CONFIG environment variable. There is no discovery and no
// layering beyond built-in defaults. What ran is exactly what the file
// says, and the file's fingerprint is recorded with every session in
// the ledger.
//
// Files ending in .yaml or .yml are YAML. Files ending in .json or
// .jsonc are JSON with comments and trailing commas allowed. Unknown
// keys are rejected in both formats so that a misspelt option fails
// loudly instead of silently taking its default.
//
// Path values may reference ${SKYCAL_ROOT}, ${HOME}, or any environment
// variable, with an optional default: ${SCRATCH:-/tmp}.
package config
