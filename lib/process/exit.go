// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ExitInterrupted is the status used when a run stops because the
// operator sent SIGINT or SIGTERM. The run can be resumed.
const ExitInterrupted = 130

// Fatal writes "error: err" to stderr and exits. Use it in main() for
// errors from run(), where the structured logger may not exist yet.
// A cancelled context exits with ExitInterrupted; anything else exits 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCode(err))
}

// ExitCode maps an error returned by run() to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return 1
	}
}
