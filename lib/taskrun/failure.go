// Copyright 2026 The Skycal Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"errors"
	"fmt"
)

// ErrFailed is wrapped by every invocation failure. Test with
// errors.Is.
var ErrFailed = errors.New("invocation failed")

// ErrDryRun is returned by Capture in dry-run mode, where there is no
// output to capture.
var ErrDryRun = errors.New("dry run: command not executed")

// Failure describes one failed instantiation.
type Failure struct {
	Name    string
	Dataset string
	LogPath string

	// ExitCode is the process exit status, or -1 if it never ran to
	// completion.
	ExitCode int

	// Marker is the failure marker found in the log when the process
	// exited zero but reported an error.
	Marker string

	// Err is the launch or wait error, if any.
	Err error
}

func (f *Failure) Error() string {
	target := f.Name
	if f.Dataset != "" {
		target = f.Name + " on " + f.Dataset
	}
	switch {
	case f.Err != nil:
		return fmt.Sprintf("%s: %v (log %s)", target, f.Err, f.LogPath)
	case f.Marker != "":
		return fmt.Sprintf("%s: log contains %q (log %s)", target, f.Marker, f.LogPath)
	default:
		return fmt.Sprintf("%s: exit status %d (log %s)", target, f.ExitCode, f.LogPath)
	}
}

// Unwrap exposes ErrFailed and the underlying error.
func (f *Failure) Unwrap() []error {
	if f.Err != nil {
		return []error{ErrFailed, f.Err}
	}
	return []error{ErrFailed}
}
